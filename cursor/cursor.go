// Package cursor defines the opaque sync cursors that mark how far a replica
// has acknowledged pulls from a remote endpoint, plus a stable wire codec for
// exchanging them over transports.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const (
	KindSequence = "sequence"
	KindVector   = "vector"
)

// Cursor marks a position in a remote change feed. Cursors are opaque to the
// orchestrator; only the endpoint that issued a cursor can interpret it.
type Cursor interface {
	Kind() string

	// IsZero reports whether this is the initial "from the beginning" cursor.
	IsZero() bool
}

// Codec marshals cursors of one kind to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (Cursor, error)
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

// Register installs a codec for its kind, replacing any previous codec.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

// Lookup returns the codec for a kind.
func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024 // 64 KB

// WireCursor is the kind-tagged union for transport (HTTP JSON).
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalWire encodes a cursor into its wire form.
func MarshalWire(c Cursor) (*WireCursor, error) {
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

// ValidateWireCursor checks size and kind before unmarshaling.
func ValidateWireCursor(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := Lookup(wc.Kind); !ok {
		return fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return nil
}

// UnmarshalWire decodes a wire cursor back into a Cursor.
func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if err := ValidateWireCursor(wc); err != nil {
		return nil, err
	}
	codec, _ := Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

// SequenceCursor is a simple high-water mark over a remote endpoint's
// append-only change log.
type SequenceCursor struct {
	Seq uint64
}

func (SequenceCursor) Kind() string { return KindSequence }

func (sc SequenceCursor) IsZero() bool { return sc.Seq == 0 }

func (sc SequenceCursor) String() string { return fmt.Sprintf("%d", sc.Seq) }

type sequenceCodec struct{}

func (sequenceCodec) Kind() string { return KindSequence }

func (sequenceCodec) Marshal(c Cursor) (json.RawMessage, error) {
	sc, ok := c.(SequenceCursor)
	if !ok {
		return nil, fmt.Errorf("expected SequenceCursor, got %T", c)
	}
	return json.Marshal(sc.Seq)
}

func (sequenceCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return SequenceCursor{Seq: seq}, nil
}

// VectorCursor is a dotted-vector summary: map[replica]counter. Endpoints
// that track per-replica feeds hand these out instead of sequence numbers.
type VectorCursor struct {
	Counters map[string]uint64
}

func (VectorCursor) Kind() string { return KindVector }

func (vc VectorCursor) IsZero() bool { return len(vc.Counters) == 0 }

func (vc VectorCursor) String() string {
	data, _ := json.Marshal(vc.Counters)
	return string(data)
}

type vectorCodec struct{}

func (vectorCodec) Kind() string { return KindVector }

func (vectorCodec) Marshal(c Cursor) (json.RawMessage, error) {
	vc, ok := c.(VectorCursor)
	if !ok {
		return nil, fmt.Errorf("expected VectorCursor, got %T", c)
	}
	return json.Marshal(vc.Counters)
}

func (vectorCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return VectorCursor{Counters: m}, nil
}

func init() {
	Register(sequenceCodec{})
	Register(vectorCodec{})
}

// NewSequence creates a SequenceCursor with the given sequence number.
func NewSequence(seq uint64) SequenceCursor {
	return SequenceCursor{Seq: seq}
}

// NewVector creates a VectorCursor with the given counters.
func NewVector(counters map[string]uint64) VectorCursor {
	return VectorCursor{Counters: counters}
}

// Encode serializes a cursor with its kind tag into a single JSON blob,
// suitable for durable storage of the last acknowledged cursor.
func Encode(c Cursor) (string, error) {
	if c == nil {
		return "", nil
	}
	wc, err := MarshalWire(c)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(wc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode reverses Encode. An empty string yields a nil cursor, meaning
// "from the beginning".
func Decode(s string) (Cursor, error) {
	if s == "" {
		return nil, nil
	}
	var wc WireCursor
	if err := json.Unmarshal([]byte(s), &wc); err != nil {
		return nil, err
	}
	return UnmarshalWire(&wc)
}
