// Package crdt implements the mergeable field types used to represent entity
// fields so that concurrent edits converge deterministically. The four kinds
// form a closed set; adding a kind is a schema change, not open polymorphism.
package crdt

import (
	"bytes"
	"encoding/json"

	"github.com/carebridge/medsync/clock"
)

// Register is a last-writer register holding a value together with the vector
// clock at write time. When two writes are causally ordered the later one
// wins. Concurrent writes break ties by replica ID ordering (the write from
// the lexicographically greater replica ID wins), never by wall-clock
// timestamp. This is the explicit, reproducible tie-break rule: wall clocks
// skew across devices, replica IDs do not.
type Register struct {
	Value   json.RawMessage    `json:"value"`
	Clock   *clock.VectorClock `json:"clock"`
	Replica string             `json:"replica"`
}

// NewRegister creates a Register from an already-encoded JSON value.
func NewRegister(value json.RawMessage, c *clock.VectorClock, replica string) *Register {
	return &Register{Value: value, Clock: c.Clone(), Replica: replica}
}

// NewRegisterString is a convenience constructor for string-valued fields.
func NewRegisterString(value string, c *clock.VectorClock, replica string) *Register {
	encoded, _ := json.Marshal(value)
	return &Register{Value: encoded, Clock: c.Clone(), Replica: replica}
}

// StringValue decodes the register value as a string. Returns "" if the value
// is not a JSON string.
func (r *Register) StringValue() string {
	var s string
	_ = json.Unmarshal(r.Value, &s)
	return s
}

// Merge returns the winning register of r and other. The result carries the
// merged causal history of both inputs so repeated merges are idempotent.
func (r *Register) Merge(other *Register) *Register {
	if other == nil {
		return r.clone()
	}
	if r == nil {
		return other.clone()
	}

	winner := r
	switch r.Clock.Compare(other.Clock) {
	case clock.Before:
		winner = other
	case clock.After:
		winner = r
	default:
		// Concurrent or equal clocks: deterministic replica-ID tie-break.
		if other.Replica > r.Replica {
			winner = other
		} else if other.Replica == r.Replica && bytes.Compare(other.Value, r.Value) > 0 {
			winner = other
		}
	}

	merged := winner.clone()
	_ = merged.Clock.Merge(r.Clock)
	_ = merged.Clock.Merge(other.Clock)
	return merged
}

func (r *Register) clone() *Register {
	if r == nil {
		return nil
	}
	value := make(json.RawMessage, len(r.Value))
	copy(value, r.Value)
	return &Register{Value: value, Clock: r.Clock.Clone(), Replica: r.Replica}
}

// Equal reports whether two registers hold the same value, clock, and writer.
func (r *Register) Equal(other *Register) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Replica == other.Replica &&
		bytes.Equal(r.Value, other.Value) &&
		r.Clock.Equal(other.Clock)
}
