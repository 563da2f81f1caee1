package crdt

import (
	"encoding/json"
	"sort"
)

// GSet is a grow-only set: merge is set union and removal is not supported.
// Used for fields that must never lose information, such as recorded
// allergies.
type GSet struct {
	elements map[string]struct{}
}

// NewGSet creates a GSet containing the given elements.
func NewGSet(elements ...string) *GSet {
	s := &GSet{elements: make(map[string]struct{}, len(elements))}
	for _, e := range elements {
		s.elements[e] = struct{}{}
	}
	return s
}

// Add inserts an element. Adding an existing element is a no-op.
func (s *GSet) Add(element string) {
	if s.elements == nil {
		s.elements = make(map[string]struct{})
	}
	s.elements[element] = struct{}{}
}

// Contains reports whether the element is in the set.
func (s *GSet) Contains(element string) bool {
	if s == nil {
		return false
	}
	_, ok := s.elements[element]
	return ok
}

// Elements returns the set contents in sorted order.
func (s *GSet) Elements() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.elements))
	for e := range s.elements {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of elements.
func (s *GSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.elements)
}

// Merge returns the union of both sets.
func (s *GSet) Merge(other *GSet) *GSet {
	merged := NewGSet()
	if s != nil {
		for e := range s.elements {
			merged.elements[e] = struct{}{}
		}
	}
	if other != nil {
		for e := range other.elements {
			merged.elements[e] = struct{}{}
		}
	}
	return merged
}

// MarshalJSON encodes the set as a sorted array for a stable wire form.
func (s *GSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Elements())
}

// UnmarshalJSON decodes the set from an array of elements.
func (s *GSet) UnmarshalJSON(data []byte) error {
	var elements []string
	if err := json.Unmarshal(data, &elements); err != nil {
		return err
	}
	s.elements = make(map[string]struct{}, len(elements))
	for _, e := range elements {
		s.elements[e] = struct{}{}
	}
	return nil
}

// ORSet is an add/remove set with per-element add and remove timestamps.
// An element is present if its most recent add timestamp strictly exceeds its
// most recent remove timestamp. Merge takes, per element, the maximum add
// timestamp and maximum remove timestamp independently, then re-evaluates
// presence, which makes the merge commutative, associative, and idempotent.
//
// Timestamps are logical (caller-supplied, monotone per replica); the engine
// derives them from entity versions rather than wall clocks.
type ORSet struct {
	Adds    map[string]uint64 `json:"adds"`
	Removes map[string]uint64 `json:"removes"`
}

// NewORSet creates an empty ORSet.
func NewORSet() *ORSet {
	return &ORSet{
		Adds:    make(map[string]uint64),
		Removes: make(map[string]uint64),
	}
}

// Add records an add of element at ts, keeping the maximum add timestamp.
func (s *ORSet) Add(element string, ts uint64) {
	if s.Adds == nil {
		s.Adds = make(map[string]uint64)
	}
	if current, ok := s.Adds[element]; !ok || ts > current {
		s.Adds[element] = ts
	}
}

// Remove records a removal of element at ts, keeping the maximum remove
// timestamp.
func (s *ORSet) Remove(element string, ts uint64) {
	if s.Removes == nil {
		s.Removes = make(map[string]uint64)
	}
	if current, ok := s.Removes[element]; !ok || ts > current {
		s.Removes[element] = ts
	}
}

// Contains reports whether the element is currently present.
func (s *ORSet) Contains(element string) bool {
	if s == nil {
		return false
	}
	addTS, added := s.Adds[element]
	if !added {
		return false
	}
	return addTS > s.Removes[element]
}

// Elements returns the currently present elements in sorted order.
func (s *ORSet) Elements() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Adds))
	for e := range s.Adds {
		if s.Contains(e) {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Merge combines both sets by taking per-element maxima of the add and remove
// timestamps independently.
func (s *ORSet) Merge(other *ORSet) *ORSet {
	merged := NewORSet()
	if s != nil {
		for e, ts := range s.Adds {
			merged.Add(e, ts)
		}
		for e, ts := range s.Removes {
			merged.Remove(e, ts)
		}
	}
	if other != nil {
		for e, ts := range other.Adds {
			merged.Add(e, ts)
		}
		for e, ts := range other.Removes {
			merged.Remove(e, ts)
		}
	}
	return merged
}
