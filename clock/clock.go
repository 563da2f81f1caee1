// Package clock implements per-entity vector clocks for tracking causality
// between replicas without synchronized wall clocks.
package clock

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Ordering is the causal relationship between two vector clocks.
// Exactly one ordering holds for any pair of well-formed clocks.
type Ordering int

const (
	// Before means every counter in a is <= the corresponding counter in b
	// and at least one is strictly less.
	Before Ordering = iota

	// After is the symmetric case of Before.
	After

	// Equal means all counters match.
	Equal

	// Concurrent means neither clock dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Vector clock constraints
const (
	// MaxReplicaIDLength is the maximum allowed length for a replica ID
	MaxReplicaIDLength = 255

	// MaxReplicas is the maximum number of replicas that can be tracked.
	// This prevents memory issues from unbounded growth.
	MaxReplicas = 1000
)

// ClockError represents errors that can occur during vector clock operations
type ClockError struct {
	Msg string
}

func (e *ClockError) Error() string {
	return e.Msg
}

// VectorClock maps a replica ID to its logical counter. Each replica
// increments only its own counter and observes the others'.
type VectorClock struct {
	counters map[string]uint64
}

// New creates an empty VectorClock.
func New() *VectorClock {
	return &VectorClock{
		counters: make(map[string]uint64),
	}
}

// FromMap creates a VectorClock from a map of replica IDs to counters.
// The input map is copied to prevent external mutations.
func FromMap(counters map[string]uint64) *VectorClock {
	vc := New()
	for replicaID, counter := range counters {
		vc.counters[replicaID] = counter
	}
	return vc
}

// Parse deserializes a JSON string into a VectorClock.
// The expected format is a JSON object mapping replica IDs to counters:
// {"device-1": 5, "device-2": 3}
func Parse(data string) (*VectorClock, error) {
	if strings.TrimSpace(data) == "" || data == "{}" {
		return New(), nil
	}

	vc := New()
	if err := json.Unmarshal([]byte(data), &vc.counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector clock from '%s': %w", data, err)
	}

	for replicaID := range vc.counters {
		if replicaID == "" {
			return nil, fmt.Errorf("vector clock contains empty replica ID")
		}
	}

	return vc, nil
}

// Increment increases the logical counter for a given replica ID.
// This is called whenever a replica commits a new change. A replica must
// only ever increment its own counter.
//
// Returns an error if:
// - The replica ID is empty
// - The replica ID exceeds MaxReplicaIDLength
// - Adding this replica would exceed MaxReplicas
func (vc *VectorClock) Increment(replicaID string) error {
	if replicaID == "" {
		return &ClockError{Msg: "replica ID cannot be empty"}
	}

	if len(replicaID) > MaxReplicaIDLength {
		return &ClockError{Msg: fmt.Sprintf("replica ID length exceeds maximum of %d characters", MaxReplicaIDLength)}
	}

	if _, exists := vc.counters[replicaID]; !exists && len(vc.counters) >= MaxReplicas {
		return &ClockError{Msg: fmt.Sprintf("cannot track more than %d replicas", MaxReplicas)}
	}

	vc.counters[replicaID]++
	return nil
}

// Merge combines this vector clock with another, taking the pointwise maximum
// per replica ID over the union of both clocks. Absent IDs are treated as 0.
// Merge is commutative, associative, and idempotent.
func (vc *VectorClock) Merge(other *VectorClock) error {
	if other == nil {
		return nil
	}

	newReplicaCount := 0
	for replicaID := range other.counters {
		if len(replicaID) > MaxReplicaIDLength {
			return &ClockError{Msg: fmt.Sprintf("other clock contains replica ID exceeding maximum length of %d", MaxReplicaIDLength)}
		}
		if _, exists := vc.counters[replicaID]; !exists {
			newReplicaCount++
		}
	}

	if len(vc.counters)+newReplicaCount > MaxReplicas {
		return &ClockError{Msg: fmt.Sprintf("merging would exceed maximum of %d replicas", MaxReplicas)}
	}

	for replicaID, otherCounter := range other.counters {
		if currentCounter, exists := vc.counters[replicaID]; !exists || otherCounter > currentCounter {
			vc.counters[replicaID] = otherCounter
		}
	}

	return nil
}

// Compare determines the causal relationship between two vector clocks.
// A nil other is treated as the zero clock.
//
// The comparison follows the standard vector clock partial ordering:
// - a Before b if a[i] <= b[i] for all i, and a[j] < b[j] for at least one j
// - a After b if b Before a
// - Equal if all counters match
// - Concurrent otherwise
func (vc *VectorClock) Compare(other *VectorClock) Ordering {
	if other == nil {
		other = New()
	}

	allReplicas := make(map[string]struct{}, len(vc.counters)+len(other.counters))
	for replicaID := range vc.counters {
		allReplicas[replicaID] = struct{}{}
	}
	for replicaID := range other.counters {
		allReplicas[replicaID] = struct{}{}
	}

	thisLess := false
	otherLess := false

	for replicaID := range allReplicas {
		thisCounter := vc.counters[replicaID]   // defaults to 0 if not present
		otherCounter := other.counters[replicaID]

		if thisCounter < otherCounter {
			thisLess = true
		} else if thisCounter > otherCounter {
			otherLess = true
		}
	}

	switch {
	case thisLess && !otherLess:
		return Before
	case otherLess && !thisLess:
		return After
	case !thisLess && !otherLess:
		return Equal
	default:
		return Concurrent
	}
}

// String serializes the VectorClock to a JSON string for storage or transport.
func (vc *VectorClock) String() string {
	if vc.IsZero() {
		return "{}"
	}

	data, err := json.Marshal(vc.counters)
	if err != nil {
		// Cannot happen with a map[string]uint64, but handle gracefully
		return fmt.Sprintf(`{"error":"serialization failed: %s"}`, err.Error())
	}

	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	if vc == nil || vc.counters == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(vc.counters)
}

// UnmarshalJSON implements json.Unmarshaler.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	counters := make(map[string]uint64)
	if err := json.Unmarshal(data, &counters); err != nil {
		return err
	}
	vc.counters = counters
	return nil
}

// IsZero returns true if no replica has been observed in this clock.
func (vc *VectorClock) IsZero() bool {
	return vc == nil || len(vc.counters) == 0
}

// Clone creates a deep copy of the VectorClock.
func (vc *VectorClock) Clone() *VectorClock {
	clone := New()
	if vc == nil {
		return clone
	}
	for replicaID, counter := range vc.counters {
		clone.counters[replicaID] = counter
	}
	return clone
}

// Counter returns the counter for a specific replica ID.
// Returns 0 if the replica has not been observed in this clock.
func (vc *VectorClock) Counter(replicaID string) uint64 {
	if vc == nil {
		return 0
	}
	return vc.counters[replicaID]
}

// Counters returns a copy of the internal counter map.
func (vc *VectorClock) Counters() map[string]uint64 {
	result := make(map[string]uint64, len(vc.counters))
	for replicaID, counter := range vc.counters {
		result[replicaID] = counter
	}
	return result
}

// Size returns the number of replicas tracked by this vector clock.
func (vc *VectorClock) Size() int {
	if vc == nil {
		return 0
	}
	return len(vc.counters)
}

// Equal returns true if two vector clocks are identical.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	if other == nil {
		return vc.IsZero()
	}

	if len(vc.counters) != len(other.counters) {
		return false
	}

	for replicaID, counter := range vc.counters {
		if other.counters[replicaID] != counter {
			return false
		}
	}

	return true
}

// ConcurrentWith returns true if neither clock dominates the other.
func (vc *VectorClock) ConcurrentWith(other *VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// HappenedBefore returns true if this clock strictly precedes the other.
func (vc *VectorClock) HappenedBefore(other *VectorClock) bool {
	return vc.Compare(other) == Before
}

// HappenedAfter returns true if this clock strictly follows the other.
func (vc *VectorClock) HappenedAfter(other *VectorClock) bool {
	return vc.Compare(other) == After
}
