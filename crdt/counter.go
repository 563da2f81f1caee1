package crdt

// GCounter is a grow-only counter keeping a partial count per replica.
// The total value is the sum of all partial counts; merge takes the pointwise
// maximum per replica, which prevents double-counting on repeated merges.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter creates an empty GCounter.
func NewGCounter() *GCounter {
	return &GCounter{Counts: make(map[string]uint64)}
}

// Increment adds delta to the local replica's partial count.
// A replica must only ever increment its own partial count.
func (c *GCounter) Increment(replicaID string, delta uint64) {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	c.Counts[replicaID] += delta
}

// Value returns the counter total across all replicas.
func (c *GCounter) Value() uint64 {
	if c == nil {
		return 0
	}
	var total uint64
	for _, n := range c.Counts {
		total += n
	}
	return total
}

// Merge combines both counters taking the pointwise maximum per replica.
func (c *GCounter) Merge(other *GCounter) *GCounter {
	merged := NewGCounter()
	if c != nil {
		for replicaID, n := range c.Counts {
			merged.Counts[replicaID] = n
		}
	}
	if other != nil {
		for replicaID, n := range other.Counts {
			if current, ok := merged.Counts[replicaID]; !ok || n > current {
				merged.Counts[replicaID] = n
			}
		}
	}
	return merged
}
