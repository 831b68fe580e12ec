package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Timestamps is a sparse matrix mapping (cluster, store) to a logical clock.
// Missing coordinates read as 0. A Timestamps is not safe for concurrent
// writers; Clone before sharing.
type Timestamps struct {
	entries map[string]map[string]uint64
}

// NewTimestamps creates an empty matrix
func NewTimestamps() *Timestamps {
	return &Timestamps{entries: make(map[string]map[string]uint64)}
}

// Get returns the clock at (clusterID, storeID), 0 if absent
func (ts *Timestamps) Get(clusterID, storeID string) uint64 {
	if ts == nil {
		return 0
	}
	return ts.entries[clusterID][storeID]
}

// Set stores t at (clusterID, storeID)
func (ts *Timestamps) Set(clusterID, storeID string, t uint64) {
	stores, ok := ts.entries[clusterID]
	if !ok {
		stores = make(map[string]uint64)
		ts.entries[clusterID] = stores
	}
	stores[storeID] = t
}

// Increment advances (clusterID, storeID) by one and returns the new value
func (ts *Timestamps) Increment(clusterID, storeID string) uint64 {
	t := ts.Get(clusterID, storeID) + 1
	ts.Set(clusterID, storeID, t)
	return t
}

// SetMax raises (clusterID, storeID) to t if t is larger
func (ts *Timestamps) SetMax(clusterID, storeID string, t uint64) {
	if t > ts.Get(clusterID, storeID) {
		ts.Set(clusterID, storeID, t)
	}
}

// MergeMax raises every coordinate of ts to at least the value in other
func (ts *Timestamps) MergeMax(other *Timestamps) {
	other.Each(func(clusterID, storeID string, t uint64) {
		ts.SetMax(clusterID, storeID, t)
	})
}

// Merge returns the coordinate-wise maximum of a and b without modifying either
func Merge(a, b *Timestamps) *Timestamps {
	merged := a.Clone()
	merged.MergeMax(b)
	return merged
}

// Clone returns a deep copy
func (ts *Timestamps) Clone() *Timestamps {
	c := NewTimestamps()
	ts.Each(c.Set)
	return c
}

// Each calls fn for every present coordinate in cluster then store order
func (ts *Timestamps) Each(fn func(clusterID, storeID string, t uint64)) {
	if ts == nil {
		return
	}
	for _, clusterID := range ts.ClusterIDs() {
		for _, storeID := range ts.StoreIDs(clusterID) {
			fn(clusterID, storeID, ts.entries[clusterID][storeID])
		}
	}
}

// ClusterIDs returns the sorted cluster ids present in the matrix
func (ts *Timestamps) ClusterIDs() []string {
	if ts == nil {
		return nil
	}
	ids := make([]string, 0, len(ts.entries))
	for id := range ts.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StoreIDs returns the sorted store ids present for a cluster
func (ts *Timestamps) StoreIDs(clusterID string) []string {
	if ts == nil {
		return nil
	}
	ids := make([]string, 0, len(ts.entries[clusterID]))
	for id := range ts.entries[clusterID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of present coordinates
func (ts *Timestamps) Len() int {
	if ts == nil {
		return 0
	}
	n := 0
	for _, stores := range ts.entries {
		n += len(stores)
	}
	return n
}

// Equal compares two matrices treating missing coordinates as 0
func (ts *Timestamps) Equal(other *Timestamps) bool {
	equal := true
	ts.Each(func(clusterID, storeID string, t uint64) {
		if other.Get(clusterID, storeID) != t {
			equal = false
		}
	})
	other.Each(func(clusterID, storeID string, t uint64) {
		if ts.Get(clusterID, storeID) != t {
			equal = false
		}
	})
	return equal
}

func (ts *Timestamps) String() string {
	var b strings.Builder
	ts.Each(func(clusterID, storeID string, t uint64) {
		fmt.Fprintf(&b, "%s:%s: %d\n", clusterID, storeID, t)
	})
	return b.String()
}

// MarshalJSON encodes the matrix as {"cluster": {"store": t}}
func (ts *Timestamps) MarshalJSON() ([]byte, error) {
	if ts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(ts.entries)
}

// UnmarshalJSON decodes the representation produced by MarshalJSON
func (ts *Timestamps) UnmarshalJSON(data []byte) error {
	entries := make(map[string]map[string]uint64)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	ts.entries = make(map[string]map[string]uint64, len(entries))
	for clusterID, stores := range entries {
		for storeID, t := range stores {
			ts.Set(clusterID, storeID, t)
		}
	}
	return nil
}
