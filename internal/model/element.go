package model

import (
	"fmt"
	"strings"
	"time"
)

// Delimiter separates identifiers in storage keys and store names
const Delimiter = ":"

// Coordinate identifies an add or remove event
type Coordinate struct {
	T         uint64 `json:"t"`
	ClusterID string `json:"rc"`
	StoreID   string `json:"rs"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d@%s:%s", c.T, c.ClusterID, c.StoreID)
}

// Element is one add event of a value, optionally tombstoned by a later remove
type Element struct {
	Value   string      `json:"value"`
	ID      string      `json:"id"`
	Added   Coordinate  `json:"added"`
	Removed *Coordinate `json:"removed,omitempty"`
	// ExpiresAt is the garbage collection deadline. Zero means never.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsRemoved reports whether the element carries a tombstone
func (e *Element) IsRemoved() bool {
	return e.Removed != nil
}

// Defining returns the coordinate of the latest event on the element
func (e *Element) Defining() Coordinate {
	if e.Removed != nil {
		return *e.Removed
	}
	return e.Added
}

// Expired reports whether the element is past its deadline
func (e *Element) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// NewerThan reports whether the defining event is unknown to since
func (e *Element) NewerThan(since *Timestamps) bool {
	c := e.Defining()
	return c.T > since.Get(c.ClusterID, c.StoreID)
}

// SameAdd reports whether both elements come from the same add event
func (e *Element) SameAdd(other *Element) bool {
	return e.Added == other.Added
}

// Clone returns a deep copy
func (e *Element) Clone() *Element {
	c := *e
	if e.Removed != nil {
		removed := *e.Removed
		c.Removed = &removed
	}
	return &c
}

func (e *Element) String() string {
	s := fmt.Sprintf("%s [%s] added %s", e.Value, e.ID, e.Added)
	if e.Removed != nil {
		s += " removed " + e.Removed.String()
	}
	return s
}

// Deadline returns the expiry for an event at now, zero when ttl is disabled
func Deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// ValidateID rejects identifiers that contain the reserved delimiter
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier must not be empty")
	}
	if strings.Contains(id, Delimiter) {
		return fmt.Errorf("identifier %q must not contain %q", id, Delimiter)
	}
	return nil
}

// Present evaluates the lookup predicate over all elements sharing a value.
// The value is present when some live element is unremoved and no live
// element from the same add event is removed.
func Present(elements []*Element, now time.Time) bool {
	for _, e := range elements {
		if e.Expired(now) || e.IsRemoved() {
			continue
		}
		tombstoned := false
		for _, f := range elements {
			if f.IsRemoved() && !f.Expired(now) && f.SameAdd(e) {
				tombstoned = true
				break
			}
		}
		if !tombstoned {
			return true
		}
	}
	return false
}
