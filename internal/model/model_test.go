package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamps_MissingIsZero(t *testing.T) {
	ts := NewTimestamps()
	assert.Equal(t, uint64(0), ts.Get("A", "x"))

	var nilTS *Timestamps
	assert.Equal(t, uint64(0), nilTS.Get("A", "x"))
}

func TestTimestamps_IncrementAndSetMax(t *testing.T) {
	ts := NewTimestamps()
	assert.Equal(t, uint64(1), ts.Increment("A", "x"))
	assert.Equal(t, uint64(2), ts.Increment("A", "x"))

	ts.SetMax("A", "x", 1)
	assert.Equal(t, uint64(2), ts.Get("A", "x"), "SetMax never lowers")

	ts.SetMax("B", "y", 7)
	assert.Equal(t, uint64(7), ts.Get("B", "y"))
	assert.Equal(t, []string{"A", "B"}, ts.ClusterIDs())
	assert.Equal(t, 2, ts.Len())
}

func TestTimestamps_MergeIsIdempotentAndCommutative(t *testing.T) {
	a := NewTimestamps()
	a.Set("A", "x", 3)
	a.Set("B", "y", 1)
	b := NewTimestamps()
	b.Set("A", "x", 1)
	b.Set("B", "y", 5)
	b.Set("C", "z", 2)

	ab := Merge(a, b)
	ba := Merge(b, a)
	assert.True(t, ab.Equal(ba))
	assert.True(t, Merge(ab, b).Equal(ab))
	assert.True(t, Merge(ab, ab).Equal(ab))

	assert.Equal(t, uint64(3), ab.Get("A", "x"))
	assert.Equal(t, uint64(5), ab.Get("B", "y"))
	assert.Equal(t, uint64(2), ab.Get("C", "z"))

	// inputs untouched
	assert.Equal(t, uint64(1), a.Get("B", "y"))
	assert.Equal(t, uint64(0), a.Get("C", "z"))
}

func TestTimestamps_EqualTreatsMissingAsZero(t *testing.T) {
	a := NewTimestamps()
	a.Set("A", "x", 0)
	assert.True(t, a.Equal(NewTimestamps()))
}

func TestTimestamps_JSON(t *testing.T) {
	ts := NewTimestamps()
	ts.Set("A", "x", 4)
	ts.Set("B", "y", 9)

	data, err := json.Marshal(ts)
	require.NoError(t, err)

	decoded := NewTimestamps()
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.True(t, ts.Equal(decoded))
	assert.Equal(t, "A:x: 4\nB:y: 9\n", decoded.String())
}

func TestElement_DefiningAndNewerThan(t *testing.T) {
	e := &Element{Value: "v", ID: "1", Added: Coordinate{T: 2, ClusterID: "A", StoreID: "x"}}
	assert.Equal(t, e.Added, e.Defining())

	since := NewTimestamps()
	since.Set("A", "x", 1)
	assert.True(t, e.NewerThan(since))
	since.Set("A", "x", 2)
	assert.False(t, e.NewerThan(since))

	e.Removed = &Coordinate{T: 1, ClusterID: "B", StoreID: "y"}
	assert.Equal(t, *e.Removed, e.Defining())
	assert.True(t, e.NewerThan(since), "remove on B:y is unknown")
	since.Set("B", "y", 1)
	assert.False(t, e.NewerThan(since))
}

func TestElement_Expired(t *testing.T) {
	now := time.Unix(1000, 0)
	e := &Element{}
	assert.False(t, e.Expired(now), "zero deadline never expires")

	e.ExpiresAt = Deadline(now, time.Second)
	assert.False(t, e.Expired(now))
	assert.True(t, e.Expired(now.Add(time.Second)))

	assert.True(t, Deadline(now, 0).IsZero())
	assert.True(t, Deadline(now, -time.Second).IsZero())
}

func TestElement_CloneIsDeep(t *testing.T) {
	e := &Element{Value: "v", Removed: &Coordinate{T: 1, ClusterID: "A", StoreID: "x"}}
	c := e.Clone()
	c.Removed.T = 5
	assert.Equal(t, uint64(1), e.Removed.T)
}

func TestPresent(t *testing.T) {
	now := time.Unix(1000, 0)
	add := Coordinate{T: 1, ClusterID: "A", StoreID: "x"}
	rm := &Coordinate{T: 2, ClusterID: "A", StoreID: "x"}

	tests := []struct {
		name     string
		elements []*Element
		want     bool
	}{
		{"empty", nil, false},
		{"single add", []*Element{{ID: "1", Added: add}}, true},
		{"removed", []*Element{{ID: "1", Added: add, Removed: rm}}, false},
		{
			"unremoved copy shadowed by removed copy of same add",
			[]*Element{{ID: "1", Added: add}, {ID: "1b", Added: add, Removed: rm}},
			false,
		},
		{
			"concurrent add survives remove",
			[]*Element{
				{ID: "1", Added: add, Removed: rm},
				{ID: "2", Added: Coordinate{T: 1, ClusterID: "B", StoreID: "y"}},
			},
			true,
		},
		{"expired add", []*Element{{ID: "1", Added: add, ExpiresAt: now}}, false},
		{
			"expired tombstone no longer shadows",
			[]*Element{{ID: "1", Added: add}, {ID: "1b", Added: add, Removed: rm, ExpiresAt: now}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Present(tt.elements, now))
		})
	}
}

func TestTopology(t *testing.T) {
	topo := NewTopology()
	require.NoError(t, topo.Set("B", "y", Endpoint{Host: "127.0.0.1", Port: 2}))
	require.NoError(t, topo.Set("A", "x", Endpoint{Host: "127.0.0.1", Port: 1}))
	require.NoError(t, topo.Set("A", "w", Endpoint{Host: "127.0.0.1", Port: 3}))

	assert.Equal(t, []string{"A", "B"}, topo.ClusterIDs())
	assert.Equal(t, []string{"w", "x"}, topo.StoreIDs("A"))
	assert.Equal(t, 3, topo.Len())

	rc, rs, ok := topo.Locate("127.0.0.1:2")
	require.True(t, ok)
	assert.Equal(t, "B", rc)
	assert.Equal(t, "y", rs)

	_, _, ok = topo.Locate("127.0.0.1:9")
	assert.False(t, ok)

	rebuilt, err := TopologyFromEntries(topo.Entries())
	require.NoError(t, err)
	assert.Equal(t, topo.Entries(), rebuilt.Entries())
	assert.Equal(t, topo.Entries(), topo.Clone().Entries())
}

func TestTopology_RejectsDelimiter(t *testing.T) {
	topo := NewTopology()
	assert.Error(t, topo.Set("A:1", "x", Endpoint{}))
	assert.Error(t, topo.Set("A", "x:1", Endpoint{}))
	assert.Error(t, topo.Set("", "x", Endpoint{}))
	assert.Equal(t, 0, topo.Len())
}

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "localhost", Port: 6379}, e)
	assert.Equal(t, "localhost:6379", e.Address())

	_, err = ParseEndpoint("localhost")
	assert.Error(t, err)
	_, err = ParseEndpoint("localhost:abc")
	assert.Error(t, err)
}
