// Package storetest holds behavior checks that every Store backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
)

// Harness gives the suite fresh, empty shards for one test
type Harness struct {
	// Topology is already seeded into every shard. It has clusters A and B
	// with stores x and y each.
	Topology *model.Topology
	// Open returns a handle on the shard of id
	Open func(t *testing.T, id store.Identity) store.Store
	// TTL configured on the shards, zero when expiry is not under test
	TTL time.Duration
	// Advance moves the shards' clock, nil when the clock is real
	Advance func(d time.Duration)
}

// Topology returns the topology every harness must seed. Backends that do
// not listen on these addresses map identities to their own shards in Open.
func Topology() *model.Topology {
	topo := model.NewTopology()
	port := 7001
	for _, rc := range []string{"A", "B"} {
		for _, rs := range []string{"x", "y"} {
			_ = topo.Set(rc, rs, model.Endpoint{Host: "127.0.0.1", Port: port})
			port++
		}
	}
	return topo
}

func identity(h *Harness, rc, rs string) store.Identity {
	e, _ := h.Topology.Get(rc, rs)
	return store.Identity{ClusterID: rc, StoreID: rs, Address: e.Address()}
}

// Run executes the contract suite
func Run(t *testing.T, newHarness func(t *testing.T) *Harness) {
	ctx := context.Background()

	t.Run("AddLookupRemove", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))

		ok, err := s.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Add(ctx, "v"))
		ok, err = s.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Remove(ctx, "v"))
		ok, err = s.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Add(ctx, "v"))
		ok, err = s.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.True(t, ok, "re-add after remove is visible")
	})

	t.Run("OwnCoordinateCountsEveryWrite", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))

		require.NoError(t, s.Add(ctx, "a"))
		require.NoError(t, s.Add(ctx, "a"))
		require.NoError(t, s.Remove(ctx, "a"))
		require.NoError(t, s.Remove(ctx, "missing"))

		ts, err := s.GetTimestamps(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), ts.Get("A", "x"))
		assert.Equal(t, uint64(0), ts.Get("A", "y"))
	})

	t.Run("RemoveMarksEveryLiveCopy", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))

		require.NoError(t, s.Add(ctx, "v"))
		require.NoError(t, s.Add(ctx, "v"))
		require.NoError(t, s.Remove(ctx, "v"))

		updates, err := s.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)
		require.Len(t, updates, 2)
		for _, e := range updates {
			require.True(t, e.IsRemoved())
			assert.Equal(t, model.Coordinate{T: 3, ClusterID: "A", StoreID: "x"}, *e.Removed)
		}
	})

	t.Run("GetUpdatesFiltersByDefiningCoordinate", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))

		require.NoError(t, s.Add(ctx, "one"))
		require.NoError(t, s.Add(ctx, "two"))
		require.NoError(t, s.Add(ctx, "three"))

		since := model.NewTimestamps()
		since.Set("A", "x", 2)
		updates, err := s.GetUpdates(ctx, since)
		require.NoError(t, err)
		require.Len(t, updates, 1)
		assert.Equal(t, "three", updates[0].Value)

		// removing "one" moves its defining event past the cut
		require.NoError(t, s.Remove(ctx, "one"))
		since.Set("A", "x", 3)
		updates, err = s.GetUpdates(ctx, since)
		require.NoError(t, err)
		require.Len(t, updates, 1)
		assert.Equal(t, "one", updates[0].Value)
		assert.True(t, updates[0].IsRemoved())

		since.Set("A", "x", 4)
		updates, err = s.GetUpdates(ctx, since)
		require.NoError(t, err)
		assert.Empty(t, updates)
	})

	t.Run("AddUpdatesAppliesForeignElements", func(t *testing.T) {
		h := newHarness(t)
		src := h.Open(t, identity(h, "A", "x"))
		dst := h.Open(t, identity(h, "B", "x"))

		require.NoError(t, src.Add(ctx, "v"))
		updates, err := src.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)
		require.Len(t, updates, 1)

		require.NoError(t, dst.AddUpdates(ctx, updates))
		require.NoError(t, dst.AddUpdates(ctx, updates), "re-applying is harmless")

		ok, err := dst.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.True(t, ok)

		ts, err := dst.GetTimestamps(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), ts.Get("A", "x"), "AddUpdates leaves the matrix alone")

		got, err := dst.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, updates[0].ID, got[0].ID)
		assert.Equal(t, updates[0].Added, got[0].Added)
	})

	t.Run("AddUpdatesNeverUnremoves", func(t *testing.T) {
		h := newHarness(t)
		src := h.Open(t, identity(h, "A", "x"))
		dst := h.Open(t, identity(h, "B", "x"))

		require.NoError(t, src.Add(ctx, "v"))
		added, err := src.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)
		require.NoError(t, src.Remove(ctx, "v"))
		removed, err := src.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)

		require.NoError(t, dst.AddUpdates(ctx, added))
		require.NoError(t, dst.AddUpdates(ctx, removed))
		ok, err := dst.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, dst.AddUpdates(ctx, added))
		ok, err = dst.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.False(t, ok, "stale unremoved copy does not resurrect")
	})

	t.Run("UpdateMaxTimestampsIsMonotonic", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))
		require.NoError(t, s.Add(ctx, "v"))

		raise := model.NewTimestamps()
		raise.Set("A", "x", 0)
		raise.Set("B", "y", 7)
		require.NoError(t, s.UpdateMaxTimestamps(ctx, raise))

		lower := model.NewTimestamps()
		lower.Set("B", "y", 3)
		require.NoError(t, s.UpdateMaxTimestamps(ctx, lower))

		ts, err := s.GetTimestamps(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), ts.Get("A", "x"))
		assert.Equal(t, uint64(7), ts.Get("B", "y"))
	})

	t.Run("UpdateMaxTimestampsIsIdempotent", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))
		require.NoError(t, s.Add(ctx, "v"))
		require.NoError(t, s.Add(ctx, "w"))

		cut := model.NewTimestamps()
		cut.Set("A", "x", 1)
		cut.Set("A", "y", 4)
		cut.Set("B", "y", 9)

		require.NoError(t, s.UpdateMaxTimestamps(ctx, cut))
		once, err := s.GetTimestamps(ctx)
		require.NoError(t, err)

		require.NoError(t, s.UpdateMaxTimestamps(ctx, cut))
		twice, err := s.GetTimestamps(ctx)
		require.NoError(t, err)
		assert.True(t, once.Equal(twice), "once:\n%stwice:\n%s", once, twice)

		assert.Equal(t, uint64(2), twice.Get("A", "x"))
		assert.Equal(t, uint64(4), twice.Get("A", "y"))
		assert.Equal(t, uint64(9), twice.Get("B", "y"))

		// the shard keeps its own copy of the cut
		cut.Set("B", "y", 100)
		after, err := s.GetTimestamps(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), after.Get("B", "y"))
	})

	t.Run("GetUpdatesAfterReimportingOwnElement", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))

		require.NoError(t, s.Add(ctx, "old"))
		require.NoError(t, s.Add(ctx, "older"))
		exported, err := s.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)
		require.Len(t, exported, 2)

		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Add(ctx, "n1"))
		require.NoError(t, s.Add(ctx, "n2"))
		require.NoError(t, s.Add(ctx, "n3"))
		require.NoError(t, s.AddUpdates(ctx, exported))

		since := model.NewTimestamps()
		since.Set("A", "x", 2)
		got, err := s.GetUpdates(ctx, since)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "n3", got[0].Value)

		all, err := s.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)
		values := make([]string, 0, len(all))
		for _, e := range all {
			values = append(values, e.Value)
		}
		assert.ElementsMatch(t, []string{"old", "older", "n1", "n2", "n3"}, values)
	})

	t.Run("RejectsDelimiterInValues", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))

		err := s.Add(ctx, "a:b")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))

		err = s.Remove(ctx, "a:b")
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))

		_, err = s.Lookup(ctx, "a:b")
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))

		ts, err := s.GetTimestamps(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), ts.Get("A", "x"))
	})

	t.Run("OfflineShard", func(t *testing.T) {
		h := newHarness(t)
		checking := h.Open(t, identity(h, "A", "x"))
		other := h.Open(t, identity(h, "A", "x"))
		checking.SetCheckIfOnline(true)

		require.NoError(t, other.SetOnline(ctx, false))
		err := checking.Add(ctx, "v")
		require.Error(t, err)
		assert.True(t, apperrors.IsUnreachable(err))
		_, err = checking.GetTimestamps(ctx)
		assert.True(t, apperrors.IsUnreachable(err))

		require.NoError(t, other.Add(ctx, "v"), "handles not checking keep working")

		require.NoError(t, other.SetOnline(ctx, true))
		ok, err := checking.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ClearKeepsTopology", func(t *testing.T) {
		h := newHarness(t)
		s := h.Open(t, identity(h, "A", "x"))
		require.NoError(t, s.Add(ctx, "v"))
		require.NoError(t, s.Clear(ctx))

		ok, err := s.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.False(t, ok)
		ts, err := s.GetTimestamps(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, ts.Len())

		topo, err := s.GetTopology(ctx)
		require.NoError(t, err)
		assert.Equal(t, h.Topology.Entries(), topo.Entries())
	})

	t.Run("BootstrapHandleReadsTopology", func(t *testing.T) {
		h := newHarness(t)
		e, _ := h.Topology.Get("B", "y")
		s := h.Open(t, store.Bootstrap(e.Address()))

		topo, err := s.GetTopology(ctx)
		require.NoError(t, err)
		rc, rs, ok := topo.Locate(e.Address())
		require.True(t, ok)
		assert.Equal(t, "B", rc)
		assert.Equal(t, "y", rs)
	})

	t.Run("ExpiredElementsDisappear", func(t *testing.T) {
		h := newHarness(t)
		if h.Advance == nil || h.TTL <= 0 {
			t.Skip("clock is not controllable")
		}
		s := h.Open(t, identity(h, "A", "x"))

		require.NoError(t, s.Add(ctx, "v"))
		h.Advance(h.TTL / 2)
		ok, err := s.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.True(t, ok)

		h.Advance(h.TTL)
		ok, err = s.Lookup(ctx, "v")
		require.NoError(t, err)
		assert.False(t, ok)

		updates, err := s.GetUpdates(ctx, model.NewTimestamps())
		require.NoError(t, err)
		assert.Empty(t, updates)
	})
}
