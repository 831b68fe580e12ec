package client

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
)

// updateState is a snapshot of how far a cluster has progressed: a cut over
// every coordinate of the topology and the stores that contributed to it
type updateState struct {
	timestamps *model.Timestamps
	stores     []store.Store
}

// collectState queries the timestamps of every store of clusterID
// concurrently. For the coordinates of clusterID itself the cut is the
// highest value any store has seen; for every other cluster it is the
// lowest, so no store of clusterID misses an update another one received.
// Stores that fail to answer are left out. Callers hold mu.
func (c *Client) collectState(ctx context.Context, clusterID string) (*updateState, error) {
	stores := c.clusterStores(clusterID)
	responses := make([]*model.Timestamps, len(stores))

	// failures are handled per store, so no closure fails the group
	var g errgroup.Group
	for i, s := range stores {
		i, s := i, s
		g.Go(func() error {
			ts, err := s.GetTimestamps(ctx)
			if err != nil {
				c.logger.Warn("Failed to get timestamps",
					zap.String("cluster_id", s.ClusterID()),
					zap.String("store_id", s.StoreID()),
					zap.Error(err))
				// Don't return error, the store is left out of the cut
				return nil
			}
			responses[i] = ts
			return nil
		})
	}
	_ = g.Wait()

	state := &updateState{}
	var matrices []*model.Timestamps
	for i, ts := range responses {
		if ts == nil {
			continue
		}
		state.stores = append(state.stores, stores[i])
		matrices = append(matrices, ts)
	}
	if len(matrices) == 0 {
		return nil, apperrors.NoReachableStores(clusterID)
	}

	state.timestamps = cut(clusterID, c.topology, matrices)
	return state, nil
}

// cut merges matrices over every coordinate of topology, taking the maximum
// for clusterID and the minimum for every other cluster
func cut(clusterID string, topology *model.Topology, matrices []*model.Timestamps) *model.Timestamps {
	result := model.NewTimestamps()
	topology.Each(func(rc, rs string, _ model.Endpoint) {
		t := matrices[0].Get(rc, rs)
		for _, m := range matrices[1:] {
			v := m.Get(rc, rs)
			if rc == clusterID && v > t || rc != clusterID && v < t {
				t = v
			}
		}
		result.Set(rc, rs, t)
	})
	return result
}
