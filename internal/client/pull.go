package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
	"github.com/devrev/orset/internal/workerpool"
)

// PullOptions bounds the parallelism of a pull
type PullOptions struct {
	// FetchWorkers reading updates from remote stores
	FetchWorkers int
	// ApplyWorkers writing updates into local stores
	ApplyWorkers int
	// RetryInterval is the pause before a failed round is restarted
	RetryInterval time.Duration
}

// DefaultPullOptions uses one worker per phase, as a sequential pull would
func DefaultPullOptions() PullOptions {
	return PullOptions{FetchWorkers: 1, ApplyWorkers: 1}
}

// UpdateStats describes one pull. Per-store figures are means over the
// stores that took part in the final round.
type UpdateStats struct {
	RemoteClusterID string
	// Rounds is 1 plus the number of restarted rounds
	Rounds          int
	FetchDuration   time.Duration
	FetchedElements int
	ApplyDuration   time.Duration
	AppliedElements int
	// FailedApplies counts local stores that could not be updated
	FailedApplies int
	// RejectedApplies counts the failed applies that never started because
	// ctx was done
	RejectedApplies int
	TotalFetched    int
	TotalApplied    int
	TotalDuration   time.Duration
}

// PullUpdates copies every update of remoteClusterID the local cluster has
// not seen yet into the local stores. A round whose fetch phase fails is
// started over until it succeeds or ctx is done. Pulling from the local
// cluster is a no-op and returns nil stats.
func (c *Client) PullUpdates(ctx context.Context, remoteClusterID string, opts PullOptions) (*UpdateStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.clusterID == "" {
		return nil, apperrors.NotBooted("pull updates")
	}
	if remoteClusterID == c.clusterID {
		return nil, nil
	}
	if _, ok := c.stores[remoteClusterID]; !ok {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("unknown cluster %q", remoteClusterID), nil).
			WithDetail("cluster_id", remoteClusterID)
	}

	start := time.Now()
	stats, err := c.pull(ctx, remoteClusterID, opts)
	if err != nil {
		c.metrics.RecordPull(remoteClusterID, 0, 0, time.Since(start), err)
		c.logger.Error("Pull failed",
			zap.String("cluster_id", c.clusterID),
			zap.String("remote_cluster", remoteClusterID),
			zap.Error(err))
		return nil, err
	}
	stats.TotalDuration = time.Since(start)
	c.metrics.RecordPull(remoteClusterID, stats.TotalFetched, stats.TotalApplied, stats.TotalDuration, nil)

	c.logger.Debug("Pull completed",
		zap.String("cluster_id", c.clusterID),
		zap.String("remote_cluster", remoteClusterID),
		zap.Int("rounds", stats.Rounds),
		zap.Int("fetched", stats.TotalFetched),
		zap.Int("applied", stats.TotalApplied),
		zap.Int("failed_applies", stats.FailedApplies),
		zap.Int("rejected_applies", stats.RejectedApplies),
		zap.Duration("duration", stats.TotalDuration))
	return stats, nil
}

func (c *Client) pull(ctx context.Context, remoteClusterID string, opts PullOptions) (*UpdateStats, error) {
	stats := &UpdateStats{RemoteClusterID: remoteClusterID}

	var (
		local, remote *updateState
		updates       []*model.Element
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats.Rounds++
		c.metrics.RecordPullRound(remoteClusterID, stats.Rounds > 1)

		var err error
		if local, err = c.collectState(ctx, c.clusterID); err != nil {
			return nil, err
		}
		if remote, err = c.collectState(ctx, remoteClusterID); err != nil {
			return nil, err
		}

		updates, err = c.fetch(ctx, remote, local.timestamps, opts.FetchWorkers, stats)
		if err == nil {
			break
		}

		c.logger.Warn("Failed to fetch updates, retrying",
			zap.String("remote_cluster", remoteClusterID),
			zap.Int("round", stats.Rounds),
			zap.Error(err))
		if opts.RetryInterval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.RetryInterval):
			}
		}
	}

	c.apply(ctx, local, remote.timestamps, updates, opts.ApplyWorkers, stats)
	return stats, nil
}

// fetch reads the updates newer than since from every store of remote. Any
// failure invalidates the whole result.
func (c *Client) fetch(ctx context.Context, remote *updateState, since *model.Timestamps, workers int, stats *UpdateStats) ([]*model.Element, error) {
	fetched := make([][]*model.Element, len(remote.stores))
	tasks := make([]workerpool.Task, len(remote.stores))
	for i, s := range remote.stores {
		i, s := i, s
		tasks[i] = workerpool.Task{
			ID: s.Name(),
			Fn: func(ctx context.Context) error {
				elements, err := s.GetUpdates(ctx, since)
				if err != nil {
					return apperrors.WrapStore(s.ClusterID(), s.StoreID(), err)
				}
				fetched[i] = elements
				return nil
			},
		}
	}

	results, poolStats := workerpool.Run(ctx, "fetch", workers, c.logger, tasks)
	c.metrics.RecordPullTasks(stats.RemoteClusterID, "fetch", poolStats.CompletedTasks, poolStats.FailedTasks, poolStats.RejectedTasks)

	var (
		updates  []*model.Element
		duration time.Duration
	)
	for i, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		updates = append(updates, fetched[i]...)
		duration += r.Duration
	}

	n := len(remote.stores)
	stats.TotalFetched = len(updates)
	stats.FetchedElements = len(updates) / n
	stats.FetchDuration = duration / time.Duration(n)
	return updates, nil
}

// apply routes updates to the local stores and raises their timestamps to
// the remote cut. Timestamps of a store move only after its updates landed.
// A failing store is logged and skipped.
func (c *Client) apply(ctx context.Context, local *updateState, remoteCut *model.Timestamps, updates []*model.Element, workers int, stats *UpdateStats) {
	partitions := make(map[string][]*model.Element, len(local.stores))
	for _, e := range updates {
		s, ok := c.router.Get(e.Value)
		if !ok {
			continue
		}
		partitions[s.Name()] = append(partitions[s.Name()], e)
	}

	tasks := make([]workerpool.Task, len(local.stores))
	for i, s := range local.stores {
		s := s
		partition := partitions[s.Name()]
		tasks[i] = workerpool.Task{
			ID: s.Name(),
			Fn: func(ctx context.Context) error {
				return applyTo(ctx, s, partition, remoteCut)
			},
		}
	}

	results, poolStats := workerpool.Run(ctx, "apply", workers, c.logger, tasks)
	c.metrics.RecordPullTasks(stats.RemoteClusterID, "apply", poolStats.CompletedTasks, poolStats.FailedTasks, poolStats.RejectedTasks)
	stats.FailedApplies = int(poolStats.FailedTasks + poolStats.RejectedTasks)
	stats.RejectedApplies = int(poolStats.RejectedTasks)

	var duration time.Duration
	for i, r := range results {
		if r.Err != nil {
			c.logger.Warn("Failed to apply updates",
				zap.String("cluster_id", local.stores[i].ClusterID()),
				zap.String("store_id", local.stores[i].StoreID()),
				zap.String("remote_cluster", stats.RemoteClusterID),
				zap.Error(r.Err))
			continue
		}
		stats.TotalApplied += len(partitions[local.stores[i].Name()])
		duration += r.Duration
	}

	n := len(local.stores)
	stats.AppliedElements = stats.TotalApplied / n
	stats.ApplyDuration = duration / time.Duration(n)
}

func applyTo(ctx context.Context, s store.Store, elements []*model.Element, remoteCut *model.Timestamps) error {
	if err := s.AddUpdates(ctx, elements); err != nil {
		return apperrors.WrapStore(s.ClusterID(), s.StoreID(), err)
	}
	if err := s.UpdateMaxTimestamps(ctx, remoteCut); err != nil {
		return apperrors.WrapStore(s.ClusterID(), s.StoreID(), err)
	}
	return nil
}
