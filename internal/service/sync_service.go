// Package service runs the periodic anti-entropy loop of orset-syncd.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/orset/internal/client"
	"github.com/devrev/orset/internal/config"
)

// Puller is the part of client.Client the sync loop uses
type Puller interface {
	ClusterID() string
	ClusterIDs() []string
	PullUpdates(ctx context.Context, remoteClusterID string, opts client.PullOptions) (*client.UpdateStats, error)
}

// Liveness tells whether a remote cluster has a live daemon
type Liveness interface {
	IsAlive(clusterID string) bool
}

// SyncResult is the outcome of pulling one remote cluster
type SyncResult struct {
	RemoteClusterID string
	Stats           *client.UpdateStats
	Skipped         bool
	Err             error
}

// SyncService pulls every remote cluster on a fixed interval
type SyncService struct {
	puller   Puller
	liveness Liveness
	remotes  []string
	interval time.Duration
	timeout  time.Duration
	opts     client.PullOptions
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewSyncService creates a sync service. liveness may be nil, in which
// case every remote cluster is always pulled.
func NewSyncService(puller Puller, cfg config.SyncConfig, liveness Liveness, logger *zap.Logger) *SyncService {
	timeout := cfg.PullTimeout
	if timeout <= 0 {
		timeout = cfg.Interval
	}
	return &SyncService{
		puller:   puller,
		liveness: liveness,
		remotes:  cfg.RemoteClusters,
		interval: cfg.Interval,
		timeout:  timeout,
		opts: client.PullOptions{
			FetchWorkers:  cfg.FetchWorkers,
			ApplyWorkers:  cfg.ApplyWorkers,
			RetryInterval: cfg.RetryInterval,
		},
		logger: logger,
	}
}

// PullOptions returns the options every pull uses
func (s *SyncService) PullOptions() client.PullOptions {
	return s.opts
}

// Remotes returns the clusters a sync pass pulls from
func (s *SyncService) Remotes() []string {
	if len(s.remotes) > 0 {
		return s.remotes
	}
	local := s.puller.ClusterID()
	out := make([]string, 0)
	for _, id := range s.puller.ClusterIDs() {
		if id != local {
			out = append(out, id)
		}
	}
	return out
}

// Start runs the sync loop in the background until Stop is called.
func (s *SyncService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	s.logger.Info("starting sync loop",
		zap.Duration("interval", s.interval),
		zap.Strings("remote_clusters", s.Remotes()))

	go s.run(ctx, s.doneCh)
}

func (s *SyncService) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := Errors(s.PullNow(ctx)); err != nil && ctx.Err() == nil {
				s.logger.Warn("sync pass incomplete",
					zap.Int("failed_clusters", len(multierr.Errors(err))),
					zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels an in-flight pass and waits for the loop to exit.
func (s *SyncService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.doneCh
	s.cancel, s.doneCh = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sync loop stopped")
}

// PullNow pulls every remote cluster once, sequentially, and returns one
// result per remote.
func (s *SyncService) PullNow(ctx context.Context) []SyncResult {
	remotes := s.Remotes()
	results := make([]SyncResult, 0, len(remotes))

	for _, remote := range remotes {
		if ctx.Err() != nil {
			results = append(results, SyncResult{RemoteClusterID: remote, Err: ctx.Err()})
			continue
		}
		if s.liveness != nil && !s.liveness.IsAlive(remote) {
			s.logger.Debug("skipping cluster without live members", zap.String("remote_cluster", remote))
			results = append(results, SyncResult{RemoteClusterID: remote, Skipped: true})
			continue
		}

		pullCtx, cancel := context.WithTimeout(ctx, s.timeout)
		stats, err := s.puller.PullUpdates(pullCtx, remote, s.opts)
		cancel()

		if err != nil {
			s.logger.Warn("sync pull failed", zap.String("remote_cluster", remote), zap.Error(err))
		} else if stats != nil {
			s.logger.Info("sync pull completed",
				zap.String("remote_cluster", remote),
				zap.Int("rounds", stats.Rounds),
				zap.Int("fetched", stats.TotalFetched),
				zap.Int("applied", stats.TotalApplied),
				zap.Duration("duration", stats.TotalDuration))
		}
		results = append(results, SyncResult{RemoteClusterID: remote, Stats: stats, Err: err})
	}
	return results
}

// Errors combines the failures of a pass
func Errors(results []SyncResult) error {
	var errs error
	for _, r := range results {
		errs = multierr.Append(errs, r.Err)
	}
	return errs
}
