// Package client routes set operations to the stores of the local cluster
// and replicates state between clusters.
package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/hashing"
	"github.com/devrev/orset/internal/metrics"
	"github.com/devrev/orset/internal/model"
	"github.com/devrev/orset/internal/store"
)

// Client is the entry point to one replica cluster of the set
type Client struct {
	factory store.Factory
	router  hashing.Router[store.Store]
	logger  *zap.Logger
	metrics *metrics.Metrics

	// mu guards the boot state. Pulls hold the read lock for their whole
	// duration so router membership never changes mid-pull.
	mu        sync.RWMutex
	clusterID string
	topology  *model.Topology
	stores    map[string]map[string]store.Store
}

// Option configures a Client
type Option func(*Client)

// WithRouter replaces the default modulo router
func WithRouter(router hashing.Router[store.Store]) Option {
	return func(c *Client) {
		c.router = router
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client that opens store handles through factory
func New(factory store.Factory, opts ...Option) *Client {
	c := &Client{
		factory: factory,
		stores:  make(map[string]map[string]store.Store),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.router == nil {
		c.router = hashing.NewModulo[store.Store]()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Boot connects the client to the cluster of the store at address. Only the
// stores of that cluster serve Add, Remove and Lookup; handles to every
// other cluster are kept for pulling.
func (c *Client) Boot(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clusterID != "" {
		return apperrors.Precondition(fmt.Sprintf("client is already booted into cluster %s", c.clusterID))
	}

	bootstrap, err := c.factory(store.Bootstrap(address))
	if err != nil {
		return fmt.Errorf("failed to open bootstrap store %s: %w", address, err)
	}
	topology, err := bootstrap.GetTopology(ctx)
	if closeErr := bootstrap.Close(); closeErr != nil {
		c.logger.Warn("Failed to close bootstrap store",
			zap.String("address", address),
			zap.Error(closeErr))
	}
	if err != nil {
		return fmt.Errorf("failed to get topology from %s: %w", address, err)
	}

	localCluster, _, ok := topology.Locate(address)
	if !ok {
		return apperrors.Bootstrap(address)
	}

	stores := make(map[string]map[string]store.Store)
	var opened []store.Store
	for _, entry := range topology.Entries() {
		s, err := c.factory(store.Identity{
			ClusterID: entry.ClusterID,
			StoreID:   entry.StoreID,
			Address:   model.Endpoint{Host: entry.Host, Port: entry.Port}.Address(),
		})
		if err != nil {
			for _, o := range opened {
				err = multierr.Append(err, o.Close())
			}
			return apperrors.WrapStore(entry.ClusterID, entry.StoreID, err)
		}
		if stores[entry.ClusterID] == nil {
			stores[entry.ClusterID] = make(map[string]store.Store)
		}
		stores[entry.ClusterID][entry.StoreID] = s
		opened = append(opened, s)
	}

	c.clusterID = localCluster
	c.topology = topology
	c.stores = stores
	local := c.clusterStores(localCluster)
	c.router.AddAll(local)
	c.metrics.SetLocalStores(len(local))

	c.logger.Info("Client booted",
		zap.String("cluster_id", localCluster),
		zap.String("bootstrap", address),
		zap.Int("local_stores", len(local)),
		zap.Int("clusters", len(stores)))
	return nil
}

// ClusterID returns the local cluster, empty before Boot
func (c *Client) ClusterID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clusterID
}

// ClusterSize returns the number of stores in the local cluster
func (c *Client) ClusterSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stores[c.clusterID])
}

// ClusterIDs returns every cluster of the topology, sorted
func (c *Client) ClusterIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedClusterIDs()
}

// Topology returns a copy of the topology retrieved at boot
func (c *Client) Topology() *model.Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.topology == nil {
		return nil
	}
	return c.topology.Clone()
}

// Booted reports whether Boot succeeded and Close has not been called since
func (c *Client) Booted() bool {
	return c.ClusterID() != ""
}

// Store returns the local store responsible for value
func (c *Client) Store(value string) (store.Store, bool) {
	return c.router.Get(value)
}

// SetCheckIfStoresOnline makes every handle honor the online flag of its
// store, used for testing
func (c *Client) SetCheckIfStoresOnline(check bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cluster := range c.stores {
		for _, s := range cluster {
			s.SetCheckIfOnline(check)
		}
	}
}

// Add adds value to the set
func (c *Client) Add(ctx context.Context, value string) error {
	return c.route("add", value, func(s store.Store) error {
		return s.Add(ctx, value)
	})
}

// Remove removes every observed add of value
func (c *Client) Remove(ctx context.Context, value string) error {
	return c.route("remove", value, func(s store.Store) error {
		return s.Remove(ctx, value)
	})
}

// Lookup reports whether value is in the set
func (c *Client) Lookup(ctx context.Context, value string) (bool, error) {
	var found bool
	err := c.route("lookup", value, func(s store.Store) error {
		var err error
		found, err = s.Lookup(ctx, value)
		return err
	})
	return found, err
}

func (c *Client) route(operation, value string, fn func(store.Store) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.router.Get(value)
	if !ok {
		c.metrics.RecordStoreOperation(operation, apperrors.ErrCodeNotBooted.String(), 0)
		return apperrors.NotBooted(operation)
	}

	start := time.Now()
	err := fn(s)
	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordStoreOperation(operation, apperrors.GetCode(err).String(), duration)
		return apperrors.WrapStore(s.ClusterID(), s.StoreID(), err)
	}
	c.metrics.RecordStoreOperation(operation, apperrors.ErrCodeOK.String(), duration)
	return nil
}

// Clear empties every store of the local cluster. A failing store does not
// stop the others.
func (c *Client) Clear(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.clusterID == "" {
		return apperrors.NotBooted("clear")
	}

	var errs error
	for _, s := range c.clusterStores(c.clusterID) {
		if err := s.Clear(ctx); err != nil {
			errs = multierr.Append(errs, apperrors.WrapStore(s.ClusterID(), s.StoreID(), err))
		}
	}
	return errs
}

// Close releases every store handle and resets the boot state
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	for _, clusterID := range c.sortedClusterIDs() {
		for _, s := range c.clusterStores(clusterID) {
			if clusterID == c.clusterID {
				c.router.Remove(s)
			}
			if err := s.Close(); err != nil {
				errs = multierr.Append(errs, apperrors.WrapStore(s.ClusterID(), s.StoreID(), err))
			}
		}
	}

	if c.clusterID != "" {
		c.logger.Info("Client closed", zap.String("cluster_id", c.clusterID))
	}
	c.stores = make(map[string]map[string]store.Store)
	c.topology = nil
	c.clusterID = ""
	c.metrics.SetLocalStores(0)
	return errs
}

// Ping succeeds when at least one local store answers
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.clusterID == "" {
		return apperrors.NotBooted("ping")
	}
	var errs error
	for _, s := range c.clusterStores(c.clusterID) {
		if _, err := s.GetTimestamps(ctx); err != nil {
			errs = multierr.Append(errs, apperrors.WrapStore(s.ClusterID(), s.StoreID(), err))
			continue
		}
		return nil
	}
	return errs
}

// clusterStores returns the handles of a cluster sorted by store id.
// Callers hold mu.
func (c *Client) clusterStores(clusterID string) []store.Store {
	cluster := c.stores[clusterID]
	ids := make([]string, 0, len(cluster))
	for id := range cluster {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	stores := make([]store.Store, 0, len(ids))
	for _, id := range ids {
		stores = append(stores, cluster[id])
	}
	return stores
}

func (c *Client) sortedClusterIDs() []string {
	ids := make([]string, 0, len(c.stores))
	for id := range c.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
