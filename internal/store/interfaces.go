package store

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
)

// Store is one shard of the replicated set. A handle is bound to a single
// (cluster, store) coordinate; the bootstrap handle only knows its address
// and is used for GetTopology.
type Store interface {
	ClusterID() string
	StoreID() string
	Address() string
	// Name is "cluster:store", used for routing and error prefixes
	Name() string

	GetTopology(ctx context.Context) (*model.Topology, error)

	Add(ctx context.Context, value string) error
	Remove(ctx context.Context, value string) error
	Lookup(ctx context.Context, value string) (bool, error)

	GetTimestamps(ctx context.Context) (*model.Timestamps, error)
	UpdateMaxTimestamps(ctx context.Context, ts *model.Timestamps) error
	GetUpdates(ctx context.Context, since *model.Timestamps) ([]*model.Element, error)
	AddUpdates(ctx context.Context, elements []*model.Element) error

	Clear(ctx context.Context) error
	Close() error

	// SetOnline toggles the shard's availability, used for testing
	SetOnline(ctx context.Context, online bool) error
	// SetCheckIfOnline makes this handle honor the online flag
	SetCheckIfOnline(check bool)
}

// TopologySeeder is implemented by backends whose topology is written by
// an operator rather than by the shards themselves
type TopologySeeder interface {
	SeedTopology(ctx context.Context, topo *model.Topology) error
}

// Identity locates a store
type Identity struct {
	ClusterID string
	StoreID   string
	Address   string
}

// Bootstrap returns the identity of a handle that only knows its address
func Bootstrap(address string) Identity {
	return Identity{Address: address}
}

// Name returns "cluster:store"
func (id Identity) Name() string {
	return id.ClusterID + model.Delimiter + id.StoreID
}

// Factory opens a store handle
type Factory func(id Identity) (Store, error)

// Clock returns the current time, replaceable in tests
type Clock func() time.Time

// Options common to every backend
type Options struct {
	// TTL of elements after their last add or remove, <= 0 disables expiry
	TTL time.Duration
	// OperationTimeout bounds each call on network backends
	OperationTimeout time.Duration
	Clock            Clock
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

// ValidateValue rejects values containing the reserved delimiter
func ValidateValue(value string) error {
	if strings.Contains(value, model.Delimiter) {
		return apperrors.InvalidValue(value, "values must not contain '"+model.Delimiter+"'")
	}
	return nil
}

func offline(id Identity) error {
	return apperrors.Unreachable("store "+id.Name()+" is offline", nil).
		WithDetail("cluster_id", id.ClusterID).
		WithDetail("store_id", id.StoreID)
}
