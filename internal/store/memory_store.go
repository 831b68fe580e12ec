package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/devrev/orset/internal/errors"
	"github.com/devrev/orset/internal/model"
)

// MemoryNetwork hosts in-process shards keyed by address. Every handle opened
// on the same address shares the shard, so several clients in one process
// see the same data.
type MemoryNetwork struct {
	mu      sync.Mutex
	shards  map[string]*shard
	opts    Options
	dataDir string
	logger  *zap.Logger
}

// MemoryOption configures a MemoryNetwork
type MemoryOption func(*MemoryNetwork)

// WithOptions sets TTL and clock for every shard
func WithOptions(opts Options) MemoryOption {
	return func(n *MemoryNetwork) { n.opts = opts }
}

// WithDataDir persists each shard as a JSON snapshot under dir
func WithDataDir(dir string) MemoryOption {
	return func(n *MemoryNetwork) { n.dataDir = dir }
}

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(n *MemoryNetwork) { n.logger = logger }
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork(opts ...MemoryOption) *MemoryNetwork {
	n := &MemoryNetwork{
		shards: make(map[string]*shard),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Seed hosts a shard for every store of topo and hands each a copy of it
func (n *MemoryNetwork) Seed(topo *model.Topology) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var seedErr error
	topo.Each(func(_, _ string, e model.Endpoint) {
		if seedErr != nil {
			return
		}
		s, err := n.hostLocked(e.Address())
		if err != nil {
			seedErr = err
			return
		}
		s.mu.Lock()
		s.topology = topo.Clone()
		seedErr = s.persistLocked()
		s.mu.Unlock()
	})
	return seedErr
}

// Host makes address reachable, loading its snapshot if one exists
func (n *MemoryNetwork) Host(address string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.hostLocked(address)
	return err
}

func (n *MemoryNetwork) hostLocked(address string) (*shard, error) {
	if s, ok := n.shards[address]; ok {
		return s, nil
	}
	s := newShard(address, n.dataDir)
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load shard %s: %w", address, err)
	}
	n.shards[address] = s
	n.logger.Debug("Hosting memory shard", zap.String("address", address))
	return s, nil
}

// Reset clears the data of every shard, keeping topologies
func (n *MemoryNetwork) Reset() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.shards {
		s.mu.Lock()
		s.clearLocked()
		s.online = true
		err := s.persistLocked()
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Factory returns a Factory opening handles on this network
func (n *MemoryNetwork) Factory() Factory {
	return func(id Identity) (Store, error) {
		return n.Open(id)
	}
}

// Open returns a handle on the shard at id.Address
func (n *MemoryNetwork) Open(id Identity) (*MemoryStore, error) {
	n.mu.Lock()
	s, ok := n.shards[id.Address]
	n.mu.Unlock()
	if !ok {
		return nil, apperrors.Unreachable(fmt.Sprintf("no store listening on %s", id.Address), nil).
			WithDetail("address", id.Address)
	}
	return &MemoryStore{id: id, shard: s, opts: n.opts}, nil
}

type shard struct {
	mu         sync.Mutex
	address    string
	path       string
	online     bool
	topology   *model.Topology
	timestamps *model.Timestamps
	byID       map[string]*model.Element
	byValue    map[string]map[string]*model.Element
}

func newShard(address, dataDir string) *shard {
	s := &shard{
		address:  address,
		online:   true,
		topology: model.NewTopology(),
	}
	if dataDir != "" {
		name := strings.NewReplacer(":", "_", "/", "_", "[", "", "]", "").Replace(address)
		s.path = filepath.Join(dataDir, "shard_"+name+".json")
	}
	s.clearLocked()
	return s
}

func (s *shard) clearLocked() {
	s.timestamps = model.NewTimestamps()
	s.byID = make(map[string]*model.Element)
	s.byValue = make(map[string]map[string]*model.Element)
}

func (s *shard) insertLocked(e *model.Element) {
	s.byID[e.ID] = e
	ids, ok := s.byValue[e.Value]
	if !ok {
		ids = make(map[string]*model.Element)
		s.byValue[e.Value] = ids
	}
	ids[e.ID] = e
}

func (s *shard) deleteLocked(e *model.Element) {
	delete(s.byID, e.ID)
	if ids, ok := s.byValue[e.Value]; ok {
		delete(ids, e.ID)
		if len(ids) == 0 {
			delete(s.byValue, e.Value)
		}
	}
}

func (s *shard) valuesLocked(value string) []*model.Element {
	ids := s.byValue[value]
	out := make([]*model.Element, 0, len(ids))
	for _, e := range ids {
		out = append(out, e)
	}
	return out
}

type snapshot struct {
	Online     bool                  `json:"online"`
	Topology   []model.TopologyEntry `json:"topology"`
	Timestamps *model.Timestamps     `json:"timestamps"`
	Elements   []*model.Element      `json:"elements"`
}

func (s *shard) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	snap := snapshot{Timestamps: model.NewTimestamps()}
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	topo, err := model.TopologyFromEntries(snap.Topology)
	if err != nil {
		return err
	}
	s.online = snap.Online
	s.topology = topo
	s.timestamps = snap.Timestamps
	for _, e := range snap.Elements {
		s.insertLocked(e)
	}
	return nil
}

func (s *shard) persistLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{
		Online:     s.online,
		Topology:   s.topology.Entries(),
		Timestamps: s.timestamps,
		Elements:   sortedElements(s.byID),
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func sortedElements(byID map[string]*model.Element) []*model.Element {
	out := make([]*model.Element, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Defining(), out[j].Defining()
		if a.ClusterID != b.ClusterID {
			return a.ClusterID < b.ClusterID
		}
		if a.StoreID != b.StoreID {
			return a.StoreID < b.StoreID
		}
		if a.T != b.T {
			return a.T < b.T
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MemoryStore is a handle on a MemoryNetwork shard
type MemoryStore struct {
	id            Identity
	shard         *shard
	opts          Options
	mu            sync.RWMutex
	checkIfOnline bool
	closed        bool
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ TopologySeeder = (*MemoryStore)(nil)
)

func (m *MemoryStore) ClusterID() string { return m.id.ClusterID }
func (m *MemoryStore) StoreID() string   { return m.id.StoreID }
func (m *MemoryStore) Address() string   { return m.id.Address }
func (m *MemoryStore) Name() string      { return m.id.Name() }

// SetCheckIfOnline makes this handle fail while the shard is offline
func (m *MemoryStore) SetCheckIfOnline(check bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkIfOnline = check
}

// SetOnline flips the shard's online flag, visible to every handle
func (m *MemoryStore) SetOnline(_ context.Context, online bool) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.shard.mu.Lock()
	defer m.shard.mu.Unlock()
	m.shard.online = online
	return m.shard.persistLocked()
}

// lock acquires the shard and verifies the handle may use it
func (m *MemoryStore) lock() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.RLock()
	check := m.checkIfOnline
	m.mu.RUnlock()

	m.shard.mu.Lock()
	if check && !m.shard.online {
		m.shard.mu.Unlock()
		return offline(m.id)
	}
	return nil
}

func (m *MemoryStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return apperrors.Precondition("store " + m.id.Name() + " is closed")
	}
	return nil
}

func (m *MemoryStore) requireIdentity() error {
	if m.id.ClusterID == "" || m.id.StoreID == "" {
		return apperrors.Precondition("bootstrap handle " + m.id.Address + " cannot modify the set")
	}
	return nil
}

func (m *MemoryStore) GetTopology(_ context.Context) (*model.Topology, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.shard.mu.Unlock()
	return m.shard.topology.Clone(), nil
}

// SeedTopology replaces the shard's topology
func (m *MemoryStore) SeedTopology(_ context.Context, topo *model.Topology) error {
	m.shard.mu.Lock()
	defer m.shard.mu.Unlock()
	m.shard.topology = topo.Clone()
	return m.shard.persistLocked()
}

func (m *MemoryStore) Add(_ context.Context, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := m.requireIdentity(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.shard.mu.Unlock()

	now := m.opts.now()
	t := m.shard.timestamps.Increment(m.id.ClusterID, m.id.StoreID)
	m.shard.insertLocked(&model.Element{
		Value:     value,
		ID:        uuid.NewString(),
		Added:     model.Coordinate{T: t, ClusterID: m.id.ClusterID, StoreID: m.id.StoreID},
		ExpiresAt: model.Deadline(now, m.opts.TTL),
	})
	return m.shard.persistLocked()
}

func (m *MemoryStore) Remove(_ context.Context, value string) error {
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := m.requireIdentity(); err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.shard.mu.Unlock()

	now := m.opts.now()
	t := m.shard.timestamps.Increment(m.id.ClusterID, m.id.StoreID)
	removed := model.Coordinate{T: t, ClusterID: m.id.ClusterID, StoreID: m.id.StoreID}
	for _, e := range m.shard.valuesLocked(value) {
		if e.IsRemoved() || e.Expired(now) {
			continue
		}
		r := removed
		e.Removed = &r
		e.ExpiresAt = model.Deadline(now, m.opts.TTL)
	}
	return m.shard.persistLocked()
}

func (m *MemoryStore) Lookup(_ context.Context, value string) (bool, error) {
	if err := ValidateValue(value); err != nil {
		return false, err
	}
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.shard.mu.Unlock()
	return model.Present(m.shard.valuesLocked(value), m.opts.now()), nil
}

func (m *MemoryStore) GetTimestamps(_ context.Context) (*model.Timestamps, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.shard.mu.Unlock()
	return m.shard.timestamps.Clone(), nil
}

func (m *MemoryStore) UpdateMaxTimestamps(_ context.Context, ts *model.Timestamps) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.shard.mu.Unlock()
	m.shard.timestamps = model.Merge(m.shard.timestamps, ts)
	return m.shard.persistLocked()
}

// GetUpdates returns live elements whose latest event is newer than since.
// Expired elements are dropped from the shard on the way.
func (m *MemoryStore) GetUpdates(_ context.Context, since *model.Timestamps) ([]*model.Element, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.shard.mu.Unlock()

	now := m.opts.now()
	updates := make([]*model.Element, 0)
	for _, e := range sortedElements(m.shard.byID) {
		if e.Expired(now) {
			m.shard.deleteLocked(e)
			continue
		}
		if e.NewerThan(since) {
			updates = append(updates, e.Clone())
		}
	}
	return updates, nil
}

// AddUpdates stores foreign elements. A copy of an element already held
// can only move it from present to removed.
func (m *MemoryStore) AddUpdates(_ context.Context, elements []*model.Element) error {
	for _, e := range elements {
		if err := ValidateValue(e.Value); err != nil {
			return err
		}
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.shard.mu.Unlock()

	now := m.opts.now()
	for _, e := range elements {
		if e.Expired(now) {
			continue
		}
		existing, ok := m.shard.byID[e.ID]
		if !ok {
			m.shard.insertLocked(e.Clone())
			continue
		}
		if !existing.IsRemoved() && e.IsRemoved() {
			r := *e.Removed
			existing.Removed = &r
			existing.ExpiresAt = e.ExpiresAt
		}
	}
	return m.shard.persistLocked()
}

// Clear drops all elements and timestamps of the shard
func (m *MemoryStore) Clear(_ context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.shard.mu.Lock()
	defer m.shard.mu.Unlock()
	m.shard.clearLocked()
	return m.shard.persistLocked()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
