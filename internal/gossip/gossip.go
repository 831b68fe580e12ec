// Package gossip tracks which replication clusters have a live sync daemon.
// Every orset-syncd joins one memberlist and advertises its cluster id in the
// node metadata.
package gossip

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/orset/internal/metrics"
)

// Config holds gossip settings
type Config struct {
	ClusterID string
	// NodeName defaults to <cluster id>-<random suffix>
	NodeName string
	BindAddr string
	BindPort int
	Seeds    []string
	// LeaveTimeout bounds the leave broadcast on Shutdown
	LeaveTimeout time.Duration
}

// NodeMeta is advertised to every other member
type NodeMeta struct {
	ClusterID string `json:"cluster_id"`
}

// Member is one live daemon
type Member struct {
	Name      string
	Address   string
	ClusterID string
}

// Service manages cluster membership
type Service struct {
	cfg        Config
	memberlist *memberlist.Memberlist
	meta       []byte
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.RWMutex
	members map[string]Member
}

// New creates the memberlist and joins the configured seeds. Failing to
// reach the seeds is logged, the node then runs alone until others join it.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("gossip: cluster id is required")
	}
	if cfg.NodeName == "" {
		cfg.NodeName = cfg.ClusterID + "-" + uuid.NewString()[:8]
	}
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = time.Second
	}

	meta, err := json.Marshal(NodeMeta{ClusterID: cfg.ClusterID})
	if err != nil {
		return nil, fmt.Errorf("gossip: encode meta: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		meta:    meta,
		metrics: m,
		logger:  logger,
		members: make(map[string]Member),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.LogOutput = nil
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.Seeds) > 0 {
		if _, err := s.Join(cfg.Seeds); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Strings("seeds", cfg.Seeds), zap.Error(err))
		}
	}

	logger.Info("gossip started",
		zap.String("node", cfg.NodeName),
		zap.String("cluster_id", cfg.ClusterID),
		zap.String("address", s.Address()))
	return s, nil
}

// Join contacts the given host:port seeds and returns how many answered
func (s *Service) Join(seeds []string) (int, error) {
	return s.memberlist.Join(seeds)
}

// Address is the host:port other members can join through
func (s *Service) Address() string {
	return s.memberlist.LocalNode().Address()
}

// Members returns the live members sorted by name
func (s *Service) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AliveClusters returns the sorted ids of clusters with at least one live member
func (s *Service) AliveClusters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, m := range s.members {
		seen[m.ClusterID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsAlive reports whether clusterID has a live member
func (s *Service) IsAlive(clusterID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members {
		if m.ClusterID == clusterID {
			return true
		}
	}
	return false
}

// Shutdown leaves the memberlist and stops it
func (s *Service) Shutdown() error {
	if err := s.memberlist.Leave(s.cfg.LeaveTimeout); err != nil {
		s.logger.Warn("failed to leave gossip cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *Service) upsert(node *memberlist.Node) {
	var meta NodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("ignoring member with unreadable metadata",
			zap.String("node", node.Name), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.members[node.Name] = Member{Name: node.Name, Address: node.Address(), ClusterID: meta.ClusterID}
	n := len(s.members)
	s.mu.Unlock()
	s.metrics.SetGossipMembers(n)
}

func (s *Service) remove(node *memberlist.Node) {
	s.mu.Lock()
	delete(s.members, node.Name)
	n := len(s.members)
	s.mu.Unlock()
	s.metrics.SetGossipMembers(n)
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	if len(s.meta) > limit {
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct {
	service *Service
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("node joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Address()))
	d.service.upsert(node)
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("node left", zap.String("node", node.Name))
	d.service.remove(node)
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("node updated", zap.String("node", node.Name))
	d.service.upsert(node)
}
