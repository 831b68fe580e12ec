package model

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Endpoint is the network address of a store
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address renders the endpoint as host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses host:port
func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in %q: %w", address, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Topology maps cluster id to store id to endpoint.
// It is treated as immutable once handed to a client.
type Topology struct {
	clusters map[string]map[string]Endpoint
}

// NewTopology creates an empty topology
func NewTopology() *Topology {
	return &Topology{clusters: make(map[string]map[string]Endpoint)}
}

// Set registers a store. Ids must not contain the delimiter.
func (t *Topology) Set(clusterID, storeID string, endpoint Endpoint) error {
	if err := ValidateID(clusterID); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if err := ValidateID(storeID); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	stores, ok := t.clusters[clusterID]
	if !ok {
		stores = make(map[string]Endpoint)
		t.clusters[clusterID] = stores
	}
	stores[storeID] = endpoint
	return nil
}

// Get returns the endpoint of a store
func (t *Topology) Get(clusterID, storeID string) (Endpoint, bool) {
	e, ok := t.clusters[clusterID][storeID]
	return e, ok
}

// HasCluster reports whether the cluster exists
func (t *Topology) HasCluster(clusterID string) bool {
	_, ok := t.clusters[clusterID]
	return ok
}

// ClusterIDs returns cluster ids in sorted order
func (t *Topology) ClusterIDs() []string {
	ids := make([]string, 0, len(t.clusters))
	for id := range t.clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StoreIDs returns the store ids of a cluster in sorted order
func (t *Topology) StoreIDs(clusterID string) []string {
	ids := make([]string, 0, len(t.clusters[clusterID]))
	for id := range t.clusters[clusterID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Each visits every store in sorted order
func (t *Topology) Each(fn func(clusterID, storeID string, endpoint Endpoint)) {
	for _, clusterID := range t.ClusterIDs() {
		for _, storeID := range t.StoreIDs(clusterID) {
			fn(clusterID, storeID, t.clusters[clusterID][storeID])
		}
	}
}

// Len returns the total number of stores
func (t *Topology) Len() int {
	n := 0
	for _, stores := range t.clusters {
		n += len(stores)
	}
	return n
}

// Locate finds the store registered at address
func (t *Topology) Locate(address string) (clusterID, storeID string, ok bool) {
	t.Each(func(rc, rs string, e Endpoint) {
		if !ok && e.Address() == address {
			clusterID, storeID, ok = rc, rs, true
		}
	})
	return clusterID, storeID, ok
}

// Clone returns a deep copy
func (t *Topology) Clone() *Topology {
	c := NewTopology()
	t.Each(func(rc, rs string, e Endpoint) {
		// ids were validated on the way in
		_ = c.Set(rc, rs, e)
	})
	return c
}

// TopologyEntry is the flat representation used on the wire and in storage
type TopologyEntry struct {
	ClusterID string `json:"cluster_id"`
	StoreID   string `json:"store_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

// Entries flattens the topology
func (t *Topology) Entries() []TopologyEntry {
	entries := make([]TopologyEntry, 0, t.Len())
	t.Each(func(rc, rs string, e Endpoint) {
		entries = append(entries, TopologyEntry{ClusterID: rc, StoreID: rs, Host: e.Host, Port: e.Port})
	})
	return entries
}

// TopologyFromEntries rebuilds a topology from flat entries
func TopologyFromEntries(entries []TopologyEntry) (*Topology, error) {
	t := NewTopology()
	for _, e := range entries {
		if err := t.Set(e.ClusterID, e.StoreID, Endpoint{Host: e.Host, Port: e.Port}); err != nil {
			return nil, err
		}
	}
	return t, nil
}
