package hashing

import (
	"sort"
	"strconv"
	"sync"
)

// DefaultReplicas is the number of ring points per node
const DefaultReplicas = 3

// Consistent places each node at several points on a hash ring and routes a
// key to the first point at or after Digest(key), wrapping around.
type Consistent[T Node] struct {
	mu       sync.Mutex
	replicas int
	ring     []uint64     // Sorted ring points
	ringMap  map[uint64]T // Point -> node
}

// NewConsistent creates an empty ring
func NewConsistent[T Node](replicas int) *Consistent[T] {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Consistent[T]{
		replicas: replicas,
		ring:     make([]uint64, 0),
		ringMap:  make(map[uint64]T),
	}
}

// Add places node on the ring. A point already owned by another node is taken over.
func (c *Consistent[T]) Add(node T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(node)
	c.rebuild()
}

// AddAll places nodes in order
func (c *Consistent[T]) AddAll(nodes []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, node := range nodes {
		c.add(node)
	}
	c.rebuild()
}

// Remove deletes every point derived from node's name
func (c *Consistent[T]) Remove(node T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.replicas; i++ {
		delete(c.ringMap, Digest(node.Name()+strconv.Itoa(i)))
	}
	c.rebuild()
}

// Get returns the node owning key
func (c *Consistent[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if len(c.ring) == 0 {
		return zero, false
	}

	hash := Digest(key)
	idx := sort.Search(len(c.ring), func(i int) bool {
		return c.ring[i] >= hash
	})

	// Wrap around if necessary
	if idx >= len(c.ring) {
		idx = 0
	}
	return c.ringMap[c.ring[idx]], true
}

// Len returns the number of distinct nodes on the ring
func (c *Consistent[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[T]struct{}, len(c.ringMap))
	for _, node := range c.ringMap {
		seen[node] = struct{}{}
	}
	return len(seen)
}

func (c *Consistent[T]) add(node T) {
	for i := 0; i < c.replicas; i++ {
		c.ringMap[Digest(node.Name()+strconv.Itoa(i))] = node
	}
}

func (c *Consistent[T]) rebuild() {
	c.ring = c.ring[:0]
	for point := range c.ringMap {
		c.ring = append(c.ring, point)
	}
	sort.Slice(c.ring, func(i, j int) bool { return c.ring[i] < c.ring[j] })
}
