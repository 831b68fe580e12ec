package hashing

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Modulo routes key to nodes[hash(key) mod len(nodes)]
type Modulo[T Node] struct {
	mu    sync.Mutex
	nodes []T
}

// NewModulo creates an empty modulo router
func NewModulo[T Node]() *Modulo[T] {
	return &Modulo[T]{nodes: make([]T, 0)}
}

// Add appends a node
func (m *Modulo[T]) Add(node T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, node)
}

// AddAll appends nodes in order
func (m *Modulo[T]) AddAll(nodes []T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, nodes...)
}

// Remove deletes the first occurrence of node
func (m *Modulo[T]) Remove(node T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.nodes {
		if n == node {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			return
		}
	}
}

// Get returns the node for key
func (m *Modulo[T]) Get(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.nodes) == 0 {
		return zero, false
	}
	idx := xxhash.Sum64String(key) % uint64(len(m.nodes))
	return m.nodes[idx], true
}

// Len returns the number of nodes
func (m *Modulo[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}
