package hashing

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// Node is anything that can be placed by a Router
type Node interface {
	comparable
	Name() string
}

// Router maps string keys to nodes. Implementations serialize every call.
type Router[T Node] interface {
	Add(node T)
	AddAll(nodes []T)
	Remove(node T)
	// Get returns the node responsible for key, false when empty
	Get(key string) (T, bool)
	Len() int
}

// Router kinds
const (
	KindModulo     = "modulo"
	KindConsistent = "consistent"
)

// New creates a router of the given kind. An empty kind selects modulo.
func New[T Node](kind string) (Router[T], error) {
	switch kind {
	case "", KindModulo:
		return NewModulo[T](), nil
	case KindConsistent:
		return NewConsistent[T](DefaultReplicas), nil
	default:
		return nil, fmt.Errorf("unknown router kind %q", kind)
	}
}

// Digest maps a key to a ring position: the low 8 bytes of its MD5 sum
// read as a little-endian integer.
func Digest(key string) uint64 {
	sum := md5.Sum([]byte(key))
	return binary.LittleEndian.Uint64(sum[:8])
}
