package hashing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode string

func (n testNode) Name() string { return string(n) }

func nodes(n int) []testNode {
	out := make([]testNode, n)
	for i := range out {
		out[i] = testNode(fmt.Sprintf("A:s%d", i))
	}
	return out
}

func TestNew(t *testing.T) {
	r, err := New[testNode]("")
	require.NoError(t, err)
	assert.IsType(t, &Modulo[testNode]{}, r)

	r, err = New[testNode](KindConsistent)
	require.NoError(t, err)
	assert.IsType(t, &Consistent[testNode]{}, r)

	_, err = New[testNode]("random")
	assert.Error(t, err)
}

func TestRouters_EmptyReturnsFalse(t *testing.T) {
	for _, kind := range []string{KindModulo, KindConsistent} {
		t.Run(kind, func(t *testing.T) {
			r, err := New[testNode](kind)
			require.NoError(t, err)
			_, ok := r.Get("value")
			assert.False(t, ok)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRouters_StableForUnchangedMembership(t *testing.T) {
	for _, kind := range []string{KindModulo, KindConsistent} {
		t.Run(kind, func(t *testing.T) {
			r, err := New[testNode](kind)
			require.NoError(t, err)
			r.AddAll(nodes(5))
			assert.Equal(t, 5, r.Len())

			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("value-%d", i)
				first, ok := r.Get(key)
				require.True(t, ok)
				second, _ := r.Get(key)
				assert.Equal(t, first, second)
			}
		})
	}
}

func TestRouters_SameMembershipSameRouting(t *testing.T) {
	// two independently built routers must agree so clients in a cluster
	// route a value to the same store
	for _, kind := range []string{KindModulo, KindConsistent} {
		t.Run(kind, func(t *testing.T) {
			a, _ := New[testNode](kind)
			b, _ := New[testNode](kind)
			a.AddAll(nodes(4))
			for _, n := range nodes(4) {
				b.Add(n)
			}
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i)
				na, _ := a.Get(key)
				nb, _ := b.Get(key)
				assert.Equal(t, na, nb)
			}
		})
	}
}

func TestModulo_RemoveFirstOccurrence(t *testing.T) {
	m := NewModulo[testNode]()
	m.AddAll([]testNode{"a", "b", "a"})
	m.Remove("a")
	assert.Equal(t, []testNode{"b", "a"}, m.nodes)
	m.Remove("missing")
	assert.Equal(t, 2, m.Len())
}

func TestModulo_SingleNodeGetsEverything(t *testing.T) {
	m := NewModulo[testNode]()
	m.Add("only")
	for i := 0; i < 50; i++ {
		n, ok := m.Get(fmt.Sprintf("%d", i))
		require.True(t, ok)
		assert.Equal(t, testNode("only"), n)
	}
}

func TestConsistent_ReplicaPoints(t *testing.T) {
	c := NewConsistent[testNode](DefaultReplicas)
	c.Add("A:x")
	assert.Len(t, c.ring, DefaultReplicas)
	for i := 1; i < len(c.ring); i++ {
		assert.Less(t, c.ring[i-1], c.ring[i])
	}
	for i := 0; i < DefaultReplicas; i++ {
		assert.Equal(t, testNode("A:x"), c.ringMap[Digest(fmt.Sprintf("A:x%d", i))])
	}
}

func TestConsistent_GetPicksFirstPointAtOrAfterKey(t *testing.T) {
	c := NewConsistent[testNode](DefaultReplicas)
	c.AddAll(nodes(3))

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("value-%d", i)
		h := Digest(key)

		var want testNode
		found := false
		for _, p := range c.ring {
			if p >= h {
				want, found = c.ringMap[p], true
				break
			}
		}
		if !found {
			want = c.ringMap[c.ring[0]]
		}

		got, ok := c.Get(key)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestConsistent_RemoveAndReAddRestoresRouting(t *testing.T) {
	c := NewConsistent[testNode](DefaultReplicas)
	all := nodes(4)
	c.AddAll(all)

	before := make(map[string]testNode)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("value-%d", i)
		before[key], _ = c.Get(key)
	}

	c.Remove(all[1])
	assert.Equal(t, 3, c.Len())
	for key, owner := range before {
		got, _ := c.Get(key)
		assert.NotEqual(t, all[1], got)
		if owner != all[1] {
			assert.Equal(t, owner, got, "keys of surviving nodes do not move")
		}
	}

	c.Add(all[1])
	for key, owner := range before {
		got, _ := c.Get(key)
		assert.Equal(t, owner, got)
	}
}

func TestDigest_LittleEndianLowBytes(t *testing.T) {
	// md5("") = d41d8cd98f00b204e9800998ecf8427e
	assert.Equal(t, uint64(0x04b2008fd98c1dd4), Digest(""))
}
