package snapshot

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

var intTree = treap[int, int]{
	cmp: func(a, b int) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	},
	prio: func(k int) uint64 { return subkeyPriority(domain.Subkey(k)) },
}

func collect(n *node[int, int]) []int {
	var out []int
	ascend(n, func(n *node[int, int]) bool {
		out = append(out, n.key)
		return true
	})
	return out
}

// checkHeap verifies the BST order, heap order and cached sizes.
func checkHeap(t *testing.T, n *node[int, int]) int {
	t.Helper()
	if n == nil {
		return 0
	}
	if n.left != nil {
		assert.Less(t, n.left.key, n.key)
		assert.True(t, intTree.above(n.prio, n.key, n.left.prio, n.left.key))
	}
	if n.right != nil {
		assert.Greater(t, n.right.key, n.key)
		assert.True(t, intTree.above(n.prio, n.key, n.right.prio, n.right.key))
	}
	size := 1 + checkHeap(t, n.left) + checkHeap(t, n.right)
	assert.Equal(t, size, n.size)
	return size
}

func TestTreap_AgainstModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	model := map[int]int{}
	var root *node[int, int]

	for i := 0; i < 2000; i++ {
		k := rng.Intn(300)
		if rng.Intn(3) == 0 {
			var removed bool
			root, removed = intTree.remove(root, k)
			_, had := model[k]
			require.Equal(t, had, removed, "remove(%d)", k)
			delete(model, k)
			continue
		}
		root = intTree.put(root, k, i)
		model[k] = i
	}

	checkHeap(t, root)
	want := make([]int, 0, len(model))
	for k := range model {
		want = append(want, k)
	}
	sort.Ints(want)
	assert.Equal(t, want, collect(root))
	for k, v := range model {
		n := intTree.get(root, k)
		require.NotNil(t, n)
		assert.Equal(t, v, n.val)
	}
}

func TestTreap_PersistentUpdates(t *testing.T) {
	var base *node[int, int]
	for i := 0; i < 100; i++ {
		base = intTree.put(base, i, i)
	}
	before := collect(base)

	next := intTree.put(base, 50, -1)
	next, _ = intTree.remove(next, 10)
	next = intTree.put(next, 1000, 1000)

	assert.Equal(t, before, collect(base), "original tree must not change")
	assert.Equal(t, 50, intTree.get(base, 50).val)
	assert.Equal(t, -1, intTree.get(next, 50).val)
	assert.Nil(t, intTree.get(next, 10))
	assert.NotNil(t, intTree.get(base, 10))
	checkHeap(t, next)
}

func TestTreap_ShapeDependsOnlyOnKeySet(t *testing.T) {
	var a, b *node[int, int]
	for i := 0; i < 64; i++ {
		a = intTree.put(a, i, 0)
	}
	for i := 63; i >= 0; i-- {
		b = intTree.put(b, i, 0)
	}
	var shape func(n *node[int, int]) []int
	shape = func(n *node[int, int]) []int {
		if n == nil {
			return []int{-1}
		}
		out := []int{n.key}
		out = append(out, shape(n.left)...)
		return append(out, shape(n.right)...)
	}
	assert.Equal(t, shape(a), shape(b))
}

func TestTreap_RemoveAbsentSharesTree(t *testing.T) {
	var root *node[int, int]
	for i := 0; i < 20; i += 2 {
		root = intTree.put(root, i, i)
	}
	same, removed := intTree.remove(root, 7)
	assert.False(t, removed)
	assert.Same(t, root, same)
}

func TestTreap_Diff(t *testing.T) {
	var a *node[int, int]
	for i := 0; i < 200; i++ {
		a = intTree.put(a, i, i)
	}
	b := intTree.put(a, 5, 500)
	b, _ = intTree.remove(b, 120)
	b = intTree.put(b, 250, 250)

	type change struct{ key, old, cur int }
	var got []change
	intTree.diff(a, b, func(x, y int) bool { return x == y }, func(o, c *node[int, int]) {
		ch := change{old: -1, cur: -1}
		if o != nil {
			ch.key, ch.old = o.key, o.val
		}
		if c != nil {
			ch.key, ch.cur = c.key, c.val
		}
		got = append(got, ch)
	})

	assert.Equal(t, []change{
		{key: 5, old: 5, cur: 500},
		{key: 120, old: 120, cur: -1},
		{key: 250, old: -1, cur: 250},
	}, got)

	calls := 0
	intTree.diff(a, a, func(x, y int) bool { return x == y }, func(_, _ *node[int, int]) { calls++ })
	assert.Zero(t, calls)
}
