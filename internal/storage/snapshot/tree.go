package snapshot

// node is an immutable treap node. Nodes are shared between snapshots and
// are never modified after construction.
type node[K, V any] struct {
	key   K
	val   V
	prio  uint64
	size  int
	left  *node[K, V]
	right *node[K, V]
}

func sizeOf[K, V any](n *node[K, V]) int {
	if n == nil {
		return 0
	}
	return n.size
}

func newNode[K, V any](key K, val V, prio uint64, left, right *node[K, V]) *node[K, V] {
	return &node[K, V]{
		key:   key,
		val:   val,
		prio:  prio,
		size:  1 + sizeOf(left) + sizeOf(right),
		left:  left,
		right: right,
	}
}

// withChildren returns n with the given children, reusing n when nothing changed.
func withChildren[K, V any](n, left, right *node[K, V]) *node[K, V] {
	if n.left == left && n.right == right {
		return n
	}
	return newNode(n.key, n.val, n.prio, left, right)
}

// treap holds the ordering and priority functions of one tree family.
// Priorities are a pure function of the key, which makes the shape of a
// treap depend only on its key set.
type treap[K, V any] struct {
	cmp  func(a, b K) int
	prio func(K) uint64
}

// above reports whether (ap, ak) belongs above (bp, bk) in the heap order.
func (t treap[K, V]) above(ap uint64, ak K, bp uint64, bk K) bool {
	if ap != bp {
		return ap > bp
	}
	return t.cmp(ak, bk) < 0
}

func (t treap[K, V]) get(n *node[K, V], key K) *node[K, V] {
	for n != nil {
		c := t.cmp(key, n.key)
		switch {
		case c == 0:
			return n
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil
}

// put returns a tree with key bound to val.
func (t treap[K, V]) put(n *node[K, V], key K, val V) *node[K, V] {
	return t.putPrio(n, key, val, t.prio(key))
}

func (t treap[K, V]) putPrio(n *node[K, V], key K, val V, prio uint64) *node[K, V] {
	if n == nil {
		return newNode[K, V](key, val, prio, nil, nil)
	}
	c := t.cmp(key, n.key)
	if c == 0 {
		return newNode(n.key, val, n.prio, n.left, n.right)
	}
	if t.above(prio, key, n.prio, n.key) {
		left, _, right := t.split(n, key)
		return newNode(key, val, prio, left, right)
	}
	if c < 0 {
		return withChildren(n, t.putPrio(n.left, key, val, prio), n.right)
	}
	return withChildren(n, n.left, t.putPrio(n.right, key, val, prio))
}

// remove returns a tree without key and whether key was present.
func (t treap[K, V]) remove(n *node[K, V], key K) (*node[K, V], bool) {
	if n == nil {
		return nil, false
	}
	c := t.cmp(key, n.key)
	if c == 0 {
		return t.merge(n.left, n.right), true
	}
	if c < 0 {
		left, ok := t.remove(n.left, key)
		if !ok {
			return n, false
		}
		return withChildren(n, left, n.right), true
	}
	right, ok := t.remove(n.right, key)
	if !ok {
		return n, false
	}
	return withChildren(n, n.left, right), true
}

// merge joins two trees where every key of a sorts before every key of b.
func (t treap[K, V]) merge(a, b *node[K, V]) *node[K, V] {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if t.above(a.prio, a.key, b.prio, b.key) {
		return withChildren(a, a.left, t.merge(a.right, b))
	}
	return withChildren(b, t.merge(a, b.left), b.right)
}

// split partitions n into keys below key, the node holding key (if any),
// and keys above key. Untouched subtrees are shared, not copied.
func (t treap[K, V]) split(n *node[K, V], key K) (left, found, right *node[K, V]) {
	if n == nil {
		return nil, nil, nil
	}
	c := t.cmp(key, n.key)
	switch {
	case c == 0:
		return n.left, n, n.right
	case c < 0:
		l, f, r := t.split(n.left, key)
		return l, f, withChildren(n, r, n.right)
	default:
		l, f, r := t.split(n.right, key)
		return withChildren(n, n.left, l), f, r
	}
}

// ascend visits nodes in key order until fn returns false.
func ascend[K, V any](n *node[K, V], fn func(*node[K, V]) bool) bool {
	if n == nil {
		return true
	}
	if !ascend(n.left, fn) {
		return false
	}
	if !fn(n) {
		return false
	}
	return ascend(n.right, fn)
}

// diff reports, in key order, every key whose binding differs between a and
// b. emit receives the old and new nodes; a nil node means absent. Subtrees
// shared by both trees are skipped without being visited.
func (t treap[K, V]) diff(a, b *node[K, V], same func(x, y V) bool, emit func(old, cur *node[K, V])) {
	if a == b {
		return
	}
	if a == nil {
		ascend(b, func(n *node[K, V]) bool {
			emit(nil, n)
			return true
		})
		return
	}
	if b == nil {
		ascend(a, func(n *node[K, V]) bool {
			emit(n, nil)
			return true
		})
		return
	}

	bl, bm, br := t.split(b, a.key)
	t.diff(a.left, bl, same, emit)
	switch {
	case bm == nil:
		emit(a, nil)
	case !same(a.val, bm.val):
		emit(a, bm)
	}
	t.diff(a.right, br, same, emit)
}
