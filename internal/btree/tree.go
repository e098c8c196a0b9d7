package btree

import (
	"fmt"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/errs"
)

// Metadata describes a persisted index (spec.md §3 "Collection metadata" —
// index descriptors: name, indexed field, unique flag, key count, tree
// height, root offset on disk).
type Metadata struct {
	Name       string
	Field      string
	Unique     bool
	NumKeys    int
	Height     int
	RootOffset int64
}

// Tree is an in-memory B+ tree over IndexKey -> document.Id. It is not
// safe for concurrent use without an external lock; spec.md §5 assigns one
// per-collection lock to serialize index updates.
type Tree struct {
	root Node
	Meta Metadata
}

// New creates an empty tree for the named index over field, enforcing
// uniqueness if unique is set.
func New(name, field string, unique bool) *Tree {
	return &Tree{
		root: Node{Kind: NodeLeaf},
		Meta: Metadata{Name: name, Field: field, Unique: unique, Height: 1},
	}
}

// Search returns the first id stored under key, if any (spec.md §4.C
// "binary search in the unique-per-leaf ordering").
func (t *Tree) Search(key Key) (document.Id, bool) {
	leaf := t.findLeaf(&t.root, key)
	idx, found := leaf.leafInsertPos(key)
	if !found {
		return document.Id{}, false
	}
	return leaf.Values[idx], true
}

func (t *Tree) findLeaf(n *Node, key Key) *Node {
	for n.Kind == NodeInternal {
		n = n.Children[n.findChildIndex(key)]
	}
	return n
}

// Insert adds (key, id). Under a unique index, a pre-existing key fails
// with IndexError("Duplicate key") and the tree is left unchanged.
// Otherwise the pair is inserted into its target leaf, splitting up the
// tree as needed; a root split increases height by one.
func (t *Tree) Insert(key Key, id document.Id) error {
	if t.Meta.Unique {
		if _, found := t.Search(key); found {
			return errs.NewDuplicateKeyError(key.String())
		}
	}

	path := t.descendPath(key)
	leaf := path[len(path)-1]
	t.insertIntoLeaf(leaf, key, id)
	t.Meta.NumKeys++

	if len(leaf.Keys) <= MaxKeys {
		return nil
	}

	// Overflow: split bottom-up along the descent path.
	mid, rightLeaf := splitLeaf(leaf)
	t.propagateSplit(path[:len(path)-1], mid, leaf, rightLeaf)
	return nil
}

// descendPath returns the chain of nodes visited from root to the leaf
// that should hold key, root first.
func (t *Tree) descendPath(key Key) []*Node {
	path := []*Node{&t.root}
	n := &t.root
	for n.Kind == NodeInternal {
		n = n.Children[n.findChildIndex(key)]
		path = append(path, n)
	}
	return path
}

func (t *Tree) insertIntoLeaf(leaf *Node, key Key, id document.Id) {
	pos := leafUpperBound(leaf, key)
	leaf.Keys = append(leaf.Keys, Key{})
	copy(leaf.Keys[pos+1:], leaf.Keys[pos:])
	leaf.Keys[pos] = key

	leaf.Values = append(leaf.Values, document.Id{})
	copy(leaf.Values[pos+1:], leaf.Values[pos:])
	leaf.Values[pos] = id
}

// leafUpperBound returns the first index whose key is strictly greater
// than key, so duplicate-key inserts land after any existing run of the
// same key (stable append order among duplicates under a non-unique
// index).
func leafUpperBound(leaf *Node, key Key) int {
	lo, hi := 0, len(leaf.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if leaf.Keys[mid].Compare(key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func splitLeaf(leaf *Node) (Key, *Node) {
	mid := len(leaf.Keys) / 2
	right := &Node{
		Kind:   NodeLeaf,
		Keys:   append([]Key{}, leaf.Keys[mid:]...),
		Values: append([]document.Id{}, leaf.Values[mid:]...),
		Next:   leaf.Next,
	}
	leaf.Keys = leaf.Keys[:mid]
	leaf.Values = leaf.Values[:mid]
	return right.Keys[0], right
}

func splitInternal(n *Node) (Key, *Node) {
	mid := len(n.Keys) / 2
	upKey := n.Keys[mid]
	right := &Node{
		Kind:     NodeInternal,
		Keys:     append([]Key{}, n.Keys[mid+1:]...),
		Children: append([]*Node{}, n.Children[mid+1:]...),
	}
	n.Keys = n.Keys[:mid]
	n.Children = n.Children[:mid+1]
	return upKey, right
}

// propagateSplit walks back up path (deepest ancestor last) inserting the
// separator produced by a child split, splitting ancestors in turn as
// needed. When path is exhausted (the root itself split), a new internal
// root is created and the tree's height grows by one.
func (t *Tree) propagateSplit(path []*Node, upKey Key, left, right *Node) {
	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i]
		pos := parent.findChildIndex(upKey)

		parent.Keys = append(parent.Keys, Key{})
		copy(parent.Keys[pos+1:], parent.Keys[pos:])
		parent.Keys[pos] = upKey

		parent.Children = append(parent.Children, nil)
		copy(parent.Children[pos+2:], parent.Children[pos+1:])
		parent.Children[pos+1] = right

		if len(parent.Keys) <= MaxKeys {
			return
		}
		upKey, right = splitInternal(parent)
		left = parent
	}

	// Root overflowed (or was a leaf root that just split): grow height.
	newRoot := newInternal(upKey, left, right)
	if left == &t.root {
		// left IS the root value; keep it in place and rewire via a copy
		// swap so callers holding &t.root stay valid.
		oldRoot := t.root
		leftCopy := oldRoot
		t.root = Node{Kind: NodeInternal, Keys: newRoot.Keys, Children: []*Node{&leftCopy, right}}
	} else {
		t.root = *newRoot
	}
	t.Meta.Height++
}

// Delete removes the matching (key, id) pair from its leaf. Per spec.md
// §4.C, deletion is lazy: nodes falling below MinKeys are not merged or
// rebalanced (spec.md §9 "Deliberate simplifications"), so long-running
// delete-heavy workloads degrade node occupancy. Nothing in this package
// rebuilds a tree, and a tree saved and loaded again keeps its node layout.
func (t *Tree) Delete(key Key, id document.Id) bool {
	leaf := t.findLeaf(&t.root, key)
	for i, k := range leaf.Keys {
		if k.Compare(key) == 0 && leaf.Values[i].Equal(id) {
			leaf.Keys = append(leaf.Keys[:i], leaf.Keys[i+1:]...)
			leaf.Values = append(leaf.Values[:i], leaf.Values[i+1:]...)
			t.Meta.NumKeys--
			return true
		}
	}
	return false
}

// RangeScan returns every id whose key lies in [start, end] (bounds
// inclusive/exclusive per incStart/incEnd), in ascending key order. A nil
// start means "from the minimum key"; a nil end means "to the maximum
// key". start > end yields an empty result.
func (t *Tree) RangeScan(start, end *Key, incStart, incEnd bool) []document.Id {
	if start != nil && end != nil {
		if c := start.Compare(*end); c > 0 || (c == 0 && !(incStart && incEnd)) {
			return nil
		}
	}

	var out []document.Id
	for _, leaf := range t.leavesInOrder() {
		stop := false
		for i, k := range leaf.Keys {
			if start != nil {
				c := k.Compare(*start)
				if c < 0 || (c == 0 && !incStart) {
					continue
				}
			}
			if end != nil {
				c := k.Compare(*end)
				if c > 0 || (c == 0 && !incEnd) {
					stop = true
					break
				}
			}
			out = append(out, leaf.Values[i])
		}
		if stop {
			break
		}
	}
	return out
}

// leavesInOrder returns every leaf left to right by walking the
// owned-children structure from the root. Leaves' Next sibling offsets are
// not used (they are never set), which is cheap enough for a tree this
// size (spec.md §8 property 4: <=10^4 keys).
func (t *Tree) leavesInOrder() []*Node {
	var leaves []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Kind == NodeLeaf {
			leaves = append(leaves, n)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(&t.root)
	return leaves
}

// InOrder returns every (key, id) pair across all leaves, left to right —
// used by tests asserting ordering (spec.md §8 property 5).
func (t *Tree) InOrder() []struct {
	Key Key
	Id  document.Id
} {
	var out []struct {
		Key Key
		Id  document.Id
	}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Kind == NodeLeaf {
			for i, k := range n.Keys {
				out = append(out, struct {
					Key Key
					Id  document.Id
				}{k, n.Values[i]})
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(&t.root)
	return out
}

// Clone returns a deep copy of the tree, independent of t for every
// subsequent mutation. The two-phase commit coordinator snapshots an
// index before mutating it in place so a mid-phase failure — a later
// index's uniqueness violation, or the storage engine's commit itself
// failing — can restore every index already touched this transaction
// instead of leaving it partially mutated in memory (spec.md §4.F
// Phase 1).
func (t *Tree) Clone() *Tree {
	return &Tree{root: cloneNode(&t.root), Meta: t.Meta}
}

func cloneNode(n *Node) Node {
	cp := Node{Kind: n.Kind, Next: n.Next, offset: n.offset}
	if n.Keys != nil {
		cp.Keys = append([]Key{}, n.Keys...)
	}
	if n.Kind == NodeLeaf {
		if n.Values != nil {
			cp.Values = append([]document.Id{}, n.Values...)
		}
		return cp
	}
	cp.Children = make([]*Node, len(n.Children))
	for i, child := range n.Children {
		c := cloneNode(child)
		cp.Children[i] = &c
	}
	return cp
}

func (t *Tree) String() string {
	return fmt.Sprintf("Tree{name=%s field=%s unique=%t keys=%d height=%d}",
		t.Meta.Name, t.Meta.Field, t.Meta.Unique, t.Meta.NumKeys, t.Meta.Height)
}
