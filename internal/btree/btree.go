// Package btree implements the on-disk B+ tree index of the storage
// engine. Nodes are pages obtained from the pager; every mutation is a
// byte-level edit of an mmap-backed page.
package btree

import (
	"bytes"
	"errors"
	"fmt"

	"blsqdb/internal/pager"
)

// Underflow thresholds: a node underflows only when it empties.
const (
	minLeafKeys     = 1
	minInternalKeys = 1
)

// Tree is a B+ tree rooted in the pager's header page. All operations
// are single-threaded; the caller serializes access.
type Tree struct {
	pm   *pager.Pager
	root uint32
}

// Open binds a tree to the pager, creating an empty root leaf on a fresh
// file.
func Open(pm *pager.Pager) (*Tree, error) {
	t := &Tree{pm: pm}

	root := pm.Root()
	if root == 0 {
		id, err := t.createNode(true)
		if err != nil {
			return nil, fmt.Errorf("btree: create root: %w", err)
		}
		t.root = id
		pm.SetRoot(id)
		return t, nil
	}

	n, err := t.node(root)
	if err != nil {
		return nil, err
	}
	if k := n.kind(); k != kindLeaf && k != kindInternal {
		return nil, fmt.Errorf("%w: root page %d has kind %d", ErrBadNode, root, k)
	}
	t.root = root
	return t, nil
}

// Root reports the current root page ID.
func (t *Tree) Root() uint32 { return t.root }

// node fetches the page for id as a node view. The view is valid only
// until the next allocation.
func (t *Tree) node(id uint32) (node, error) {
	page, err := t.pm.Page(id)
	if err != nil {
		return nil, fmt.Errorf("btree: page %d: %w", id, err)
	}
	return node(page), nil
}

// createNode allocates a page and stamps it as a fresh node. Allocation
// may remap the file: every node view held before this call is stale.
func (t *Tree) createNode(leaf bool) (uint32, error) {
	id, err := t.pm.Alloc()
	if err != nil {
		return 0, err
	}
	n, err := t.node(id)
	if err != nil {
		return 0, err
	}
	initNode(n, leaf)
	t.pm.MarkDirty()
	return id, nil
}

// descend walks from the root to the leaf responsible for key, returning
// the page IDs on the path (root first, leaf last).
func (t *Tree) descend(key []byte) ([]uint32, error) {
	path := make([]uint32, 0, 4)
	id := t.root
	for {
		path = append(path, id)
		n, err := t.node(id)
		if err != nil {
			return nil, err
		}
		switch n.kind() {
		case kindLeaf:
			return path, nil
		case kindInternal:
			id = n.internalChild(n.childIndex(key))
		default:
			return nil, fmt.Errorf("%w: page %d has kind %d on search path", ErrBadNode, id, n.kind())
		}
	}
}

// Get returns a copy of the value stored under key, or ErrKeyNotFound.
func (t *Tree) Get(key []byte) ([]byte, error) {
	path, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	leaf, err := t.node(path[len(path)-1])
	if err != nil {
		return nil, err
	}
	pos, ok := leaf.leafSearch(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), leaf.leafValue(pos)...), nil
}

// Put inserts key/value or overwrites the existing value. The newest
// value always wins, splitting nodes as needed on the way up.
func (t *Tree) Put(key, value []byte) error {
	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	leaf, err := t.node(leafID)
	if err != nil {
		return err
	}

	pos, ok := leaf.leafSearch(key)
	if ok {
		if err := leaf.leafUpdateAt(pos, value); err == nil {
			t.pm.MarkDirty()
			return nil
		}
		// The grown entry no longer fits; reinsert through the split path.
		leaf.leafDeleteAt(pos)
	}

	if err := leaf.leafInsertAt(pos, key, value); err == nil {
		t.pm.MarkDirty()
		return nil
	}
	return t.splitLeafAndInsert(path, key, value)
}

// splitLeafAndInsert splits the full leaf at the end of path, inserts
// key/value into the proper half and propagates the promoted separator.
func (t *Tree) splitLeafAndInsert(path []uint32, key, value []byte) error {
	leafID := path[len(path)-1]

	newID, err := t.createNode(true)
	if err != nil {
		return err
	}
	// Allocation may have remapped the file; fetch both halves fresh.
	left, err := t.node(leafID)
	if err != nil {
		return err
	}
	right, err := t.node(newID)
	if err != nil {
		return err
	}

	cnt := left.keyCount()
	mid := cnt / 2
	splitOff := left.leafEntryOffset(mid)
	used := left.usedBytes()

	copy(right.payload(), left.payload()[splitOff:used])
	clear(left.payload()[splitOff:used])
	right.setKeyCount(cnt - mid)
	left.setKeyCount(mid)

	right.setNext(left.next())
	left.setNext(newID)
	right.setParent(left.parent())

	target := left
	if bytes.Compare(key, right.leafKey(0)) >= 0 {
		target = right
	}
	pos, _ := target.leafSearch(key)
	if err := target.leafInsertAt(pos, key, value); err != nil {
		return fmt.Errorf("btree: entry does not fit a split leaf: %w", err)
	}

	// Copy the separator: later payload edits may shift it.
	sep := append([]byte(nil), right.leafKey(0)...)
	t.pm.MarkDirty()
	return t.insertIntoParent(path[:len(path)-1], leafID, newID, sep)
}

// insertIntoParent places sep (with rightID as its right-hand child)
// into the parent of leftID, growing a new root when leftID was the
// root. ancestors holds the path above leftID, deepest last.
func (t *Tree) insertIntoParent(ancestors []uint32, leftID, rightID uint32, sep []byte) error {
	if len(ancestors) == 0 {
		rootID, err := t.createNode(false)
		if err != nil {
			return err
		}
		root, err := t.node(rootID)
		if err != nil {
			return err
		}
		root.setInternalChild(0, leftID)
		if err := root.internalInsertAt(0, sep, rightID); err != nil {
			return err
		}
		for _, id := range [...]uint32{leftID, rightID} {
			c, err := t.node(id)
			if err != nil {
				return err
			}
			c.setParent(rootID)
		}
		t.root = rootID
		t.pm.SetRoot(rootID)
		return nil
	}

	parentID := ancestors[len(ancestors)-1]
	parent, err := t.node(parentID)
	if err != nil {
		return err
	}
	idx, err := parent.findChild(leftID)
	if err != nil {
		return err
	}

	if err := parent.internalInsertAt(idx, sep, rightID); err == nil {
		child, err := t.node(rightID)
		if err != nil {
			return err
		}
		child.setParent(parentID)
		t.pm.MarkDirty()
		return nil
	}
	return t.splitInternalAndInsert(ancestors[:len(ancestors)-1], parentID, sep, rightID)
}

// splitInternalAndInsert splits the full internal node nodeID, inserts
// the pending separator into the proper half and recurses upward with
// the promoted mid separator.
func (t *Tree) splitInternalAndInsert(ancestors []uint32, nodeID uint32, pendKey []byte, pendRight uint32) error {
	newID, err := t.createNode(false)
	if err != nil {
		return err
	}
	old, err := t.node(nodeID)
	if err != nil {
		return err
	}
	right, err := t.node(newID)
	if err != nil {
		return err
	}

	cnt := old.keyCount()
	mid := cnt / 2
	promoted := append([]byte(nil), old.internalKey(mid)...)

	// Split offsets come from one scan of the pre-split payload. The old
	// node keeps child0..child_mid and the separators below mid; the new
	// node takes everything after separator mid.
	sepOff := old.internalEntryOffset(mid)
	rightStart := sepOff + len(promoted) + 1
	used := old.usedBytes()

	copy(right.payload(), old.payload()[rightStart:used])
	clear(old.payload()[sepOff:used])
	right.setKeyCount(cnt - mid - 1)
	old.setKeyCount(mid)
	right.setParent(old.parent())

	for i := 0; i <= right.keyCount(); i++ {
		c, err := t.node(right.internalChild(i))
		if err != nil {
			return err
		}
		c.setParent(newID)
	}

	target, targetID := old, nodeID
	if bytes.Compare(pendKey, promoted) >= 0 {
		target, targetID = right, newID
	}
	if err := target.internalInsertAt(target.childIndex(pendKey), pendKey, pendRight); err != nil {
		return fmt.Errorf("btree: separator does not fit a split internal node: %w", err)
	}
	pendChild, err := t.node(pendRight)
	if err != nil {
		return err
	}
	pendChild.setParent(targetID)

	t.pm.MarkDirty()
	return t.insertIntoParent(ancestors, nodeID, newID, promoted)
}

// Delete removes key, merging underflowing nodes on the way up.
func (t *Tree) Delete(key []byte) error {
	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	leaf, err := t.node(leafID)
	if err != nil {
		return err
	}

	pos, ok := leaf.leafSearch(key)
	if !ok {
		return ErrKeyNotFound
	}
	leaf.leafDeleteAt(pos)
	t.pm.MarkDirty()

	if leaf.keyCount() >= minLeafKeys || leafID == t.root {
		return nil
	}
	return t.fixLeafUnderflow(path)
}

// fixLeafUnderflow merges the underflowed leaf at the end of path with a
// sibling, preferring the left one, and removes the separator between
// the merged pair from the parent.
func (t *Tree) fixLeafUnderflow(path []uint32) error {
	leafID := path[len(path)-1]
	ancestors := path[:len(path)-1]
	parentID := ancestors[len(ancestors)-1]

	parent, err := t.node(parentID)
	if err != nil {
		return err
	}
	idx, err := parent.findChild(leafID)
	if err != nil {
		return err
	}

	switch {
	case idx > 0:
		if err := t.mergeLeaves(parent.internalChild(idx-1), leafID); err != nil {
			return err
		}
		parent.internalDeleteAt(idx - 1)
	case parent.keyCount() > 0:
		if err := t.mergeLeaves(leafID, parent.internalChild(1)); err != nil {
			return err
		}
		parent.internalDeleteAt(0)
	default:
		// No sibling to merge with.
		return nil
	}
	t.pm.MarkDirty()
	return t.fixInternalUnderflow(ancestors)
}

// mergeLeaves concatenates the right leaf's payload onto the left leaf,
// splices the sibling chain and frees the right page.
func (t *Tree) mergeLeaves(leftID, rightID uint32) error {
	left, err := t.node(leftID)
	if err != nil {
		return err
	}
	right, err := t.node(rightID)
	if err != nil {
		return err
	}

	lu, ru := left.usedBytes(), right.usedBytes()
	if lu+ru > payloadCap {
		return ErrNodeFull
	}
	copy(left.payload()[lu:], right.payload()[:ru])
	left.setKeyCount(left.keyCount() + right.keyCount())
	left.setNext(right.next())
	return t.pm.Free(rightID)
}

// fixInternalUnderflow restores the node at the end of path after it
// lost a separator, recursing toward the root. A root internal left
// with no separators is demoted: its single child becomes the root.
func (t *Tree) fixInternalUnderflow(path []uint32) error {
	nodeID := path[len(path)-1]
	n, err := t.node(nodeID)
	if err != nil {
		return err
	}

	if nodeID == t.root {
		if n.keyCount() == 0 {
			childID := n.internalChild(0)
			child, err := t.node(childID)
			if err != nil {
				return err
			}
			child.setParent(0)
			if err := t.pm.Free(nodeID); err != nil {
				return err
			}
			t.root = childID
			t.pm.SetRoot(childID)
		}
		return nil
	}
	if n.keyCount() >= minInternalKeys {
		return nil
	}

	ancestors := path[:len(path)-1]
	parentID := ancestors[len(ancestors)-1]
	parent, err := t.node(parentID)
	if err != nil {
		return err
	}
	idx, err := parent.findChild(nodeID)
	if err != nil {
		return err
	}

	var leftID, rightID uint32
	var sepIdx int
	switch {
	case idx > 0:
		leftID, rightID, sepIdx = parent.internalChild(idx-1), nodeID, idx-1
	case parent.keyCount() > 0:
		leftID, rightID, sepIdx = nodeID, parent.internalChild(1), 0
	default:
		return nil
	}

	sep := append([]byte(nil), parent.internalKey(sepIdx)...)
	if err := t.mergeInternals(leftID, rightID, sep); err != nil {
		if errors.Is(err, ErrNodeFull) {
			// The siblings' payloads don't fit one page; leave the
			// under-full node in place rather than rebalance.
			return nil
		}
		return err
	}
	parent.internalDeleteAt(sepIdx)
	t.pm.MarkDirty()
	return t.fixInternalUnderflow(ancestors)
}

// mergeInternals fuses two sibling internal nodes, demoting the parent
// separator between them, and frees the right page.
func (t *Tree) mergeInternals(leftID, rightID uint32, sep []byte) error {
	left, err := t.node(leftID)
	if err != nil {
		return err
	}
	right, err := t.node(rightID)
	if err != nil {
		return err
	}

	need := left.usedBytes() + internalEntrySize(sep) + right.usedBytes() - 4
	if need > payloadCap {
		return ErrNodeFull
	}

	moved := make([]uint32, 0, right.keyCount()+1)
	for i := 0; i <= right.keyCount(); i++ {
		moved = append(moved, right.internalChild(i))
	}

	if err := left.internalInsertAt(left.keyCount(), sep, right.internalChild(0)); err != nil {
		return err
	}
	for i := 0; i < right.keyCount(); i++ {
		key := right.internalKey(i)
		if err := left.internalInsertAt(left.keyCount(), key, right.internalChild(i+1)); err != nil {
			return err
		}
	}

	for _, id := range moved {
		c, err := t.node(id)
		if err != nil {
			return err
		}
		c.setParent(leftID)
	}
	return t.pm.Free(rightID)
}

// findChild locates the position of childID in the node's child list.
// Parent back-pointers are only a hint; this is the authoritative check.
func (n node) findChild(childID uint32) (int, error) {
	for i := 0; i <= n.keyCount(); i++ {
		if n.internalChild(i) == childID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: page %d not among its parent's children", ErrBadNode, childID)
}
