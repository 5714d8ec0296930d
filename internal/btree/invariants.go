package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// treeStats summarizes a full structural audit of the tree.
type treeStats struct {
	entries int
	height  int
	leaves  int
}

// check audits every structural invariant the tree maintains: node
// kinds, parent back-references, separator ordering and placement, the
// leaf sibling chain, payload bounds, and free-list/tree disjointness.
// Used by tests after mutation sequences.
func (t *Tree) check() (treeStats, error) {
	var stats treeStats

	root, err := t.node(t.root)
	if err != nil {
		return stats, err
	}
	if root.parent() != 0 {
		return stats, fmt.Errorf("btree: root %d has parent %d", t.root, root.parent())
	}
	if t.pm.Root() != t.root {
		return stats, fmt.Errorf("btree: header root %d != tree root %d", t.pm.Root(), t.root)
	}

	reachable := map[uint32]bool{}
	var leaves []uint32
	height, err := t.audit(t.root, reachable, &leaves, &stats)
	if err != nil {
		return stats, err
	}
	stats.height = height
	stats.leaves = len(leaves)

	// Leaf chain: in-order leaves linked left to right, 0-terminated,
	// keys ascending across the chain.
	var prevKey []byte
	for i, id := range leaves {
		n, err := t.node(id)
		if err != nil {
			return stats, err
		}
		want := uint32(0)
		if i+1 < len(leaves) {
			want = leaves[i+1]
		}
		if n.next() != want {
			return stats, fmt.Errorf("btree: leaf %d next = %d, want %d", id, n.next(), want)
		}
		for j := 0; j < n.keyCount(); j++ {
			k := n.leafKey(j)
			if prevKey != nil && bytes.Compare(prevKey, k) >= 0 {
				return stats, fmt.Errorf("btree: leaf chain out of order at page %d key %q", id, k)
			}
			prevKey = append(prevKey[:0], k...)
		}
	}

	// Free list must be disjoint from the reachable tree.
	seen := map[uint32]bool{}
	for id := t.pm.FreeList(); id != 0; {
		if reachable[id] {
			return stats, fmt.Errorf("btree: page %d is both in the tree and on the free list", id)
		}
		if seen[id] {
			return stats, fmt.Errorf("btree: free list cycles at page %d", id)
		}
		seen[id] = true
		page, err := t.pm.Page(id)
		if err != nil {
			return stats, err
		}
		id = binary.LittleEndian.Uint32(page[:4])
	}

	return stats, nil
}

// audit recursively validates the subtree at id and returns its height.
func (t *Tree) audit(id uint32, reachable map[uint32]bool, leaves *[]uint32, stats *treeStats) (int, error) {
	if reachable[id] {
		return 0, fmt.Errorf("btree: page %d reachable twice", id)
	}
	reachable[id] = true

	n, err := t.node(id)
	if err != nil {
		return 0, err
	}
	if n.usedBytes() > payloadCap {
		return 0, fmt.Errorf("btree: page %d payload overflows: %d bytes", id, n.usedBytes())
	}

	switch n.kind() {
	case kindLeaf:
		if !n.isLeaf() {
			return 0, fmt.Errorf("btree: page %d kind/flag mismatch", id)
		}
		for j := 1; j < n.keyCount(); j++ {
			if bytes.Compare(n.leafKey(j-1), n.leafKey(j)) >= 0 {
				return 0, fmt.Errorf("btree: leaf %d keys out of order", id)
			}
		}
		stats.entries += n.keyCount()
		*leaves = append(*leaves, id)
		return 1, nil

	case kindInternal:
		if n.isLeaf() {
			return 0, fmt.Errorf("btree: page %d kind/flag mismatch", id)
		}
		if n.keyCount() == 0 && id != t.root {
			return 0, fmt.Errorf("btree: internal %d has no separators", id)
		}
		for j := 1; j < n.keyCount(); j++ {
			if bytes.Compare(n.internalKey(j-1), n.internalKey(j)) >= 0 {
				return 0, fmt.Errorf("btree: internal %d separators out of order", id)
			}
		}

		childHeight := -1
		for i := 0; i <= n.keyCount(); i++ {
			childID := n.internalChild(i)
			child, err := t.node(childID)
			if err != nil {
				return 0, err
			}
			if child.parent() != id {
				return 0, fmt.Errorf("btree: page %d parent = %d, want %d", childID, child.parent(), id)
			}

			// Separator i-1 bounds child i's subtree from below and
			// separator i bounds it strictly from above. Deletes never
			// rewrite separators, so a separator is only a lower bound
			// for its right subtree, not necessarily a key in it.
			lo, hi, err := t.keyRange(childID)
			if err != nil {
				return 0, err
			}
			if i > 0 && lo != nil && bytes.Compare(lo, n.internalKey(i-1)) < 0 {
				return 0, fmt.Errorf("btree: internal %d child %d holds key %q < separator %q",
					id, i, lo, n.internalKey(i-1))
			}
			if i < n.keyCount() && hi != nil && bytes.Compare(hi, n.internalKey(i)) >= 0 {
				return 0, fmt.Errorf("btree: internal %d child %d holds key %q >= separator %q",
					id, i, hi, n.internalKey(i))
			}

			h, err := t.audit(childID, reachable, leaves, stats)
			if err != nil {
				return 0, err
			}
			if childHeight == -1 {
				childHeight = h
			} else if h != childHeight {
				return 0, fmt.Errorf("btree: internal %d has children of unequal height", id)
			}
		}
		return childHeight + 1, nil

	default:
		return 0, fmt.Errorf("%w: page %d has kind %d inside the tree", ErrBadNode, id, n.kind())
	}
}

// checkSeparatorPromotion verifies the stronger insert-only property:
// every separator equals the least key of its right subtree, as written
// by leaf splits. Deletes invalidate this, so only insert-only tests
// call it.
func (t *Tree) checkSeparatorPromotion() error {
	return t.walkSeparators(t.root)
}

func (t *Tree) walkSeparators(id uint32) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if n.kind() != kindInternal {
		return nil
	}
	for i := 0; i < n.keyCount(); i++ {
		childID := n.internalChild(i + 1)
		lo, _, err := t.keyRange(childID)
		if err != nil {
			return err
		}
		if lo == nil || !bytes.Equal(n.internalKey(i), lo) {
			return fmt.Errorf("btree: internal %d separator %d = %q, want min key %q of child %d",
				id, i, n.internalKey(i), lo, childID)
		}
	}
	for i := 0; i <= n.keyCount(); i++ {
		if err := t.walkSeparators(n.internalChild(i)); err != nil {
			return err
		}
	}
	return nil
}

// keyRange returns the least and greatest keys stored under id, nil/nil
// for an empty subtree.
func (t *Tree) keyRange(id uint32) (lo, hi []byte, err error) {
	n, err := t.node(id)
	if err != nil {
		return nil, nil, err
	}
	if n.kind() == kindLeaf {
		if n.keyCount() == 0 {
			return nil, nil, nil
		}
		return n.leafKey(0), n.leafKey(n.keyCount() - 1), nil
	}
	lo, _, err = t.keyRange(n.internalChild(0))
	if err != nil {
		return nil, nil, err
	}
	_, hi, err = t.keyRange(n.internalChild(n.keyCount()))
	if err != nil {
		return nil, nil, err
	}
	return lo, hi, nil
}
