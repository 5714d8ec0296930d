package btree

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"blsqdb/internal/pager"
)

// openTestTree creates a pager + tree on a fresh temp file and returns
// the path so tests can reopen it.
func openTestTree(t *testing.T) (*Tree, *pager.Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	pm, err := pager.Open(path)
	if err != nil {
		t.Fatalf("pager.Open failed: %v", err)
	}
	tree, err := Open(pm)
	if err != nil {
		t.Fatalf("btree.Open failed: %v", err)
	}
	return tree, pm, path
}

func mustCheck(t *testing.T, tree *Tree) treeStats {
	t.Helper()
	stats, err := tree.check()
	if err != nil {
		t.Fatalf("invariant check failed: %v", err)
	}
	return stats
}

func TestInsertAndGet(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	if err := tree.Put([]byte("hello"), []byte("world")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, err := tree.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != "world" {
		t.Fatalf("Get = %q, want %q", v, "world")
	}

	if _, err := tree.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrKeyNotFound", err)
	}
}

// Bulk insert: 100 keys inserted in natural order all come back.
func TestBulkInsert(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key%d", i)
		v := fmt.Sprintf("value%d", i)
		if err := tree.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key%d", i)
		want := fmt.Sprintf("value%d", i)
		v, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", k, err)
		}
		if string(v) != want {
			t.Fatalf("Get(%q) = %q, want %q", k, v, want)
		}
	}

	stats := mustCheck(t, tree)
	if stats.entries != 100 {
		t.Fatalf("tree holds %d entries, want 100", stats.entries)
	}
}

// Values sized so a leaf holds only a few entries: enough inserts force
// leaf splits, then splits of the internal level, giving a tree with at
// least two internal levels.
func TestMultiLevelSplit(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	const n = 1400
	value := strings.Repeat("v", 900)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key%04d", i)
		if err := tree.Put([]byte(k), []byte(value)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	stats := mustCheck(t, tree)
	if stats.entries != n {
		t.Fatalf("tree holds %d entries, want %d", stats.entries, n)
	}
	if stats.height < 3 {
		t.Fatalf("tree height = %d, want >= 3 (two internal levels)", stats.height)
	}
	if err := tree.checkSeparatorPromotion(); err != nil {
		t.Fatalf("separator promotion check failed: %v", err)
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key%04d", i)
		v, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", k, err)
		}
		if string(v) != value {
			t.Fatalf("Get(%q) returned a corrupted value", k)
		}
	}
}

// Inserting in descending order exercises splits where the new key lands
// in the left half.
func TestInsertDescending(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	value := strings.Repeat("v", 700)
	for i := 199; i >= 0; i-- {
		k := fmt.Sprintf("key%03d", i)
		if err := tree.Put([]byte(k), []byte(value)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	mustCheck(t, tree)
	if err := tree.checkSeparatorPromotion(); err != nil {
		t.Fatalf("separator promotion check failed: %v", err)
	}
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key%03d", i)
		if _, err := tree.Get([]byte(k)); err != nil {
			t.Fatalf("Get(%q) failed: %v", k, err)
		}
	}
}

// Delete the middle of the key range and verify merges keep the
// remaining keys intact.
func TestDeleteAndMerge(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	value := strings.Repeat("x", 400)
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key%02d", i)
		if err := tree.Put([]byte(k), []byte(value)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	for i := 5; i < 15; i++ {
		k := fmt.Sprintf("key%02d", i)
		if err := tree.Delete([]byte(k)); err != nil {
			t.Fatalf("Delete(%q) failed: %v", k, err)
		}
	}

	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key%02d", i)
		_, err := tree.Get([]byte(k))
		if i >= 5 && i < 15 {
			if !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("Get(%q) = %v, want ErrKeyNotFound", k, err)
			}
		} else if err != nil {
			t.Fatalf("Get(%q) failed: %v", k, err)
		}
	}

	stats := mustCheck(t, tree)
	if stats.entries != 10 {
		t.Fatalf("tree holds %d entries, want 10", stats.entries)
	}
}

// Deleting everything must collapse the tree back to a single leaf and
// recycle the freed pages.
func TestDeleteAllCollapsesTree(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	value := strings.Repeat("x", 800)
	const n = 120
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key%03d", i)
		if err := tree.Put([]byte(k), []byte(value)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}
	if stats := mustCheck(t, tree); stats.height < 2 {
		t.Fatalf("tree height = %d before deletes, want >= 2", stats.height)
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key%03d", i)
		if err := tree.Delete([]byte(k)); err != nil {
			t.Fatalf("Delete(%q) failed: %v", k, err)
		}
	}

	stats := mustCheck(t, tree)
	if stats.entries != 0 {
		t.Fatalf("tree holds %d entries after deleting all, want 0", stats.entries)
	}
	if stats.height != 1 {
		t.Fatalf("tree height = %d after deleting all, want 1", stats.height)
	}
	if pm.FreeList() == 0 {
		t.Fatal("free list is empty, merged pages were not recycled")
	}
}

// Repeated updates keep exactly one entry and return the newest value.
func TestRepeatedUpdate(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	for _, v := range []string{"value1", "value2", "value3"} {
		if err := tree.Put([]byte("test"), []byte(v)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	v, err := tree.Get([]byte("test"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != "value3" {
		t.Fatalf("Get = %q, want %q", v, "value3")
	}

	stats := mustCheck(t, tree)
	if stats.entries != 1 {
		t.Fatalf("tree holds %d entries, want 1", stats.entries)
	}
}

// An update that grows a value past the page's capacity must go through
// the split path and still win.
func TestUpdateGrowsPastLeafCapacity(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	value := strings.Repeat("v", 960)
	for i := 0; i < 4; i++ {
		k := fmt.Sprintf("key%d", i)
		if err := tree.Put([]byte(k), []byte(value)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	grown := strings.Repeat("w", 1200)
	if err := tree.Put([]byte("key1"), []byte(grown)); err != nil {
		t.Fatalf("growing Put failed: %v", err)
	}

	v, err := tree.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != grown {
		t.Fatalf("Get returned the old value after a growing update")
	}

	stats := mustCheck(t, tree)
	if stats.entries != 4 {
		t.Fatalf("tree holds %d entries, want 4", stats.entries)
	}
}

// Everything inserted before a clean close must be readable after
// reopening the same files.
func TestReopenDurability(t *testing.T) {
	tree, pm, path := openTestTree(t)

	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("key%d", i)
		v := fmt.Sprintf("value%d", i)
		if err := tree.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}
	if err := pm.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	pm2, err := pager.Open(path)
	if err != nil {
		t.Fatalf("reopen pager failed: %v", err)
	}
	defer pm2.Close()
	tree2, err := Open(pm2)
	if err != nil {
		t.Fatalf("reopen tree failed: %v", err)
	}

	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("key%d", i)
		want := fmt.Sprintf("value%d", i)
		v, err := tree2.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q) after reopen failed: %v", k, err)
		}
		if string(v) != want {
			t.Fatalf("Get(%q) after reopen = %q, want %q", k, v, want)
		}
	}
	mustCheck(t, tree2)
}

// Randomized soak against a map oracle with periodic full audits.
func TestRandomizedOps(t *testing.T) {
	tree, pm, _ := openTestTree(t)
	defer pm.Close()

	rng := rand.New(rand.NewSource(1))
	oracle := map[string]string{}

	const (
		ops      = 4000
		keySpace = 300
	)
	for op := 0; op < ops; op++ {
		k := fmt.Sprintf("key%03d", rng.Intn(keySpace))
		switch rng.Intn(3) {
		case 0, 1:
			v := strings.Repeat("x", rng.Intn(200))
			// Distinguish updates by stamping the op number.
			v = fmt.Sprintf("%d:%s", op, v)
			if err := tree.Put([]byte(k), []byte(v)); err != nil {
				t.Fatalf("op %d: Put(%q) failed: %v", op, k, err)
			}
			oracle[k] = v
		case 2:
			err := tree.Delete([]byte(k))
			if _, ok := oracle[k]; ok {
				if err != nil {
					t.Fatalf("op %d: Delete(%q) failed: %v", op, k, err)
				}
				delete(oracle, k)
			} else if !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("op %d: Delete(%q) = %v, want ErrKeyNotFound", op, k, err)
			}
		}

		if op%500 == 499 {
			mustCheck(t, tree)
		}
	}

	stats := mustCheck(t, tree)
	if stats.entries != len(oracle) {
		t.Fatalf("tree holds %d entries, oracle holds %d", stats.entries, len(oracle))
	}
	for k, want := range oracle {
		v, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", k, err)
		}
		if !bytes.Equal(v, []byte(want)) {
			t.Fatalf("Get(%q) = %q, want %q", k, v, want)
		}
	}
}
