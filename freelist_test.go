package pathdb

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

// TestFreedPagesAreReused repeatedly commits single-key updates with no
// reader holding an old snapshot; each commit's CoW retires the
// previous root/leaf pages, and since oldest_reader_txnid is 0 (no
// active readers), every one of those retirements should be reusable
// by the very next commit. LastPgno growing without bound here would
// mean reclamation isn't happening at all (spec.md §4.7, §8).
func TestFreedPagesAreReused(t *testing.T) {
	env := openTestEnv(t)

	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("v0"))
	}); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}

	firstLastPgno := env.Stat().LastPgno

	const iterations = 50
	for i := 0; i < iterations; i++ {
		v := []byte(fmt.Sprintf("v%d", i+1))
		if err := env.Update(func(txn *Txn) error {
			if err := txn.Delete([]byte("k")); err != nil {
				return err
			}
			return txn.Put([]byte("k"), v)
		}); err != nil {
			t.Fatalf("iteration %d put failed: %v", i, err)
		}
	}

	finalLastPgno := env.Stat().LastPgno
	grown := finalLastPgno - firstLastPgno
	if grown >= uint64(iterations) {
		t.Errorf("LastPgno grew by %d over %d single-key updates; pages are not being reclaimed", grown, iterations)
	}

	if err := env.View(func(txn *Txn) error {
		v, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte(fmt.Sprintf("v%d", iterations))) {
			t.Errorf("got %q, want the last written value", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("final view failed: %v", err)
	}
}

// TestReaderPinsPageFromReclamation holds a reader transaction open
// across several writer commits; none of the pages that reader can
// still see may be handed back out by the allocator while it is open
// (spec.md §8: "no allocation returns P while any reader slot holds a
// txnid <= T").
func TestReaderPinsPageFromReclamation(t *testing.T) {
	env := openTestEnv(t)

	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("v0"))
	}); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}

	reader, err := env.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	pinnedRoot := reader.meta.Root

	for i := 0; i < 10; i++ {
		v := []byte(fmt.Sprintf("v%d", i+1))
		if err := env.Update(func(txn *Txn) error {
			if err := txn.Delete([]byte("k")); err != nil {
				return err
			}
			return txn.Put([]byte("k"), v)
		}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	// The reader's pinned root page must still decode as a valid page
	// with the original value: if it had been reused as a dirty page by
	// one of the writers above, this would read back corrupted content.
	v, err := reader.Get([]byte("k"))
	if err != nil {
		t.Fatalf("reader get failed after writer churn: %v", err)
	}
	if !bytes.Equal(v, []byte("v0")) {
		t.Errorf("reader's pinned snapshot changed: got %q, want %q (pgno %d was reused while pinned)", v, "v0", pinnedRoot)
	}
	reader.Abort()
}

// TestFreedPagesAreReusedUnderIntraProcessLock resolves a gap the cache
// package (spec.md §6) hits in practice: cache_open always opens its
// Env with IntraProcessLock, so if that mode disabled the §4.6 reader
// table, reuseFreedPage's oldest-reader lookup would be permanently
// unusable and every write would leak its retired pages. IntraProcessLock
// only replaces the writer-serialization mechanism (§4.1); the reader
// table itself must behave identically to the default interprocess mode.
func TestFreedPagesAreReusedUnderIntraProcessLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intra.pdb")
	env, err := Open(path, Create|IntraProcessLock, 0644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer env.Close()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("v0"))
	}); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}

	firstLastPgno := env.Stat().LastPgno

	const iterations = 50
	for i := 0; i < iterations; i++ {
		v := []byte(fmt.Sprintf("v%d", i+1))
		if err := env.Update(func(txn *Txn) error {
			if err := txn.Delete([]byte("k")); err != nil {
				return err
			}
			return txn.Put([]byte("k"), v)
		}); err != nil {
			t.Fatalf("iteration %d put failed: %v", i, err)
		}
	}

	finalLastPgno := env.Stat().LastPgno
	grown := finalLastPgno - firstLastPgno
	if grown >= uint64(iterations) {
		t.Errorf("LastPgno grew by %d over %d single-key updates under IntraProcessLock; pages are not being reclaimed", grown, iterations)
	}
}
