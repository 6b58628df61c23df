//go:build unix

package cache

import (
	"path/filepath"
	"testing"
)

func TestOpenCloseAndExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.cache")

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatal("expected a second Open on the same path to fail (exclusive lock)")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after close should succeed: %v", err)
	}
	defer c2.Close()
}

func TestUpsertAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.cache")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	entry := Entry{Mtime: 100, Ctime: 90, Size: 1234, Hash128: [16]byte{1, 2, 3}}

	txn, err := c.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	if err := UpsertInTxn(txn, "/some/path", entry); err != nil {
		t.Fatalf("UpsertInTxn failed: %v", err)
	}
	if err := c.CommitWrite(txn); err != nil {
		t.Fatalf("CommitWrite failed: %v", err)
	}

	rtxn, err := c.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	defer c.EndRead(rtxn)

	got, err := LookupInTxn(rtxn, "/some/path")
	if err != nil {
		t.Fatalf("LookupInTxn failed: %v", err)
	}
	if got != entry {
		t.Errorf("got %+v, want %+v", got, entry)
	}
}

func TestSweepRemovesUnvisitedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.cache")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	entry := Entry{Mtime: 1, Ctime: 1, Size: 1}
	txn, err := c.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	for _, p := range []string{"/a", "/b", "/c"} {
		if err := UpsertInTxn(txn, p, entry); err != nil {
			t.Fatalf("UpsertInTxn(%s) failed: %v", p, err)
		}
	}
	if err := c.CommitWrite(txn); err != nil {
		t.Fatalf("CommitWrite failed: %v", err)
	}

	c.MarkVisited("/a")
	c.MarkVisited("/c")

	if err := c.Sweep(); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	rtxn, err := c.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	defer c.EndRead(rtxn)

	for _, p := range []string{"/a", "/c"} {
		if _, err := LookupInTxn(rtxn, p); err != nil {
			t.Errorf("visited path %s was swept: %v", p, err)
		}
	}
	if _, err := LookupInTxn(rtxn, "/b"); err == nil {
		t.Error("unvisited path /b survived the sweep")
	}
}

// TestRepeatedUpsertReclaimsPages guards against the cache package's one
// real-world consumption of the engine's Free DB (spec.md §6, §4.7):
// cache_open always opens its Env with IntraProcessLock, so if that mode
// ever left the MVCC reader table unusable, every UpsertInTxn on the
// same path would leak its retired pages and the backing file would
// grow without bound.
func TestRepeatedUpsertReclaimsPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.cache")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer c.Close()

	seed := Entry{Mtime: 1, Ctime: 1, Size: 1}
	txn, err := c.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	if err := UpsertInTxn(txn, "/churn", seed); err != nil {
		t.Fatalf("seed UpsertInTxn failed: %v", err)
	}
	if err := c.CommitWrite(txn); err != nil {
		t.Fatalf("seed CommitWrite failed: %v", err)
	}

	firstLastPgno := c.Stat().LastPgno

	const iterations = 50
	for i := 0; i < iterations; i++ {
		entry := Entry{Mtime: int64(i), Ctime: int64(i), Size: int64(i)}
		txn, err := c.BeginWrite()
		if err != nil {
			t.Fatalf("iteration %d BeginWrite failed: %v", i, err)
		}
		if err := UpsertInTxn(txn, "/churn", entry); err != nil {
			t.Fatalf("iteration %d UpsertInTxn failed: %v", i, err)
		}
		if err := c.CommitWrite(txn); err != nil {
			t.Fatalf("iteration %d CommitWrite failed: %v", i, err)
		}
	}

	finalLastPgno := c.Stat().LastPgno
	grown := finalLastPgno - firstLastPgno
	if grown >= uint64(iterations) {
		t.Errorf("LastPgno grew by %d over %d repeated upserts; pages are not being reclaimed", grown, iterations)
	}
}
