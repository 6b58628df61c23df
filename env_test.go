package pathdb

import (
	"path/filepath"
	"testing"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pdb")
	env, err := Open(path, Create, 0644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func TestCreateOpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pdb")
	env, err := Open(path, Create, 0644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if env.Path() != path {
		t.Errorf("Path mismatch: got %q, want %q", env.Path(), path)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pdb")
	if _, err := Open(path, 0, 0644); err == nil {
		t.Fatal("expected error opening a nonexistent file without Create")
	}
}

func TestReopenPreservesCommittedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pdb")
	env, err := Open(path, Create, 0644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k1"), []byte("v1"))
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	env2, err := Open(path, 0, 0644)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer env2.Close()

	var got []byte
	if err := env2.View(func(txn *Txn) error {
		v, err := txn.Get([]byte("k1"))
		if err != nil {
			return err
		}
		got = append([]byte(nil), v...)
		return nil
	}); err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q, want %q", got, "v1")
	}
}

func TestBeginAbortReadTxn(t *testing.T) {
	env := openTestEnv(t)
	txn, err := env.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	if !txn.IsReadOnly() {
		t.Error("transaction should be read-only")
	}
	txn.Abort()
}

func TestStatReflectsCommit(t *testing.T) {
	env := openTestEnv(t)
	before := env.Stat()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("a"), []byte("b"))
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	after := env.Stat()
	if after.Txnid != before.Txnid+1 {
		t.Errorf("Txnid = %d, want %d", after.Txnid, before.Txnid+1)
	}
	if after.Root == 0 {
		t.Error("Root should be non-zero after an insert")
	}
}

func TestCopyToProducesReadableSnapshot(t *testing.T) {
	env := openTestEnv(t)
	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "copy.pdb")
	if err := env.CopyFile(dst, 0644); err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}

	copyEnv, err := Open(dst, 0, 0644)
	if err != nil {
		t.Fatalf("opening copy failed: %v", err)
	}
	defer copyEnv.Close()

	if err := copyEnv.View(func(txn *Txn) error {
		v, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		if string(v) != "v" {
			t.Errorf("got %q, want %q", v, "v")
		}
		return nil
	}); err != nil {
		t.Fatalf("View on copy failed: %v", err)
	}
}
