package pathdb

import (
	"bytes"
	"fmt"
	"testing"
)

func TestCursorFirstLastOnEmptyTree(t *testing.T) {
	env := openTestEnv(t)
	if err := env.View(func(txn *Txn) error {
		cur := txn.OpenCursor()
		if _, _, err := cur.First(); !IsNotFound(err) {
			t.Errorf("First on empty tree = %v, want NotFound", err)
		}
		if _, _, err := cur.Last(); !IsNotFound(err) {
			t.Errorf("Last on empty tree = %v, want NotFound", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestCursorFullScanAscending(t *testing.T) {
	env := openTestEnv(t)
	const n = 800

	if err := env.Update(func(txn *Txn) error {
		// Insert in reverse to make sure ordering comes from the tree,
		// not insertion order.
		for i := n - 1; i >= 0; i-- {
			k := []byte(fmt.Sprintf("c%05d", i))
			if err := txn.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		cur := txn.OpenCursor()
		count := 0
		var prev []byte
		for k, v, err := cur.First(); err == nil; k, v, err = cur.Next() {
			if !bytes.Equal(k, v) {
				t.Errorf("key/value mismatch: %q vs %q", k, v)
			}
			if prev != nil && bytes.Compare(prev, k) >= 0 {
				t.Fatalf("keys out of order: %q then %q", prev, k)
			}
			prev = append([]byte(nil), k...)
			count++
		}
		if count != n {
			t.Errorf("scanned %d keys, want %d", count, n)
		}
		return nil
	}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
}

func TestCursorFullScanDescending(t *testing.T) {
	env := openTestEnv(t)
	const n = 800

	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("c%05d", i))
			if err := txn.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		cur := txn.OpenCursor()
		count := 0
		var prev []byte
		for k, _, err := cur.Last(); err == nil; k, _, err = cur.Prev() {
			if prev != nil && bytes.Compare(prev, k) <= 0 {
				t.Fatalf("keys out of order descending: %q then %q", prev, k)
			}
			prev = append([]byte(nil), k...)
			count++
		}
		if count != n {
			t.Errorf("scanned %d keys, want %d", count, n)
		}
		return nil
	}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
}

func TestCursorSetExactAndMissing(t *testing.T) {
	env := openTestEnv(t)
	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("exists"), []byte("yes"))
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		cur := txn.OpenCursor()
		v, err := cur.Set([]byte("exists"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte("yes")) {
			t.Errorf("got %q, want %q", v, "yes")
		}
		if _, err := cur.Set([]byte("missing")); !IsNotFound(err) {
			t.Errorf("Set on missing key = %v, want NotFound", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestCursorSetRangeCrossesLeafBoundary(t *testing.T) {
	env := openTestEnv(t)
	const n = 800

	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < n; i += 2 { // only even keys, so odd queries must advance
			k := []byte(fmt.Sprintf("c%05d", i))
			if err := txn.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		cur := txn.OpenCursor()
		// 18 bytes per entry (node plus slot) puts 226 entries on a page,
		// and each split keeps 113 on the left, so the second leaf ends at
		// c00450 and the third begins at c00452. The odd, absent target
		// c00451 lands past the end of the second leaf, and SetRange must
		// move on to the third.
		target := []byte(fmt.Sprintf("c%05d", 451))
		k, _, err := cur.SetRange(target)
		if err != nil {
			return err
		}
		want := fmt.Sprintf("c%05d", 452)
		if string(k) != want {
			t.Errorf("SetRange(%q) = %q, want %q", target, k, want)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestCursorSetRangePastEndIsEOF(t *testing.T) {
	env := openTestEnv(t)
	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("a"), []byte("a"))
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		cur := txn.OpenCursor()
		_, _, err := cur.SetRange([]byte("z"))
		if !IsNotFound(err) {
			t.Errorf("SetRange past the end = %v, want NotFound", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}
