package pathdb

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestPutGetDelete(t *testing.T) {
	env := openTestEnv(t)

	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("hello"), []byte("world"))
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		v, err := txn.Get([]byte("hello"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte("world")) {
			t.Errorf("got %q, want %q", v, "world")
		}
		return nil
	}); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if err := env.Update(func(txn *Txn) error {
		return txn.Delete([]byte("hello"))
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		_, err := txn.Get([]byte("hello"))
		if !IsNotFound(err) {
			t.Errorf("expected NotFound after delete, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("view after delete failed: %v", err)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	env := openTestEnv(t)
	err := env.View(func(txn *Txn) error {
		_, err := txn.Get([]byte("nope"))
		return err
	})
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReadOnlyTxnRejectsWrites(t *testing.T) {
	env := openTestEnv(t)
	txn, err := env.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	defer txn.Abort()

	if err := txn.Put([]byte("k"), []byte("v")); err != ErrAccessDenied {
		t.Errorf("Put on read-only txn = %v, want ErrAccessDenied", err)
	}
	if err := txn.Delete([]byte("k")); err != ErrAccessDenied {
		t.Errorf("Delete on read-only txn = %v, want ErrAccessDenied", err)
	}
}

func TestPutManyAndGetAll(t *testing.T) {
	env := openTestEnv(t)
	const n = 500

	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", i))
			v := []byte(fmt.Sprintf("val-%05d", i))
			if err := txn.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("bulk put failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", i))
			want := []byte(fmt.Sprintf("val-%05d", i))
			got, err := txn.Get(k)
			if err != nil {
				return fmt.Errorf("get %s: %w", k, err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("key %s: got %q, want %q", k, got, want)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("bulk get failed: %v", err)
	}
}

func TestMVCCReaderIsolatedFromLaterWriter(t *testing.T) {
	env := openTestEnv(t)

	if err := env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("v1"))
	}); err != nil {
		t.Fatalf("initial put failed: %v", err)
	}

	reader, err := env.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	defer reader.Abort()

	if err := env.Update(func(txn *Txn) error {
		if err := txn.Delete([]byte("k")); err != nil {
			return err
		}
		return txn.Put([]byte("k"), []byte("v2"))
	}); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	v, err := reader.Get([]byte("k"))
	if err != nil {
		t.Fatalf("reader get failed: %v", err)
	}
	if !bytes.Equal(v, []byte("v1")) {
		t.Errorf("reader snapshot saw %q, want %q (isolation broken)", v, "v1")
	}

	if err := env.View(func(txn *Txn) error {
		v, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte("v2")) {
			t.Errorf("fresh reader saw %q, want %q", v, "v2")
		}
		return nil
	}); err != nil {
		t.Fatalf("fresh view failed: %v", err)
	}
}

func TestAbortDiscardsChanges(t *testing.T) {
	env := openTestEnv(t)

	txn, err := env.BeginTxn(false)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	if err := txn.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	txn.Abort()

	if err := env.View(func(txn *Txn) error {
		_, err := txn.Get([]byte("k"))
		if !IsNotFound(err) {
			t.Errorf("expected NotFound after abort, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestOnlyOneWriterAtATime(t *testing.T) {
	env := openTestEnv(t)

	txn1, err := env.BeginTxn(false)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		txn2, err := env.BeginTxn(false)
		if err != nil {
			t.Errorf("second BeginTxn failed: %v", err)
			close(done)
			return
		}
		txn2.Abort()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second writer started before the first was released")
	case <-time.After(50 * time.Millisecond):
	}

	txn1.Abort()
	<-done
}
