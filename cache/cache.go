//go:build unix

// Package cache is a hash-based file cache built on top of pathdb
// (spec.md §6): an external collaborator, not part of the engine
// itself, that tracks per-path metadata (mtime, ctime, size, a 128-bit
// content hash) and reclaims entries for paths no longer seen on a
// sweep.
package cache

import (
	"encoding/binary"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kvdbx/pathdb"
)

// mapSize is the map size passed to the engine on open, mirroring the
// teacher's large-upfront-geometry convention for a long-lived cache
// environment (spec.md §6: "map size 10 GiB").
const mapSize = 10 << 30

// entrySize is the packed on-disk size of an Entry: mtime(8) + ctime(8)
// + size(8) + hash128(16).
const entrySize = 8 + 8 + 8 + 16

// Entry is one cache record: the last-observed stat metadata and content
// hash for a path.
type Entry struct {
	Mtime   int64
	Ctime   int64
	Size    int64
	Hash128 [16]byte
}

// Encode packs e into its 40-byte on-disk form.
func (e Entry) Encode() []byte {
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.Mtime))
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.Ctime))
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.Size))
	copy(buf[24:], e.Hash128[:])
	return buf
}

// DecodeEntry unpacks buf (the zero-copy slice returned by a lookup)
// into an Entry value.
func DecodeEntry(buf []byte) (Entry, error) {
	if len(buf) != entrySize {
		return Entry{}, pathdb.ErrCorrupt
	}
	var e Entry
	e.Mtime = int64(binary.LittleEndian.Uint64(buf[0:]))
	e.Ctime = int64(binary.LittleEndian.Uint64(buf[8:]))
	e.Size = int64(binary.LittleEndian.Uint64(buf[16:]))
	copy(e.Hash128[:], buf[24:])
	return e, nil
}

// Cache wraps a pathdb environment with the path-visited bookkeeping
// spec.md §6 describes, plus the cache-wide exclusive lock that keeps a
// second process from opening the same cache concurrently.
type Cache struct {
	env      *pathdb.Env
	lockFile *os.File

	mu      sync.Mutex
	visited map[string]struct{}

	logger *log.Logger
}

// Open acquires path+".lock" with a non-blocking OS-level exclusive
// lock, then opens the engine at path with a 10 GiB map size and
// IntraProcessLock|Create (spec.md §6: the cache serializes writers
// itself via the OS lock, so the engine's own interprocess lock would
// be redundant).
func Open(path string) (*Cache, error) {
	lf, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, pathdb.ErrBusy
	}

	env, err := pathdb.Open(path, pathdb.Create|pathdb.IntraProcessLock, 0644)
	if err != nil {
		unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
		return nil, err
	}
	if err := env.Reserve(mapSize); err != nil {
		env.Close()
		unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
		return nil, err
	}

	return &Cache{
		env:      env,
		lockFile: lf,
		visited:  make(map[string]struct{}),
		logger:   log.Default(),
	}, nil
}

// SetLogger installs a logger for lock/sweep diagnostics.
func (c *Cache) SetLogger(l *log.Logger) { c.logger = l }

// Close reverses Open, preserving the first error encountered.
func (c *Cache) Close() error {
	err := c.env.Close()
	if unlockErr := unix.Flock(int(c.lockFile.Fd()), unix.LOCK_UN); err == nil {
		err = unlockErr
	}
	if closeErr := c.lockFile.Close(); err == nil {
		err = closeErr
	}
	return err
}

// BeginRead starts a read-only transaction against the cache.
func (c *Cache) BeginRead() (*pathdb.Txn, error) { return c.env.BeginTxn(true) }

// EndRead releases a read transaction started by BeginRead.
func (c *Cache) EndRead(txn *pathdb.Txn) { txn.Abort() }

// BeginWrite starts a write transaction against the cache.
func (c *Cache) BeginWrite() (*pathdb.Txn, error) { return c.env.BeginTxn(false) }

// CommitWrite commits a write transaction started by BeginWrite.
func (c *Cache) CommitWrite(txn *pathdb.Txn) error { return txn.Commit() }

// AbortWrite discards a write transaction started by BeginWrite.
func (c *Cache) AbortWrite(txn *pathdb.Txn) { txn.Abort() }

// Stat exposes the underlying engine's page/tree statistics, mainly so
// callers (and tests) can confirm the Free DB is actually reclaiming
// pages rather than growing the backing file without bound.
func (c *Cache) Stat() pathdb.Stat { return c.env.Stat() }

// LookupInTxn returns the cache entry stored for path, zero-copy out of
// the engine's memory map.
func LookupInTxn(txn *pathdb.Txn, path string) (Entry, error) {
	buf, err := txn.Get([]byte(path))
	if err != nil {
		return Entry{}, err
	}
	return DecodeEntry(buf)
}

// UpsertInTxn stores entry under path, overwriting any existing record.
func UpsertInTxn(txn *pathdb.Txn, path string, entry Entry) error {
	if err := txn.Delete([]byte(path)); err != nil && !pathdb.IsNotFound(err) {
		return err
	}
	return txn.Put([]byte(path), entry.Encode())
}

// MarkVisited records that path was observed during the current sweep
// cycle. Idempotent; safe for concurrent callers.
func (c *Cache) MarkVisited(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.visited[path]; ok {
		return
	}
	// Copy the string's backing bytes defensively: callers may reuse
	// the buffer a path was built from.
	c.visited[string(append([]byte(nil), path...))] = struct{}{}
}

// Sweep deletes every cache entry whose path was not marked visited
// since the last sweep, then clears the visited set for the next cycle
// (spec.md §6).
func (c *Cache) Sweep() error {
	c.mu.Lock()
	visited := c.visited
	c.visited = make(map[string]struct{})
	c.mu.Unlock()

	txn, err := c.env.BeginTxn(false)
	if err != nil {
		return err
	}

	var stale [][]byte
	cur := txn.OpenCursor()
	for k, _, ferr := cur.First(); ferr == nil; k, _, ferr = cur.Next() {
		if _, ok := visited[string(k)]; !ok {
			stale = append(stale, append([]byte(nil), k...))
		}
	}

	for _, k := range stale {
		if err := txn.Delete(k); err != nil && !pathdb.IsNotFound(err) {
			txn.Abort()
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	c.logger.Printf("cache: sweep removed %d stale entries", len(stale))
	return nil
}
