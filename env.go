package pathdb

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// liveMeta is the currently-selected meta page plus the pgno it lives at,
// swapped atomically on every commit so readers never observe a partial
// update (spec.md §4.1).
type liveMeta struct {
	m   meta
	idx int // 0 or 1: which of the two meta pages this is
}

func (lm *liveMeta) otherIdx() int { return 1 - lm.idx }

// Env is a single open database: one memory-mapped file plus the reader
// table and writer lock that guard concurrent access to it. An Env is
// safe for concurrent use by multiple goroutines.
type Env struct {
	mu   sync.RWMutex
	path string
	flags uint

	dataFile *os.File
	// dataMap is swapped by growTo while readers may concurrently be
	// dereferencing it (readers never block on the writer), so it is
	// an atomic pointer rather than a plain field, the same pattern as
	// meta below.
	dataMap  atomic.Pointer[dataMap]
	lockFile *lockFile

	// readers is the MVCC reader table (spec.md §4.6), always present
	// regardless of IntraProcessLock: under IntraProcessLock it is an
	// inProcessReaderTable; otherwise it is lockFile itself, which
	// implements the same interface over the shared sidecar file.
	readers readerTable

	oldMmaps   []*dataMap
	oldMmapsMu sync.Mutex

	txnWg sync.WaitGroup

	meta atomic.Pointer[liveMeta]

	writeTxn *Txn
	txnMu    sync.Mutex
	txnCond  *sync.Cond

	logger *log.Logger
}

// Open opens the database file at path with the given flags.
func Open(path string, flags uint, mode os.FileMode) (*Env, error) {
	e := &Env{path: path, flags: flags, logger: log.Default()}
	e.txnCond = sync.NewCond(&e.txnMu)

	if flags&IntraProcessLock == 0 {
		lf, err := openLockFile(lockPath(path), defaultMaxReaders, flags&ReadOnly == 0)
		if err != nil {
			return nil, wrapIOError(err)
		}
		e.lockFile = lf
		e.readers = lf
	} else {
		e.readers = newInProcessReaderTable(defaultMaxReaders)
	}

	fileFlags := os.O_RDWR
	if flags&ReadOnly != 0 {
		fileFlags = os.O_RDONLY
	} else if flags&Create != 0 {
		fileFlags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, fileFlags, mode)
	if err != nil {
		e.closeFiles()
		return nil, wrapIOError(err)
	}
	e.dataFile = f

	fi, err := f.Stat()
	if err != nil {
		e.closeFiles()
		return nil, wrapIOError(err)
	}

	if fi.Size() == 0 {
		if flags&ReadOnly != 0 {
			e.closeFiles()
			return nil, ErrInvalid
		}
		if err := e.initNewDB(); err != nil {
			e.closeFiles()
			return nil, err
		}
		fi, _ = f.Stat()
	}

	writable := flags&ReadOnly == 0
	dm, err := newDataMap(int(f.Fd()), int(fi.Size()), writable)
	if err != nil {
		e.closeFiles()
		return nil, err
	}
	e.dataMap.Store(dm)

	if err := e.readMeta(); err != nil {
		e.closeFiles()
		return nil, err
	}

	return e, nil
}

// initNewDB lays out the two meta pages of a brand-new database, per
// spec.md §4.1: pgno 0 has txnid 0, pgno 1 has txnid 1 and is live, both
// with an empty root and no free-list tree yet.
func (e *Env) initNewDB() error {
	size := int64(NumMetas) * PageSize
	if err := e.dataFile.Truncate(size); err != nil {
		return wrapIOError(err)
	}

	meta0, meta1 := newDatabaseMetas()
	buf := make([]byte, PageSize)

	meta0.writeTo(buf)
	if _, err := e.dataFile.WriteAt(buf, int64(MetaPgno0)*PageSize); err != nil {
		return wrapIOError(err)
	}
	meta1.writeTo(buf)
	if _, err := e.dataFile.WriteAt(buf, int64(MetaPgno1)*PageSize); err != nil {
		return wrapIOError(err)
	}

	return wrapIOError(e.dataFile.Sync())
}

// readMeta reads both meta pages from the map and atomically swaps in
// whichever is live, per spec.md §4.1's selection rule.
func (e *Env) readMeta() error {
	data := e.dataMap.Load().Data()
	if len(data) < NumMetas*PageSize {
		return ErrCorrupt
	}

	m0 := readMeta(data[int(MetaPgno0)*PageSize : int(MetaPgno0)*PageSize+PageSize])
	m1 := readMeta(data[int(MetaPgno1)*PageSize : int(MetaPgno1)*PageSize+PageSize])

	live, idx, err := selectLiveMeta(m0, m1)
	if err != nil {
		return err
	}
	e.meta.Store(&liveMeta{m: live, idx: idx})
	return nil
}

// currentMeta returns the live meta page (safe to call from any
// goroutine; the writer publishes a new one atomically on commit).
func (e *Env) currentMeta() liveMeta {
	return *e.meta.Load()
}

func (e *Env) closeFiles() {
	if dm := e.dataMap.Load(); dm != nil {
		dm.Close()
		e.dataMap.Store(nil)
	}
	e.oldMmapsMu.Lock()
	for _, m := range e.oldMmaps {
		if m != nil {
			m.Close()
		}
	}
	e.oldMmaps = nil
	e.oldMmapsMu.Unlock()

	if e.dataFile != nil {
		e.dataFile.Close()
		e.dataFile = nil
	}
	if e.lockFile != nil {
		e.lockFile.close()
		e.lockFile = nil
	}
}

// Close releases the environment's resources, waiting for every open
// transaction to finish first so no goroutine is left holding a pointer
// into an unmapped region.
func (e *Env) Close() error {
	e.txnWg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFiles()
	return nil
}

// Path returns the path the environment was opened with.
func (e *Env) Path() string { return e.path }

// SetLogger installs a logger for diagnostic output. The default logger
// writes to the standard library's default destination.
func (e *Env) SetLogger(l *log.Logger) { e.logger = l }

// Sync flushes the memory map to disk.
func (e *Env) Sync() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	dm := e.dataMap.Load()
	if dm == nil {
		return ErrInvalid
	}
	return dm.Sync()
}

// growTo extends the backing file so pgno pn is addressable and maps a
// fresh, larger view over it. The old mapping is kept alive (never
// unmapped until Close) rather than replaced in place: readers that
// began before the grow may still hold a direct slice into it, and since
// both mappings are MAP_SHARED over the same file, writes made through
// the new mapping are visible through the old one for any offset the
// old mapping actually covers. It is called by the writer, which holds
// the write-transaction lock, and by Reserve, which holds e.mu
// exclusively; readers only ever load a fully built mapping.
func (e *Env) growTo(pn pgno) error {
	old := e.dataMap.Load()
	needed := int64(pn+1) * PageSize
	cur := int64(len(old.Data()))
	if needed <= cur {
		return nil
	}

	const growStep = 64 * 1024 * 1024
	newSize := ((needed + growStep - 1) / growStep) * growStep

	if err := e.dataFile.Truncate(newSize); err != nil {
		return wrapIOError(err)
	}

	newMap, err := newDataMap(int(e.dataFile.Fd()), int(newSize), true)
	if err != nil {
		return err
	}

	e.oldMmapsMu.Lock()
	e.oldMmaps = append(e.oldMmaps, old)
	e.oldMmapsMu.Unlock()
	e.dataMap.Store(newMap)
	return nil
}

// Reserve grows the backing file (and remaps) to at least size bytes
// up front, mirroring the teacher's env_set_mapsize: giving the OS a
// large range to grow into avoids repeated remaps during a
// write-heavy session. Must not be called concurrently with an open
// write transaction.
func (e *Env) Reserve(size int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pn := pgno(size / PageSize)
	if pn == 0 {
		return nil
	}
	return e.growTo(pn - 1)
}

// Stat summarizes the state of the live tree.
type Stat struct {
	Txnid      uint64
	Root       uint64
	LastPgno   uint64
	FreeDBRoot uint64
}

// Stat returns a snapshot of the environment's current live meta state.
func (e *Env) Stat() Stat {
	m := e.currentMeta().m
	return Stat{
		Txnid:      uint64(m.Txnid),
		Root:       uint64(m.Root),
		LastPgno:   uint64(m.LastPgno),
		FreeDBRoot: uint64(m.FreeDBRoot),
	}
}

// View runs fn inside a read-only transaction. The transaction is
// aborted (readers never commit) once fn returns, regardless of error.
func (e *Env) View(fn func(txn *Txn) error) error {
	txn, err := e.BeginTxn(true)
	if err != nil {
		return err
	}
	defer txn.abortReader()
	return fn(txn)
}

// Update runs fn inside a write transaction, committing if fn returns
// nil and aborting (discarding all changes) otherwise.
func (e *Env) Update(fn func(txn *Txn) error) error {
	txn, err := e.BeginTxn(false)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// CopyFile writes a structurally-consistent copy of the database to dst,
// taken from a snapshot at the point CopyFile is called. Grounded on the
// teacher's hot-backup primitive but reduced to a plain sequential copy:
// this implementation does not compact free space, it only guarantees
// the copy reflects one committed snapshot.
func (e *Env) CopyFile(dst string, mode os.FileMode) error {
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return wrapIOError(err)
	}
	defer out.Close()
	return e.CopyTo(out)
}

// CopyTo writes a snapshot of the database to w.
func (e *Env) CopyTo(w writerAt) error {
	txn, err := e.BeginTxn(true)
	if err != nil {
		return err
	}
	defer txn.abortReader()

	size := int64(txn.meta.LastPgno+1) * PageSize
	data := e.dataMap.Load().Data()
	if int64(len(data)) < size {
		size = int64(len(data))
	}

	const chunk = 4 << 20
	for off := int64(0); off < size; off += chunk {
		end := off + chunk
		if end > size {
			end = size
		}
		if _, err := w.WriteAt(data[off:end], off); err != nil {
			return wrapIOError(err)
		}
	}

	// A commit during the copy may rewrite a meta page in the map, so
	// both meta pages of the copy are overwritten with this snapshot's.
	buf := make([]byte, PageSize)
	txn.meta.writeTo(buf)
	for i := 0; i < NumMetas; i++ {
		if _, err := w.WriteAt(buf, int64(i)*PageSize); err != nil {
			return wrapIOError(err)
		}
	}
	return nil
}

type writerAt interface {
	WriteAt(p []byte, off int64) (int, error)
}
