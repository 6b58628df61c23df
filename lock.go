//go:build unix

package pathdb

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/kvdbx/pathdb/internal/slotmap"
)

// cachedPID avoids a syscall on every reader slot acquisition.
var cachedPID = uint32(os.Getpid())

const (
	// readerSlotSize is one cache line: pid(4), pad(4), tid(8),
	// snapshot_txnid(8), padding to 64 bytes (spec.md §3/§4.6).
	readerSlotSize = 64

	lockHeaderSize = 256

	defaultMaxReaders = 126
)

// readerSlot is one entry of the MVCC reader table, spec.md §4.6: a
// reader publishes the txnid of the snapshot it is reading so a writer
// can compute the oldest snapshot still visible before reclaiming pages.
type readerSlot struct {
	pid       uint32
	_         uint32
	tid       uint64
	txnid     uint64
	_         [64 - 4 - 4 - 8 - 8]byte
}

type lockHeader struct {
	magic      uint64
	numReaders uint32
	_          uint32
	_          [lockHeaderSize - 16]byte
}

const lockMagic uint64 = 0x70617468646278 // "pathdbx" truncated to fit

// lockFile manages the sidecar reader-table file and the interprocess
// writer lock, grounded on the teacher's lock.go but trimmed to the
// single fixed-size reader slot spec.md §4.6 describes (no mdbx-specific
// bait/mlock/autosync bookkeeping).
type lockFile struct {
	file       *os.File
	data       []byte
	header     *lockHeader
	slots      []readerSlot
	maxReaders int
	writerLock bool

	// occupied is an in-process hint of which slot indices are in use,
	// so acquireReaderSlot usually finds a candidate in one lookup
	// instead of scanning every slot in the shared mapping.
	occupied *slotmap.Bitmap
	freeMu   sync.Mutex
}

func lockPath(dataPath string) string { return dataPath + "-lock" }

func openLockFile(path string, maxReaders int, create bool) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}

	lf := &lockFile{file: f, maxReaders: maxReaders, occupied: slotmap.New(uint32(maxReaders))}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	expectedSize := int64(lockHeaderSize + maxReaders*readerSlotSize)
	if fi.Size() < expectedSize {
		if err := lf.initialize(expectedSize); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := lf.mmap(); err != nil {
		f.Close()
		return nil, err
	}
	if lf.header.magic != lockMagic {
		lf.close()
		return nil, errLockInvalidFile
	}
	for i := range lf.slots {
		if atomic.LoadUint64(&lf.slots[i].txnid) != 0 {
			lf.occupied.Reserve(uint32(i))
		}
	}
	return lf, nil
}

func (lf *lockFile) initialize(size int64) error {
	if err := lf.file.Truncate(size); err != nil {
		return err
	}
	header := lockHeader{magic: lockMagic}
	headerBytes := (*[lockHeaderSize]byte)(unsafe.Pointer(&header))[:]
	if _, err := lf.file.WriteAt(headerBytes, 0); err != nil {
		return err
	}
	return lf.file.Sync()
}

func (lf *lockFile) mmap() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return err
	}
	size := int(fi.Size())
	data, err := syscall.Mmap(int(lf.file.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	lf.data = data
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))
	slotData := data[lockHeaderSize:]
	numSlots := min(len(slotData)/readerSlotSize, lf.maxReaders)
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), numSlots)
	return nil
}

func (lf *lockFile) close() error {
	if lf.data != nil {
		if err := syscall.Munmap(lf.data); err != nil {
			return err
		}
		lf.data = nil
	}
	if lf.writerLock {
		lf.unlockWriter()
	}
	if lf.file != nil {
		return lf.file.Close()
	}
	return nil
}

// lockWriter acquires the exclusive, interprocess writer lock that
// serializes write transactions across processes (spec.md §4.3: "single
// writer").
func (lf *lockFile) lockWriter() error {
	if err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_EX); err != nil {
		return &lockError{"acquire writer lock", err}
	}
	lf.writerLock = true
	return nil
}

func (lf *lockFile) tryLockWriter() (bool, error) {
	err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, &lockError{"try writer lock", err}
	}
	lf.writerLock = true
	return true, nil
}

func (lf *lockFile) unlockWriter() error {
	if !lf.writerLock {
		return nil
	}
	if err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_UN); err != nil {
		return &lockError{"release writer lock", err}
	}
	lf.writerLock = false
	return nil
}

// acquireReaderSlot finds and claims a free slot, publishing nothing yet
// (the snapshot txnid is set separately once the reader knows it).
func (lf *lockFile) acquireReaderSlot(pid uint32, tid uint64) (*readerSlot, int, error) {
	lf.freeMu.Lock()
	idx, ok := lf.occupied.Allocate()
	lf.freeMu.Unlock()
	if ok {
		slot := &lf.slots[idx]
		if atomic.CompareAndSwapUint64(&slot.txnid, 0, ^uint64(0)) {
			atomic.StoreUint32(&slot.pid, pid)
			atomic.StoreUint64(&slot.tid, tid)
			return slot, int(idx), nil
		}
		// Hint was stale (slot occupied by someone the bitmap didn't
		// know about yet); fall through to the authoritative scan.
	}

	for i := range lf.slots {
		slot := &lf.slots[i]
		if atomic.LoadUint64(&slot.txnid) == 0 {
			if atomic.CompareAndSwapUint64(&slot.txnid, 0, ^uint64(0)) {
				atomic.StoreUint32(&slot.pid, pid)
				atomic.StoreUint64(&slot.tid, tid)
				lf.freeMu.Lock()
				lf.occupied.Reserve(uint32(i))
				lf.freeMu.Unlock()
				return slot, i, nil
			}
		}
	}
	return nil, -1, errLockReadersFull
}

func (lf *lockFile) releaseReaderSlot(slot *readerSlot, slotIdx int) {
	atomic.StoreUint64(&slot.txnid, 0)
	atomic.StoreUint64(&slot.tid, 0)
	atomic.StoreUint32(&slot.pid, 0)
	lf.freeMu.Lock()
	lf.occupied.Free(uint32(slotIdx))
	lf.freeMu.Unlock()
}

func (lf *lockFile) setReaderTxnid(slot *readerSlot, id uint64) {
	atomic.StoreUint64(&slot.txnid, id)
}

// oldestReaderTxnid returns the smallest live snapshot txnid, or 0 if
// there are no active readers (spec.md §4.6: "if none are active,
// return 0, meaning no reader holds a snapshot"). The freelist manager
// uses this to decide which retired pages are safe to reuse (§4.7);
// ^uint64(0) marks a slot mid-acquisition (claimed but not yet
// published) and is never treated as a real snapshot.
func (lf *lockFile) oldestReaderTxnid() uint64 {
	var oldest uint64
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id == 0 || id == ^uint64(0) {
			continue
		}
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	return oldest
}

func (lf *lockFile) cleanupStaleReaders() int {
	cleaned := 0
	myPID := uint32(os.Getpid())
	for i := range lf.slots {
		slot := &lf.slots[i]
		id := atomic.LoadUint64(&slot.txnid)
		if id == 0 || id == ^uint64(0) {
			continue
		}
		pid := atomic.LoadUint32(&slot.pid)
		if pid == 0 || pid == myPID {
			continue
		}
		if !processExists(int(pid)) {
			atomic.StoreUint64(&slot.txnid, 0)
			lf.freeMu.Lock()
			lf.occupied.Free(uint32(i))
			lf.freeMu.Unlock()
			cleaned++
		}
	}
	return cleaned
}

func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

var (
	errLockInvalidFile = &lockError{"invalid lock file", nil}
	errLockReadersFull = &lockError{"reader slots full", nil}
)

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error { return e.err }
