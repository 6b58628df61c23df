//go:build windows

package pathdb

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/kvdbx/pathdb/internal/slotmap"
)

// cachedPID avoids a syscall on every reader slot acquisition.
var cachedPID = uint32(os.Getpid())

const (
	readerSlotSize    = 64
	lockHeaderSize    = 256
	defaultMaxReaders = 126
)

// readerSlot mirrors the unix layout (lock.go) so the two build's lock
// files are byte-compatible; only the underlying mapping and locking
// primitives differ.
type readerSlot struct {
	pid   uint32
	_     uint32
	tid   uint64
	txnid uint64
	_     [64 - 4 - 4 - 8 - 8]byte
}

type lockHeader struct {
	magic      uint64
	numReaders uint32
	_          uint32
	_          [lockHeaderSize - 16]byte
}

const lockMagic uint64 = 0x70617468646278

// lockFile is the Windows counterpart of lock.go's lockFile, grounded on
// the teacher's lock_windows.go: file mapping via CreateFileMapping /
// MapViewOfFile instead of mmap(2), and LockFileEx instead of flock(2)
// for the interprocess writer lock.
type lockFile struct {
	file       *os.File
	data       []byte
	header     *lockHeader
	slots      []readerSlot
	maxReaders int
	writerLock bool
	mapping    windows.Handle

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
	size := fi.Size()
	handle := windows.Handle(lf.file.Fd())

	mapping, err := windows.CreateFileMapping(handle, nil, windows.PAGE_READWRITE,
		uint32(uint64(size)>>32), uint32(size), nil)
	if err != nil {
		return err
	}
	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapping)
		return err
	}

	var data []byte
	sh := (*struct {
		Data uintptr
		Len  int
		Cap  int
	})(unsafe.Pointer(&data))
	sh.Data = addr
	sh.Len = int(size)
	sh.Cap = int(size)

	lf.data = data
	lf.mapping = mapping
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))
	slotData := data[lockHeaderSize:]
	numSlots := min(len(slotData)/readerSlotSize, lf.maxReaders)
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), numSlots)
	return nil
}

func (lf *lockFile) close() error {
	if lf.data != nil {
		windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&lf.data[0])))
		lf.data = nil
	}
	if lf.mapping != 0 {
		windows.CloseHandle(lf.mapping)
		lf.mapping = 0
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
	handle := windows.Handle(lf.file.Fd())
	var overlapped windows.Overlapped
	if err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &overlapped); err != nil {
		return &lockError{"acquire writer lock", err}
	}
	lf.writerLock = true
	return nil
}

func (lf *lockFile) tryLockWriter() (bool, error) {
	handle := windows.Handle(lf.file.Fd())
	var overlapped windows.Overlapped
	err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &overlapped)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
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
	handle := windows.Handle(lf.file.Fd())
	var overlapped windows.Overlapped
	if err := windows.UnlockFileEx(handle, 0, 1, 0, &overlapped); err != nil {
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
// there are no active readers (spec.md §4.6), mirroring lock.go.
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

// processExists checks liveness via OpenProcess rather than unix's
// signal-0 trick, which Windows has no equivalent of.
func processExists(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	windows.CloseHandle(handle)
	return true
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
