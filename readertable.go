package pathdb

import (
	"sync"
	"sync/atomic"

	"github.com/kvdbx/pathdb/internal/slotmap"
)

// readerTable is the MVCC reader table (spec.md §4.6): wherever a reader
// transaction's snapshot txnid is published so a writer can compute the
// oldest snapshot still visible before reclaiming Free DB pages (§4.7).
// *lockFile implements this directly for the interprocess case (the
// table lives in the mmap'd sidecar lock file); inProcessReaderTable
// implements it for IntraProcessLock, where there is exactly one
// process and a plain in-memory array suffices. Either way the table
// exists: spec.md ties IntraProcessLock only to writer-serialization
// (§4.1), never to disabling reader isolation or GC.
type readerTable interface {
	acquireReaderSlot(pid uint32, tid uint64) (*readerSlot, int, error)
	releaseReaderSlot(slot *readerSlot, slotIdx int)
	setReaderTxnid(slot *readerSlot, id uint64)
	oldestReaderTxnid() uint64
}

// inProcessReaderTable is the IntraProcessLock counterpart of lockFile's
// reader-table half: same readerSlot struct and the same claim/release/
// oldest-scan algorithm, just backed by a heap-allocated slice instead
// of a shared mmap since every reader lives in this one process.
type inProcessReaderTable struct {
	slots    []readerSlot
	occupied *slotmap.Bitmap
	freeMu   sync.Mutex
}

func newInProcessReaderTable(maxReaders int) *inProcessReaderTable {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}
	return &inProcessReaderTable{
		slots:    make([]readerSlot, maxReaders),
		occupied: slotmap.New(uint32(maxReaders)),
	}
}

func (rt *inProcessReaderTable) acquireReaderSlot(pid uint32, tid uint64) (*readerSlot, int, error) {
	rt.freeMu.Lock()
	idx, ok := rt.occupied.Allocate()
	rt.freeMu.Unlock()
	if ok {
		slot := &rt.slots[idx]
		if atomic.CompareAndSwapUint64(&slot.txnid, 0, ^uint64(0)) {
			atomic.StoreUint32(&slot.pid, pid)
			atomic.StoreUint64(&slot.tid, tid)
			return slot, int(idx), nil
		}
	}

	for i := range rt.slots {
		slot := &rt.slots[i]
		if atomic.LoadUint64(&slot.txnid) == 0 {
			if atomic.CompareAndSwapUint64(&slot.txnid, 0, ^uint64(0)) {
				atomic.StoreUint32(&slot.pid, pid)
				atomic.StoreUint64(&slot.tid, tid)
				rt.freeMu.Lock()
				rt.occupied.Reserve(uint32(i))
				rt.freeMu.Unlock()
				return slot, i, nil
			}
		}
	}
	return nil, -1, errLockReadersFull
}

func (rt *inProcessReaderTable) releaseReaderSlot(slot *readerSlot, slotIdx int) {
	atomic.StoreUint64(&slot.txnid, 0)
	atomic.StoreUint64(&slot.tid, 0)
	atomic.StoreUint32(&slot.pid, 0)
	rt.freeMu.Lock()
	rt.occupied.Free(uint32(slotIdx))
	rt.freeMu.Unlock()
}

func (rt *inProcessReaderTable) setReaderTxnid(slot *readerSlot, id uint64) {
	atomic.StoreUint64(&slot.txnid, id)
}

// oldestReaderTxnid mirrors lockFile.oldestReaderTxnid: smallest live
// snapshot txnid, or 0 if no reader holds one (spec.md §4.6).
func (rt *inProcessReaderTable) oldestReaderTxnid() uint64 {
	var oldest uint64
	for i := range rt.slots {
		id := atomic.LoadUint64(&rt.slots[i].txnid)
		if id == 0 || id == ^uint64(0) {
			continue
		}
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	return oldest
}
