package pathdb

import (
	"sync"
	"unsafe"

	"github.com/kvdbx/pathdb/internal/dirtymap"
)

// Txn is a single read or write transaction. A read transaction never
// blocks and never takes a lock: it pins a snapshot by txnid and reads
// pages directly out of the memory map. Only one write transaction may
// be open at a time per Env.
type Txn struct {
	env      *Env
	readOnly bool
	done     bool
	mu       sync.Mutex

	txnid txnid
	meta  meta // working copy: Root / FreeDBRoot / LastPgno mutate as the txn proceeds

	readerSlot *readerSlot
	slotIdx    int

	dirty        dirtymap.Map // pgno -> *page, pages this txn already owns a private copy of
	freed        []pgno       // pages retired by CoW or delete during this txn
	nextPgno     pgno         // bump allocator cursor (one past the highest pgno ever used)
	inFreelistOp bool         // true while mutating the Free DB itself, to avoid reentrant reuse
}

// BeginTxn starts a new transaction. Readers never block; only one
// writer may be active on an Env at a time.
func (e *Env) BeginTxn(readOnly bool) (*Txn, error) {
	if readOnly {
		return e.beginReadTxn()
	}
	return e.beginWriteTxn()
}

func (e *Env) beginReadTxn() (*Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dataMap.Load() == nil {
		return nil, ErrInvalid
	}

	txn := &Txn{env: e, readOnly: true}

	slot, idx, err := e.readers.acquireReaderSlot(cachedPID, 0)
	if err != nil {
		return nil, err
	}
	txn.readerSlot = slot
	txn.slotIdx = idx

	live := e.currentMeta()
	txn.txnid = live.m.Txnid
	txn.meta = live.m
	e.readers.setReaderTxnid(txn.readerSlot, uint64(txn.txnid))

	e.txnWg.Add(1)
	return txn, nil
}

func (e *Env) beginWriteTxn() (*Txn, error) {
	e.txnMu.Lock()
	for e.writeTxn != nil {
		e.txnCond.Wait()
	}

	e.mu.RLock()
	if e.dataMap.Load() == nil {
		e.mu.RUnlock()
		e.txnMu.Unlock()
		return nil, ErrInvalid
	}
	if e.flags&ReadOnly != 0 {
		e.mu.RUnlock()
		e.txnMu.Unlock()
		return nil, ErrAccessDenied
	}

	if e.lockFile != nil {
		if err := e.lockFile.lockWriter(); err != nil {
			e.mu.RUnlock()
			e.txnMu.Unlock()
			return nil, ErrBusy
		}
	}

	if err := e.readMeta(); err != nil {
		if e.lockFile != nil {
			e.lockFile.unlockWriter()
		}
		e.mu.RUnlock()
		e.txnMu.Unlock()
		return nil, err
	}
	live := e.currentMeta()

	txn := &Txn{
		env:      e,
		readOnly: false,
		txnid:    live.m.Txnid + 1,
		meta:     live.m,
		nextPgno: live.m.LastPgno + 1,
	}

	e.writeTxn = txn
	e.txnWg.Add(1)
	e.mu.RUnlock()
	e.txnMu.Unlock()
	return txn, nil
}

// ID returns the transaction's snapshot (read) or in-progress (write) txnid.
func (txn *Txn) ID() uint64 { return uint64(txn.txnid) }

// IsReadOnly reports whether this is a read-only transaction.
func (txn *Txn) IsReadOnly() bool { return txn.readOnly }

// readPage returns a page for reading: the transaction's own dirty copy
// if it has one, otherwise a zero-copy view into the memory map.
func (txn *Txn) readPage(pn pgno) (*page, error) {
	if p := (*page)(txn.dirty.Get(uint64(pn))); p != nil {
		return p, nil
	}
	data := txn.env.dataMap.Load().Data()
	off := int64(pn) * PageSize
	if off+PageSize > int64(len(data)) {
		return nil, ErrCorrupt
	}
	return pageAt(data, pn, PageSize), nil
}

// allocPage reserves a fresh page number with a private, zeroed buffer,
// preferring a page retired by an earlier, now-invisible transaction
// over growing the file (spec.md §4.7).
func (txn *Txn) allocPage() (pgno, *page, error) {
	if !txn.inFreelistOp {
		if pn, ok := txn.reuseFreedPage(); ok {
			p := &page{data: make([]byte, PageSize)}
			txn.dirty.Set(uint64(pn), unsafe.Pointer(p))
			return pn, p, nil
		}
	}

	pn := txn.nextPgno
	txn.nextPgno++
	if err := txn.env.growTo(pn); err != nil {
		return 0, nil, err
	}
	p := &page{data: make([]byte, PageSize)}
	txn.dirty.Set(uint64(pn), unsafe.Pointer(p))
	return pn, p, nil
}

// cow returns a private, mutable copy of page pn. If this transaction
// already owns such a copy (at this same pgno — every CoW gets a fresh
// pgno, so a hit here means a previous operation in this same
// transaction already rewrote it), that copy is reused directly;
// otherwise the original is cloned into a newly allocated page and the
// original retired.
func (txn *Txn) cow(pn pgno) (pgno, *page, error) {
	if p := (*page)(txn.dirty.Get(uint64(pn))); p != nil {
		return pn, p, nil
	}
	orig, err := txn.readPage(pn)
	if err != nil {
		return 0, nil, err
	}
	newPn, newP, err := txn.allocPage()
	if err != nil {
		return 0, nil, err
	}
	copy(newP.data, orig.data)
	newP.header().PageNo = newPn
	txn.freed = append(txn.freed, pn)
	return newPn, newP, nil
}

// Get looks up key in the main tree.
func (txn *Txn) Get(key []byte) ([]byte, error) {
	return txn.treeGet(txn.meta.Root, key)
}

// Put inserts key with val in the main tree. A key that already exists
// is rejected with ErrKeyExist rather than silently overwritten
// (spec.md §4.4 step 2, §6): change an existing key's value with an
// explicit Delete followed by Put.
func (txn *Txn) Put(key, val []byte) error {
	if txn.readOnly {
		return ErrAccessDenied
	}
	if txn.done {
		return ErrTxnClosed
	}
	newRoot, err := txn.treePut(txn.meta.Root, key, val, false)
	if err != nil {
		return err
	}
	txn.meta.Root = newRoot
	return nil
}

// Delete removes key from the main tree.
func (txn *Txn) Delete(key []byte) error {
	if txn.readOnly {
		return ErrAccessDenied
	}
	if txn.done {
		return ErrTxnClosed
	}
	newRoot, err := txn.treeDelete(txn.meta.Root, key)
	if err != nil {
		return err
	}
	txn.meta.Root = newRoot
	return nil
}

// abortReader releases a read transaction's snapshot.
func (txn *Txn) abortReader() {
	if txn.done {
		return
	}
	txn.done = true
	if txn.readerSlot != nil {
		txn.env.readers.releaseReaderSlot(txn.readerSlot, txn.slotIdx)
	}
	txn.env.txnWg.Done()
}

// Abort discards every change a write transaction made and releases the
// writer lock, or is equivalent to abortReader for a read transaction.
func (txn *Txn) Abort() {
	if txn.done {
		return
	}
	if txn.readOnly {
		txn.abortReader()
		return
	}
	txn.done = true
	txn.releaseWriter()
	txn.env.txnWg.Done()
}

func (txn *Txn) releaseWriter() {
	e := txn.env
	if e.lockFile != nil {
		e.lockFile.unlockWriter()
	}
	e.txnMu.Lock()
	e.writeTxn = nil
	e.txnCond.Broadcast()
	e.txnMu.Unlock()
}

// Commit publishes a write transaction's changes as the new live meta
// page (spec.md §4.3 steps 5-8): record retired pages in the Free DB,
// write every dirty page, then fsync and swap the meta page that is not
// currently live. A read-only transaction commits as a no-op abort.
func (txn *Txn) Commit() error {
	if txn.done {
		return ErrTxnClosed
	}
	if txn.readOnly {
		txn.abortReader()
		return nil
	}

	if err := txn.recordFreedPages(); err != nil {
		txn.Abort()
		return err
	}
	if err := txn.writeDirtyPages(); err != nil {
		txn.Abort()
		return err
	}
	if err := txn.writeMeta(); err != nil {
		txn.Abort()
		return err
	}

	txn.done = true
	txn.releaseWriter()
	txn.env.txnWg.Done()
	return nil
}

// writeDirtyPages copies every page this transaction privately owns into
// the shared memory map. No separate write to the data file is needed:
// the mapping is MAP_SHARED, so these copies land in the page cache
// backing the file. The map is then msync'd so the data pages are on
// disk before the meta page is written.
func (txn *Txn) writeDirtyPages() error {
	dm := txn.env.dataMap.Load()
	data := dm.Data()
	var werr error
	txn.dirty.ForEach(func(pn uint64, ptr unsafe.Pointer) {
		if werr != nil {
			return
		}
		p := (*page)(ptr)
		off := int64(pn) * PageSize
		if off+PageSize > int64(len(data)) {
			werr = ErrCorrupt
			return
		}
		copy(data[off:off+PageSize], p.data)
	})
	if werr != nil {
		return werr
	}
	return dm.Sync()
}

// writeMeta writes the new meta to whichever of the two meta pages is
// not currently live, fsyncs it, and swaps env.meta to point at it. This
// fsync is the atomic commit point (spec.md §4.1).
func (txn *Txn) writeMeta() error {
	live := txn.env.currentMeta()
	staleIdx := live.otherIdx()

	newMeta := meta{
		Magic:      Magic,
		Version:    Version,
		Txnid:      txn.txnid,
		Root:       txn.meta.Root,
		LastPgno:   txn.nextPgno - 1,
		FreeDBRoot: txn.meta.FreeDBRoot,
	}

	buf := make([]byte, PageSize)
	newMeta.writeTo(buf)
	staleOff := int64(staleIdx) * PageSize
	if _, err := txn.env.dataFile.WriteAt(buf, staleOff); err != nil {
		return wrapIOError(err)
	}
	if err := wrapIOError(txn.env.dataFile.Sync()); err != nil {
		return err
	}

	txn.env.meta.Store(&liveMeta{m: newMeta, idx: staleIdx})
	return nil
}
