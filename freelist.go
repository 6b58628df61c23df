package pathdb

import "encoding/binary"

// The Free DB (spec.md §4.7) is a B+ tree, rooted at meta.FreeDBRoot,
// keyed by the big-endian txnid that retired a batch of pages, with the
// page numbers it retired packed into the value. Big-endian keeps the
// tree ordered by age, so the oldest reclaimable batch is always the
// leftmost leaf entry.

func encodeFreedList(pgnos []pgno) []byte {
	buf := make([]byte, 8+8*len(pgnos))
	binary.BigEndian.PutUint64(buf, uint64(len(pgnos)))
	for i, pn := range pgnos {
		binary.BigEndian.PutUint64(buf[8+8*i:], uint64(pn))
	}
	return buf
}

func decodeFreedList(buf []byte) []pgno {
	if len(buf) < 8 {
		return nil
	}
	n := binary.BigEndian.Uint64(buf)
	out := make([]pgno, 0, n)
	for i := uint64(0); i < n; i++ {
		off := 8 + 8*i
		if off+8 > uint64(len(buf)) {
			break
		}
		out = append(out, pgno(binary.BigEndian.Uint64(buf[off:])))
	}
	return out
}

// maxFreelistCommitPasses bounds the fixed-point iteration committing
// the Free DB performs: each pass may CoW free-tree pages, which itself
// retires pages that must be recorded, so this can take a few rounds to
// settle. A leftover after this many passes is simply not reclaimed this
// commit (it reappears as dirty-but-unfreed space, never corruption).
const maxFreelistCommitPasses = 4

// recordFreedPages writes every page this transaction retired into the
// Free DB, under a single entry keyed by this transaction's txnid.
func (txn *Txn) recordFreedPages() error {
	if len(txn.freed) == 0 {
		return nil
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(txn.txnid))

	pending := txn.freed
	txn.freed = nil

	txn.inFreelistOp = true
	defer func() { txn.inFreelistOp = false }()

	for pass := 0; pass < maxFreelistCommitPasses && len(pending) > 0; pass++ {
		all := pending
		if existing, err := txn.treeGet(txn.meta.FreeDBRoot, key); err == nil {
			all = append(append([]pgno(nil), decodeFreedList(existing)...), pending...)
		}

		newRoot, err := txn.treePut(txn.meta.FreeDBRoot, key, encodeFreedList(all), true)
		if err != nil {
			return err
		}
		txn.meta.FreeDBRoot = newRoot

		pending = txn.freed
		txn.freed = nil
	}
	return nil
}

// reuseFreedPage pops one page number off the oldest Free DB entry whose
// txnid is no longer visible to any active reader, or reports false if
// no such page is available yet.
func (txn *Txn) reuseFreedPage() (pgno, bool) {
	if txn.meta.FreeDBRoot == emptyTreeRoot {
		return 0, false
	}

	oldestReader := txn.env.readers.oldestReaderTxnid()

	leaf, err := txn.leftmostLeaf(txn.meta.FreeDBRoot)
	if err != nil || leaf.numKeys() == 0 {
		return 0, false
	}

	// oldestReader == 0 means no reader holds a snapshot, so every
	// Free DB entry is eligible regardless of its txnid (spec.md §4.7).
	entryTxnid := binary.BigEndian.Uint64(leaf.key(0))
	if oldestReader != 0 && entryTxnid >= oldestReader {
		return 0, false
	}

	key := append([]byte(nil), leaf.key(0)...)
	pgnos := decodeFreedList(leaf.value(0))
	if len(pgnos) == 0 {
		return 0, false
	}
	reused := pgnos[len(pgnos)-1]
	remaining := pgnos[:len(pgnos)-1]

	txn.inFreelistOp = true
	defer func() { txn.inFreelistOp = false }()

	var newRoot pgno
	if len(remaining) == 0 {
		newRoot, err = txn.treeDelete(txn.meta.FreeDBRoot, key)
	} else {
		newRoot, err = txn.treePut(txn.meta.FreeDBRoot, key, encodeFreedList(remaining), true)
	}
	if err != nil {
		return 0, false
	}
	txn.meta.FreeDBRoot = newRoot
	return reused, true
}

// leftmostLeaf finds the leaf holding the smallest key in the tree rooted
// at root. Deletes leave emptied leaves attached, so children are tried
// left to right and empty leaves are skipped; if every leaf is empty, the
// returned page has no keys.
func (txn *Txn) leftmostLeaf(root pgno) (*page, error) {
	p, err := txn.readPage(root)
	if err != nil || p.isLeaf() {
		return p, err
	}
	for i := 0; i < p.numKeys(); i++ {
		leaf, err := txn.leftmostLeaf(p.childPgno(i))
		if err != nil || leaf.numKeys() > 0 || i == p.numKeys()-1 {
			return leaf, err
		}
	}
	return p, nil
}
