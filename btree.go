package pathdb

// This file implements the B+ tree insert/delete/split machinery shared
// by the main tree and the Free DB tree; both are just different root
// pgnos threaded through the same functions (spec.md §4.4).

// treeGet walks from root to the leaf that would hold key and returns
// its value, or ErrNotFound. The returned slice aliases page storage
// directly (zero-copy).
func (txn *Txn) treeGet(root pgno, key []byte) ([]byte, error) {
	if root == emptyTreeRoot {
		return nil, ErrNotFound
	}
	pn := root
	for {
		p, err := txn.readPage(pn)
		if err != nil {
			return nil, err
		}
		found, idx := pageSearch(p, key)
		if p.isLeaf() {
			if !found {
				return nil, ErrNotFound
			}
			return p.value(idx), nil
		}
		pn = p.childPgno(branchChildIndex(found, idx))
	}
}

// treePut inserts (key, val) under root, returning the new root pgno
// (unchanged unless the root itself split or this was the first insert
// into an empty tree). If overwrite is false, an exact key match is
// rejected with ErrKeyExist rather than replacing the existing value
// (spec.md §4.4 step 2, §6's `put` contract); the Free DB bookkeeping in
// freelist.go passes overwrite=true since it deliberately replaces an
// entry's packed pgno list under the same txnid key.
func (txn *Txn) treePut(root pgno, key, val []byte, overwrite bool) (pgno, error) {
	if len(key) == 0 {
		return root, ErrInvalid
	}
	if leafNodeSize(len(key), len(val)) > maxLeafNodeSize {
		return root, ErrNoSpace
	}

	if root == emptyTreeRoot {
		pn, p, err := txn.allocPage()
		if err != nil {
			return root, err
		}
		p.init(pn, pageLeaf)
		node := make([]byte, leafNodeSize(len(key), len(val)))
		putLeafNode(node, key, val)
		if !p.insertNode(0, node) {
			return root, ErrNoSpace
		}
		return pn, nil
	}

	newRoot, sepKey, rightPn, split, err := txn.putRecursive(root, key, val, overwrite)
	if err != nil {
		return root, err
	}
	if !split {
		return newRoot, nil
	}

	pn, p, err := txn.allocPage()
	if err != nil {
		return root, err
	}
	p.init(pn, pageBranch)
	lp, err := txn.readPage(newRoot)
	if err != nil {
		return root, err
	}
	left := make([]byte, branchNodeSize(len(lp.key(0))))
	putBranchNode(left, newRoot, lp.key(0))
	if !p.insertNode(0, left) {
		return root, ErrNoSpace
	}
	right := make([]byte, branchNodeSize(len(sepKey)))
	putBranchNode(right, rightPn, sepKey)
	if !p.insertNode(1, right) {
		return root, ErrNoSpace
	}
	return pn, nil
}

// putRecursive descends to the leaf for key, copy-on-writing every page
// on the path, and reports upward whether the page it modified had to
// split (spec.md §4.4's insertion/splits).
func (txn *Txn) putRecursive(pn pgno, key, val []byte, overwrite bool) (newPn pgno, sepKey []byte, rightPn pgno, split bool, err error) {
	orig, err := txn.readPage(pn)
	if err != nil {
		return
	}
	found, idx := pageSearch(orig, key)

	if orig.isLeaf() {
		if found && !overwrite {
			return pn, nil, 0, false, ErrKeyExist
		}

		newPn, cowed, cerr := txn.cow(pn)
		if cerr != nil {
			return 0, nil, 0, false, cerr
		}
		node := make([]byte, leafNodeSize(len(key), len(val)))
		putLeafNode(node, key, val)

		if found {
			if cowed.updateNode(idx, node) {
				return newPn, nil, 0, false, nil
			}
			// The larger replacement does not fit: drop the old node so
			// the split below holds the key exactly once.
			cowed.removeNode(idx)
		} else if cowed.insertNode(idx, node) {
			return newPn, nil, 0, false, nil
		}

		rPn, rp, sep, serr := txn.splitPage(cowed, pageLeaf, idx, node)
		if serr != nil {
			return 0, nil, 0, false, serr
		}
		_ = rp
		return newPn, sep, rPn, true, nil
	}

	ci := branchChildIndex(found, idx)
	childPn := orig.childPgno(ci)
	newChildPn, childSep, childRightPn, childSplit, cerr := txn.putRecursive(childPn, key, val, overwrite)
	if cerr != nil {
		err = cerr
		return
	}

	newPn, cowed, cerr := txn.cow(pn)
	if cerr != nil {
		err = cerr
		return
	}
	if newChildPn != childPn {
		cowed.setChildPgno(ci, newChildPn)
	}
	if !childSplit {
		return newPn, nil, 0, false, nil
	}

	branchNode := make([]byte, branchNodeSize(len(childSep)))
	putBranchNode(branchNode, childRightPn, childSep)
	if cowed.insertNode(ci+1, branchNode) {
		return newPn, nil, 0, false, nil
	}

	rPn, rp, sep, serr := txn.splitPage(cowed, pageBranch, ci+1, branchNode)
	if serr != nil {
		err = serr
		return
	}
	_ = rp
	return newPn, sep, rPn, true, nil
}

// splitPage rebuilds left's contents (its existing nodes plus newNode at
// insertIdx) across left and a freshly allocated right sibling, cut where
// the larger side's encoded bytes (nodes plus slots) are smallest. Works for both leaf and branch pages since both expose the same
// node accessors. The returned separator key is the first key of the
// right page, which is correct whether searched as a leaf key or a
// branch separator.
func (txn *Txn) splitPage(left *page, flags pageFlags, insertIdx int, newNode []byte) (rightPn pgno, right *page, sepKey []byte, err error) {
	n := left.numKeys()
	items := make([][]byte, 0, n+1)
	inserted := false
	for i := 0; i < n; i++ {
		if i == insertIdx {
			items = append(items, newNode)
			inserted = true
		}
		off := left.nodeOffsetAt(i)
		sz := left.nodeSizeAt(i)
		items = append(items, append([]byte(nil), left.data[off:int(off)+sz]...))
	}
	if !inserted {
		items = append(items, newNode)
	}

	rightPn, right, err = txn.allocPage()
	if err != nil {
		return
	}
	right.init(rightPn, flags)

	leftPgno := left.pageNo()
	left.init(leftPgno, flags)

	total := 0
	for _, it := range items {
		total += len(it) + 2
	}
	mid, best, acc := 1, -1, 0
	for i := 1; i < len(items); i++ {
		acc += len(items[i-1]) + 2
		if worst := max(acc, total-acc); best < 0 || worst < best {
			mid, best = i, worst
		}
	}
	for i, it := range items {
		dst, idx := left, i
		if i >= mid {
			dst, idx = right, i-mid
		}
		if !dst.insertNode(idx, it) {
			err = ErrNoSpace
			return
		}
	}
	sepKey = append([]byte(nil), right.key(0)...)
	return
}

// treeDelete removes key from root, returning the new root pgno (the
// copy-on-write copy of root whenever a key was removed). Deletion never
// rebalances or merges pages, so the tree's height never changes here.
func (txn *Txn) treeDelete(root pgno, key []byte) (pgno, error) {
	if root == emptyTreeRoot {
		return root, ErrNotFound
	}
	newRoot, found, err := txn.deleteRecursive(root, key)
	if err != nil {
		return root, err
	}
	if !found {
		return root, ErrNotFound
	}
	return newRoot, nil
}

func (txn *Txn) deleteRecursive(pn pgno, key []byte) (newPn pgno, found bool, err error) {
	orig, err := txn.readPage(pn)
	if err != nil {
		return
	}
	fnd, idx := pageSearch(orig, key)

	if orig.isLeaf() {
		if !fnd {
			return pn, false, nil
		}
		newPn, cowed, cerr := txn.cow(pn)
		if cerr != nil {
			return 0, false, cerr
		}
		cowed.removeNode(idx)
		return newPn, true, nil
	}

	ci := branchChildIndex(fnd, idx)
	childPn := orig.childPgno(ci)
	newChildPn, childFound, cerr := txn.deleteRecursive(childPn, key)
	if cerr != nil {
		err = cerr
		return
	}
	if !childFound {
		return pn, false, nil
	}

	newPn, cowed, cerr := txn.cow(pn)
	if cerr != nil {
		err = cerr
		return
	}
	if newChildPn != childPn {
		cowed.setChildPgno(ci, newChildPn)
	}
	return newPn, true, nil
}
