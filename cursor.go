package pathdb

// Cursor walks the tree via an explicit stack of (page, index) frames
// rather than sibling pointers (spec.md §4.5): the same traversal stack
// shape used to propagate CoW copies back up on insert/delete, reused
// here for iteration.
type Cursor struct {
	txn  *Txn
	root pgno

	stack []cursorFrame
	eof   bool
}

type cursorFrame struct {
	p   *page
	idx int
}

// OpenCursor returns a cursor over the main tree. It has no position
// (Next, Prev and GetCurrent report no entry) until a First, Last, Set or
// SetRange call.
func (txn *Txn) OpenCursor() *Cursor {
	return &Cursor{txn: txn, root: txn.meta.Root, stack: make([]cursorFrame, 0, CursorStackSize), eof: true}
}

// Close releases the cursor. Cursors do not hold any resource beyond
// their stack, so Close is a no-op kept for symmetry with the teacher's
// cursor lifecycle.
func (c *Cursor) Close() {}

func (c *Cursor) top() *cursorFrame { return &c.stack[len(c.stack)-1] }

func (c *Cursor) push(p *page, idx int) { c.stack = append(c.stack, cursorFrame{p: p, idx: idx}) }

func (c *Cursor) reset() { c.stack = c.stack[:0] }

// descendLeftmost pushes (branch, 0) frames from pn down to, and
// including, the leftmost leaf.
func (c *Cursor) descendLeftmost(pn pgno) error {
	for {
		p, err := c.txn.readPage(pn)
		if err != nil {
			return err
		}
		if p.isLeaf() {
			c.push(p, 0)
			return nil
		}
		c.push(p, 0)
		pn = p.childPgno(0)
	}
}

// descendRightmost pushes (branch, num_keys-1) frames from pn down to,
// and including, the rightmost leaf.
func (c *Cursor) descendRightmost(pn pgno) error {
	for {
		p, err := c.txn.readPage(pn)
		if err != nil {
			return err
		}
		last := p.numKeys() - 1
		if last < 0 {
			last = 0
		}
		if p.isLeaf() {
			c.push(p, last)
			return nil
		}
		c.push(p, last)
		pn = p.childPgno(last)
	}
}

// First positions the cursor at the smallest key in the tree.
func (c *Cursor) First() (key, val []byte, err error) {
	c.reset()
	if c.root == emptyTreeRoot {
		c.eof = true
		return nil, nil, ErrNotFound
	}
	if err := c.descendLeftmost(c.root); err != nil {
		return nil, nil, err
	}
	if c.top().p.numKeys() == 0 {
		c.eof = true
		return nil, nil, ErrNotFound
	}
	c.eof = false
	return c.GetCurrent()
}

// Last positions the cursor at the largest key in the tree.
func (c *Cursor) Last() (key, val []byte, err error) {
	c.reset()
	if c.root == emptyTreeRoot {
		c.eof = true
		return nil, nil, ErrNotFound
	}
	if err := c.descendRightmost(c.root); err != nil {
		return nil, nil, err
	}
	if c.top().p.numKeys() == 0 {
		c.eof = true
		return nil, nil, ErrNotFound
	}
	c.eof = false
	return c.GetCurrent()
}

// Set positions the cursor at an exact key match. The stack is rebuilt
// from scratch on every call; on a miss Set reports NotFound and leaves
// the cursor at EOF, so the previous position is lost.
func (c *Cursor) Set(key []byte) (val []byte, err error) {
	c.reset()
	if c.root == emptyTreeRoot {
		c.eof = true
		return nil, ErrNotFound
	}
	pn := c.root
	for {
		p, rerr := c.txn.readPage(pn)
		if rerr != nil {
			return nil, rerr
		}
		found, idx := pageSearch(p, key)
		if p.isLeaf() {
			c.push(p, idx)
			if !found {
				c.eof = true
				return nil, ErrNotFound
			}
			c.eof = false
			return p.value(idx), nil
		}
		c.push(p, branchChildIndex(found, idx))
		pn = p.childPgno(branchChildIndex(found, idx))
	}
}

// SetRange positions the cursor at the first key >= target, advancing to
// the next leaf via Next's logic if target falls past the last key on
// the leaf it lands on.
func (c *Cursor) SetRange(target []byte) (key, val []byte, err error) {
	c.reset()
	if c.root == emptyTreeRoot {
		c.eof = true
		return nil, nil, ErrNotFound
	}
	pn := c.root
	for {
		p, rerr := c.txn.readPage(pn)
		if rerr != nil {
			return nil, nil, rerr
		}
		found, idx := pageSearch(p, target)
		if p.isLeaf() {
			c.push(p, idx)
			if idx >= p.numKeys() {
				c.eof = false
				return c.Next()
			}
			c.eof = false
			return c.GetCurrent()
		}
		c.push(p, branchChildIndex(found, idx))
		pn = p.childPgno(branchChildIndex(found, idx))
	}
}

// Next advances to the next key in ascending order, crossing leaf
// boundaries by walking back up the stack and descending into the next
// sibling subtree (spec.md §4.5).
func (c *Cursor) Next() (key, val []byte, err error) {
	if c.eof || len(c.stack) == 0 {
		return nil, nil, ErrNotFound
	}
	leaf := c.top()
	leaf.idx++
	if leaf.idx < leaf.p.numKeys() {
		return c.GetCurrent()
	}

	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		frame := c.top()
		frame.idx++
		if frame.idx < frame.p.numKeys() {
			child := frame.p.childPgno(frame.idx)
			if err := c.descendLeftmost(child); err != nil {
				return nil, nil, err
			}
			return c.GetCurrent()
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.eof = true
	return nil, nil, ErrNotFound
}

// Prev moves to the previous key in descending order, symmetric to Next.
func (c *Cursor) Prev() (key, val []byte, err error) {
	if c.eof || len(c.stack) == 0 {
		return nil, nil, ErrNotFound
	}
	leaf := c.top()
	if leaf.idx > 0 {
		leaf.idx--
		return c.GetCurrent()
	}

	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		frame := c.top()
		if frame.idx > 0 {
			frame.idx--
			child := frame.p.childPgno(frame.idx)
			if err := c.descendRightmost(child); err != nil {
				return nil, nil, err
			}
			return c.GetCurrent()
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.eof = true
	return nil, nil, ErrNotFound
}

// GetCurrent returns the key/value the cursor is positioned at.
func (c *Cursor) GetCurrent() (key, val []byte, err error) {
	if c.eof || len(c.stack) == 0 {
		return nil, nil, ErrCursorEOF
	}
	f := c.top()
	if f.idx >= f.p.numKeys() {
		return nil, nil, ErrCursorEOF
	}
	return f.p.key(f.idx), f.p.value(f.idx), nil
}
