package pathdb

// Database format constants, matching spec.md §3/§6 exactly.
const (
	// Magic identifies a pathdb file.
	Magic uint32 = 0xDECAFBAD

	// Version is the on-disk format version.
	Version uint32 = 1
)

// PageSize is fixed at 4096 bytes, per spec.md §3 ("Page size is 4096
// bytes"). Unlike the teacher (which supports a configurable page size
// for libmdbx file compatibility), this format has no page-size field to
// negotiate, so the engine hardcodes it.
const PageSize = 4096

// pageHeaderSize is the fixed page header size (18 bytes): pgno(8) +
// flags(2) + numKeys(2) + lower(2) + upper(2) + padding(2).
const pageHeaderSize = 18

// NumMetas is the number of meta pages. spec.md fixes this at 2 (pgno 0, 1).
const NumMetas = 2

// MetaPgno0 and MetaPgno1 are the two rotating meta page numbers.
const (
	MetaPgno0 pgno = 0
	MetaPgno1 pgno = 1
)

// MinDataPgno is the first page number usable for tree data.
const MinDataPgno pgno = NumMetas

// Env open flags.
const (
	// Create creates the database file if it does not exist.
	Create uint = 1 << iota
	// ReadOnly opens the environment without permitting writes.
	ReadOnly
	// IntraProcessLock uses an in-process mutex instead of an
	// interprocess (flock-based) mutex for writer serialization.
	IntraProcessLock
)

// CursorStackSize bounds the depth of a cursor/traversal stack. A tree of
// this height would hold far more entries than any realistic page size
// allows, so the bound is never reached in practice.
const CursorStackSize = 32

// maxLeafNodeSize bounds a single leaf entry so any two entries always
// fit together on a freshly split page; a larger entry can never be
// satisfied by splitting (spec's decision to surface ENOSPC rather than
// grow an overflow chain for oversized values).
const maxLeafNodeSize = (PageSize-pageHeaderSize)/2 - 2
