package pathdb

import "encoding/binary"

// metaOnDiskSize is the portion of a meta page that is actually read or
// written; the remainder of the 4096-byte page is reserved padding
// (spec.md §3: "reserved -> exactly 4096").
const metaOnDiskSize = 4 + 4 + 8 + 8 + 8 + 8

// meta mirrors the on-disk meta page layout from spec.md §3:
//
//	magic(4), version(4), txnid(8), root(8), last_pgno(8), free_db_root(8)
type meta struct {
	Magic      uint32
	Version    uint32
	Txnid      txnid
	Root       pgno
	LastPgno   pgno
	FreeDBRoot pgno
}

func readMeta(page []byte) meta {
	return meta{
		Magic:      binary.LittleEndian.Uint32(page[0:4]),
		Version:    binary.LittleEndian.Uint32(page[4:8]),
		Txnid:      txnid(binary.LittleEndian.Uint64(page[8:16])),
		Root:       pgno(binary.LittleEndian.Uint64(page[16:24])),
		LastPgno:   pgno(binary.LittleEndian.Uint64(page[24:32])),
		FreeDBRoot: pgno(binary.LittleEndian.Uint64(page[32:40])),
	}
}

func (m meta) writeTo(page []byte) {
	binary.LittleEndian.PutUint32(page[0:4], m.Magic)
	binary.LittleEndian.PutUint32(page[4:8], m.Version)
	binary.LittleEndian.PutUint64(page[8:16], uint64(m.Txnid))
	binary.LittleEndian.PutUint64(page[16:24], uint64(m.Root))
	binary.LittleEndian.PutUint64(page[24:32], uint64(m.LastPgno))
	binary.LittleEndian.PutUint64(page[32:40], uint64(m.FreeDBRoot))
	for i := metaOnDiskSize; i < len(page); i++ {
		page[i] = 0
	}
}

func (m meta) valid() bool {
	return m.Magic == Magic && m.Version == Version
}

// newDatabaseMetas returns the two meta pages written when a fresh
// database is created (spec.md §4.1): pgno 0 has txnid=0, pgno 1 has
// txnid=1 and is live.
func newDatabaseMetas() (meta0, meta1 meta) {
	base := meta{
		Magic:      Magic,
		Version:    Version,
		Root:       emptyTreeRoot,
		LastPgno:   pgno(NumMetas - 1),
		FreeDBRoot: emptyTreeRoot,
	}
	meta0 = base
	meta0.Txnid = 0
	meta1 = base
	meta1.Txnid = 1
	return meta0, meta1
}

// selectLiveMeta implements spec.md §4.1's open-time validation: both
// meta pages are validated; the one with the larger txnid wins; if only
// one is valid it wins; if neither is valid the open fails.
func selectLiveMeta(m0, m1 meta) (live meta, liveIdx int, err error) {
	v0, v1 := m0.valid(), m1.valid()
	switch {
	case v0 && v1:
		if m1.Txnid >= m0.Txnid {
			return m1, 1, nil
		}
		return m0, 0, nil
	case v0:
		return m0, 0, nil
	case v1:
		return m1, 1, nil
	default:
		return meta{}, -1, ErrCorrupt
	}
}
