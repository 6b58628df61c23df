//go:build unix

package pathdb

import "golang.org/x/sys/unix"

// dataMap is the mmap'd view of the data file's page region (spec.md
// §3: pages are read and CoW-written directly against this slice, with
// no intervening buffer pool). Trimmed to exactly what env.go's open/
// growTo/Close paths use; the teacher's generic mmap.Map also exposed
// Remap/Lock/Advise/SyncRange/MapFile, none of which pathdb's own
// remap-by-opening-a-fresh-mapping strategy in growTo ever calls.
type dataMap struct {
	data []byte
}

// newDataMap maps length bytes of fd starting at offset 0 for page
// access; writable controls PROT_WRITE.
func newDataMap(fd int, length int, writable bool) (*dataMap, error) {
	if length <= 0 {
		return nil, newError(codeInvalid, "mmap length must be positive")
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, 0, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, wrapIOError(err)
	}
	return &dataMap{data: data}, nil
}

// Data returns the mapped byte slice backing the data file's pages.
func (m *dataMap) Data() []byte { return m.data }

// Sync flushes dirty pages in the mapping to disk synchronously
// (spec.md §4.3: msync precedes the meta-page fsync on commit).
func (m *dataMap) Sync() error {
	if m.data == nil {
		return nil
	}
	return wrapIOError(unix.Msync(m.data, unix.MS_SYNC))
}

// Close unmaps the view. Safe to call once; a nil data slice is a no-op
// so growTo's retired oldMmaps can be closed without double-unmap bugs.
func (m *dataMap) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return wrapIOError(err)
}
