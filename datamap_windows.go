//go:build windows

package pathdb

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// dataMap is the Windows counterpart of datamap_unix.go's dataMap:
// same exported surface (Data/Sync/Close), backed by
// CreateFileMapping/MapViewOfFile instead of mmap(2).
type dataMap struct {
	data    []byte
	mapping windows.Handle
}

func newDataMap(fd int, length int, writable bool) (*dataMap, error) {
	if length <= 0 {
		return nil, newError(codeInvalid, "mmap length must be positive")
	}

	handle := windows.Handle(fd)

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	sizeHigh := uint32(uint64(length) >> 32)
	sizeLow := uint32(length)

	mapping, err := windows.CreateFileMapping(handle, nil, prot, sizeHigh, sizeLow, nil)
	if err != nil {
		return nil, wrapIOError(err)
	}

	addr, err := windows.MapViewOfFile(mapping, access, 0, 0, uintptr(length))
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, wrapIOError(err)
	}

	var data []byte
	sh := (*struct {
		Data uintptr
		Len  int
		Cap  int
	})(unsafe.Pointer(&data))
	sh.Data = addr
	sh.Len = length
	sh.Cap = length

	return &dataMap{data: data, mapping: mapping}, nil
}

func (m *dataMap) Data() []byte { return m.data }

func (m *dataMap) Sync() error {
	if m.data == nil {
		return nil
	}
	return wrapIOError(windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(len(m.data))))
}

func (m *dataMap) Close() error {
	if m.data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&m.data[0]))
	err := windows.UnmapViewOfFile(addr)
	if m.mapping != 0 {
		windows.CloseHandle(m.mapping)
		m.mapping = 0
	}
	m.data = nil
	return wrapIOError(err)
}
