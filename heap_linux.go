//go:build linux

package memrt

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapHeap is a page-granular Heap backed by anonymous private mappings. It
// bypasses the Go allocator entirely, which keeps runtime-managed payloads
// out of the collector's heap and gives real unmapping on Free. Intended for
// embedders that want large payloads off the Go heap; the per-allocation
// granularity is a page.
type MmapHeap struct {
	mu      sync.Mutex
	regions map[unsafe.Pointer]mmapRegion
}

type mmapRegion struct {
	buf  []byte
	size uintptr
}

// NewMmapHeap creates an empty mmap-backed heap.
func NewMmapHeap() *MmapHeap {
	return &MmapHeap{
		regions: make(map[unsafe.Pointer]mmapRegion),
	}
}

// Alloc maps size bytes (rounded up to page granularity by the kernel).
func (mh *MmapHeap) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}

	ptr := unsafe.Pointer(&buf[0])

	mh.mu.Lock()
	mh.regions[ptr] = mmapRegion{buf: buf, size: size}
	mh.mu.Unlock()

	return ptr
}

// Realloc maps fresh storage, copies the common prefix and unmaps the old
// region. Failure leaves the original mapping intact.
func (mh *MmapHeap) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return mh.Alloc(size)
	}

	if size == 0 {
		mh.Free(ptr)

		return nil
	}

	oldSize := mh.SizeOf(ptr)

	newPtr := mh.Alloc(size)
	if newPtr == nil {
		return nil
	}

	copySize := oldSize
	if size < copySize {
		copySize = size
	}
	copyMemory(newPtr, ptr, copySize)

	mh.Free(ptr)

	return newPtr
}

// Free unmaps an allocation.
func (mh *MmapHeap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	mh.mu.Lock()
	region, ok := mh.regions[ptr]
	if ok {
		delete(mh.regions, ptr)
	}
	mh.mu.Unlock()

	if ok {
		_ = unix.Munmap(region.buf)
	}
}

// SizeOf reports the requested size of a live mapping.
func (mh *MmapHeap) SizeOf(ptr unsafe.Pointer) uintptr {
	mh.mu.Lock()
	defer mh.mu.Unlock()

	return mh.regions[ptr].size
}

// Live returns the number of live mappings, for leak diagnostics.
func (mh *MmapHeap) Live() int {
	mh.mu.Lock()
	defer mh.mu.Unlock()

	return len(mh.regions)
}
