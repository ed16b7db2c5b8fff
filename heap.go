package memrt

import (
	"sync"
	"unsafe"
)

// Heap is the low-level storage source behind the runtime: the default
// allocator triple of the memory system. Implementations must be comparable
// (use pointer receivers) so SetAllocator can tell a genuine swap from a
// re-install, and must return 8-byte aligned storage so control headers can
// be placed at the region base.
type Heap interface {
	// Alloc returns size bytes of storage, or nil on failure. Size zero
	// returns nil.
	Alloc(size uintptr) unsafe.Pointer
	// Realloc grows or shrinks an allocation, preserving the common prefix.
	// A nil ptr behaves like Alloc. On failure the original allocation is
	// left untouched and nil is returned.
	Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer
	// Free releases an allocation. Nil is ignored.
	Free(ptr unsafe.Pointer)
	// SizeOf reports the recorded size of a live allocation, 0 if ptr is
	// unknown. The byte counters are settled with this value at free time.
	SizeOf(ptr unsafe.Pointer) uintptr
}

// SystemHeap is the default Heap: storage comes from the Go allocator and is
// pinned in a registry so raw pointers stay valid until Free. This stands in
// for the platform malloc/realloc/free triple of the original runtime while
// keeping every allocation reachable for the Go collector.
type SystemHeap struct {
	mu     sync.Mutex
	pinned map[unsafe.Pointer][]byte
}

// NewSystemHeap creates an empty system heap.
func NewSystemHeap() *SystemHeap {
	return &SystemHeap{
		pinned: make(map[unsafe.Pointer][]byte),
	}
}

// Alloc allocates size bytes of zeroed, pinned storage.
func (sh *SystemHeap) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	buf := make([]byte, size)
	ptr := unsafe.Pointer(&buf[0])

	sh.mu.Lock()
	sh.pinned[ptr] = buf
	sh.mu.Unlock()

	return ptr
}

// Realloc resizes an allocation by allocating fresh storage, copying the
// common prefix and releasing the old storage. The returned pointer is not
// stable across calls.
func (sh *SystemHeap) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return sh.Alloc(size)
	}

	if size == 0 {
		sh.Free(ptr)

		return nil
	}

	oldSize := sh.SizeOf(ptr)

	newPtr := sh.Alloc(size)
	if newPtr == nil {
		return nil
	}

	copySize := oldSize
	if size < copySize {
		copySize = size
	}
	copyMemory(newPtr, ptr, copySize)

	sh.Free(ptr)

	return newPtr
}

// Free unpins an allocation, handing it back to the Go collector.
func (sh *SystemHeap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	sh.mu.Lock()
	delete(sh.pinned, ptr)
	sh.mu.Unlock()
}

// SizeOf reports the live size of an allocation.
func (sh *SystemHeap) SizeOf(ptr unsafe.Pointer) uintptr {
	sh.mu.Lock()
	buf, ok := sh.pinned[ptr]
	sh.mu.Unlock()

	if !ok {
		return 0
	}

	return uintptr(len(buf))
}

// Live returns the number of pinned allocations, for leak diagnostics.
func (sh *SystemHeap) Live() int {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return len(sh.pinned)
}

// copyMemory copies size bytes between raw regions.
func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}

// memset fills size bytes at ptr with b.
func memset(ptr unsafe.Pointer, b byte, size uintptr) {
	s := unsafe.Slice((*byte)(ptr), size)
	for i := range s {
		s[i] = b
	}
}
