package memrt

import "unsafe"

// ExternalAllocator is a caller-supplied {alloc, realloc, free, opaque ctx}
// bundle usable in place of the default heap for individual blocks, e.g. for
// pooled or device memory. Blocks hold it weakly: the caller keeps the bundle
// alive for as long as any block produced through it is alive, and a block
// created through it is always freed through it.
type ExternalAllocator struct {
	Alloc   func(size uintptr, ctx unsafe.Pointer) unsafe.Pointer
	Realloc func(ptr unsafe.Pointer, size uintptr, ctx unsafe.Pointer) unsafe.Pointer
	Free    func(ptr unsafe.Pointer, ctx unsafe.Pointer)
	Ctx     unsafe.Pointer
}

// Allocate obtains size bytes from the default heap and settles the
// bytes-allocated counter. Returns nil on failure; allocation failures are
// never retried.
func (ms *MemSys) Allocate(size uintptr) unsafe.Pointer {
	return ms.AllocateExternal(size, nil)
}

// AllocateExternal obtains size bytes from the supplied allocator, or from
// the default heap when allocator is nil. The bytes-allocated counter is
// settled regardless of the source.
func (ms *MemSys) AllocateExternal(size uintptr, allocator *ExternalAllocator) unsafe.Pointer {
	var ptr unsafe.Pointer

	if allocator != nil {
		if allocator.Alloc != nil {
			ptr = allocator.Alloc(size, allocator.Ctx)
		}
		ms.tracef("allocate external bytes=%d ptr=%p", size, ptr)
	} else {
		ptr = ms.heap.Alloc(size)
		ms.tracef("allocate bytes=%d ptr=%p", size, ptr)
	}

	if ptr != nil {
		ms.atomicAdd(&ms.statsAlloc, uint64(size))
	}

	return ptr
}

// Reallocate resizes a default-heap allocation. Only the default path
// supports reallocation; it backs the varsize buffer operations. For
// accounting, a successful reallocation counts as a free of the old size and
// an allocation of the new, keeping the byte counters balanced across resize
// churn. On failure the original allocation is untouched and nil is returned.
func (ms *MemSys) Reallocate(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size == 0 {
		ms.Free(ptr)

		return nil
	}

	oldSize := ms.heap.SizeOf(ptr)

	newPtr := ms.heap.Realloc(ptr, size)
	ms.tracef("reallocate bytes=%d ptr=%p -> %p", size, ptr, newPtr)
	if newPtr == nil {
		return nil
	}

	ms.atomicAdd(&ms.statsAlloc, uint64(size))
	ms.atomicAdd(&ms.statsFree, uint64(oldSize))

	return newPtr
}

// Free releases a default-heap allocation and settles the bytes-freed
// counter with the size the heap has on record for it. Nil is ignored.
func (ms *MemSys) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	size := ms.heap.SizeOf(ptr)
	ms.heap.Free(ptr)
	ms.tracef("free ptr=%p bytes=%d", ptr, size)
	ms.atomicAdd(&ms.statsFree, uint64(size))
}
