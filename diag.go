package memrt

import (
	"fmt"
	"io"
	"unsafe"
)

// sampleSentinel anchors the opaque context of the sample external allocator.
var sampleSentinel int32 = 0x00abacad

// SampleExternalAllocator returns a reference external allocator that
// forwards to the system's default heap but rejects any call whose opaque
// context does not match its fixed sentinel. It exists to exercise the
// external-allocator path in tests, not for production use.
func SampleExternalAllocator(ms *MemSys) *ExternalAllocator {
	ctx := unsafe.Pointer(&sampleSentinel)

	return &ExternalAllocator{
		Alloc: func(size uintptr, opaque unsafe.Pointer) unsafe.Pointer {
			if opaque != ctx {
				return nil
			}

			return ms.heap.Alloc(size)
		},
		Realloc: func(ptr unsafe.Pointer, size uintptr, opaque unsafe.Pointer) unsafe.Pointer {
			if opaque != ctx {
				return nil
			}

			return ms.heap.Realloc(ptr, size)
		},
		Free: func(ptr unsafe.Pointer, _ unsafe.Pointer) {
			ms.heap.Free(ptr)
		},
		Ctx: ctx,
	}
}

// DumpStats writes a human-readable rendition of the allocation counters.
// A leak-free run shows both pairs balanced.
func (ms *MemSys) DumpStats(w io.Writer) {
	s := ms.Stats()
	fmt.Fprintf(w, "MemSys bytes %d/%d blocks %d/%d\n",
		s.BytesAllocated, s.BytesFreed, s.BlocksAllocated, s.BlocksFreed)
}

// Leaking reports whether either counter pair is unbalanced.
func (s Stats) Leaking() bool {
	return s.BytesAllocated != s.BytesFreed || s.BlocksAllocated != s.BlocksFreed
}
