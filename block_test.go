package memrt

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAllocRefcountStartsAtOne(t *testing.T) {
	ms := New()

	b, err := ms.Alloc(128)
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Refcount())
	require.NotNil(t, b.Data())
	require.Equal(t, uintptr(128), b.Size())
	require.Len(t, b.Bytes(), 128)

	require.NoError(t, b.Release())
}

func TestAcquireReleaseBalance(t *testing.T) {
	ms := New()

	b, err := ms.Alloc(64)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Acquire())
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Release())
	}
	require.Equal(t, uint64(1), b.Refcount())

	require.NoError(t, b.Release())
	require.Equal(t, InvalidRefcount, b.Refcount())
}

func TestDestructorRunsExactlyOnce(t *testing.T) {
	ms := New()

	buf := make([]byte, 16)
	foreign := unsafe.Pointer(&buf[0])
	ctx := unsafe.Pointer(&buf[8])

	calls := 0
	var gotData, gotCtx unsafe.Pointer
	var gotSize uintptr

	b, err := ms.NewWrapper(foreign, 16, func(data unsafe.Pointer, size uintptr, c unsafe.Pointer) {
		calls++
		gotData, gotSize, gotCtx = data, size, c
	}, ctx)
	require.NoError(t, err)

	require.NoError(t, b.Acquire())
	require.NoError(t, b.Release())
	require.Equal(t, 0, calls)

	require.NoError(t, b.Release())
	require.Equal(t, 1, calls)
	require.Equal(t, foreign, gotData)
	require.Equal(t, uintptr(16), gotSize)
	require.Equal(t, ctx, gotCtx)

	// The handle is dead now; further lifetime traffic is flagged, not
	// executed.
	err = b.Release()
	require.ErrorIs(t, err, ErrUnrecoverable)
	err = b.Acquire()
	require.ErrorIs(t, err, ErrUnrecoverable)
	require.Equal(t, 1, calls)
}

func TestAllocSafePoisonFill(t *testing.T) {
	ms := New()

	b, err := ms.AllocSafe(512)
	require.NoError(t, err)

	for i, v := range b.Bytes() {
		if v != poisonUninit {
			t.Fatalf("byte %d = %#x, want %#x", i, v, poisonUninit)
		}
	}

	require.NoError(t, b.Release())
}

func TestAllocDtorSafeOrdering(t *testing.T) {
	ms := New()

	// The caller destructor must observe the payload before it is
	// re-poisoned.
	var seen byte
	b, err := ms.AllocDtorSafe(8, func(data unsafe.Pointer, size uintptr, _ unsafe.Pointer) {
		seen = *(*byte)(data)
	})
	require.NoError(t, err)

	payload := b.Bytes()
	payload[0] = 0x42

	require.NoError(t, b.Release())
	require.Equal(t, byte(0x42), seen)
}

func TestAllocDtorNoPoison(t *testing.T) {
	ms := New()

	called := false
	b, err := ms.AllocDtor(32, func(data unsafe.Pointer, size uintptr, ctx unsafe.Pointer) {
		called = true
		require.Equal(t, uintptr(32), size)
		require.Nil(t, ctx)
	})
	require.NoError(t, err)

	// No poison fill on this variant: the payload arrives zeroed from the
	// system heap.
	require.Equal(t, byte(0), b.Bytes()[0])

	require.NoError(t, b.Release())
	require.True(t, called)
}

func TestAllocAligned(t *testing.T) {
	ms := New()

	t.Run("PowerOfTwo", func(t *testing.T) {
		for _, align := range []uintptr{8, 16, 64, 256, 4096} {
			b, err := ms.AllocAligned(100, align)
			require.NoError(t, err)
			require.Zero(t, uintptr(b.Data())%align, "align=%d", align)

			// All size bytes must be writable.
			payload := b.Bytes()
			require.Len(t, payload, 100)
			for i := range payload {
				payload[i] = 0xFF
			}

			require.NoError(t, b.Release())
		}
	})

	t.Run("NonPowerOfTwo", func(t *testing.T) {
		b, err := ms.AllocAligned(64, 24)
		require.NoError(t, err)
		require.Zero(t, uintptr(b.Data())%24)
		require.NoError(t, b.Release())
	})

	t.Run("SafeAlignedPoison", func(t *testing.T) {
		b, err := ms.AllocSafeAligned(96, 32)
		require.NoError(t, err)
		require.Zero(t, uintptr(b.Data())%32)
		for _, v := range b.Bytes() {
			require.Equal(t, byte(poisonUninit), v)
		}
		require.NoError(t, b.Release())
	})

	require.False(t, ms.Stats().Leaking(), "stats: %+v", ms.Stats())
}

func TestExternalAllocatorRouting(t *testing.T) {
	ms := New()

	var allocs, frees int
	sh := NewSystemHeap()
	ea := &ExternalAllocator{
		Alloc: func(size uintptr, _ unsafe.Pointer) unsafe.Pointer {
			allocs++
			return sh.Alloc(size)
		},
		Free: func(ptr unsafe.Pointer, _ unsafe.Pointer) {
			frees++
			sh.Free(ptr)
		},
	}

	b, err := ms.AllocExternal(200, ea)
	require.NoError(t, err)
	require.Equal(t, 1, allocs)
	require.Same(t, ea, b.ExternalAllocator())

	require.NoError(t, b.Release())
	require.Equal(t, 1, frees, "block must be freed through its originating allocator")
	require.Zero(t, sh.Live())
	require.False(t, ms.Stats().Leaking())
}

func TestSampleExternalAllocator(t *testing.T) {
	ms := New()
	ea := SampleExternalAllocator(ms)

	t.Run("ForwardsWithSentinel", func(t *testing.T) {
		b, err := ms.AllocSafeAlignedExternal(64, 16, ea)
		require.NoError(t, err)
		require.Zero(t, uintptr(b.Data())%16)
		require.NoError(t, b.Release())
	})

	t.Run("RejectsWrongContext", func(t *testing.T) {
		var other int32
		require.Nil(t, ea.Alloc(64, unsafe.Pointer(&other)))
	})

	require.False(t, ms.Stats().Leaking())
}

func TestManageForeignPointer(t *testing.T) {
	ms := New()

	buf := make([]byte, 4)
	foreign := unsafe.Pointer(&buf[0])

	var got unsafe.Pointer
	b, err := ms.Manage(foreign, func(p unsafe.Pointer) { got = p })
	require.NoError(t, err)
	require.Zero(t, b.Size(), "wrapper blocks around foreign pointers report size 0")
	require.Equal(t, foreign, b.Data())

	require.NoError(t, b.Release())
	require.Equal(t, foreign, got)
	require.False(t, ms.Stats().Leaking())
}

func TestParentBackReference(t *testing.T) {
	ms := New()

	var parent int
	buf := make([]byte, 1)

	b, err := ms.NewWrapper(unsafe.Pointer(&buf[0]), 1, nil, unsafe.Pointer(&parent))
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&parent), b.Parent())

	require.NoError(t, b.Release())
}

func TestRefcountSentinel(t *testing.T) {
	var b *Block
	require.Equal(t, InvalidRefcount, b.Refcount())

	ms := New()
	wb, err := ms.NewWrapper(nil, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, InvalidRefcount, wb.Refcount(), "nil data pointer reads as invalid")
	require.NoError(t, wb.Release())
}

func TestDump(t *testing.T) {
	ms := New()

	b, err := ms.Alloc(8)
	require.NoError(t, err)

	var sb strings.Builder
	b.Dump(&sb)
	require.Contains(t, sb.String(), "refcount 1")

	require.NoError(t, b.Release())
}

func TestLeakBalanceAcrossMixedTraffic(t *testing.T) {
	ms := New()

	blocks := make([]*Block, 0, 64)
	for i := 0; i < 16; i++ {
		b, err := ms.Alloc(uintptr(16 + i))
		require.NoError(t, err)
		blocks = append(blocks, b)

		s, err := ms.AllocSafe(uintptr(8 * (i + 1)))
		require.NoError(t, err)
		blocks = append(blocks, s)

		a, err := ms.AllocAligned(uintptr(100+i), 64)
		require.NoError(t, err)
		blocks = append(blocks, a)

		v, err := ms.NewVarsize(uintptr(10 + i))
		require.NoError(t, err)
		_, err = v.VarsizeRealloc(uintptr(200 + i))
		require.NoError(t, err)
		blocks = append(blocks, v)
	}

	for _, b := range blocks {
		require.NoError(t, b.Release())
	}

	s := ms.Stats()
	require.Equal(t, s.BytesAllocated, s.BytesFreed)
	require.Equal(t, s.BlocksAllocated, s.BlocksFreed)
	require.Equal(t, uint64(64), s.BlocksAllocated)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	ms := New()
	ms.UseGoAtomics()

	const goroutines = 32
	const rounds = 1000

	var dtorCalls int32
	b, err := ms.AllocDtor(64, func(unsafe.Pointer, uintptr, unsafe.Pointer) {
		atomic.AddInt32(&dtorCalls, 1)
	})
	require.NoError(t, err)

	// Hand one reference to every goroutine up front.
	for i := 0; i < goroutines; i++ {
		require.NoError(t, b.Acquire())
	}

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if err := b.Acquire(); err != nil {
					t.Error(err)
					return
				}
				if err := b.Release(); err != nil {
					t.Error(err)
					return
				}
			}
			_ = b.Release() // drop the handed-out reference
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(1), b.Refcount())
	require.Equal(t, int32(0), atomic.LoadInt32(&dtorCalls))

	require.NoError(t, b.Release())
	require.Equal(t, int32(1), atomic.LoadInt32(&dtorCalls), "destruction must happen exactly once")
	require.False(t, ms.Stats().Leaking())
}

func TestAllocationFailurePropagates(t *testing.T) {
	ms := New()

	failing := &ExternalAllocator{
		Alloc: func(uintptr, unsafe.Pointer) unsafe.Pointer { return nil },
	}

	b, err := ms.AllocExternal(32, failing)
	require.Nil(t, b)
	require.ErrorIs(t, err, ErrOutOfMemory)

	b, err = ms.AllocSafeAlignedExternal(32, 8, failing)
	require.Nil(t, b)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Failed allocations must not disturb the counters.
	require.Zero(t, ms.BytesAllocated())
	require.Zero(t, ms.BlocksAllocated())
}

func TestHeaderPayloadRecovery(t *testing.T) {
	ms := New()

	b, err := ms.Alloc(40)
	require.NoError(t, err)

	// For plain alloc the payload sits at a fixed offset past the header,
	// so the control data is recoverable from the payload pointer alone.
	hdr := (*rawHeader)(unsafe.Add(b.Data(), -int(headerReserve)))
	require.Equal(t, uint64(1), hdr.refct)
	require.Equal(t, uint64(40), hdr.size)

	require.NoError(t, b.Release())
}

func TestReleaseErrorIsUnrecoverable(t *testing.T) {
	ms := New()

	b, err := ms.Alloc(8)
	require.NoError(t, err)
	require.NoError(t, b.Release())

	err = b.Release()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnrecoverable))
}
