package memrt

import (
	"fmt"
	"io"
	"unsafe"
)

// Poison patterns written by the safe allocation variants: fresh payloads are
// filled with poisonUninit before being handed out, and re-filled with
// poisonFreed when the block is destroyed, so uninitialized reads and
// use-after-free both become observable.
const (
	poisonUninit = 0xCB
	poisonFreed  = 0xDE
)

// InvalidRefcount is the sentinel returned by Refcount for a nil or dead
// handle. Diagnostic use only: a live block can transiently read 0 under a
// racing release.
const InvalidRefcount = ^uint64(0)

// rawHeader is the fixed-layout control data placed at the base of every
// block's raw region, ahead of any co-located payload. Only plain words live
// here so the region can sit in non-Go-scanned storage; the refcount word in
// particular is shared with compiled callers, which mutate it through the
// injected atomics. Go-typed state (destructor capability, allocator
// reference) stays on the Block handle.
type rawHeader struct {
	refct uint64
	size  uint64
}

// headerReserve is the distance from a region base to its co-located
// payload. Recovering the header from a payload pointer produced by Alloc is
// an O(1) subtraction of this constant.
const headerReserve = unsafe.Sizeof(rawHeader{})

// DtorFunc is a block destructor: invoked exactly once when the refcount
// crosses zero, with the payload pointer, payload size and the opaque context
// registered at construction.
type DtorFunc func(data unsafe.Pointer, size uintptr, ctx unsafe.Pointer)

// ElemDtorFunc is a unary destructor over just the payload pointer, used by
// varsize buffers and managed foreign pointers.
type ElemDtorFunc func(data unsafe.Pointer)

// blockKind tags how a block's payload is owned and how its destructor
// capability is interpreted at destroy time. An explicit tag, not destructor
// identity, decides whether the varsize operations are legal on a block.
type blockKind uint8

const (
	// kindPlain: payload co-located with the header (or absent); optional
	// destructor called with the registered context.
	kindPlain blockKind = iota
	// kindSafe: like kindPlain, but the payload is re-poisoned after the
	// optional destructor runs.
	kindSafe
	// kindWrapped: foreign payload, never freed by the runtime; optional
	// destructor called with the registered context.
	kindWrapped
	// kindVarsize: payload owned independently of the header and freed
	// through the default heap after the optional element destructor.
	kindVarsize
)

// Block is the reference-counted control unit. It is created with refcount 1,
// mutated only by Acquire and Release, and destroyed exactly once when a
// release observes the post-decrement refcount at zero. After destruction the
// handle is dangling; the runtime flags reuse it can detect through
// ErrUnrecoverable but provides no tombstoning guarantee.
type Block struct {
	hdr      *rawHeader
	base     unsafe.Pointer
	rawSize  uintptr
	data     unsafe.Pointer
	kind     blockKind
	dtor     DtorFunc
	elemDtor ElemDtorFunc
	dtorCtx  unsafe.Pointer
	external *ExternalAllocator
	ms       *MemSys
}

// newBlock initializes a control block over an already-allocated raw region:
// refcount 1, fields stored, blocks-allocated settled. Sole entry into the
// alive state.
func (ms *MemSys) newBlock(base unsafe.Pointer, rawSize uintptr, data unsafe.Pointer,
	size uintptr, kind blockKind, dtor DtorFunc, elemDtor ElemDtorFunc,
	dtorCtx unsafe.Pointer, allocator *ExternalAllocator) *Block {
	hdr := (*rawHeader)(base)
	hdr.refct = 1
	hdr.size = uint64(size)

	b := &Block{
		hdr:      hdr,
		base:     base,
		rawSize:  rawSize,
		data:     data,
		kind:     kind,
		dtor:     dtor,
		elemDtor: elemDtor,
		dtorCtx:  dtorCtx,
		external: allocator,
		ms:       ms,
	}

	ms.tracef("block init %p data=%p size=%d kind=%d", b, data, size, kind)
	ms.atomicAdd(&ms.statsBlockAlloc, 1)

	return b
}

// allocRegion obtains one contiguous [header][payload] region and returns the
// base and the payload pointer sitting headerReserve bytes past it.
func (ms *MemSys) allocRegion(size uintptr, allocator *ExternalAllocator) (base, payload unsafe.Pointer, rawSize uintptr) {
	rawSize = headerReserve + size

	base = ms.AllocateExternal(rawSize, allocator)
	if base == nil {
		return nil, nil, 0
	}

	return base, unsafe.Add(base, headerReserve), rawSize
}

// allocRegionAligned is allocRegion with an alignment guarantee on the
// payload. It over-allocates size+2*align payload bytes and moves the payload
// pointer forward by the minimal offset that satisfies align; 2x rather than
// 1x because the header itself carries no alignment guarantee and must fit
// before the computed offset. The returned payload has at least size usable
// bytes.
func (ms *MemSys) allocRegionAligned(size, align uintptr, allocator *ExternalAllocator) (base, payload unsafe.Pointer, rawSize uintptr) {
	if align == 0 {
		align = 1
	}

	base, payload, rawSize = ms.allocRegion(size+2*align, allocator)
	if base == nil {
		return nil, nil, 0
	}

	addr := uintptr(payload)

	var remainder uintptr
	if align&(align-1) == 0 {
		// Power of two: the modulo can be avoided.
		remainder = addr & (align - 1)
	} else {
		remainder = addr % align
	}

	if remainder != 0 {
		payload = unsafe.Add(payload, align-remainder)
	}

	return base, payload, rawSize
}

// Alloc allocates a block with a size-byte payload co-located after the
// header and no destructor.
func (ms *MemSys) Alloc(size uintptr) (*Block, error) {
	return ms.AllocExternal(size, nil)
}

// AllocExternal is Alloc with the region obtained through the supplied
// external allocator; the block will be freed through the same allocator.
func (ms *MemSys) AllocExternal(size uintptr, allocator *ExternalAllocator) (*Block, error) {
	base, payload, rawSize := ms.allocRegion(size, allocator)
	if base == nil {
		return nil, ErrOutOfMemory
	}

	return ms.newBlock(base, rawSize, payload, size, kindPlain, nil, nil, nil, allocator), nil
}

// AllocSafe is Alloc with the payload poison-filled before being handed out
// and re-poisoned at destruction.
func (ms *MemSys) AllocSafe(size uintptr) (*Block, error) {
	return ms.AllocDtorSafe(size, nil)
}

// AllocDtor allocates a block whose destructor is called with the payload at
// destruction. For callers whose destructor already fully invalidates the
// memory; no poison fill is performed.
func (ms *MemSys) AllocDtor(size uintptr, dtor DtorFunc) (*Block, error) {
	base, payload, rawSize := ms.allocRegion(size, nil)
	if base == nil {
		return nil, ErrOutOfMemory
	}

	return ms.newBlock(base, rawSize, payload, size, kindPlain, dtor, nil, nil, nil), nil
}

// AllocDtorSafe combines AllocDtor with the poison protocol: the fresh
// payload is poison-filled, and at destruction the caller destructor runs
// first, then the payload is re-poisoned before the storage is released.
func (ms *MemSys) AllocDtorSafe(size uintptr, dtor DtorFunc) (*Block, error) {
	base, payload, rawSize := ms.allocRegion(size, nil)
	if base == nil {
		return nil, ErrOutOfMemory
	}

	memset(payload, poisonUninit, size)

	return ms.newBlock(base, rawSize, payload, size, kindSafe, dtor, nil, nil, nil), nil
}

// AllocAligned is Alloc with an alignment guarantee on the payload.
func (ms *MemSys) AllocAligned(size, align uintptr) (*Block, error) {
	base, payload, rawSize := ms.allocRegionAligned(size, align, nil)
	if base == nil {
		return nil, ErrOutOfMemory
	}

	return ms.newBlock(base, rawSize, payload, size, kindPlain, nil, nil, nil, nil), nil
}

// AllocSafeAligned combines AllocAligned with the poison protocol.
func (ms *MemSys) AllocSafeAligned(size, align uintptr) (*Block, error) {
	return ms.AllocSafeAlignedExternal(size, align, nil)
}

// AllocSafeAlignedExternal is AllocSafeAligned with the region obtained
// through the supplied external allocator.
func (ms *MemSys) AllocSafeAlignedExternal(size, align uintptr, allocator *ExternalAllocator) (*Block, error) {
	base, payload, rawSize := ms.allocRegionAligned(size, align, allocator)
	if base == nil {
		return nil, ErrOutOfMemory
	}

	memset(payload, poisonUninit, size)

	return ms.newBlock(base, rawSize, payload, size, kindSafe, nil, nil, nil, allocator), nil
}

// NewWrapper wraps a foreign payload pointer in a fresh control block without
// taking ownership of its storage. Only the header region is allocated, via
// the default heap. The destructor, if any, is called with dtorCtx; when no
// destructor is registered, dtorCtx serves as an opaque caller-defined parent
// back-reference readable through Parent.
func (ms *MemSys) NewWrapper(data unsafe.Pointer, size uintptr, dtor DtorFunc, dtorCtx unsafe.Pointer) (*Block, error) {
	base := ms.Allocate(headerReserve)
	if base == nil {
		return nil, ErrOutOfMemory
	}

	return ms.newBlock(base, headerReserve, data, size, kindWrapped, dtor, nil, dtorCtx, nil), nil
}

// Manage wraps a foreign pointer with a unary destructor. The block reports
// size 0; the payload storage belongs to the caller's destructor.
func (ms *MemSys) Manage(data unsafe.Pointer, dtor ElemDtorFunc) (*Block, error) {
	var fn DtorFunc
	if dtor != nil {
		d := dtor
		fn = func(p unsafe.Pointer, _ uintptr, _ unsafe.Pointer) { d(p) }
	}

	return ms.NewWrapper(data, 0, fn, nil)
}

// Acquire increments the refcount through the injected atomic. A zero or
// otherwise dead refcount signals a corrupted or dangling handle and is
// reported as unrecoverable.
func (b *Block) Acquire() error {
	if b == nil || b.hdr == nil {
		return fmt.Errorf("acquire on dead block: %w", ErrUnrecoverable)
	}
	if b.hdr.refct == 0 {
		return fmt.Errorf("acquire with refcount 0: %w", ErrUnrecoverable)
	}

	b.ms.tracef("acquire %p refct=%d", b, b.hdr.refct)
	b.ms.atomicAdd(&b.hdr.refct, 1)

	return nil
}

// Release decrements the refcount through the injected atomic. The release
// that observes the post-decrement value at exactly zero performs the
// one-shot destroy; the atomic decrement is the sole serialization point
// preventing a double destroy.
func (b *Block) Release() error {
	if b == nil || b.hdr == nil {
		return fmt.Errorf("release on dead block: %w", ErrUnrecoverable)
	}
	if b.hdr.refct == 0 {
		return fmt.Errorf("release with refcount 0: %w", ErrUnrecoverable)
	}

	b.ms.tracef("release %p refct=%d", b, b.hdr.refct)
	if b.ms.atomicSub(&b.hdr.refct, 1) == 0 {
		b.destroy()
	}

	return nil
}

// destroy runs the destructor capability and releases the block's raw region
// through the allocator that produced it, then settles blocks-freed. The
// destructor step is suppressed during shutdown: a previously registered
// destructor may live in compiled code that has already been unloaded.
func (b *Block) destroy() {
	ms := b.ms
	size := uintptr(b.hdr.size)

	if !ms.shutting {
		switch b.kind {
		case kindSafe:
			if b.dtor != nil {
				b.dtor(b.data, size, nil)
			}
			memset(b.data, poisonFreed, size)
		case kindVarsize:
			if b.elemDtor != nil {
				b.elemDtor(b.data)
			}
			ms.Free(b.data)
		default:
			if b.dtor != nil {
				b.dtor(b.data, size, b.dtorCtx)
			}
		}
	}

	ms.tracef("destroy %p", b)
	b.hdr = nil

	if b.external != nil {
		if b.external.Free != nil {
			b.external.Free(b.base, b.external.Ctx)
		}
		ms.atomicAdd(&ms.statsFree, uint64(b.rawSize))
	} else {
		ms.Free(b.base)
	}

	ms.atomicAdd(&ms.statsBlockFree, 1)
}

// Refcount returns the current refcount, or InvalidRefcount for a nil handle,
// a nil data pointer or a destroyed block. Diagnostic use only.
func (b *Block) Refcount() uint64 {
	if b == nil || b.hdr == nil || b.data == nil {
		return InvalidRefcount
	}

	return b.hdr.refct
}

// Data returns the payload pointer.
func (b *Block) Data() unsafe.Pointer { return b.data }

// Bytes returns the payload as a byte slice. Nil for empty payloads.
func (b *Block) Bytes() []byte {
	if b.data == nil || b.hdr == nil || b.hdr.size == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(b.data), b.hdr.size)
}

// Size returns the payload length; 0 for wrapper blocks around foreign
// pointers.
func (b *Block) Size() uintptr {
	if b.hdr == nil {
		return 0
	}

	return uintptr(b.hdr.size)
}

// ExternalAllocator returns the allocator the block was created through, nil
// for the default heap.
func (b *Block) ExternalAllocator() *ExternalAllocator { return b.external }

// Parent returns the destructor context. When no destructor is registered it
// is an opaque caller-defined back-reference; the runtime never interprets
// the value.
func (b *Block) Parent() unsafe.Pointer { return b.dtorCtx }

// Dump writes a one-line human-readable description of the block.
func (b *Block) Dump(w io.Writer) {
	fmt.Fprintf(w, "Block %p refcount %d\n", b, b.Refcount())
}
