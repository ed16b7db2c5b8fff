package memrt

import (
	"fmt"
	"unsafe"
)

// Varsize blocks decouple payload ownership from the header's refcount
// lifecycle: the payload is an independently owned default-heap allocation
// that can be resized or replaced while the block stays alive. At destroy
// time the reserved varsize handling runs the optional element destructor
// over the payload and then frees the payload through the default heap.

func errNotVarsize(op string) error {
	return fmt.Errorf("%s called on a non-varsize block: %w", op, ErrUnrecoverable)
}

// varsizeGuard rejects non-varsize blocks and dead handles.
func (b *Block) varsizeGuard(op string) error {
	if b == nil || b.hdr == nil {
		return fmt.Errorf("%s on dead block: %w", op, ErrUnrecoverable)
	}
	if b.kind != kindVarsize {
		return errNotVarsize(op)
	}

	return nil
}

// NewVarsize allocates a block with a size-byte resizable payload and no
// element destructor.
func (ms *MemSys) NewVarsize(size uintptr) (*Block, error) {
	return ms.NewVarsizeDtor(size, nil)
}

// NewVarsizeDtor is NewVarsize with an element destructor invoked over the
// payload pointer before the payload is freed.
func (ms *MemSys) NewVarsizeDtor(size uintptr, dtor ElemDtorFunc) (*Block, error) {
	data := ms.Allocate(size)
	if data == nil {
		return nil, ErrOutOfMemory
	}

	base := ms.Allocate(headerReserve)
	if base == nil {
		ms.Free(data)

		return nil, ErrOutOfMemory
	}

	return ms.newBlock(base, headerReserve, data, size, kindVarsize, nil, dtor, nil, nil), nil
}

// VarsizeAlloc replaces the block's payload with a fresh size-byte
// allocation and records the new pointer and size. The previous payload is
// not freed; callers replacing a live payload use VarsizeRealloc or
// VarsizeFree. Legal only on varsize blocks.
func (b *Block) VarsizeAlloc(size uintptr) (unsafe.Pointer, error) {
	if err := b.varsizeGuard("varsize alloc"); err != nil {
		return nil, err
	}

	data := b.ms.Allocate(size)
	if data == nil {
		return nil, ErrOutOfMemory
	}

	b.data = data
	b.hdr.size = uint64(size)
	b.ms.tracef("varsize alloc %p size=%d -> data=%p", b, size, data)

	return data, nil
}

// VarsizeRealloc grows or shrinks the current payload and updates the stored
// pointer and size. The payload pointer is not stable across calls. On
// failure the original payload is left as the default heap's failure
// contract left it and an error is returned. Legal only on varsize blocks.
func (b *Block) VarsizeRealloc(size uintptr) (unsafe.Pointer, error) {
	if err := b.varsizeGuard("varsize realloc"); err != nil {
		return nil, err
	}

	data := b.ms.Reallocate(b.data, size)
	if data == nil {
		return nil, ErrOutOfMemory
	}

	b.data = data
	b.hdr.size = uint64(size)
	b.ms.tracef("varsize realloc %p size=%d -> data=%p", b, size, data)

	return data, nil
}

// VarsizeFree frees an arbitrary payload pointer through the default heap,
// not necessarily the block's current one. The block's stored pointer is
// cleared only when it matched. Legal only on varsize blocks.
func (b *Block) VarsizeFree(ptr unsafe.Pointer) error {
	if err := b.varsizeGuard("varsize free"); err != nil {
		return err
	}

	b.ms.Free(ptr)
	if ptr == b.data {
		b.data = nil
	}

	return nil
}
