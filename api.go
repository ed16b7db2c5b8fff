package memrt

import "unsafe"

// APITable is the fixed-shape function table handed to callers that index
// the runtime's core operations positionally rather than linking symbols
// directly. This is the most compatibility-sensitive surface the runtime
// exports: field order and count must stay stable once published. Extend by
// appending only.
type APITable struct {
	Alloc         func(size uintptr) (*Block, error)
	AllocExternal func(size uintptr, allocator *ExternalAllocator) (*Block, error)
	Manage        func(data unsafe.Pointer, dtor ElemDtorFunc) (*Block, error)
	Acquire       func(b *Block) error
	Release       func(b *Block) error
	Data          func(b *Block) unsafe.Pointer
}

// API returns the function table bound to this memory system. The table is
// built once per MemSys and reused.
func (ms *MemSys) API() *APITable {
	if ms.api == nil {
		ms.api = &APITable{
			Alloc:         ms.Alloc,
			AllocExternal: ms.AllocExternal,
			Manage:        ms.Manage,
			Acquire:       (*Block).Acquire,
			Release:       (*Block).Release,
			Data:          (*Block).Data,
		}
	}

	return ms.api
}
