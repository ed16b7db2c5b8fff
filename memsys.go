// Package memrt implements the reference-counted memory runtime backing
// objects emitted by the Kestrel compiler. The compiled output has no tracing
// garbage collector; destruction is deterministic and driven entirely by
// refcounts maintained through this package. The runtime is passive: it owns
// no threads and no locks on the refcount path, and relies on atomic
// primitives injected by its caller.
package memrt

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Sentinel errors. Allocation failures are recoverable and reported through
// ErrOutOfMemory. Invariant violations wrap ErrUnrecoverable: the runtime
// reports them through the normal error channel and leaves the decision to
// terminate the process to the top-level caller.
var (
	ErrOutOfMemory   = errors.New("memrt: allocation failed")
	ErrUnrecoverable = errors.New("memrt: unrecoverable invariant violation")
)

// AtomicRMWFunc atomically adds n to the word at addr and returns the new
// value. The same shape serves increment (n == 1 on refcounts) and the byte
// counters (n == allocation size). The subtraction slot receives the amount
// to subtract, not a two's-complement delta.
type AtomicRMWFunc func(addr *uint64, n uint64) uint64

// AtomicCASFunc atomically compares the pointer at addr with cmp and, on a
// match, stores repl. It returns the value observed at addr and whether the
// swap happened.
type AtomicCASFunc func(addr *unsafe.Pointer, cmp, repl unsafe.Pointer) (old unsafe.Pointer, swapped bool)

// TraceFunc receives internal trace lines when installed. Nil disables
// tracing entirely; the runtime never formats arguments unless a sink is set.
type TraceFunc func(format string, args ...interface{})

// Stats is a point-in-time snapshot of the four allocation counters. Over a
// leak-free program run the byte counters match and the block counters match.
type Stats struct {
	BytesAllocated  uint64 `json:"bytesAllocated"`
	BytesFreed      uint64 `json:"bytesFreed"`
	BlocksAllocated uint64 `json:"blocksAllocated"`
	BlocksFreed     uint64 `json:"blocksFreed"`
}

// MemSys is the memory system context: the default heap, the injected atomic
// primitives, the shutdown flag and the allocation counters. Operations take
// it explicitly rather than reaching for a hidden global; Default returns the
// one process-wide instance compiled callers bind against.
//
// Configuration (SetAllocator, the atomic installers) is a startup-time step
// and is deliberately unsynchronized; racing it against allocation activity
// is outside the contract.
type MemSys struct {
	heap      Heap
	atomicAdd AtomicRMWFunc
	atomicSub AtomicRMWFunc
	atomicCAS AtomicCASFunc
	trace     TraceFunc
	shutting  bool

	statsAlloc      uint64
	statsFree       uint64
	statsBlockAlloc uint64
	statsBlockFree  uint64

	api *APITable
}

// Config holds construction options for a MemSys.
type Config struct {
	Heap  Heap
	Trace TraceFunc
}

// Option configures a MemSys at construction.
type Option func(*Config)

// WithHeap sets the initial default heap.
func WithHeap(h Heap) Option {
	return func(c *Config) { c.Heap = h }
}

// WithTrace installs a trace sink at construction.
func WithTrace(fn TraceFunc) Option {
	return func(c *Config) { c.Trace = fn }
}

// The process-wide instance. Compiled modules that do not carry their own
// context all share this one.
var defaultSys = New()

// Default returns the process-wide memory system.
func Default() *MemSys { return defaultSys }

// New creates an initialized MemSys.
func New(opts ...Option) *MemSys {
	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}

	ms := &MemSys{}
	ms.Init()

	if config.Heap != nil {
		ms.heap = config.Heap
	}
	ms.trace = config.Trace

	return ms
}

// Init resets all state: counters to zero, shutdown flag cleared, the default
// heap bound to the Go-backed system heap and both atomic slots bound to the
// non-atomic stubs. Callers that share blocks across threads must install
// real atomics (UseGoAtomics or SetAtomicIncDec) before doing so.
func (ms *MemSys) Init() {
	ms.heap = NewSystemHeap()
	ms.shutting = false
	ms.statsAlloc = 0
	ms.statsFree = 0
	ms.statsBlockAlloc = 0
	ms.statsBlockFree = 0
	ms.api = nil
	ms.UseStubIncDec()
	ms.UseStubCAS()
}

// Shutdown marks the system as shutting down and reverts both atomic slots to
// the non-atomic stubs. Any previously injected primitives may live in a
// compiled module that is being unloaded, so they must not be called past
// this point; at teardown no concurrent access remains possible, so the stubs
// suffice. Destructor invocation is suppressed for blocks released after
// Shutdown (see Block.Release).
func (ms *MemSys) Shutdown() {
	ms.shutting = true
	ms.UseStubIncDec()
	ms.UseStubCAS()
}

// ShuttingDown reports whether Shutdown has been called.
func (ms *MemSys) ShuttingDown() bool { return ms.shutting }

// SetAllocator replaces the default heap. Replacing it while outstanding
// allocations exist would route future frees through the wrong heap and
// corrupt both heaps' bookkeeping, so the swap is refused with an
// ErrUnrecoverable-wrapped error when the heap actually changes and either
// counter pair is unbalanced. Installing the heap already in place is always
// permitted.
func (ms *MemSys) SetAllocator(h Heap) error {
	if h != ms.heap &&
		(ms.statsAlloc != ms.statsFree || ms.statsBlockAlloc != ms.statsBlockFree) {
		return fmt.Errorf("cannot change allocator while blocks are allocated: %w", ErrUnrecoverable)
	}

	ms.heap = h

	return nil
}

// Allocator returns the current default heap.
func (ms *MemSys) Allocator() Heap { return ms.heap }

// SetAtomicIncDec installs the caller-supplied atomic add/subtract pair used
// on refcounts and statistics counters. Single-threaded embedders may install
// cheap non-atomic routines; multithreaded embedders must supply primitives
// with at least acquire/release ordering.
func (ms *MemSys) SetAtomicIncDec(add, sub AtomicRMWFunc) {
	ms.atomicAdd = add
	ms.atomicSub = sub
}

// SetAtomicCAS installs the caller-supplied atomic compare-and-swap used by
// compiled callers that publish pointers through runtime-managed slots.
func (ms *MemSys) SetAtomicCAS(cas AtomicCASFunc) {
	ms.atomicCAS = cas
}

// AtomicCAS returns the currently installed compare-and-swap primitive.
func (ms *MemSys) AtomicCAS() AtomicCASFunc { return ms.atomicCAS }

// UseStubIncDec installs the non-atomic reference add/subtract pair. This is
// the default, the post-shutdown state, and what single-threaded tests use.
// Concurrent use with the stubs installed is undefined by contract.
func (ms *MemSys) UseStubIncDec() {
	ms.SetAtomicIncDec(stubAdd, stubSub)
}

// UseStubCAS installs the non-atomic reference compare-and-swap.
func (ms *MemSys) UseStubCAS() {
	ms.SetAtomicCAS(stubCAS)
}

// UseGoAtomics installs sync/atomic-backed primitives in all three slots.
func (ms *MemSys) UseGoAtomics() {
	ms.SetAtomicIncDec(AtomicAdd, AtomicSub)
	ms.SetAtomicCAS(AtomicCASPointer)
}

// AtomicAdd is the production add primitive, backed by sync/atomic.
func AtomicAdd(addr *uint64, n uint64) uint64 {
	return atomic.AddUint64(addr, n)
}

// AtomicSub is the production subtract primitive, backed by sync/atomic.
func AtomicSub(addr *uint64, n uint64) uint64 {
	return atomic.AddUint64(addr, ^(n - 1))
}

// AtomicCASPointer is the production compare-and-swap primitive.
func AtomicCASPointer(addr *unsafe.Pointer, cmp, repl unsafe.Pointer) (unsafe.Pointer, bool) {
	if atomic.CompareAndSwapPointer(addr, cmp, repl) {
		return cmp, true
	}

	return atomic.LoadPointer(addr), false
}

func stubAdd(addr *uint64, n uint64) uint64 {
	out := *addr
	out += n
	*addr = out

	return out
}

func stubSub(addr *uint64, n uint64) uint64 {
	out := *addr
	out -= n
	*addr = out

	return out
}

func stubCAS(addr *unsafe.Pointer, cmp, repl unsafe.Pointer) (unsafe.Pointer, bool) {
	old := *addr
	if old == cmp {
		*addr = repl

		return old, true
	}

	return old, false
}

// BytesAllocated returns the total bytes handed out by the raw allocation
// layer, including external-allocator traffic.
func (ms *MemSys) BytesAllocated() uint64 { return ms.statsAlloc }

// BytesFreed returns the total bytes released back.
func (ms *MemSys) BytesFreed() uint64 { return ms.statsFree }

// BlocksAllocated returns the number of control blocks brought alive.
func (ms *MemSys) BlocksAllocated() uint64 { return ms.statsBlockAlloc }

// BlocksFreed returns the number of control blocks destroyed.
func (ms *MemSys) BlocksFreed() uint64 { return ms.statsBlockFree }

// Stats returns a snapshot of all four counters.
func (ms *MemSys) Stats() Stats {
	return Stats{
		BytesAllocated:  ms.statsAlloc,
		BytesFreed:      ms.statsFree,
		BlocksAllocated: ms.statsBlockAlloc,
		BlocksFreed:     ms.statsBlockFree,
	}
}

// SetTraceFunc installs (or clears, with nil) the trace sink.
func (ms *MemSys) SetTraceFunc(fn TraceFunc) { ms.trace = fn }

func (ms *MemSys) tracef(format string, args ...interface{}) {
	if ms.trace != nil {
		ms.trace(format, args...)
	}
}
