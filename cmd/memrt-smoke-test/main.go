// Command memrt-smoke-test exercises the public surface of the memory
// runtime end to end and exits non-zero when the allocation counters are
// left unbalanced. Used as a quick post-build check for the runtime.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"unsafe"

	memrt "github.com/kestrel-lang/memrt"
)

func main() {
	verbose := flag.Bool("v", false, "print trace lines")
	atomics := flag.Bool("atomics", false, "install production atomics")
	flag.Parse()

	ms := memrt.New()
	if *verbose {
		ms.SetTraceFunc(log.Printf)
	}
	if *atomics {
		ms.UseGoAtomics()
	}

	if err := run(ms); err != nil {
		log.Fatalf("smoke test failed: %v", err)
	}

	stats := ms.Stats()
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(stats)

	if stats.Leaking() {
		log.Fatalf("leak detected: %+v", stats)
	}
}

func run(ms *memrt.MemSys) error {
	// Plain block: write through the payload, balance acquire/release.
	b, err := ms.Alloc(256)
	if err != nil {
		return err
	}
	for i, n := 0, len(b.Bytes()); i < n; i++ {
		b.Bytes()[i] = byte(i)
	}
	if err := b.Acquire(); err != nil {
		return err
	}
	if err := b.Release(); err != nil {
		return err
	}
	if err := b.Release(); err != nil {
		return err
	}

	// Safe block: the poison fill must be visible before any write.
	sb, err := ms.AllocSafe(64)
	if err != nil {
		return err
	}
	if sb.Bytes()[0] != 0xCB {
		return fmt.Errorf("expected poison fill, got %#x", sb.Bytes()[0])
	}
	if err := sb.Release(); err != nil {
		return err
	}

	// Destructor delivery.
	called := false
	db, err := ms.AllocDtor(32, func(data unsafe.Pointer, size uintptr, _ unsafe.Pointer) {
		called = size == 32 && data != nil
	})
	if err != nil {
		return err
	}
	if err := db.Release(); err != nil {
		return err
	}
	if !called {
		return fmt.Errorf("destructor did not run")
	}

	// Aligned block.
	ab, err := ms.AllocAligned(100, 64)
	if err != nil {
		return err
	}
	if uintptr(ab.Data())%64 != 0 {
		return fmt.Errorf("misaligned payload %p", ab.Data())
	}
	if err := ab.Release(); err != nil {
		return err
	}

	// Varsize block through the documented resize sequence.
	vb, err := ms.NewVarsize(10)
	if err != nil {
		return err
	}
	if _, err := vb.VarsizeRealloc(100); err != nil {
		return err
	}
	if _, err := vb.VarsizeRealloc(5); err != nil {
		return err
	}
	if vb.Size() != 5 {
		return fmt.Errorf("varsize size = %d, want 5", vb.Size())
	}
	if err := vb.Release(); err != nil {
		return err
	}

	// External allocator routing via the sample allocator.
	eb, err := ms.AllocExternal(48, memrt.SampleExternalAllocator(ms))
	if err != nil {
		return err
	}
	if err := eb.Release(); err != nil {
		return err
	}

	// Positional API table.
	api := ms.API()
	tb, err := api.Alloc(16)
	if err != nil {
		return err
	}
	if api.Data(tb) == nil {
		return fmt.Errorf("api table returned nil data")
	}

	return api.Release(tb)
}
