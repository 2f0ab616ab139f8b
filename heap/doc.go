// Package heap is a general-purpose allocator that hands out payloads from a single arena
// that only ever grows. Blocks are kept in one address-ordered chain; each block is preceded
// by a header inside the arena recording its capacity, whether it is vacant, where its
// successor begins, and an integrity tag.
//
// Allocations are placed in the first vacant block large enough (the default), or in the
// vacant block that fits most tightly, and oversized blocks are split. Freed blocks are
// merged with vacant neighbors. A header whose integrity tag has been overwritten, or a
// second free of the same payload, is fatal: the allocator reports it through the
// FatalHandler passed to New, which panics by default.
//
//	allocator, err := heap.New(logger, heap.CreateOptions{})
//	if err != nil {
//		return err
//	}
//
//	addr := allocator.Allocate(100)
//	payload, _ := allocator.Bytes(addr)
//	copy(payload, "hello")
//	allocator.Free(addr)
//
//	report, err := allocator.Shutdown()
package heap
