package heap

import (
	"bufio"
	"fmt"
	"io"

	"github.com/vkngwrapper/heapkit/memutils/metadata"
)

// DumpState writes one line per block in the arena, in address order, showing the header
// offset, payload capacity, occupancy (1 for vacant) and the offset of the next header.
//
//	--- Memory Blocks ---
//	Block 0x0: size = 104, free = 0, next = 0x88
//	Block 0x88: size = 200, free = 0, next = (nil)
//	---------------------
func (a *Allocator) DumpState(w io.Writer) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	out := bufio.NewWriter(w)
	fmt.Fprintln(out, "--- Memory Blocks ---")

	err := a.metadata.VisitAllRegions(func(region metadata.Region) error {
		free := 0
		if region.Free {
			free = 1
		}

		next := "(nil)"
		if region.Next != metadata.NoBlock {
			next = fmt.Sprintf("%#x", region.Next)
		}

		_, err := fmt.Fprintf(out, "Block %#x: size = %d, free = %d, next = %s\n", region.Offset, region.Size, free, next)
		return err
	})
	if err != nil {
		_ = out.Flush()
		return err
	}

	fmt.Fprintln(out, "---------------------")
	return out.Flush()
}
