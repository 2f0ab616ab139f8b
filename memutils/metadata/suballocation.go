package metadata

import "fmt"

// Address identifies a payload within an arena by its byte offset. Payloads always follow a
// block header, so the zero Address never refers to a payload and is used as the null result.
type Address uint64

const (
	// NullAddress is returned by failed allocations
	NullAddress Address = 0
	// NoBlock is the header offset used to indicate the absence of a block, such as the successor
	// of the last block in the chain
	NoBlock int = -1
)

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Region describes one block of the chain as reported by BlockMetadata.VisitAllRegions
type Region struct {
	// Offset is the arena offset of the block header
	Offset int
	// Address is the payload address of the block
	Address Address
	// Size is the payload capacity of the block
	Size int
	// Next is the arena offset of the successor's header, or NoBlock for the tail
	Next int
	// Free is true if the block is vacant
	Free bool
}
