package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/heapkit/memutils"
	"github.com/vkngwrapper/heapkit/memutils/arena"
)

// BlockMetadata manages the chain of blocks spanning a single arena. It allows payloads to be
// requested and freed, as well as enumerated and queried. Implementations store their block
// headers inside the arena itself, so every method that inspects a header must treat the
// header as untrusted until its integrity tag has been verified.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It binds the implementation to the
	// arena.Source that blocks will be carved from. Blocks always start at the source's break
	// at the time Init is called.
	Init(source arena.Source)
	// Size retrieves the number of bytes the chain spans, headers included
	Size() int
	// Strategy returns the search policy used to place new allocations
	Strategy() AllocationStrategy

	// Validate performs internal consistency checks on the metadata. It walks the entire chain,
	// so it is expensive. When the implementation is functioning correctly and no payload has
	// been overrun, it should not be possible for this method to return an error.
	Validate() error
	// CheckCorruption verifies the integrity tag of every block in the chain, returning an error
	// wrapping ErrCorruption for the first block that fails
	CheckCorruption() error
	// AllocationCount returns the number of occupied blocks
	AllocationCount() int
	// FreeRegionsCount returns the number of vacant blocks. Adjacent vacant blocks are always
	// merged, so this is also the number of unique free regions.
	FreeRegionsCount() int
	// SumFreeSize returns the sum of the capacities of all vacant blocks
	SumFreeSize() int
	// IsEmpty will return true if no block in the chain is occupied
	IsEmpty() bool

	// VisitAllRegions calls handleRegion once for every block in the chain, in address order.
	// Iteration stops at the first error, which is returned.
	VisitAllRegions(handleRegion func(region Region) error) error

	// AddDetailedStatistics sums this arena's statistics into the provided memutils.DetailedStatistics
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this arena's statistics into the provided memutils.Statistics
	AddStatistics(stats *memutils.Statistics)
	// BlockJsonData populates a json object with summary information about this arena
	BlockJsonData(json *jwriter.ObjectState)
	// PrintDetailedMap populates a json object with one entry per block in the chain
	PrintDetailedMap(json *jwriter.ObjectState)

	// CreateAllocationRequest decides where an allocation of allocSize bytes would be placed,
	// without modifying the chain. The returned AllocationRequest can be passed to Alloc.
	CreateAllocationRequest(allocSize int) (AllocationRequest, error)
	// Alloc commits an AllocationRequest and returns the payload address of the new allocation.
	// It fails if the request is stale, or if the arena had to grow and the source refused.
	Alloc(request AllocationRequest) (Address, error)
	// Free marks the block owning the payload at addr as vacant and coalesces the chain. It
	// returns an error wrapping ErrInvalidAddress if addr does not point at a payload, ErrCorruption
	// if the block header has been damaged, and ErrDoubleFree if the block is already vacant.
	Free(addr Address) error

	// CheckIntegrity verifies the header of the block owning the payload at addr without
	// modifying it.
	CheckIntegrity(addr Address) error
	// Capacity returns the payload capacity of the block owning the payload at addr
	Capacity(addr Address) (int, error)
	// Bytes returns the payload of the block owning addr. The slice is only valid until
	// the next call to Alloc.
	Bytes(addr Address) ([]byte, error)
}
