package metadata

import "github.com/pkg/errors"

var (
	// ErrCorruption indicates that a block header failed its integrity check. The chain can no
	// longer be trusted once this is returned.
	ErrCorruption = errors.New("memory corruption detected")
	// ErrDoubleFree indicates an attempt to free a block that is already vacant
	ErrDoubleFree = errors.New("double free detected")
	// ErrInvalidAddress indicates that an address handed back to the metadata is outside the arena,
	// misaligned, or precedes the first payload, so it cannot have come from Alloc
	ErrInvalidAddress = errors.New("address does not refer to a payload")
	// ErrStaleRequest indicates that an AllocationRequest no longer matches the chain it was created from
	ErrStaleRequest = errors.New("allocation request no longer matches the chain")
)
