package metadata

// AllocationRequestType is an enum that indicates how an allocation will be satisfied.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestReuse indicates that a vacant block in the chain is large enough and
	// will be handed over, split if the remainder can host another block
	AllocationRequestReuse AllocationRequestType = iota
	// AllocationRequestGrow indicates that no vacant block is large enough and the arena
	// must be extended to append a new block after the tail
	AllocationRequestGrow
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestReuse: "Reuse",
	AllocationRequestGrow:  "Grow",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to place a new allocation. It is committed with BlockMetadata.Alloc
type AllocationRequest struct {
	// Offset is the header offset of the vacant block that will be reused. It is NoBlock for
	// AllocationRequestGrow requests.
	Offset int
	// Size is the payload capacity that will be reserved: the requested size rounded up to Alignment
	Size int
	// Type identifies whether the request reuses a vacant block or grows the arena
	Type AllocationRequestType
}
