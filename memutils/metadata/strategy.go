package metadata

// AllocationStrategy chooses which vacant block a new allocation is placed in when more than
// one is large enough.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the best-fit strategy: the whole chain is searched for the
	// vacant block that leaves the least unused capacity behind. Ties go to the lowest address.
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first-fit strategy: the first vacant block large enough,
	// searching from the head of the chain. This is the default.
	AllocationStrategyMinTime

	// AllocationStrategyFirstFit is an alias for AllocationStrategyMinTime
	AllocationStrategyFirstFit = AllocationStrategyMinTime
	// AllocationStrategyBestFit is an alias for AllocationStrategyMinMemory
	AllocationStrategyBestFit = AllocationStrategyMinMemory
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}

// IsValid returns true if s names exactly one known strategy
func (s AllocationStrategy) IsValid() bool {
	_, ok := allocationStrategyMapping[s]
	return ok
}
