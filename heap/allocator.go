package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/heapkit/heap/internal/utils"
	"github.com/vkngwrapper/heapkit/memutils"
	"github.com/vkngwrapper/heapkit/memutils/arena"
	"github.com/vkngwrapper/heapkit/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Address identifies a payload handed out by an Allocator
type Address = metadata.Address

// NullAddress is returned when an allocation cannot be satisfied
const NullAddress = metadata.NullAddress

type allocationInfo struct {
	requested int
	name      string
}

// Allocator is a free-list heap living inside a single arena. Payloads are identified by
// Address and read or written through the slice returned by Bytes.
//
// Unless AllocatorCreateExternallySynchronized was passed to New, every method may be
// called from multiple goroutines.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	trace       bool

	mutex        utils.OptionalRWMutex
	source       arena.Source
	metadata     *metadata.ChainBlockMetadata
	fatalHandler func(err error)

	allocations      *swiss.Map[metadata.Address, allocationInfo]
	totalAllocations int
	totalFrees       int
	shutDown         bool
}

func (a *Allocator) checkShutDown() {
	if a.shutDown {
		panic(ErrShutDown)
	}
}

// Strategy returns the placement strategy this Allocator was created with
func (a *Allocator) Strategy() metadata.AllocationStrategy {
	return a.metadata.Strategy()
}

// Flags returns the CreateFlags this Allocator was created with
func (a *Allocator) Flags() CreateFlags {
	return a.createFlags
}

func (a *Allocator) allocate(size int) (Address, *FatalError) {
	if size <= 0 {
		return NullAddress, nil
	}

	request, err := a.metadata.CreateAllocationRequest(size)
	if err == nil {
		var addr Address
		addr, err = a.metadata.Alloc(request)
		if err == nil {
			a.totalAllocations++
			a.allocations.Put(addr, allocationInfo{requested: size})

			if a.trace {
				a.logger.Debug("[malloc] allocated",
					slog.Int("size", request.Size),
					slog.String("address", addr.String()),
					slog.String("request", request.Type.String()),
				)
			}
			return addr, nil
		}
	}

	fatal := classifyFatal("allocate", NullAddress, err)
	if fatal != nil {
		return NullAddress, fatal
	}

	a.logger.Debug("[malloc] allocation failed",
		slog.Int("size", size),
		slog.Any("error", err),
	)
	return NullAddress, nil
}

func (a *Allocator) free(addr Address) *FatalError {
	if addr == NullAddress {
		return nil
	}

	err := a.metadata.Free(addr)
	if err != nil {
		fatal := classifyFatal("free", addr, err)
		if fatal == nil {
			fatal = &FatalError{Kind: ErrHeapCorruption, Op: "free", Address: addr, Err: err}
		}
		return fatal
	}

	a.totalFrees++
	a.allocations.Delete(addr)

	if a.trace {
		a.logger.Debug("[free] freed", slog.String("address", addr.String()))
	}
	return nil
}

func (a *Allocator) lockedAllocate(size int) (Address, *FatalError) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkShutDown()
	return a.allocate(size)
}

// Allocate reserves a payload of at least size bytes, rounded up to metadata.Alignment. It
// returns NullAddress when size is 0 or less, or when the arena cannot grow any further. If the
// search for a vacant block runs into an overwritten block header, a *FatalError is raised
// through the FatalHandler and NullAddress is returned.
func (a *Allocator) Allocate(size int) Address {
	addr, fatal := a.lockedAllocate(size)
	if fatal != nil {
		a.raise(fatal)
	}
	return addr
}

func (a *Allocator) lockedFree(addr Address) *FatalError {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkShutDown()
	return a.free(addr)
}

// Free returns a payload to the heap. Freeing NullAddress does nothing. Freeing a payload
// whose block header has been overwritten, an address that did not come from this Allocator,
// or a payload that is already free, raises a *FatalError through the FatalHandler. A Free that
// raises leaves the payload allocated.
func (a *Allocator) Free(addr Address) {
	fatal := a.lockedFree(addr)
	if fatal != nil {
		a.raise(fatal)
	}
}

func (a *Allocator) lockedZeroAllocate(size int) (Address, *FatalError) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkShutDown()

	addr, fatal := a.allocate(size)
	if addr == NullAddress || fatal != nil {
		return addr, fatal
	}

	payload, err := a.metadata.Bytes(addr)
	if err != nil {
		return NullAddress, &FatalError{Kind: ErrHeapCorruption, Op: "zero allocate", Address: addr, Err: err}
	}

	for i := range payload {
		payload[i] = 0
	}
	return addr, nil
}

// ZeroAllocate reserves room for count elements of elemSize bytes each and zeroes the whole
// payload. It returns NullAddress if the total size overflows an int, or is 0, or if the
// arena cannot grow any further. Corrupted block headers are raised through the FatalHandler
// the same way Allocate raises them.
func (a *Allocator) ZeroAllocate(count, elemSize int) Address {
	size, err := memutils.CheckedMul(count, elemSize)
	if err != nil {
		a.logger.Debug("[calloc] rejected element count",
			slog.Int("count", count),
			slog.Int("elemSize", elemSize),
			slog.Any("error", err),
		)
		return NullAddress
	}

	addr, fatal := a.lockedZeroAllocate(size)
	if fatal != nil {
		a.raise(fatal)
	}
	return addr
}

func (a *Allocator) lockedResize(addr Address, newSize int) (Address, *FatalError) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkShutDown()

	if addr == NullAddress {
		return a.allocate(newSize)
	}

	if newSize == 0 {
		return NullAddress, a.free(addr)
	}

	err := a.metadata.CheckIntegrity(addr)
	if err != nil {
		return NullAddress, &FatalError{Kind: ErrHeapCorruption, Op: "resize", Address: addr, Err: err}
	}

	if newSize < 0 {
		return NullAddress, nil
	}

	capacity, err := a.metadata.Capacity(addr)
	if err != nil {
		return NullAddress, &FatalError{Kind: ErrHeapCorruption, Op: "resize", Address: addr, Err: err}
	}

	if capacity >= newSize {
		return addr, nil
	}

	newAddr, fatal := a.allocate(newSize)
	if newAddr == NullAddress || fatal != nil {
		return NullAddress, fatal
	}

	// Fetch both payloads after allocating, since growing may have moved the arena
	oldPayload, err := a.metadata.Bytes(addr)
	if err != nil {
		return NullAddress, &FatalError{Kind: ErrHeapCorruption, Op: "resize", Address: addr, Err: err}
	}
	newPayload, err := a.metadata.Bytes(newAddr)
	if err != nil {
		return NullAddress, &FatalError{Kind: ErrHeapCorruption, Op: "resize", Address: newAddr, Err: err}
	}
	copy(newPayload, oldPayload)

	oldInfo, ok := a.allocations.Get(addr)
	if ok && oldInfo.name != "" {
		newInfo, _ := a.allocations.Get(newAddr)
		newInfo.name = oldInfo.name
		a.allocations.Put(newAddr, newInfo)
	}

	return newAddr, a.free(addr)
}

// Resize makes room for newSize bytes at addr. If the block already has the capacity, addr is
// returned unchanged. Otherwise the contents are moved to a new payload, addr is freed and the
// new address is returned; if no new payload can be reserved, NullAddress is returned and addr
// is left untouched.
//
// Resizing NullAddress is equivalent to Allocate, and resizing to 0 bytes is equivalent to Free,
// returning NullAddress. A corrupted block header raises a *FatalError through the FatalHandler.
func (a *Allocator) Resize(addr Address, newSize int) Address {
	newAddr, fatal := a.lockedResize(addr, newSize)
	if fatal != nil {
		a.raise(fatal)
	}
	return newAddr
}

// Bytes returns the payload at addr, sized to the block's full capacity. Slices returned
// from an Allocator backed by an arena.HeapSource are invalidated when the arena grows.
func (a *Allocator) Bytes(addr Address) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	if addr == NullAddress {
		return nil, errors.New("heap: cannot retrieve the payload of NullAddress")
	}

	return a.metadata.Bytes(addr)
}

// Capacity returns the number of usable bytes at addr, which may be more than were requested
func (a *Allocator) Capacity(addr Address) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	return a.metadata.Capacity(addr)
}

// SetName attaches a name to a live allocation. The name is included in the leak report
// and follows the allocation through Resize.
func (a *Allocator) SetName(addr Address, name string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkShutDown()

	info, ok := a.allocations.Get(addr)
	if !ok {
		return errors.Newf("heap: no live allocation at %s", addr)
	}

	info.name = name
	a.allocations.Put(addr, info)
	return nil
}

// Name returns the name attached to a live allocation with SetName, or the empty string
func (a *Allocator) Name(addr Address) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	info, _ := a.allocations.Get(addr)
	return info.name
}

// CheckCorruption verifies the integrity tag of every block header in the arena
func (a *Allocator) CheckCorruption() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	return a.metadata.CheckCorruption()
}

// Validate performs a full consistency check of the heap. It walks every block, so it is
// expensive, but it should never fail unless a payload has been overrun.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	err := a.metadata.Validate()
	if err != nil {
		return err
	}

	var summary memutils.Statistics
	a.metadata.AddStatistics(&summary)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	a.metadata.AddDetailedStatistics(&detailed)

	if summary != detailed.Statistics {
		return errors.Newf("heap: the arena counters sum to %+v, but its block headers sum to %+v", summary, detailed.Statistics)
	}

	live := a.metadata.AllocationCount()
	if a.allocations.Count() != live {
		return errors.Newf("heap: %d allocations are tracked, but the arena holds %d occupied blocks", a.allocations.Count(), live)
	}

	if a.totalAllocations-a.totalFrees != live {
		return errors.Newf("heap: %d allocations and %d frees were counted, but the arena holds %d occupied blocks", a.totalAllocations, a.totalFrees, live)
	}

	return nil
}
