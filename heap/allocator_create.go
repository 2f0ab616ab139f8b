package heap

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/heapkit/heap/internal/utils"
	"github.com/vkngwrapper/heapkit/memutils"
	"github.com/vkngwrapper/heapkit/memutils/arena"
	"github.com/vkngwrapper/heapkit/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because the internal
	// mutex is not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateTraceCalls causes a Debug-level log line to be written for every allocation
	// and free. Builds with the debug_mem_utils tag trace regardless of this flag.
	AllocatorCreateTraceCalls
)

var allocatorCreateFlagsMapping = []struct {
	flag CreateFlags
	name string
}{
	{AllocatorCreateExternallySynchronized, "AllocatorCreateExternallySynchronized"},
	{AllocatorCreateTraceCalls, "AllocatorCreateTraceCalls"},
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, mapping := range allocatorCreateFlagsMapping {
		if f&mapping.flag != 0 {
			names = append(names, mapping.name)
			f &^= mapping.flag
		}
	}

	if f != 0 {
		names = append(names, "UnknownFlags")
	}

	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating an allocator. It is valid to leave
// all the fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy chooses between first-fit (metadata.AllocationStrategyMinTime, the default) and
	// best-fit (metadata.AllocationStrategyMinMemory) placement
	Strategy metadata.AllocationStrategy

	// ArenaLimit is the maximum number of bytes the arena may grow to, block headers included.
	// If it is 0, arena.DefaultLimit is used. It is ignored when Source is provided.
	ArenaLimit int
	// Source is an optional backing store for the arena. When it is nil, the allocator creates
	// the platform default with arena.NewDefaultSource. The allocator takes ownership of the
	// Source and releases it during Shutdown.
	Source arena.Source

	// FatalHandler is called, after the allocator's lock has been released, whenever Allocate,
	// ZeroAllocate, Free or Resize discovers a corrupted block header, and whenever Free or
	// Resize is handed an address that was already freed. The error is always a *FatalError.
	// When FatalHandler is nil, the allocator panics with the error.
	FatalHandler func(err error)
}

// New creates a new Allocator
//
// logger - The logger that leak reports, fatal errors and trace lines are written to. If it is
// nil, output is discarded.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	strategy := options.Strategy
	if strategy == 0 {
		strategy = metadata.AllocationStrategyMinTime
	} else if !strategy.IsValid() {
		return nil, errors.Newf("heap.CreateOptions.Strategy was %d, but must be exactly one of AllocationStrategyMinMemory or AllocationStrategyMinTime", strategy)
	}

	if options.ArenaLimit < 0 {
		return nil, errors.Newf("heap.CreateOptions.ArenaLimit was %d, but must not be negative", options.ArenaLimit)
	}

	err := memutils.CheckPow2(metadata.Alignment, "metadata.Alignment")
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	source := options.Source
	if source == nil {
		source, err = arena.NewDefaultSource(options.ArenaLimit)
		if err != nil {
			return nil, errors.Wrap(err, "could not create the arena")
		}
	}

	fatalHandler := options.FatalHandler
	if fatalHandler == nil {
		fatalHandler = panicOnFatal
	}

	allocator := &Allocator{
		logger:       logger,
		createFlags:  options.Flags,
		trace:        memutils.DebugTrace || options.Flags&AllocatorCreateTraceCalls != 0,
		mutex:        utils.OptionalRWMutex{UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0},
		source:       source,
		metadata:     metadata.NewChainBlockMetadata(strategy),
		fatalHandler: fatalHandler,
		allocations:  swiss.NewMap[metadata.Address, allocationInfo](64),
	}
	allocator.metadata.Init(source)

	return allocator, nil
}
