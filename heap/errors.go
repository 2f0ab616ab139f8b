package heap

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapkit/memutils/metadata"
	"golang.org/x/exp/slog"
)

var (
	// ErrHeapCorruption identifies a FatalError raised because a block header failed its
	// integrity check, or because an address passed to Free or Resize did not come from this
	// Allocator.
	ErrHeapCorruption = metadata.ErrCorruption
	// ErrDoubleFree identifies a FatalError raised because a block was freed while vacant
	ErrDoubleFree = metadata.ErrDoubleFree
	// ErrShutDown is returned from a second call to Shutdown, and is the panic value of every
	// other method called after Shutdown
	ErrShutDown = errors.New("heap: use after Shutdown")
)

// FatalError is passed to the FatalHandler when the heap detects that its own state can no
// longer be trusted. errors.Is matches a FatalError against its Kind.
type FatalError struct {
	// Kind is ErrHeapCorruption or ErrDoubleFree
	Kind error
	// Op is the name of the operation that detected the problem
	Op string
	// Address is the payload address the operation was called with
	Address metadata.Address
	// Err is the underlying error reported by the block metadata
	Err error
}

func (e *FatalError) Error() string {
	switch e.Kind {
	case ErrDoubleFree:
		return fmt.Sprintf("heap: double free detected at %s: %v", e.Address, e.Err)
	default:
		return fmt.Sprintf("heap: memory corruption detected during %s at %s: %v", e.Op, e.Address, e.Err)
	}
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func (e *FatalError) Is(target error) bool {
	return target == e.Kind
}

// classifyFatal turns an error from the block metadata into a FatalError. It returns nil
// for errors that leave the heap in a usable state, such as a refused arena extension.
func classifyFatal(op string, addr metadata.Address, err error) *FatalError {
	switch {
	case errors.Is(err, metadata.ErrDoubleFree):
		return &FatalError{Kind: ErrDoubleFree, Op: op, Address: addr, Err: err}
	case errors.Is(err, metadata.ErrCorruption), errors.Is(err, metadata.ErrInvalidAddress):
		return &FatalError{Kind: ErrHeapCorruption, Op: op, Address: addr, Err: err}
	}

	return nil
}

func (a *Allocator) raise(fatal *FatalError) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[HEAP INTEGRITY] fatal error",
		slog.String("op", fatal.Op),
		slog.String("address", fatal.Address.String()),
		slog.Any("error", fatal.Err),
	)

	a.fatalHandler(fatal)
}

func panicOnFatal(err error) {
	panic(err)
}
