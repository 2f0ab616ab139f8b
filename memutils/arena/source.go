// Package arena provides the backing stores that heap arenas grow into. A Source behaves like
// a program break: it hands out a single contiguous range of bytes starting at offset zero and
// only ever moves its end forward.
package arena

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapkit/memutils"
)

const (
	// DefaultLimit is the maximum size of a Source created with a limit of 0 or less. It is equal to 1GiB.
	DefaultLimit int = 1 << 30

	// breakAlignment is the granularity limits are rounded up to
	breakAlignment uint = 8
)

var (
	// ErrOutOfMemory is returned from Sbrk when moving the break would exceed the source's limit,
	// or the operating system refused to provide more memory.
	ErrOutOfMemory = errors.New("arena: out of memory")
	// ErrReleased is returned when a Source is used after Release
	ErrReleased = errors.New("arena: use after Release")
)

//go:generate mockgen -package mocks -destination ../../internal/mocks/mock_source.go github.com/vkngwrapper/heapkit/memutils/arena Source

// Source is a monotonically growing range of memory.
type Source interface {
	// Sbrk moves the break forward by increment bytes and returns the offset of the previous
	// break, which is the start of the newly available range. An increment of 0 returns the
	// current break. Negative increments are rejected: a Source never shrinks.
	Sbrk(increment int) (int, error)
	// Break returns the offset one past the last usable byte
	Break() int
	// Limit returns the largest value Break can ever reach
	Limit() int
	// Bytes returns the memory between offset zero and the current break. The returned slice
	// may be invalidated by the next call to Sbrk, depending on the implementation.
	Bytes() []byte
	// Release gives the memory back. The Source cannot be used afterward.
	Release() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}

	aligned, err := memutils.CheckedAlignUp(limit, breakAlignment)
	if err != nil {
		return memutils.AlignDown(limit, breakAlignment)
	}
	return aligned
}

// checkIncrement validates a break movement against a limit and returns the new break.
func checkIncrement(brk, limit, increment int) (int, error) {
	if increment < 0 {
		return 0, errors.Newf("arena: negative break increment %d", increment)
	}

	if increment > limit-brk {
		return 0, errors.Wrapf(ErrOutOfMemory, "moving the break from %d by %d bytes would exceed the limit of %d bytes", brk, increment, limit)
	}

	return brk + increment, nil
}
