package heap

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapkit/memutils/metadata"
	"golang.org/x/exp/slog"
)

// LeakedBlock describes one allocation that was still live at Shutdown
type LeakedBlock struct {
	Address Address
	// Capacity is the payload capacity of the block
	Capacity int
	// Requested is the size originally passed to Allocate, ZeroAllocate or Resize
	Requested int
	Name      string
}

// LeakReport is produced by Allocator.Shutdown
type LeakReport struct {
	Leaks            []LeakedBlock
	TotalAllocations int
	TotalFrees       int
}

// HasLeaks returns true if any allocation was still live at Shutdown
func (r *LeakReport) HasLeaks() bool {
	return len(r.Leaks) > 0
}

// WriteTo writes the report in a human-readable text format
func (r *LeakReport) WriteTo(w io.Writer) (int64, error) {
	counter := &countingWriter{w: w}
	out := bufio.NewWriter(counter)

	fmt.Fprintln(out, "[Leak Check]")
	if len(r.Leaks) == 0 {
		fmt.Fprintln(out, "No memory leaks detected!")
	}
	for _, leak := range r.Leaks {
		fmt.Fprintf(out, "Leaked block at %s, size %d bytes\n", leak.Address, leak.Capacity)
	}
	fmt.Fprintf(out, "Total allocations: %d, Total frees: %d\n", r.TotalAllocations, r.TotalFrees)

	err := out.Flush()
	return counter.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (a *Allocator) logUnreleasedMemory(leak LeakedBlock) {
	name := leak.Name
	if name == "" {
		name = "empty"
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.String("address", leak.Address.String()),
		slog.Int("size", leak.Capacity),
		slog.Int("requested", leak.Requested),
		slog.String("name", name),
	)
}

// Shutdown tears the Allocator down. Every allocation that is still live is logged at Error
// level and listed in the returned LeakReport, and the arena is released. Shutdown returns an
// error if any allocation leaked or the arena could not be walked or released; the LeakReport
// is returned either way.
//
// Shutdown may only be called once. Later calls return ErrShutDown, and every other method
// panics with ErrShutDown.
func (a *Allocator) Shutdown() (*LeakReport, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.shutDown {
		return nil, ErrShutDown
	}
	a.shutDown = true

	report := &LeakReport{
		TotalAllocations: a.totalAllocations,
		TotalFrees:       a.totalFrees,
	}

	walkErr := a.metadata.VisitAllRegions(func(region metadata.Region) error {
		if region.Free {
			return nil
		}

		info, _ := a.allocations.Get(region.Address)
		leak := LeakedBlock{
			Address:   region.Address,
			Capacity:  region.Size,
			Requested: info.requested,
			Name:      info.name,
		}
		report.Leaks = append(report.Leaks, leak)
		a.logUnreleasedMemory(leak)
		return nil
	})
	if walkErr != nil {
		a.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", walkErr))
	}

	releaseErr := a.source.Release()
	a.allocations = nil

	var err error
	if walkErr != nil {
		err = errors.Wrap(walkErr, "the arena could not be walked for leaks")
	} else if report.HasLeaks() {
		err = errors.Newf("%d allocations were not freed before the allocator was shut down", len(report.Leaks))
	}

	if releaseErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(releaseErr, "the arena could not be released"))
	}

	return report, err
}
