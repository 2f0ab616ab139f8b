//go:build linux || darwin || freebsd

package arena

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapSource is a Source backed by a single anonymous private mapping that reserves the
// full limit up front. The kernel only commits pages as they are touched, and the mapping
// never moves, so slices returned from Bytes stay valid until Release.
type MmapSource struct {
	mapping []byte
	brk     int
}

var _ Source = &MmapSource{}

// NewMmapSource maps limit bytes of address space. If limit is 0 or less, DefaultLimit is used.
func NewMmapSource(limit int) (*MmapSource, error) {
	limit = normalizeLimit(limit)

	mapping, err := unix.Mmap(-1, 0, limit, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "arena: could not reserve %d bytes", limit), ErrOutOfMemory)
	}

	return &MmapSource{mapping: mapping}, nil
}

// NewDefaultSource creates the preferred Source for this platform
func NewDefaultSource(limit int) (Source, error) {
	return NewMmapSource(limit)
}

func (s *MmapSource) Sbrk(increment int) (int, error) {
	if s.mapping == nil {
		return 0, ErrReleased
	}

	newBreak, err := checkIncrement(s.brk, len(s.mapping), increment)
	if err != nil {
		return 0, err
	}

	oldBreak := s.brk
	s.brk = newBreak
	return oldBreak, nil
}

func (s *MmapSource) Break() int { return s.brk }

func (s *MmapSource) Limit() int { return len(s.mapping) }

func (s *MmapSource) Bytes() []byte {
	if s.mapping == nil {
		return nil
	}
	return s.mapping[:s.brk:s.brk]
}

func (s *MmapSource) Release() error {
	if s.mapping == nil {
		return ErrReleased
	}

	err := unix.Munmap(s.mapping)
	s.mapping = nil
	s.brk = 0
	if err != nil {
		return errors.Wrap(err, "arena: could not unmap the arena")
	}
	return nil
}
