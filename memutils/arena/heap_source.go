package arena

// HeapSource is a Source backed by a byte slice on the Go heap. The slice is reallocated as
// the break grows, so slices returned from Bytes must not be retained across calls to Sbrk.
type HeapSource struct {
	buf      []byte
	limit    int
	released bool
}

var _ Source = &HeapSource{}

// NewHeapSource creates a HeapSource that will refuse to grow beyond limit bytes. If limit
// is 0 or less, DefaultLimit is used.
func NewHeapSource(limit int) *HeapSource {
	return &HeapSource{
		buf:   []byte{},
		limit: normalizeLimit(limit),
	}
}

func (s *HeapSource) Sbrk(increment int) (int, error) {
	if s.released {
		return 0, ErrReleased
	}

	oldBreak := len(s.buf)
	newBreak, err := checkIncrement(oldBreak, s.limit, increment)
	if err != nil {
		return 0, err
	}

	if newBreak > cap(s.buf) {
		newCap := cap(s.buf) * 2
		if newCap < newBreak {
			newCap = newBreak
		}
		if newCap > s.limit {
			newCap = s.limit
		}

		grown := make([]byte, oldBreak, newCap)
		copy(grown, s.buf)
		s.buf = grown
	}

	s.buf = s.buf[:newBreak]
	return oldBreak, nil
}

func (s *HeapSource) Break() int { return len(s.buf) }

func (s *HeapSource) Limit() int { return s.limit }

func (s *HeapSource) Bytes() []byte { return s.buf }

func (s *HeapSource) Release() error {
	if s.released {
		return ErrReleased
	}

	s.released = true
	s.buf = nil
	return nil
}
