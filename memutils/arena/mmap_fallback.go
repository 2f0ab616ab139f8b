//go:build !linux && !darwin && !freebsd

package arena

// NewDefaultSource creates the preferred Source for this platform. Without mmap support
// that is a HeapSource.
func NewDefaultSource(limit int) (Source, error) {
	return NewHeapSource(limit), nil
}
