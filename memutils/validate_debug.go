//go:build debug_mem_utils

package memutils

const (
	// DebugTrace causes allocators built on memutils to log a trace line for every allocation
	// and free, regardless of their creation flags.
	DebugTrace bool = true

	// freedFillPattern is written across the payload of every block that becomes vacant, so that
	// use-after-free reads produce easy-to-identify garbage.
	freedFillPattern uint8 = 0xEF
)

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}

// DebugFillFreed overwrites a freshly vacated payload with a recognizable pattern.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugFillFreed(payload []byte) {
	for i := range payload {
		payload[i] = freedFillPattern
	}
}
