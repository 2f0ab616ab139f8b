package memutils

import (
	"math"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// CheckedAlignUp behaves like AlignUp, but returns OverflowError instead of wrapping around
// when value is too close to math.MaxInt to be rounded up.
func CheckedAlignUp(value int, alignment uint) (int, error) {
	if value < 0 || value > math.MaxInt-int(alignment)+1 {
		return 0, cerrors.Wrapf(OverflowError, "aligning %d up to %d", value, alignment)
	}
	return AlignUp(value, alignment), nil
}

// CheckedMul multiplies two non-negative sizes, returning OverflowError if the product
// does not fit in an int.
func CheckedMul(count, size int) (int, error) {
	if count < 0 || size < 0 {
		return 0, cerrors.Newf("negative operand in %d * %d", count, size)
	}

	hi, lo := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || lo > math.MaxInt {
		return 0, cerrors.Wrapf(OverflowError, "%d * %d", count, size)
	}
	return int(lo), nil
}
