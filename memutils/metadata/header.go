package metadata

import (
	"encoding/binary"
	"math"
)

const (
	// Alignment is the granularity of every payload address and payload capacity
	Alignment uint = 8

	// IntegrityTag is stamped into every block header when the block is created. A header whose tag
	// differs has been overwritten, usually by a payload overrunning into its successor.
	IntegrityTag uint64 = 0xDEADBEEFCAFEBABE

	// HeaderSize is the number of bytes each block header occupies directly before its payload
	HeaderSize int = 32

	sizeField = 0
	freeField = 8
	nextField = 16
	tagField  = 24

	blockOccupied uint64 = 0
	blockVacant   uint64 = 1

	noNext uint64 = math.MaxUint64
)

// blockHeader is a view of one header inside the arena. All field access goes through
// these accessors so that the layout is defined in exactly one place.
type blockHeader []byte

func (h blockHeader) size() int {
	return int(binary.LittleEndian.Uint64(h[sizeField:]))
}

func (h blockHeader) setSize(size int) {
	binary.LittleEndian.PutUint64(h[sizeField:], uint64(size))
}

func (h blockHeader) state() uint64 {
	return binary.LittleEndian.Uint64(h[freeField:])
}

func (h blockHeader) isFree() bool {
	return h.state() == blockVacant
}

func (h blockHeader) markFree() {
	binary.LittleEndian.PutUint64(h[freeField:], blockVacant)
}

func (h blockHeader) markTaken() {
	binary.LittleEndian.PutUint64(h[freeField:], blockOccupied)
}

func (h blockHeader) next() int {
	next := binary.LittleEndian.Uint64(h[nextField:])
	if next == noNext {
		return NoBlock
	}
	return int(next)
}

func (h blockHeader) setNext(offset int) {
	next := noNext
	if offset != NoBlock {
		next = uint64(offset)
	}
	binary.LittleEndian.PutUint64(h[nextField:], next)
}

func (h blockHeader) tag() uint64 {
	return binary.LittleEndian.Uint64(h[tagField:])
}

func (h blockHeader) stamp() {
	binary.LittleEndian.PutUint64(h[tagField:], IntegrityTag)
}

// intact reports whether the integrity tag and the occupancy word still hold legal values
func (h blockHeader) intact() bool {
	if h.tag() != IntegrityTag {
		return false
	}

	state := h.state()
	return state == blockOccupied || state == blockVacant
}

// initBlock writes a complete, stamped header
func (h blockHeader) initBlock(size int, free bool, next int) {
	h.setSize(size)
	if free {
		h.markFree()
	} else {
		h.markTaken()
	}
	h.setNext(next)
	h.stamp()
}
