package metadata

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/heapkit/memutils"
	"github.com/vkngwrapper/heapkit/memutils/arena"
)

// ChainBlockMetadata is a BlockMetadata implementation that keeps every block, occupied or
// vacant, in a single chain ordered by address. Each block header lives in the arena directly
// before its payload and records the payload capacity, an occupancy flag, the offset of the
// successor and an integrity tag.
//
// New blocks are created either by extending the arena past the tail or by splitting a vacant
// block that is larger than needed. Blocks only disappear by being absorbed into a vacant
// predecessor when the chain is coalesced after a free. The arena never shrinks.
type ChainBlockMetadata struct {
	source   arena.Source
	strategy AllocationStrategy

	// offset of the first header, which is the source break when the first block was created
	base int
	head int
	tail int

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int
}

var _ BlockMetadata = &ChainBlockMetadata{}

// NewChainBlockMetadata creates a new ChainBlockMetadata that places allocations using the provided
// strategy. Invalid strategies fall back to AllocationStrategyMinTime.
func NewChainBlockMetadata(strategy AllocationStrategy) *ChainBlockMetadata {
	if !strategy.IsValid() {
		strategy = AllocationStrategyMinTime
	}

	return &ChainBlockMetadata{
		strategy: strategy,
		head:     NoBlock,
		tail:     NoBlock,
	}
}

// Init binds the metadata to the arena it carves blocks from and empties the chain.
func (m *ChainBlockMetadata) Init(source arena.Source) {
	memutils.DebugCheckPow2(Alignment, "metadata alignment")

	m.source = source
	m.base = 0
	m.head = NoBlock
	m.tail = NoBlock
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
}

func (m *ChainBlockMetadata) Size() int {
	if m.head == NoBlock {
		return 0
	}
	return m.source.Break() - m.base
}

func (m *ChainBlockMetadata) Strategy() AllocationStrategy { return m.strategy }

func (m *ChainBlockMetadata) AllocationCount() int { return m.allocCount }

func (m *ChainBlockMetadata) FreeRegionsCount() int { return m.blocksFreeCount }

func (m *ChainBlockMetadata) SumFreeSize() int { return m.blocksFreeSize }

func (m *ChainBlockMetadata) IsEmpty() bool { return m.allocCount == 0 }

func payloadAddress(offset int) Address {
	return Address(offset + HeaderSize)
}

func (m *ChainBlockMetadata) block(offset int) blockHeader {
	return blockHeader(m.source.Bytes()[offset : offset+HeaderSize : offset+HeaderSize])
}

// checkHeader returns the header at offset after making sure it can be trusted: it must lie
// within the arena, carry the integrity tag and a legal occupancy flag, and describe a block
// that ends inside the arena, exactly where its successor begins.
func (m *ChainBlockMetadata) checkHeader(offset int) (blockHeader, error) {
	brk := m.source.Break()
	if offset < m.base || offset > brk-HeaderSize {
		return nil, errors.Wrapf(ErrCorruption, "block header offset %d lies outside the arena", offset)
	}

	header := m.block(offset)
	if !header.intact() {
		return nil, errors.Wrapf(ErrCorruption, "block header at offset %d has been overwritten (tag %#x)", offset, header.tag())
	}

	size := header.size()
	if size < 0 || size > brk-offset-HeaderSize {
		return nil, errors.Wrapf(ErrCorruption, "block at offset %d claims a capacity of %d bytes, which overruns the arena", offset, size)
	}

	next := header.next()
	if next != NoBlock && next != offset+HeaderSize+size {
		return nil, errors.Wrapf(ErrCorruption, "block at offset %d ends at %d, but its successor is at %d", offset, offset+HeaderSize+size, next)
	}

	return header, nil
}

// resolve maps a payload address back to the offset of its header
func (m *ChainBlockMetadata) resolve(addr Address) (int, error) {
	if m.source == nil {
		return NoBlock, errors.New("the metadata has not been initialized")
	}

	if m.head == NoBlock || addr < Address(m.base+HeaderSize) ||
		uint64(addr) > uint64(m.source.Break()) || uint64(addr)%uint64(Alignment) != 0 {
		return NoBlock, errors.Wrapf(ErrInvalidAddress, "address %s", addr)
	}

	return int(addr) - HeaderSize, nil
}

func (m *ChainBlockMetadata) findBlock(size int) (int, error) {
	bestFit := NoBlock
	smallestDiff := math.MaxInt

	for offset := m.head; offset != NoBlock; {
		header, err := m.checkHeader(offset)
		if err != nil {
			return NoBlock, err
		}

		if header.isFree() && header.size() >= size {
			if m.strategy != AllocationStrategyMinMemory {
				return offset, nil
			}

			diff := header.size() - size
			if diff < smallestDiff {
				bestFit = offset
				smallestDiff = diff
			}
		}

		offset = header.next()
	}

	return bestFit, nil
}

// grow extends the arena by one occupied block of the given capacity and links it after the tail
func (m *ChainBlockMetadata) grow(size int) (int, error) {
	brk := m.source.Break()
	padding := 0

	if m.tail == NoBlock {
		padding = memutils.AlignUp(brk, Alignment) - brk
	} else {
		tail := m.block(m.tail)
		if tailEnd := m.tail + HeaderSize + tail.size(); tailEnd != brk {
			return NoBlock, errors.Errorf("the arena break moved from %d to %d outside of this metadata", tailEnd, brk)
		}
	}

	oldBreak, err := m.source.Sbrk(padding + HeaderSize + size)
	if err != nil {
		return NoBlock, errors.Wrapf(err, "could not extend the arena by %d bytes", padding+HeaderSize+size)
	}

	offset := oldBreak + padding
	m.block(offset).initBlock(size, false, NoBlock)

	if m.tail == NoBlock {
		m.base = offset
		m.head = offset
	} else {
		m.block(m.tail).setNext(offset)
	}
	m.tail = offset
	m.allocCount++

	return offset, nil
}

// split carves a vacant block out of the tail end of an oversized block, if the remainder
// is large enough to host a header and at least one alignment unit of payload
func (m *ChainBlockMetadata) split(offset int, size int) {
	header := m.block(offset)
	capacity := header.size()
	if capacity < size+HeaderSize+int(Alignment) {
		return
	}

	remainderOffset := offset + HeaderSize + size
	remainder := m.block(remainderOffset)
	remainder.initBlock(capacity-size-HeaderSize, true, header.next())

	header.setSize(size)
	header.setNext(remainderOffset)

	if m.tail == offset {
		m.tail = remainderOffset
	}

	m.blocksFreeCount++
	m.blocksFreeSize += remainder.size()
}

// coalesce makes one pass over the chain from the head, absorbing every vacant block into
// its vacant predecessor. After a merge the same position is examined again, so runs of any
// length collapse into a single block.
func (m *ChainBlockMetadata) coalesce() error {
	for offset := m.head; offset != NoBlock; {
		header, err := m.checkHeader(offset)
		if err != nil {
			return err
		}

		next := header.next()
		if next == NoBlock {
			break
		}

		nextHeader, err := m.checkHeader(next)
		if err != nil {
			return err
		}

		if header.isFree() && nextHeader.isFree() {
			header.setSize(header.size() + HeaderSize + nextHeader.size())
			header.setNext(nextHeader.next())

			if next == m.tail {
				m.tail = offset
			}

			m.blocksFreeCount--
			m.blocksFreeSize += HeaderSize
			continue
		}

		offset = next
	}

	return nil
}

func (m *ChainBlockMetadata) CreateAllocationRequest(allocSize int) (AllocationRequest, error) {
	if allocSize < 1 {
		return AllocationRequest{}, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if m.source == nil {
		return AllocationRequest{}, errors.New("the metadata has not been initialized")
	}

	if allocSize > m.source.Limit()-HeaderSize {
		return AllocationRequest{}, errors.Wrapf(arena.ErrOutOfMemory, "allocation of %d bytes exceeds the arena limit of %d bytes", allocSize, m.source.Limit())
	}

	size := memutils.AlignUp(allocSize, Alignment)

	memutils.DebugValidate(m)

	offset, err := m.findBlock(size)
	if err != nil {
		return AllocationRequest{}, err
	}

	if offset == NoBlock {
		return AllocationRequest{
			Offset: NoBlock,
			Size:   size,
			Type:   AllocationRequestGrow,
		}, nil
	}

	return AllocationRequest{
		Offset: offset,
		Size:   size,
		Type:   AllocationRequestReuse,
	}, nil
}

func (m *ChainBlockMetadata) Alloc(request AllocationRequest) (Address, error) {
	if request.Size < 1 || request.Size%int(Alignment) != 0 {
		return NullAddress, errors.Wrapf(ErrStaleRequest, "request size %d is not a positive multiple of %d", request.Size, Alignment)
	}

	switch request.Type {
	case AllocationRequestGrow:
		offset, err := m.grow(request.Size)
		if err != nil {
			return NullAddress, err
		}

		memutils.DebugValidate(m)
		return payloadAddress(offset), nil

	case AllocationRequestReuse:
		header, err := m.checkHeader(request.Offset)
		if err != nil {
			return NullAddress, err
		}

		if !header.isFree() || header.size() < request.Size {
			return NullAddress, errors.Wrapf(ErrStaleRequest, "block at offset %d can no longer hold %d bytes", request.Offset, request.Size)
		}

		header.markTaken()
		m.allocCount++
		m.blocksFreeCount--
		m.blocksFreeSize -= header.size()

		m.split(request.Offset, request.Size)

		memutils.DebugValidate(m)
		return payloadAddress(request.Offset), nil
	}

	return NullAddress, errors.Errorf("unknown allocation request type %d", request.Type)
}

func (m *ChainBlockMetadata) Free(addr Address) error {
	offset, err := m.resolve(addr)
	if err != nil {
		return err
	}

	header, err := m.checkHeader(offset)
	if err != nil {
		return err
	}

	if header.isFree() {
		return errors.Wrapf(ErrDoubleFree, "block at %s is already vacant", addr)
	}

	// coalesce walks the whole chain, so every header must check out before this block changes
	err = m.CheckCorruption()
	if err != nil {
		return err
	}

	header.markFree()
	memutils.DebugFillFreed(m.source.Bytes()[offset+HeaderSize : offset+HeaderSize+header.size()])

	m.allocCount--
	m.blocksFreeCount++
	m.blocksFreeSize += header.size()

	err = m.coalesce()
	if err != nil {
		return err
	}

	memutils.DebugValidate(m)
	return nil
}

func (m *ChainBlockMetadata) CheckIntegrity(addr Address) error {
	offset, err := m.resolve(addr)
	if err != nil {
		return err
	}

	_, err = m.checkHeader(offset)
	return err
}

func (m *ChainBlockMetadata) Capacity(addr Address) (int, error) {
	offset, err := m.resolve(addr)
	if err != nil {
		return 0, err
	}

	header, err := m.checkHeader(offset)
	if err != nil {
		return 0, err
	}

	return header.size(), nil
}

func (m *ChainBlockMetadata) Bytes(addr Address) ([]byte, error) {
	offset, err := m.resolve(addr)
	if err != nil {
		return nil, err
	}

	header, err := m.checkHeader(offset)
	if err != nil {
		return nil, err
	}

	start := offset + HeaderSize
	end := start + header.size()
	return m.source.Bytes()[start:end:end], nil
}

func (m *ChainBlockMetadata) VisitAllRegions(handleRegion func(region Region) error) error {
	for offset := m.head; offset != NoBlock; {
		header, err := m.checkHeader(offset)
		if err != nil {
			return err
		}

		next := header.next()
		err = handleRegion(Region{
			Offset:  offset,
			Address: payloadAddress(offset),
			Size:    header.size(),
			Next:    next,
			Free:    header.isFree(),
		})
		if err != nil {
			return err
		}

		offset = next
	}

	return nil
}

func (m *ChainBlockMetadata) CheckCorruption() error {
	return m.VisitAllRegions(func(region Region) error { return nil })
}

func (m *ChainBlockMetadata) Validate() error {
	if m.source == nil {
		return errors.New("the metadata has not been initialized")
	}

	if m.head == NoBlock {
		if m.tail != NoBlock {
			return errors.Errorf("the chain is empty, but the tail is at offset %d", m.tail)
		}
		if m.allocCount != 0 || m.blocksFreeCount != 0 || m.blocksFreeSize != 0 {
			return errors.Errorf("the chain is empty, but the metadata counts %d allocations and %d free blocks", m.allocCount, m.blocksFreeCount)
		}
		return nil
	}

	if m.head != m.base {
		return errors.Errorf("the head of the chain is at offset %d, but the first block was created at offset %d", m.head, m.base)
	}

	var allocCount, freeCount, freeSize int
	end := m.base
	last := NoBlock
	prevFree := false

	err := m.VisitAllRegions(func(region Region) error {
		if region.Offset != end {
			return errors.Errorf("block at offset %d does not begin where its predecessor ends (%d)", region.Offset, end)
		}

		if region.Size%int(Alignment) != 0 {
			return errors.Errorf("block at offset %d has capacity %d, which is not a multiple of %d", region.Offset, region.Size, Alignment)
		}

		if region.Free {
			if prevFree {
				return errors.Errorf("vacant block at offset %d follows another vacant block, but was not coalesced", region.Offset)
			}

			freeCount++
			freeSize += region.Size
		} else {
			allocCount++
		}

		prevFree = region.Free
		last = region.Offset
		end = region.Offset + HeaderSize + region.Size
		return nil
	})
	if err != nil {
		return err
	}

	if last != m.tail {
		return errors.Errorf("the last block of the chain is at offset %d, but the tail is at offset %d", last, m.tail)
	}

	if brk := m.source.Break(); end != brk {
		return errors.Errorf("the chain ends at offset %d, but the arena break is at %d", end, brk)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the chain contains %d occupied blocks", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the free block count of the metadata is %d, but the chain contains %d vacant blocks", m.blocksFreeCount, freeCount)
	}

	if freeSize != m.blocksFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the vacant blocks add up to %d", m.blocksFreeSize, freeSize)
	}

	return nil
}

func (m *ChainBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	_ = m.VisitAllRegions(func(region Region) error {
		if region.Free {
			stats.AddUnusedRange(region.Size)
		} else {
			stats.AddAllocation(region.Size)
		}
		return nil
	})
}

func (m *ChainBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	size := m.Size()
	headerBytes := (m.allocCount + m.blocksFreeCount) * HeaderSize

	stats.BlockCount++
	stats.BlockBytes += size
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += size - headerBytes - m.blocksFreeSize
}

func (m *ChainBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(m.blocksFreeSize)
	json.Name("HeaderBytes").Int((m.allocCount + m.blocksFreeCount) * HeaderSize)
	json.Name("Allocations").Int(m.allocCount)
	json.Name("UnusedRanges").Int(m.blocksFreeCount)
	json.Name("Strategy").String(m.strategy.String())
}

func (m *ChainBlockMetadata) PrintDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(func(region Region) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(region.Offset)
		obj.Name("Address").String(region.Address.String())
		obj.Name("Size").Int(region.Size)
		if region.Free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		return nil
	})
}
