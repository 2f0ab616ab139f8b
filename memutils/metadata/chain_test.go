package metadata_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/heapkit/internal/mocks"
	"github.com/vkngwrapper/heapkit/memutils"
	"github.com/vkngwrapper/heapkit/memutils/arena"
	"github.com/vkngwrapper/heapkit/memutils/metadata"
	"go.uber.org/mock/gomock"
)

func readyChain(t *testing.T, strategy metadata.AllocationStrategy) (*metadata.ChainBlockMetadata, *arena.HeapSource) {
	source := arena.NewHeapSource(1 << 16)
	chain := metadata.NewChainBlockMetadata(strategy)
	chain.Init(source)

	require.NoError(t, chain.Validate())
	return chain, source
}

func allocate(t *testing.T, chain *metadata.ChainBlockMetadata, size int) metadata.Address {
	req, err := chain.CreateAllocationRequest(size)
	require.NoError(t, err)

	addr, err := chain.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, chain.Validate())

	return addr
}

func free(t *testing.T, chain *metadata.ChainBlockMetadata, addr metadata.Address) {
	require.NoError(t, chain.Free(addr))
	require.NoError(t, chain.Validate())
}

func regions(t *testing.T, chain *metadata.ChainBlockMetadata) []metadata.Region {
	var result []metadata.Region
	err := chain.VisitAllRegions(func(region metadata.Region) error {
		result = append(result, region)
		return nil
	})
	require.NoError(t, err)
	return result
}

func TestChainBasicAlloc(t *testing.T) {
	chain, source := readyChain(t, metadata.AllocationStrategyMinTime)
	require.Equal(t, 0, chain.Size())
	require.True(t, chain.IsEmpty())

	req, err := chain.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequest{
		Offset: metadata.NoBlock,
		Size:   104,
		Type:   metadata.AllocationRequestGrow,
	}, req)

	addr, err := chain.Alloc(req)
	require.NoError(t, err)
	require.Equal(t, metadata.Address(32), addr)
	require.Equal(t, 136, source.Break())
	require.Equal(t, 136, chain.Size())
	require.Equal(t, 1, chain.AllocationCount())
	require.False(t, chain.IsEmpty())

	capacity, err := chain.Capacity(addr)
	require.NoError(t, err)
	require.Equal(t, 104, capacity)

	payload, err := chain.Bytes(addr)
	require.NoError(t, err)
	require.Len(t, payload, 104)

	var stats memutils.DetailedStatistics
	stats.Clear()
	chain.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      136,
			AllocationCount: 1,
			AllocationBytes: 104,
		},
		UnusedRangeCount:   0,
		UnusedRangeBytes:   0,
		AllocationSizeMin:  104,
		AllocationSizeMax:  104,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, stats)
	require.Equal(t, 32, stats.OverheadBytes())

	free(t, chain, addr)
	require.True(t, chain.IsEmpty())
	require.Equal(t, 1, chain.FreeRegionsCount())
	require.Equal(t, 104, chain.SumFreeSize())
	require.Equal(t, 136, chain.Size())
}

func TestChainSplitOnReuse(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	big := allocate(t, chain, 200)
	guard := allocate(t, chain, 8)
	require.Equal(t, metadata.Address(264), guard)

	free(t, chain, big)

	req, err := chain.CreateAllocationRequest(16)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestReuse, req.Type)
	require.Equal(t, 0, req.Offset)

	small, err := chain.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, chain.Validate())
	require.Equal(t, big, small)

	require.Equal(t, []metadata.Region{
		{Offset: 0, Address: 32, Size: 16, Next: 48, Free: false},
		{Offset: 48, Address: 80, Size: 152, Next: 232, Free: true},
		{Offset: 232, Address: 264, Size: 8, Next: metadata.NoBlock, Free: false},
	}, regions(t, chain))

	require.Equal(t, 2, chain.AllocationCount())
	require.Equal(t, 1, chain.FreeRegionsCount())
	require.Equal(t, 152, chain.SumFreeSize())
}

func TestChainNoSplitForSliver(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	big := allocate(t, chain, 200)
	_ = allocate(t, chain, 8)
	free(t, chain, big)

	// 200 - 168 leaves room for a header but not for a payload
	addr := allocate(t, chain, 168)
	require.Equal(t, big, addr)

	capacity, err := chain.Capacity(addr)
	require.NoError(t, err)
	require.Equal(t, 200, capacity)
	require.Equal(t, 0, chain.FreeRegionsCount())
	require.Len(t, regions(t, chain), 2)
}

func TestChainCoalesceRun(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 8)
	b := allocate(t, chain, 8)
	c := allocate(t, chain, 8)
	d := allocate(t, chain, 8)
	require.Equal(t, []metadata.Address{32, 72, 112, 152}, []metadata.Address{a, b, c, d})

	free(t, chain, a)
	free(t, chain, c)
	require.Equal(t, 2, chain.FreeRegionsCount())

	free(t, chain, b)
	require.Equal(t, 1, chain.FreeRegionsCount())
	require.Equal(t, 88, chain.SumFreeSize())

	require.Equal(t, []metadata.Region{
		{Offset: 0, Address: 32, Size: 88, Next: 120, Free: true},
		{Offset: 120, Address: 152, Size: 8, Next: metadata.NoBlock, Free: false},
	}, regions(t, chain))

	free(t, chain, d)
	require.Equal(t, []metadata.Region{
		{Offset: 0, Address: 32, Size: 128, Next: metadata.NoBlock, Free: true},
	}, regions(t, chain))
	require.Equal(t, 160, chain.Size())
}

func TestChainGrowAfterVacantTail(t *testing.T) {
	chain, source := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 64)
	b := allocate(t, chain, 64)
	free(t, chain, b)
	free(t, chain, a)
	require.Equal(t, 192, source.Break())

	req, err := chain.CreateAllocationRequest(500)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestGrow, req.Type)

	addr, err := chain.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, chain.Validate())
	require.Equal(t, metadata.Address(192+32), addr)

	require.Equal(t, []metadata.Region{
		{Offset: 0, Address: 32, Size: 160, Next: 192, Free: true},
		{Offset: 192, Address: 224, Size: 504, Next: metadata.NoBlock, Free: false},
	}, regions(t, chain))
}

func TestChainUnalignedBreak(t *testing.T) {
	source := arena.NewHeapSource(1 << 16)
	_, err := source.Sbrk(3)
	require.NoError(t, err)

	chain := metadata.NewChainBlockMetadata(metadata.AllocationStrategyMinTime)
	chain.Init(source)

	addr := allocate(t, chain, 8)
	require.Equal(t, metadata.Address(40), addr)
	require.Equal(t, 48, source.Break())
	require.Equal(t, 40, chain.Size())
}

func TestChainFirstFit(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyFirstFit)

	holeA := allocate(t, chain, 64)
	_ = allocate(t, chain, 8)
	holeB := allocate(t, chain, 16)
	_ = allocate(t, chain, 8)
	holeC := allocate(t, chain, 32)
	_ = allocate(t, chain, 8)

	free(t, chain, holeA)
	free(t, chain, holeB)
	free(t, chain, holeC)

	req, err := chain.CreateAllocationRequest(16)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestReuse, req.Type)
	require.Equal(t, 0, req.Offset)

	addr, err := chain.Alloc(req)
	require.NoError(t, err)
	require.Equal(t, holeA, addr)
}

func TestChainBestFit(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyBestFit)

	holeA := allocate(t, chain, 64)
	_ = allocate(t, chain, 8)
	holeB := allocate(t, chain, 16)
	_ = allocate(t, chain, 8)
	holeC := allocate(t, chain, 32)
	_ = allocate(t, chain, 8)

	free(t, chain, holeA)
	free(t, chain, holeB)
	free(t, chain, holeC)

	req, err := chain.CreateAllocationRequest(16)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestReuse, req.Type)
	require.Equal(t, 136, req.Offset)

	addr, err := chain.Alloc(req)
	require.NoError(t, err)
	require.Equal(t, holeB, addr)

	addr = allocate(t, chain, 24)
	require.Equal(t, holeC, addr)
}

func TestChainBestFitTiesGoToLowestAddress(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinMemory)

	first := allocate(t, chain, 32)
	_ = allocate(t, chain, 8)
	second := allocate(t, chain, 32)
	_ = allocate(t, chain, 8)

	free(t, chain, second)
	free(t, chain, first)

	addr := allocate(t, chain, 24)
	require.Equal(t, first, addr)
}

func TestChainInvalidStrategyFallsBack(t *testing.T) {
	chain := metadata.NewChainBlockMetadata(metadata.AllocationStrategy(12))
	require.Equal(t, metadata.AllocationStrategyMinTime, chain.Strategy())
}

func TestChainStaleRequest(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	hole := allocate(t, chain, 128)
	_ = allocate(t, chain, 8)
	free(t, chain, hole)

	first, err := chain.CreateAllocationRequest(16)
	require.NoError(t, err)
	second, err := chain.CreateAllocationRequest(16)
	require.NoError(t, err)

	_, err = chain.Alloc(first)
	require.NoError(t, err)

	_, err = chain.Alloc(second)
	require.ErrorIs(t, err, metadata.ErrStaleRequest)
	require.NoError(t, chain.Validate())
}

func TestChainInvalidSize(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	_, err := chain.CreateAllocationRequest(0)
	require.Error(t, err)

	_, err = chain.CreateAllocationRequest(-8)
	require.Error(t, err)

	_, err = chain.CreateAllocationRequest(1 << 20)
	require.ErrorIs(t, err, arena.ErrOutOfMemory)
}

func TestChainDoubleFree(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 16)
	b := allocate(t, chain, 16)
	c := allocate(t, chain, 16)

	free(t, chain, b)
	require.ErrorIs(t, chain.Free(b), metadata.ErrDoubleFree)

	// b has been absorbed into a, but its old header still reads as vacant
	free(t, chain, a)
	require.ErrorIs(t, chain.Free(b), metadata.ErrDoubleFree)
	require.ErrorIs(t, chain.Free(a), metadata.ErrDoubleFree)

	free(t, chain, c)
	require.NoError(t, chain.Validate())
}

func TestChainInvalidAddress(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	require.ErrorIs(t, chain.Free(32), metadata.ErrInvalidAddress)

	a := allocate(t, chain, 64)

	require.ErrorIs(t, chain.Free(metadata.NullAddress), metadata.ErrInvalidAddress)
	require.ErrorIs(t, chain.Free(a+1), metadata.ErrInvalidAddress)
	require.ErrorIs(t, chain.Free(a+4096), metadata.ErrInvalidAddress)
	require.ErrorIs(t, chain.CheckIntegrity(8), metadata.ErrInvalidAddress)

	// Aligned and inside the arena, but no header precedes it
	require.ErrorIs(t, chain.Free(a+16), metadata.ErrCorruption)

	require.NoError(t, chain.Validate())
	require.Equal(t, 1, chain.AllocationCount())
}

func TestChainTagCorruption(t *testing.T) {
	chain, source := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 8)
	b := allocate(t, chain, 8)
	require.NoError(t, chain.CheckCorruption())

	// Overrun a's payload into b's integrity tag
	headerB := int(b) - metadata.HeaderSize
	binary.LittleEndian.PutUint64(source.Bytes()[headerB+24:], 0x4141414141414141)

	require.ErrorIs(t, chain.CheckIntegrity(b), metadata.ErrCorruption)
	require.ErrorIs(t, chain.Free(b), metadata.ErrCorruption)
	require.ErrorIs(t, chain.CheckCorruption(), metadata.ErrCorruption)
	require.Error(t, chain.Validate())

	_, err := chain.Capacity(b)
	require.ErrorIs(t, err, metadata.ErrCorruption)

	// a is intact, but freeing it walks the chain into b
	require.NoError(t, chain.CheckIntegrity(a))
	require.ErrorIs(t, chain.Free(a), metadata.ErrCorruption)
}

func TestChainFreeLeavesBlockOnCorruptChain(t *testing.T) {
	chain, source := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 8)
	_ = allocate(t, chain, 8)
	c := allocate(t, chain, 8)

	headerC := int(c) - metadata.HeaderSize
	binary.LittleEndian.PutUint64(source.Bytes()[headerC+24:], 0x4141414141414141)

	require.ErrorIs(t, chain.Free(a), metadata.ErrCorruption)
	require.Equal(t, 3, chain.AllocationCount())
	require.Equal(t, 0, chain.FreeRegionsCount())
	require.Equal(t, 0, chain.SumFreeSize())

	capacity, err := chain.Capacity(a)
	require.NoError(t, err)
	require.Equal(t, 8, capacity)
	require.NoError(t, chain.CheckIntegrity(a))

	err = chain.Free(a)
	require.ErrorIs(t, err, metadata.ErrCorruption)
	require.NotErrorIs(t, err, metadata.ErrDoubleFree)
}

func TestChainFreeFlagCorruption(t *testing.T) {
	chain, source := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 8)

	headerA := int(a) - metadata.HeaderSize
	binary.LittleEndian.PutUint64(source.Bytes()[headerA+8:], 7)

	require.ErrorIs(t, chain.Free(a), metadata.ErrCorruption)
}

func TestChainGrowthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	source.EXPECT().Break().Return(0).AnyTimes()
	source.EXPECT().Limit().Return(1024).AnyTimes()
	source.EXPECT().Bytes().Return([]byte{}).AnyTimes()
	source.EXPECT().Sbrk(136).Return(0, arena.ErrOutOfMemory)

	chain := metadata.NewChainBlockMetadata(metadata.AllocationStrategyMinTime)
	chain.Init(source)

	req, err := chain.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestGrow, req.Type)

	addr, err := chain.Alloc(req)
	require.ErrorIs(t, err, arena.ErrOutOfMemory)
	require.Equal(t, metadata.NullAddress, addr)

	require.Equal(t, 0, chain.Size())
	require.True(t, chain.IsEmpty())
	require.NoError(t, chain.Validate())

	_, err = chain.CreateAllocationRequest(1000)
	require.ErrorIs(t, err, arena.ErrOutOfMemory)
}

func TestChainStatistics(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 100)
	_ = allocate(t, chain, 200)
	free(t, chain, a)

	var stats memutils.Statistics
	chain.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      368,
		AllocationCount: 1,
		AllocationBytes: 200,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	chain.AddDetailedStatistics(&detailed)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics:         stats,
		UnusedRangeCount:   1,
		UnusedRangeBytes:   104,
		AllocationSizeMin:  200,
		AllocationSizeMax:  200,
		UnusedRangeSizeMin: 104,
		UnusedRangeSizeMax: 104,
	}, detailed)
	require.Equal(t, 64, detailed.OverheadBytes())
}

func TestChainJson(t *testing.T) {
	chain, _ := readyChain(t, metadata.AllocationStrategyMinTime)

	a := allocate(t, chain, 100)
	_ = allocate(t, chain, 200)
	free(t, chain, a)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	chain.BlockJsonData(&obj)
	chain.PrintDetailedMap(&obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 368,
		"UnusedBytes": 104,
		"HeaderBytes": 64,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Strategy": "AllocationStrategyMinTime",
		"Blocks": [
			{"Offset": 0, "Address": "0x20", "Size": 104, "Type": "FREE"},
			{"Offset": 136, "Address": "0xa8", "Size": 200, "Type": "USED"}
		]
	}`, string(writer.Bytes()))
}
