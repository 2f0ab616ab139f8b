package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/heapkit/memutils"
)

// Counters returns the number of successful allocations and frees performed over the
// Allocator's lifetime, including those performed internally by Resize
func (a *Allocator) Counters() (allocations, frees int) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	return a.totalAllocations, a.totalFrees
}

// Statistics sums up the current state of the arena
func (a *Allocator) Statistics() memutils.DetailedStatistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.metadata.AddDetailedStatistics(&stats)
	return stats
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedRangeBytes").Int(stats.UnusedRangeBytes)
	json.Name("OverheadBytes").Int(stats.OverheadBytes())

	if stats.AllocationCount > 0 {
		sizes := json.Name("AllocationSize").Object()
		sizes.Name("Min").Int(stats.AllocationSizeMin)
		sizes.Name("Max").Int(stats.AllocationSizeMax)
		sizes.End()
	}

	if stats.UnusedRangeCount > 0 {
		sizes := json.Name("UnusedRangeSize").Object()
		sizes.Name("Min").Int(stats.UnusedRangeSizeMin)
		sizes.Name("Max").Int(stats.UnusedRangeSizeMax)
		sizes.End()
	}
}

// BuildStatsString returns a JSON document describing the Allocator. When detailedMap is true,
// the document lists every block in the arena.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkShutDown()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.metadata.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("Flags").String(a.createFlags.String())
	general.Name("Strategy").String(a.metadata.Strategy().String())
	general.Name("TotalAllocations").Int(a.totalAllocations)
	general.Name("TotalFrees").Int(a.totalFrees)
	general.End()

	total := root.Name("Total").Object()
	printDetailedStatistics(&total, &stats)
	total.End()

	arenaObj := root.Name("Arena").Object()
	a.metadata.BlockJsonData(&arenaObj)
	if detailedMap {
		a.metadata.PrintDetailedMap(&arenaObj)
	}
	arenaObj.End()

	root.End()
	return string(writer.Bytes())
}
