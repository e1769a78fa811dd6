package forest

import (
	"github.com/gjkennedy/tmr/octant"
	"github.com/notargets/gocfd/utils"
)

// PartitionStats summarizes the leaf distribution across ranks.
type PartitionStats struct {
	NumRanks  int
	MinLeaves int
	MaxLeaves int
	AvgLeaves float64
	Imbalance float64 // MaxLeaves / AvgLeaves
}

// PartitionStatistics gathers the per-rank leaf counts and computes the
// load-balance metrics. Collective.
func (f *Forest) PartitionStatistics() PartitionStats {
	counts := f.rk.AllGatherInt(f.NumLocalLeaves())
	stats := PartitionStats{
		NumRanks:  f.rk.Size(),
		MinLeaves: counts[0],
		MaxLeaves: counts[0],
	}
	total := 0
	for _, n := range counts {
		total += n
		if n < stats.MinLeaves {
			stats.MinLeaves = n
		}
		if n > stats.MaxLeaves {
			stats.MaxLeaves = n
		}
	}
	stats.AvgLeaves = float64(total) / float64(stats.NumRanks)
	if stats.AvgLeaves > 0 {
		stats.Imbalance = float64(stats.MaxLeaves) / stats.AvgLeaves
	}
	return stats
}

// Repartition redistributes the leaves along the global space-filling
// curve: leaves are ordered by (block, Morton), each rank is assigned a
// contiguous slice with at most one leaf of imbalance, and octants move
// to their new owners in a single all-to-all exchange. A block whose
// slice straddles a cut becomes shared between the straddling ranks; its
// routing owner is the rank holding the most of its leaves, lowest rank
// on ties.
func (f *Forest) Repartition() {
	rk := f.rk
	size := rk.Size()
	nb := f.topo.NumBlocks

	// Global per-block leaf counts and this rank's position within each
	// block's Morton order. Rank order within a block coincides with
	// Morton order because slices are always assigned ascending.
	totals := make([]int, nb)
	myStarts := make([]int, nb)
	offsets := make([]int, nb+1)
	total := 0
	for b := 0; b < nb; b++ {
		n := 0
		if f.trees[b] != nil {
			n = f.trees[b].Len()
		}
		totals[b] = rk.AllReduceInt(n)
		myStarts[b] = rk.ExScanInt(n)
		offsets[b] = total
		total += totals[b]
	}
	offsets[nb] = total
	if total == 0 {
		rk.Abortf("forest: Repartition on an empty forest")
	}
	f.invalidateNodes()

	pm := utils.NewPartitionMap(size, total)
	out := make([][]octant.Octant, size)
	for _, b := range f.heldBlocks() {
		base := offsets[b] + myStarts[b]
		for i, o := range f.trees[b].Octs {
			dest, _, _ := pm.GetBucket(base + i)
			out[dest] = append(out[dest], o)
		}
	}
	recv := rk.ExchangeOctants(out)

	trees := make([]*octant.Array, nb)
	for _, o := range recv {
		if trees[o.Block] == nil {
			trees[o.Block] = octant.NewArray(64)
		}
		trees[o.Block].Append(o)
	}
	for _, t := range trees {
		if t != nil {
			t.Sort()
		}
	}
	f.trees = trees

	// Recompute holders and routing owners from the slice layout; every
	// rank derives the same answer.
	for b := 0; b < nb; b++ {
		if totals[b] == 0 {
			continue
		}
		bBegin, bEnd := offsets[b], offsets[b]+totals[b]
		var holders []int
		best, bestOverlap := -1, 0
		for r := 0; r < size; r++ {
			rBegin, rEnd := pm.GetBucketRange(r)
			lo, hi := bBegin, bEnd
			if rBegin > lo {
				lo = rBegin
			}
			if rEnd < hi {
				hi = rEnd
			}
			if hi <= lo {
				continue
			}
			holders = append(holders, r)
			if hi-lo > bestOverlap {
				best, bestOverlap = r, hi-lo
			}
		}
		f.holders[b] = holders
		f.owners[b] = best
	}
	f.checkPartition()
}
