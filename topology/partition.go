package topology

import (
	"fmt"

	metis "github.com/notargets/go-metis"
	"github.com/notargets/gocfd/utils"
)

// Distribute assigns blocks to ranks in contiguous slices of the block
// index range, at most one block of imbalance. Ranks beyond the block
// count own nothing.
func (t *Topology) Distribute(numRanks int) {
	if numRanks < 1 {
		panic("topology: Distribute with no ranks")
	}
	t.BlockOwners = make([]int, t.NumBlocks)
	if numRanks > t.NumBlocks {
		for b := range t.BlockOwners {
			t.BlockOwners[b] = b
		}
		return
	}
	pm := utils.NewPartitionMap(numRanks, t.NumBlocks)
	for b := 0; b < t.NumBlocks; b++ {
		rank, _, _ := pm.GetBucket(b)
		t.BlockOwners[b] = rank
	}
}

// PartitionBlocks assigns blocks to ranks by a METIS k-way partition of
// the face-adjacency graph, minimizing the inter-rank interface. Falls
// back to Distribute for fewer than two ranks or a single block.
func (t *Topology) PartitionBlocks(numRanks int) error {
	if numRanks < 2 || t.NumBlocks < 2 {
		t.Distribute(numRanks)
		return nil
	}
	if numRanks > t.NumBlocks {
		t.Distribute(numRanks)
		return nil
	}

	xadj := make([]int32, t.NumBlocks+1)
	var adjncy []int32
	for b := 0; b < t.NumBlocks; b++ {
		for f := 0; f < 6; f++ {
			for _, adj := range t.faceNeighbors[int32(b)][f] {
				if int(adj.Block) != b {
					adjncy = append(adjncy, adj.Block)
				}
			}
		}
		xadj[b+1] = int32(len(adjncy))
	}

	opts := make([]int32, metis.NoOptions)
	if err := metis.SetDefaultOptions(opts); err != nil {
		return fmt.Errorf("topology: METIS options: %w", err)
	}
	opts[metis.OptionObjType] = metis.ObjTypeCut

	ubvec := []float32{1.05}
	part, _, err := metis.PartGraphKwayWeighted(
		xadj, adjncy, nil, nil, int32(numRanks), nil, ubvec, opts)
	if err != nil {
		return fmt.Errorf("topology: METIS partition: %w", err)
	}

	t.BlockOwners = make([]int, t.NumBlocks)
	for b := 0; b < t.NumBlocks; b++ {
		t.BlockOwners[b] = int(part[b])
	}
	return nil
}
