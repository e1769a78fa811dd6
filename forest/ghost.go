package forest

import (
	"github.com/gjkennedy/tmr/octant"
)

// ghostLeaves exchanges the boundary leaf layer. Each rank sends, in the
// leaves' own block frames, every leaf touching a shared block face,
// edge or corner to the holders of the blocks on the other side, and all
// leaves of straddling blocks to their co-holders. The result maps block
// id to the sorted remote leaves of that block, ready for
// FindContaining queries alongside the local trees.
func (f *Forest) ghostLeaves() []*octant.Array {
	out := make([][]octant.Octant, f.rk.Size())
	me := f.rk.ID()

	for _, b := range f.heldBlocks() {
		shared := len(f.holders[b]) > 1
		for _, o := range f.trees[b].Octs {
			dests := make(map[int]bool)
			if shared {
				for _, r := range f.holders[b] {
					dests[r] = true
				}
			}
			h := o.Side()
			onLow := [3]bool{o.X == 0, o.Y == 0, o.Z == 0}
			onHigh := [3]bool{
				o.X+h == octant.Hmax,
				o.Y+h == octant.Hmax,
				o.Z+h == octant.Hmax,
			}
			touches := func(axis, side int) bool {
				if side == 0 {
					return onLow[axis]
				}
				return onHigh[axis]
			}
			for face := 0; face < 6; face++ {
				if !touches(face>>1, face&1) {
					continue
				}
				for _, adj := range f.topo.FaceNeighbors(b, face) {
					for _, r := range f.holders[adj.Block] {
						dests[r] = true
					}
				}
			}
			for edge := 0; edge < 12; edge++ {
				a0, a1 := edgeTransverse(edge)
				if !touches(a0, edge&1) || !touches(a1, (edge>>1)&1) {
					continue
				}
				for _, inc := range f.topo.EdgeIncidences(b, edge) {
					for _, r := range f.holders[inc.Block] {
						dests[r] = true
					}
				}
			}
			for corner := 0; corner < 8; corner++ {
				if !touches(0, corner&1) || !touches(1, (corner>>1)&1) ||
					!touches(2, (corner>>2)&1) {
					continue
				}
				for _, inc := range f.topo.CornerIncidences(b, corner) {
					for _, r := range f.holders[inc.Block] {
						dests[r] = true
					}
				}
			}
			for r := range dests {
				if r != me {
					out[r] = append(out[r], o)
				}
			}
		}
	}

	recv := f.rk.ExchangeOctants(out)
	ghosts := make([]*octant.Array, f.topo.NumBlocks)
	for _, o := range recv {
		if ghosts[o.Block] == nil {
			ghosts[o.Block] = octant.NewArray(64)
		}
		ghosts[o.Block].Append(o)
	}
	for _, g := range ghosts {
		if g != nil {
			g.UniqueSort()
		}
	}
	return ghosts
}

// edgeTransverse returns the two axes perpendicular to a local edge, in
// the bit order of the edge numbering.
func edgeTransverse(edge int) (int, int) {
	switch edge >> 2 {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}
