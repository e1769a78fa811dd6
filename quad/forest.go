// Package quad implements the quadtree forest: the 2D analogue of the
// octree forest, with quad blocks glued along edges and corners, 2:1
// edge balance, SFC repartitioning and node numbering with hanging edge
// nodes.
package quad

import (
	"fmt"
	"math/rand"

	"github.com/gjkennedy/tmr/comm"
	"github.com/gjkennedy/tmr/octant"
	"github.com/gjkennedy/tmr/topology"
	"github.com/notargets/gocfd/utils"
)

// Forest is one rank's portion of a distributed quadtree forest.
type Forest struct {
	rk   *comm.Rank
	topo *topology.Topology2D

	trees   []*octant.QuadArray
	holders [][]int
	owners  []int

	order int
	nodes *nodeData
}

// New creates this rank's view of a quad forest over the given topology.
func New(rk *comm.Rank, topo *topology.Topology2D) (*Forest, error) {
	if topo.NumBlocks == 0 {
		return nil, fmt.Errorf("quad: topology has no blocks")
	}
	if len(topo.BlockOwners) != topo.NumBlocks {
		return nil, fmt.Errorf("quad: topology has no block-to-rank map")
	}
	f := &Forest{
		rk:      rk,
		topo:    topo,
		trees:   make([]*octant.QuadArray, topo.NumBlocks),
		holders: make([][]int, topo.NumBlocks),
		owners:  make([]int, topo.NumBlocks),
	}
	for b := 0; b < topo.NumBlocks; b++ {
		owner := topo.BlockOwners[b]
		if owner < 0 || owner >= rk.Size() {
			return nil, fmt.Errorf("quad: block %d assigned to rank %d of %d",
				b, owner, rk.Size())
		}
		f.owners[b] = owner
		f.holders[b] = []int{owner}
	}
	return f, nil
}

func (f *Forest) holds(block int32) bool {
	return f.trees[block] != nil
}

func (f *Forest) invalidateNodes() {
	f.nodes = nil
	f.order = 0
}

func (f *Forest) heldBlocks() []int32 {
	var out []int32
	for b, t := range f.trees {
		if t != nil {
			out = append(out, int32(b))
		}
	}
	return out
}

// CreateTrees initializes each owned block at a uniform depth.
func (f *Forest) CreateTrees(level int32) error {
	levels := make([]int32, f.topo.NumBlocks)
	for b := range levels {
		levels[b] = level
	}
	return f.CreateTreesRefined(levels)
}

// CreateTreesRefined initializes each owned block at its requested
// depth.
func (f *Forest) CreateTreesRefined(levels []int32) error {
	if len(levels) != f.topo.NumBlocks {
		return fmt.Errorf("quad: %d refinement levels for %d blocks",
			len(levels), f.topo.NumBlocks)
	}
	for b, lev := range levels {
		if lev < 0 || lev > octant.MaxLevel {
			return fmt.Errorf("quad: block %d refinement level %d", b, lev)
		}
	}
	f.invalidateNodes()
	for b := range f.trees {
		f.trees[b] = nil
		f.holders[b] = []int{f.owners[b]}
		if f.owners[b] != f.rk.ID() {
			continue
		}
		hint := levels[b]
		if hint > 7 {
			hint = 7
		}
		a := octant.NewQuadArray(1 << (2 * hint))
		appendUniform(a, octant.Quadrant{Block: int32(b)}, levels[b])
		f.trees[b] = a
	}
	return nil
}

func appendUniform(a *octant.QuadArray, q octant.Quadrant, level int32) {
	if q.Level >= level {
		a.Append(q)
		return
	}
	for k := 0; k < 4; k++ {
		appendUniform(a, q.Child(k), level)
	}
}

// CreateRandomTrees builds a randomized partition of each owned block
// for testing.
func (f *Forest) CreateRandomTrees(n int, minLev, maxLev int32, seed int64) error {
	if n < 1 || minLev < 0 || maxLev < minLev || maxLev > octant.MaxLevel {
		return fmt.Errorf("quad: random trees n=%d levels [%d,%d]", n, minLev, maxLev)
	}
	f.invalidateNodes()
	for b := range f.trees {
		f.trees[b] = nil
		f.holders[b] = []int{f.owners[b]}
		if f.owners[b] != f.rk.ID() {
			continue
		}
		rng := rand.New(rand.NewSource(seed + int64(b)))
		req := octant.NewQuadArray(n)
		for i := 0; i < n; i++ {
			lev := minLev + rng.Int31n(maxLev-minLev+1)
			h := int32(1) << (octant.MaxLevel - lev)
			req.Append(octant.Quadrant{
				Block: int32(b),
				X:     rng.Int31n(1<<lev) * h,
				Y:     rng.Int31n(1<<lev) * h,
				Level: lev,
			})
		}
		req.UniqueSort()
		a := octant.NewQuadArray(4 * n)
		completeRegion(a, octant.Quadrant{Block: int32(b)}, req)
		f.trees[b] = a
	}
	return nil
}

// completeRegion emits the minimal partition of region c resolving the
// required set.
func completeRegion(out *octant.QuadArray, c octant.Quadrant, req *octant.QuadArray) {
	if req.HasDescendant(c) {
		for k := 0; k < 4; k++ {
			completeRegion(out, c.Child(k), req)
		}
		return
	}
	out.Append(c)
}

// Refine replaces leaves by their children until each reaches its target
// level; nil refines every leaf once.
func (f *Forest) Refine(levels []int32) error {
	if levels != nil && len(levels) != f.NumLocalLeaves() {
		return fmt.Errorf("quad: %d refinement targets for %d leaves",
			len(levels), f.NumLocalLeaves())
	}
	f.invalidateNodes()
	k := 0
	for _, b := range f.heldBlocks() {
		old := f.trees[b]
		a := octant.NewQuadArray(2 * old.Len())
		for _, q := range old.Quads {
			target := q.Level + 1
			if levels != nil {
				target = levels[k]
			}
			k++
			if target > octant.MaxLevel {
				return fmt.Errorf("quad: refinement target %d exceeds max level", target)
			}
			appendUniform(a, q, target)
		}
		f.trees[b] = a
	}
	return nil
}

// Coarsen returns a new forest with every complete sibling set collapsed
// one level.
func (f *Forest) Coarsen() (*Forest, error) {
	c := &Forest{
		rk:      f.rk,
		topo:    f.topo,
		trees:   make([]*octant.QuadArray, f.topo.NumBlocks),
		holders: make([][]int, f.topo.NumBlocks),
		owners:  append([]int(nil), f.owners...),
	}
	for b := range f.holders {
		c.holders[b] = append([]int(nil), f.holders[b]...)
	}
	for _, b := range f.heldBlocks() {
		a := octant.NewQuadArray(f.trees[b].Len())
		a.Quads = append(a.Quads, f.trees[b].Quads...)
		a.Coarsen()
		c.trees[b] = a
	}
	return c, nil
}

// NumLocalLeaves returns the number of leaves held by this rank.
func (f *Forest) NumLocalLeaves() int {
	n := 0
	for _, t := range f.trees {
		if t != nil {
			n += t.Len()
		}
	}
	return n
}

// Leaves returns a copy of this rank's leaves in SFC order.
func (f *Forest) Leaves() []octant.Quadrant {
	out := make([]octant.Quadrant, 0, f.NumLocalLeaves())
	for _, b := range f.heldBlocks() {
		out = append(out, f.trees[b].Quads...)
	}
	return out
}

func (f *Forest) checkPartition() {
	for _, b := range f.heldBlocks() {
		quads := f.trees[b].Quads
		for i := 1; i < len(quads); i++ {
			if quads[i-1].Contains(quads[i]) {
				f.rk.Abortf("quad: block %d leaves overlap", b)
			}
		}
	}
}

// ancestorAt returns the ancestor of q at a coarser level, with
// two's-complement masking carrying out-of-block neighbors to the
// adjacent coarse cell.
func ancestorAt(q octant.Quadrant, level int32) octant.Quadrant {
	h := int32(1) << (octant.MaxLevel - level)
	mask := ^(h - 1)
	return octant.Quadrant{
		Block: q.Block, X: q.X & mask, Y: q.Y & mask, Level: level, Tag: q.Tag,
	}
}

// balanceState carries the per-rank working set of one Balance call;
// the candidate sets are level-keyed so a coarse candidate cannot mask
// a finer one at the same origin.
type balanceState struct {
	f     *Forest
	hash  []*octant.QuadHash
	queue *octant.QuadQueue
	pend  [][]octant.Quadrant
}

// Balance enforces the 2:1 condition across edges, and across corners
// when balanceCorner is set.
func (f *Forest) Balance(balanceCorner bool) {
	if f.rk.AllReduceInt(f.NumLocalLeaves()) == 0 {
		f.rk.Abortf("quad: Balance on an empty forest")
	}
	f.invalidateNodes()

	st := &balanceState{
		f:     f,
		hash:  make([]*octant.QuadHash, f.topo.NumBlocks),
		queue: octant.NewQuadQueue(1024),
	}
	st.resetPend()

	for _, b := range f.heldBlocks() {
		for _, q := range f.trees[b].Quads {
			st.seedNeighbors(q, balanceCorner)
		}
	}
	for {
		for st.queue.Len() > 0 {
			st.seedNeighbors(st.queue.Pop(), balanceCorner)
		}
		recv := f.rk.ExchangeQuadrants(st.pend)
		st.resetPend()
		newly := 0
		for _, q := range recv {
			if !f.holds(q.Block) {
				continue
			}
			if st.insert(q, false) {
				newly++
			}
		}
		if f.rk.AllReduceInt(newly) == 0 {
			break
		}
	}

	for _, b := range f.heldBlocks() {
		req := octant.NewQuadArray(f.trees[b].Len())
		req.Quads = append(req.Quads, f.trees[b].Quads...)
		if st.hash[b] != nil {
			req.Quads = append(req.Quads, st.hash[b].Quadrants()...)
		}
		req.UniqueSort()

		balanced := octant.NewQuadArray(req.Len())
		for _, leaf := range f.trees[b].Quads {
			completeRegion(balanced, leaf, req)
		}
		f.trees[b] = balanced
	}
	f.checkPartition()
}

func (st *balanceState) resetPend() {
	st.pend = make([][]octant.Quadrant, st.f.rk.Size())
}

func (st *balanceState) seedNeighbors(q octant.Quadrant, balanceCorner bool) {
	if q.Level < 1 {
		return
	}
	p := q.Parent()
	level := q.Level - 1
	for edge := 0; edge < 4; edge++ {
		n := q.EdgeNeighbor(edge)
		if p.Contains(n) {
			continue
		}
		st.addCandidate(ancestorAt(n, level))
	}
	if !balanceCorner {
		return
	}
	for corner := 0; corner < 4; corner++ {
		n := q.CornerNeighbor(corner)
		if p.Contains(n) {
			continue
		}
		st.addCandidate(ancestorAt(n, level))
	}
}

func (st *balanceState) addCandidate(c octant.Quadrant) {
	f := st.f
	for _, img := range f.topo.CellImages(c) {
		if f.holds(img.Block) {
			st.insert(img, true)
			continue
		}
		b := img.Block
		if st.hash[b] == nil {
			st.hash[b] = octant.NewQuadLevelHash(64)
		}
		if st.hash[b].Add(img) {
			for _, r := range f.holders[b] {
				st.pend[r] = append(st.pend[r], img)
			}
		}
	}
}

func (st *balanceState) insert(q octant.Quadrant, forward bool) bool {
	f := st.f
	b := q.Block
	if t := f.trees[b]; t != nil {
		if leaf, ok := t.FindContaining(q); ok && leaf.Level >= q.Level {
			return false
		} else if !ok && t.HasDescendant(q) {
			return false
		}
	}
	if st.hash[b] == nil {
		st.hash[b] = octant.NewQuadLevelHash(64)
	}
	if !st.hash[b].Add(q) {
		return false
	}
	st.queue.Push(q)
	if forward {
		for _, r := range f.holders[b] {
			if r != f.rk.ID() {
				st.pend[r] = append(st.pend[r], q)
			}
		}
	}
	return true
}

// Repartition redistributes leaves along the global SFC, mirroring the
// octree forest.
func (f *Forest) Repartition() {
	rk := f.rk
	size := rk.Size()
	nb := f.topo.NumBlocks

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
		rk.Abortf("quad: Repartition on an empty forest")
	}
	f.invalidateNodes()

	pm := utils.NewPartitionMap(size, total)
	out := make([][]octant.Quadrant, size)
	for _, b := range f.heldBlocks() {
		base := offsets[b] + myStarts[b]
		for i, q := range f.trees[b].Quads {
			dest, _, _ := pm.GetBucket(base + i)
			out[dest] = append(out[dest], q)
		}
	}
	recv := rk.ExchangeQuadrants(out)

	trees := make([]*octant.QuadArray, nb)
	for _, q := range recv {
		if trees[q.Block] == nil {
			trees[q.Block] = octant.NewQuadArray(64)
		}
		trees[q.Block].Append(q)
	}
	for _, t := range trees {
		if t != nil {
			t.Sort()
		}
	}
	f.trees = trees

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
