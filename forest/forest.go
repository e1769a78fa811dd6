// Package forest implements the distributed octree forest: a set of
// octrees keyed by block index, distributed over the ranks of a Runtime,
// with refinement, 2:1 balancing, space-filling-curve repartitioning,
// and global node numbering with dependent-node constraints.
package forest

import (
	"fmt"
	"math/rand"

	"github.com/gjkennedy/tmr/comm"
	"github.com/gjkennedy/tmr/octant"
	"github.com/gjkennedy/tmr/topology"
)

// ElementCreator is the pluggable hook invoked for each local element
// during CreateMeshConn. It receives the element order, the leaf octant,
// and the element's global node indices (dependent nodes encoded as
// -(dep+1)), and returns an opaque element handle for the caller's
// assembler.
type ElementCreator func(order int, o octant.Octant, conn []int64) interface{}

// Forest is one rank's portion of the distributed forest. All octrees
// held by the rank are mutable only through this value, and only the
// collective operations (Balance, Repartition, CreateNodes) communicate.
type Forest struct {
	rk   *comm.Rank
	topo *topology.Topology

	// trees[b] holds this rank's leaves of block b, sorted; nil when the
	// rank holds none.
	trees []*octant.Array

	// holders[b] lists the ranks holding leaves of block b, ascending by
	// rank and by Morton position of their slice. owners[b] is the
	// routing owner: the majority holder, lowest rank on ties.
	holders [][]int
	owners  []int

	// Node state from the last CreateNodes call.
	order   int
	nodes   *nodeData
	creator ElementCreator
}

// New creates this rank's view of a forest over the given topology.
// Initial block ownership follows the topology's block-to-rank map.
func New(rk *comm.Rank, topo *topology.Topology) (*Forest, error) {
	if topo.NumBlocks == 0 {
		return nil, fmt.Errorf("forest: topology has no blocks")
	}
	if len(topo.BlockOwners) != topo.NumBlocks {
		return nil, fmt.Errorf("forest: topology has no block-to-rank map")
	}
	f := &Forest{
		rk:      rk,
		topo:    topo,
		trees:   make([]*octant.Array, topo.NumBlocks),
		holders: make([][]int, topo.NumBlocks),
		owners:  make([]int, topo.NumBlocks),
	}
	for b := 0; b < topo.NumBlocks; b++ {
		owner := topo.BlockOwners[b]
		if owner < 0 || owner >= rk.Size() {
			return nil, fmt.Errorf("forest: block %d assigned to rank %d of %d",
				b, owner, rk.Size())
		}
		f.owners[b] = owner
		f.holders[b] = []int{owner}
	}
	return f, nil
}

// Rank returns the communication handle.
func (f *Forest) Rank() *comm.Rank {
	return f.rk
}

// Topology returns the shared block-topology graph.
func (f *Forest) Topology() *topology.Topology {
	return f.topo
}

// SetElementCreator installs the element hook used by CreateMeshConn.
func (f *Forest) SetElementCreator(fn ElementCreator) {
	f.creator = fn
}

func (f *Forest) holds(block int32) bool {
	return f.trees[block] != nil
}

func (f *Forest) invalidateNodes() {
	f.nodes = nil
	f.order = 0
}

// heldBlocks returns the block ids this rank holds, ascending.
func (f *Forest) heldBlocks() []int32 {
	var out []int32
	for b, t := range f.trees {
		if t != nil {
			out = append(out, int32(b))
		}
	}
	return out
}

// CreateTrees initializes each owned block's octree at a uniform
// refinement depth.
func (f *Forest) CreateTrees(level int32) error {
	levels := make([]int32, f.topo.NumBlocks)
	for b := range levels {
		levels[b] = level
	}
	return f.CreateTreesRefined(levels)
}

// CreateTreesRefined initializes each owned block's octree as a single
// level-0 octant refined to the block's requested depth.
func (f *Forest) CreateTreesRefined(levels []int32) error {
	if len(levels) != f.topo.NumBlocks {
		return fmt.Errorf("forest: %d refinement levels for %d blocks",
			len(levels), f.topo.NumBlocks)
	}
	for b, lev := range levels {
		if lev < 0 || lev > octant.MaxLevel {
			return fmt.Errorf("forest: block %d refinement level %d", b, lev)
		}
	}
	f.invalidateNodes()
	for b := range f.trees {
		f.trees[b] = nil
		f.holders[b] = []int{f.owners[b]}
		if f.owners[b] != f.rk.ID() {
			continue
		}
		root := octant.Octant{Block: int32(b)}
		hint := levels[b]
		if hint > 5 {
			hint = 5
		}
		a := octant.NewArray(1 << (3 * hint))
		appendUniform(a, root, levels[b])
		f.trees[b] = a
	}
	return nil
}

// appendUniform emits the uniform refinement of o to the target level in
// Morton order.
func appendUniform(a *octant.Array, o octant.Octant, level int32) {
	if o.Level >= level {
		a.Append(o)
		return
	}
	for k := 0; k < 8; k++ {
		appendUniform(a, o.Child(k), level)
	}
}

// CreateRandomTrees builds a randomized partition of each owned block
// for testing: n random octants with levels in [minLev, maxLev] form a
// required set, and each block becomes the minimal leaf partition
// resolving it.
func (f *Forest) CreateRandomTrees(n int, minLev, maxLev int32, seed int64) error {
	if n < 1 || minLev < 0 || maxLev < minLev || maxLev > octant.MaxLevel {
		return fmt.Errorf("forest: random trees n=%d levels [%d,%d]", n, minLev, maxLev)
	}
	f.invalidateNodes()
	for b := range f.trees {
		f.trees[b] = nil
		f.holders[b] = []int{f.owners[b]}
		if f.owners[b] != f.rk.ID() {
			continue
		}
		rng := rand.New(rand.NewSource(seed + int64(b)))
		req := octant.NewArray(n)
		for i := 0; i < n; i++ {
			lev := minLev + rng.Int31n(maxLev-minLev+1)
			h := int32(1) << (octant.MaxLevel - lev)
			req.Append(octant.Octant{
				Block: int32(b),
				X:     rng.Int31n(1<<lev) * h,
				Y:     rng.Int31n(1<<lev) * h,
				Z:     rng.Int31n(1<<lev) * h,
				Level: lev,
			})
		}
		req.UniqueSort()
		a := octant.NewArray(8 * n)
		completeRegion(a, octant.Octant{Block: int32(b)}, req)
		f.trees[b] = a
	}
	return nil
}

// completeRegion emits the minimal partition of region c that resolves
// every member of the required set to at least its own level.
func completeRegion(out *octant.Array, c octant.Octant, req *octant.Array) {
	if req.HasDescendant(c) {
		for k := 0; k < 8; k++ {
			completeRegion(out, c.Child(k), req)
		}
		return
	}
	out.Append(c)
}

// Refine replaces leaves by their children until each reaches its target
// level. levels is indexed by the rank's leaves in SFC order; a nil
// argument refines every leaf one level.
func (f *Forest) Refine(levels []int32) error {
	if levels != nil && len(levels) != f.NumLocalLeaves() {
		return fmt.Errorf("forest: %d refinement targets for %d leaves",
			len(levels), f.NumLocalLeaves())
	}
	f.invalidateNodes()
	k := 0
	for _, b := range f.heldBlocks() {
		old := f.trees[b]
		a := octant.NewArray(2 * old.Len())
		for _, o := range old.Octs {
			target := o.Level + 1
			if levels != nil {
				target = levels[k]
			}
			k++
			if target > octant.MaxLevel {
				return fmt.Errorf("forest: refinement target %d exceeds max level", target)
			}
			appendUniform(a, o, target)
		}
		f.trees[b] = a
	}
	return nil
}

// Coarsen returns a new forest in which every complete set of eight
// sibling leaves is collapsed into its parent; leaves with missing
// siblings stay, as does a sibling set straddling a rank cut. The result
// keeps this forest's block distribution.
func (f *Forest) Coarsen() (*Forest, error) {
	c := &Forest{
		rk:      f.rk,
		topo:    f.topo,
		trees:   make([]*octant.Array, f.topo.NumBlocks),
		holders: make([][]int, f.topo.NumBlocks),
		owners:  append([]int(nil), f.owners...),
	}
	for b := range f.holders {
		c.holders[b] = append([]int(nil), f.holders[b]...)
	}
	for _, b := range f.heldBlocks() {
		a := octant.NewArray(f.trees[b].Len())
		a.Octs = append(a.Octs, f.trees[b].Octs...)
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
func (f *Forest) Leaves() []octant.Octant {
	out := make([]octant.Octant, 0, f.NumLocalLeaves())
	for _, b := range f.heldBlocks() {
		out = append(out, f.trees[b].Octs...)
	}
	return out
}

// BlockLeaves returns this rank's leaves of one block (nil when the rank
// holds none). The slice aliases forest storage.
func (f *Forest) BlockLeaves(block int32) []octant.Octant {
	if f.trees[block] == nil {
		return nil
	}
	return f.trees[block].Octs
}

// BlockOwner returns the routing owner of a block.
func (f *Forest) BlockOwner(block int32) int {
	return f.owners[block]
}

// BlockHolders returns the ranks holding leaves of a block.
func (f *Forest) BlockHolders(block int32) []int {
	return f.holders[block]
}

// leafLevelAt searches this rank's leaves and the ghost layer for the
// leaf covering q, returning its level.
func (f *Forest) leafLevelAt(q octant.Octant, ghosts []*octant.Array) (int32, bool) {
	if t := f.trees[q.Block]; t != nil {
		if leaf, ok := t.FindContaining(q); ok {
			return leaf.Level, true
		}
	}
	if g := ghosts[q.Block]; g != nil {
		if leaf, ok := g.FindContaining(q); ok {
			return leaf.Level, true
		}
	}
	return 0, false
}

// checkPartition verifies that the leaves of every held block tile their
// regions without overlap: sorted order with no containment.
func (f *Forest) checkPartition() {
	for _, b := range f.heldBlocks() {
		octs := f.trees[b].Octs
		for i := 1; i < len(octs); i++ {
			if octs[i-1].Contains(octs[i]) {
				f.rk.Abortf("forest: block %d leaves overlap: %+v contains %+v",
					b, octs[i-1], octs[i])
			}
			if octant.Compare(octs[i-1], octs[i]) >= 0 {
				f.rk.Abortf("forest: block %d leaves out of order", b)
			}
		}
	}
}
