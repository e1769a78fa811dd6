package forest

import (
	"github.com/gjkennedy/tmr/octant"
)

// ancestorAt returns the ancestor of o at the given coarser level. The
// coordinate masking also applies to neighbor octants lying just outside
// the block cube, where two's-complement masking yields the adjacent
// coarse cell.
func ancestorAt(o octant.Octant, level int32) octant.Octant {
	h := int32(1) << (octant.MaxLevel - level)
	mask := ^(h - 1)
	return octant.Octant{
		Block: o.Block,
		X:     o.X & mask,
		Y:     o.Y & mask,
		Z:     o.Z & mask,
		Level: level,
		Tag:   o.Tag,
	}
}

// balanceState carries the per-rank working set of one Balance call.
type balanceState struct {
	f     *Forest
	hash  []*octant.Hash // level-keyed candidate set per block
	queue *octant.Queue
	pend  [][]octant.Octant // outgoing candidates per destination rank
}

// Balance enforces the 2:1 condition: adjacent leaves differ by at most
// one level across faces, and also across edges and corners when
// balanceCorner is set. The ripple inserts coarse-neighbor requirements
// through the topology graph, exchanging cross-rank candidates until a
// global reduction reports quiescence, then rebuilds each held region as
// the minimal partition resolving the required set. Balance is
// idempotent and independent of exchange ordering.
func (f *Forest) Balance(balanceCorner bool) {
	if f.rk.AllReduceInt(f.NumLocalLeaves()) == 0 {
		f.rk.Abortf("forest: Balance on an empty forest")
	}
	f.invalidateNodes()

	st := &balanceState{
		f:     f,
		hash:  make([]*octant.Hash, f.topo.NumBlocks),
		queue: octant.NewQueue(1024),
	}
	st.resetPend()

	// Seed from every local leaf.
	for _, b := range f.heldBlocks() {
		for _, o := range f.trees[b].Octs {
			st.seedNeighbors(o, balanceCorner)
		}
	}

	for {
		for st.queue.Len() > 0 {
			st.seedNeighbors(st.queue.Pop(), balanceCorner)
		}
		recv := f.rk.ExchangeOctants(st.pend)
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

	// Finalize: per held block, the union of original leaves and
	// candidates is the required set; each original leaf region becomes
	// the minimal partition resolving it.
	for _, b := range f.heldBlocks() {
		req := octant.NewArray(f.trees[b].Len())
		req.Octs = append(req.Octs, f.trees[b].Octs...)
		if st.hash[b] != nil {
			req.Octs = append(req.Octs, st.hash[b].Octants()...)
		}
		req.UniqueSort()

		balanced := octant.NewArray(req.Len())
		for _, leaf := range f.trees[b].Octs {
			completeRegion(balanced, leaf, req)
		}
		f.trees[b] = balanced
	}
	f.checkPartition()
}

func (st *balanceState) resetPend() {
	st.pend = make([][]octant.Octant, st.f.rk.Size())
}

// seedNeighbors adds the coarse-neighbor requirements implied by o: any
// leaf adjacent to o must reach at least level(o)-1. Neighbors inside
// o's parent are siblings' regions and already satisfy the condition.
func (st *balanceState) seedNeighbors(o octant.Octant, balanceCorner bool) {
	if o.Level < 1 {
		return
	}
	p := o.Parent()
	level := o.Level - 1
	for face := 0; face < 6; face++ {
		n := o.FaceNeighbor(face)
		if p.Contains(n) {
			continue
		}
		st.addCandidate(ancestorAt(n, level))
	}
	if !balanceCorner {
		return
	}
	for edge := 0; edge < 12; edge++ {
		n := o.EdgeNeighbor(edge)
		if p.Contains(n) {
			continue
		}
		st.addCandidate(ancestorAt(n, level))
	}
	for corner := 0; corner < 8; corner++ {
		n := o.CornerNeighbor(corner)
		if p.Contains(n) {
			continue
		}
		st.addCandidate(ancestorAt(n, level))
	}
}

// addCandidate routes a required octant, possibly outside its block,
// into the candidate sets of every block containing an image of it.
func (st *balanceState) addCandidate(c octant.Octant) {
	f := st.f
	for _, img := range f.topo.CellImages(c) {
		if f.holds(img.Block) {
			st.insert(img, true)
			continue
		}
		// Blind insert for a block this rank never sees: dedup only.
		b := img.Block
		if st.hash[b] == nil {
			st.hash[b] = octant.NewLevelHash(64)
		}
		if st.hash[b].Add(img) {
			for _, r := range f.holders[b] {
				st.pend[r] = append(st.pend[r], img)
			}
		}
	}
}

// insert records a candidate for a held block, queues its ripple, and
// forwards it to co-holders. Candidates already resolved by the existing
// leaves are pruned. Reports whether the candidate was new.
func (st *balanceState) insert(q octant.Octant, forward bool) bool {
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
		st.hash[b] = octant.NewLevelHash(64)
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
