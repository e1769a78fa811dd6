package quad

import (
	"fmt"
	"sort"

	"github.com/gjkennedy/tmr/basis"
	"github.com/gjkennedy/tmr/comm"
	"github.com/gjkennedy/tmr/octant"
)

// Node is one entry of the per-rank node array after CreateNodes.
type Node struct {
	Block int32
	X, Y  int32
	Owner int
	Index int64
}

type nodeData struct {
	order int
	lag   *basis.Lagrange1D

	hash  []*octant.QuadHash
	index [][]int64
	owner [][]int32
	dep   [][]int32

	deps     []depConstraint
	depNodes []octant.Quadrant

	numOwned   int
	ownedBegin int64
	ownedEnd   int64
}

type depConstraint struct {
	targets []octant.Quadrant
	weights []float64
}

// ghostLeaves exchanges the boundary leaf layer, mirroring the octree
// forest.
func (f *Forest) ghostLeaves() []*octant.QuadArray {
	out := make([][]octant.Quadrant, f.rk.Size())
	me := f.rk.ID()

	for _, b := range f.heldBlocks() {
		shared := len(f.holders[b]) > 1
		for _, q := range f.trees[b].Quads {
			dests := make(map[int]bool)
			if shared {
				for _, r := range f.holders[b] {
					dests[r] = true
				}
			}
			h := q.Side()
			touches := func(axis, side int) bool {
				c := q.X
				if axis == 1 {
					c = q.Y
				}
				if side == 0 {
					return c == 0
				}
				return c+h == octant.Hmax
			}
			for edge := 0; edge < 4; edge++ {
				if !touches(edge>>1, edge&1) {
					continue
				}
				for _, adj := range f.topo.EdgeNeighbors(b, edge) {
					for _, r := range f.holders[adj.Block] {
						dests[r] = true
					}
				}
			}
			for corner := 0; corner < 4; corner++ {
				if !touches(0, corner&1) || !touches(1, (corner>>1)&1) {
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
					out[r] = append(out[r], q)
				}
			}
		}
	}

	recv := f.rk.ExchangeQuadrants(out)
	ghosts := make([]*octant.QuadArray, f.topo.NumBlocks)
	for _, q := range recv {
		if ghosts[q.Block] == nil {
			ghosts[q.Block] = octant.NewQuadArray(64)
		}
		ghosts[q.Block].Append(q)
	}
	for _, g := range ghosts {
		if g != nil {
			g.UniqueSort()
		}
	}
	return ghosts
}

func (f *Forest) leafLevelAt(q octant.Quadrant, ghosts []*octant.QuadArray) (int32, bool) {
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

// CreateNodes assigns globally unique node indices for an element order
// of 2 or 3, with hanging edge nodes recorded as dependent constraints.
func (f *Forest) CreateNodes(order int) error {
	if order < 2 || order > 3 {
		return fmt.Errorf("quad: element order %d, want 2 or 3", order)
	}
	if f.rk.AllReduceInt(f.NumLocalLeaves()) == 0 {
		return fmt.Errorf("quad: CreateNodes on an empty forest")
	}
	lag, err := basis.NewLagrange1D(order)
	if err != nil {
		return err
	}
	nd := &nodeData{
		order: order,
		lag:   lag,
		hash:  make([]*octant.QuadHash, f.topo.NumBlocks),
		index: make([][]int64, f.topo.NumBlocks),
		owner: make([][]int32, f.topo.NumBlocks),
		dep:   make([][]int32, f.topo.NumBlocks),
	}
	f.order = order
	f.nodes = nd

	ghosts := f.ghostLeaves()

	// Candidate lattice per leaf, with boundary points duplicated into
	// the rank's other held blocks.
	p := order
	for _, b := range f.heldBlocks() {
		nd.hash[b] = octant.NewQuadHash(p * p * f.trees[b].Len())
	}
	for _, b := range f.heldBlocks() {
		for _, q := range f.trees[b].Quads {
			step := q.Side() / int32(p-1)
			if step == 0 {
				f.rk.Abortf("quad: leaf too deep for the element order")
			}
			for j := 0; j < p; j++ {
				for i := 0; i < p; i++ {
					pt := octant.Quadrant{
						Block: q.Block,
						X:     q.X + int32(i)*step,
						Y:     q.Y + int32(j)*step,
						Level: q.Level,
					}
					nd.hash[b].Add(pt)
					for _, img := range f.topo.PointImages(pt) {
						if f.holds(img.Block) {
							nd.hash[img.Block].Add(img)
						}
					}
				}
			}
		}
	}
	for _, b := range f.heldBlocks() {
		n := nd.hash[b].Len()
		nd.index[b] = make([]int64, n)
		nd.owner[b] = make([]int32, n)
		nd.dep[b] = make([]int32, n)
		for i := 0; i < n; i++ {
			nd.index[b][i] = -1
			nd.owner[b][i] = int32(f.rk.ID())
			nd.dep[b][i] = -1
		}
	}

	// Hanging node classification against coarser edge neighbors.
	for _, b := range f.heldBlocks() {
		for _, q := range f.trees[b].Quads {
			for edge := 0; edge < 4; edge++ {
				n := q.EdgeNeighbor(edge)
				var lev int32
				found := false
				for _, img := range f.topo.CellImages(n) {
					if l, ok := f.leafLevelAt(img, ghosts); ok {
						if !found || l < lev {
							lev = l
						}
						found = true
					}
				}
				if !found || lev >= q.Level {
					continue
				}
				f.constrainEdge(nd, q, edge, lev)
			}
		}
	}

	f.numberNodes(nd)
	return nil
}

// constrainEdge marks the lattice nodes on q's edge that fall off the
// coarse lattice of the ancestor edge at the neighbor's level.
func (f *Forest) constrainEdge(nd *nodeData, q octant.Quadrant, edge int, lev int32) {
	p := nd.order
	a := ancestorAt(q, lev)
	as := a.Side()
	normal := edge >> 1
	along := 1 - normal
	step := q.Side() / int32(p-1)

	ac := [2]int32{a.X, a.Y}
	qc := [2]int32{q.X, q.Y}
	plane := qc[normal]
	if edge&1 == 1 {
		plane += q.Side()
	}

	for i := 0; i < p; i++ {
		var pt [2]int32
		pt[normal] = plane
		pt[along] = qc[along] + int32(i)*step
		du := pt[along] - ac[along]
		if (int64(du)*int64(p-1))%int64(as) == 0 {
			continue
		}
		node := octant.Quadrant{Block: q.Block, X: pt[0], Y: pt[1]}

		w := nd.lag.Weights(float64(du) / float64(as))
		var targets []octant.Quadrant
		var weights []float64
		for ti := 0; ti < p; ti++ {
			if w[ti] < 1e-12 && w[ti] > -1e-12 {
				continue
			}
			var tc [2]int32
			tc[normal] = plane
			tc[along] = ac[along] + as/int32(p-1)*int32(ti)
			targets = append(targets, octant.Quadrant{Block: q.Block, X: tc[0], Y: tc[1]})
			weights = append(weights, w[ti])
		}
		f.markDependent(nd, node, targets, weights)
	}
}

func (f *Forest) markDependent(nd *nodeData, node octant.Quadrant, targets []octant.Quadrant, weights []float64) {
	b := node.Block
	idx := nd.hash[b].Index(node)
	if idx < 0 {
		f.rk.Abortf("quad: dependent node %+v not among candidates", node)
	}
	if nd.dep[b][idx] >= 0 {
		return
	}
	depID := int32(len(nd.deps))
	nd.deps = append(nd.deps, depConstraint{targets: targets, weights: weights})
	nd.depNodes = append(nd.depNodes, node)
	nd.dep[b][idx] = depID
	for _, img := range f.topo.PointImages(node) {
		if !f.holds(img.Block) {
			continue
		}
		if i := nd.hash[img.Block].Index(img); i >= 0 && nd.dep[img.Block][i] < 0 {
			nd.dep[img.Block][i] = depID
		}
	}
}

func nodeLess(a, b octant.Quadrant) bool {
	switch {
	case a.Block != b.Block:
		return a.Block < b.Block
	case a.Y != b.Y:
		return a.Y < b.Y
	default:
		return a.X < b.X
	}
}

func (f *Forest) canonicalHere(node octant.Quadrant) bool {
	for _, img := range f.topo.PointImages(node) {
		if f.holds(img.Block) && nodeLess(img, node) {
			return false
		}
	}
	return true
}

func (f *Forest) remoteRanks(node octant.Quadrant) map[int][]octant.Quadrant {
	me := f.rk.ID()
	out := make(map[int][]octant.Quadrant)
	for _, r := range f.holders[node.Block] {
		if r != me {
			out[r] = append(out[r], node)
		}
	}
	for _, img := range f.topo.PointImages(node) {
		for _, r := range f.holders[img.Block] {
			if r != me {
				out[r] = append(out[r], img)
			}
		}
	}
	return out
}

func (f *Forest) numberNodes(nd *nodeData) {
	me := f.rk.ID()
	size := f.rk.Size()

	claims := make([][]comm.QuadNodeMsg, size)
	for _, b := range f.heldBlocks() {
		for idx, node := range nd.hash[b].Quadrants() {
			if nd.dep[b][idx] >= 0 {
				continue
			}
			for r, imgs := range f.remoteRanks(node) {
				for _, img := range imgs {
					claims[r] = append(claims[r], comm.QuadNodeMsg{
						Node: img, Index: -1, Info: int32(me),
					})
				}
			}
		}
	}
	for _, msg := range f.rk.ExchangeQuadNodeMsgs(claims) {
		b := msg.Node.Block
		if !f.holds(b) {
			continue
		}
		idx := nd.hash[b].Index(msg.Node)
		if idx < 0 || nd.dep[b][idx] >= 0 {
			continue
		}
		if msg.Info < nd.owner[b][idx] {
			nd.owner[b][idx] = msg.Info
		}
	}

	sortedIdx := make([][]int, f.topo.NumBlocks)
	for _, b := range f.heldBlocks() {
		quads := nd.hash[b].Quadrants()
		order := make([]int, len(quads))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool {
			return nodeLess(quads[order[i]], quads[order[j]])
		})
		sortedIdx[b] = order
	}
	counted := func(b int32, idx int, node octant.Quadrant) bool {
		return nd.dep[b][idx] < 0 && nd.owner[b][idx] == int32(me) &&
			f.canonicalHere(node)
	}
	nOwned := 0
	for _, b := range f.heldBlocks() {
		quads := nd.hash[b].Quadrants()
		for _, idx := range sortedIdx[b] {
			if counted(b, idx, quads[idx]) {
				nOwned++
			}
		}
	}
	start := int64(f.rk.ExScanInt(nOwned))
	nd.numOwned = nOwned
	nd.ownedBegin = start
	nd.ownedEnd = start + int64(nOwned)

	next := start
	for _, b := range f.heldBlocks() {
		quads := nd.hash[b].Quadrants()
		for _, idx := range sortedIdx[b] {
			node := quads[idx]
			if !counted(b, idx, node) {
				continue
			}
			nd.index[b][idx] = next
			for _, img := range f.topo.PointImages(node) {
				if !f.holds(img.Block) {
					continue
				}
				if i := nd.hash[img.Block].Index(img); i >= 0 {
					nd.index[img.Block][i] = next
				}
			}
			next++
		}
	}

	bcast := make([][]comm.QuadNodeMsg, size)
	for _, b := range f.heldBlocks() {
		quads := nd.hash[b].Quadrants()
		for _, idx := range sortedIdx[b] {
			node := quads[idx]
			if !counted(b, idx, node) {
				continue
			}
			for r, imgs := range f.remoteRanks(node) {
				for _, img := range imgs {
					bcast[r] = append(bcast[r], comm.QuadNodeMsg{
						Node: img, Index: nd.index[b][idx],
					})
				}
			}
		}
	}
	for _, msg := range f.rk.ExchangeQuadNodeMsgs(bcast) {
		b := msg.Node.Block
		if !f.holds(b) {
			continue
		}
		idx := nd.hash[b].Index(msg.Node)
		if idx < 0 || nd.dep[b][idx] >= 0 {
			continue
		}
		nd.index[b][idx] = msg.Index
	}

	for _, b := range f.heldBlocks() {
		for idx, node := range nd.hash[b].Quadrants() {
			if nd.dep[b][idx] < 0 && nd.index[b][idx] < 0 {
				f.rk.Abortf("quad: node %+v left unnumbered", node)
			}
		}
	}
}

// OwnedNodeRange returns this rank's [begin, end) slice of the global
// node numbering.
func (f *Forest) OwnedNodeRange() (int64, int64, error) {
	if f.nodes == nil {
		return 0, 0, fmt.Errorf("quad: CreateNodes has not been called")
	}
	return f.nodes.ownedBegin, f.nodes.ownedEnd, nil
}

// NumDependentNodes returns the number of hanging nodes recorded on this
// rank.
func (f *Forest) NumDependentNodes() int {
	if f.nodes == nil {
		return 0
	}
	return len(f.nodes.deps)
}

type indexWeight struct {
	index  int64
	weight float64
}

func uniqueSortWeights(iw []indexWeight) []indexWeight {
	sort.Slice(iw, func(i, j int) bool { return iw[i].index < iw[j].index })
	j := 0
	for i := 0; i < len(iw); i++ {
		if j > 0 && iw[j-1].index == iw[i].index {
			iw[j-1].weight += iw[i].weight
			continue
		}
		iw[j] = iw[i]
		j++
	}
	return iw[:j]
}

func (f *Forest) resolveDependent(depID int32, scale float64, out []indexWeight) []indexWeight {
	nd := f.nodes
	c := nd.deps[depID]
	b := nd.depNodes[depID].Block
	for i, tgt := range c.targets {
		idx := nd.hash[b].Index(tgt)
		if idx < 0 {
			f.rk.Abortf("quad: constraint target %+v missing", tgt)
		}
		if d := nd.dep[b][idx]; d >= 0 {
			if d == depID {
				f.rk.Abortf("quad: dependent node constrained to itself")
			}
			out = f.resolveDependent(d, scale*c.weights[i], out)
			continue
		}
		out = append(out, indexWeight{nd.index[b][idx], scale * c.weights[i]})
	}
	return out
}

// DependentNodeConn emits the hanging-node constraints in CSR form.
func (f *Forest) DependentNodeConn() (ptr []int64, conn []int64, weights []float64, err error) {
	nd := f.nodes
	if nd == nil {
		return nil, nil, nil, fmt.Errorf("quad: CreateNodes has not been called")
	}
	ptr = make([]int64, len(nd.deps)+1)
	for d := range nd.deps {
		iw := f.resolveDependent(int32(d), 1.0, nil)
		iw = uniqueSortWeights(iw)
		for _, e := range iw {
			conn = append(conn, e.index)
			weights = append(weights, e.weight)
		}
		ptr[d+1] = int64(len(conn))
	}
	return ptr, conn, weights, nil
}

// CreateMeshConn emits the element-to-node connectivity in SFC order,
// order^2 entries per leaf, dependent nodes encoded as -(d+1).
func (f *Forest) CreateMeshConn() ([]int64, error) {
	nd := f.nodes
	if nd == nil {
		return nil, fmt.Errorf("quad: CreateNodes has not been called")
	}
	p := nd.order
	conn := make([]int64, 0, p*p*f.NumLocalLeaves())
	for _, b := range f.heldBlocks() {
		for _, q := range f.trees[b].Quads {
			step := q.Side() / int32(p-1)
			for j := 0; j < p; j++ {
				for i := 0; i < p; i++ {
					pt := octant.Quadrant{
						Block: q.Block,
						X:     q.X + int32(i)*step,
						Y:     q.Y + int32(j)*step,
					}
					idx := nd.hash[b].Index(pt)
					if idx < 0 {
						f.rk.Abortf("quad: element node %+v missing", pt)
					}
					if d := nd.dep[b][idx]; d >= 0 {
						conn = append(conn, int64(-(d + 1)))
					} else {
						conn = append(conn, nd.index[b][idx])
					}
				}
			}
		}
	}
	return conn, nil
}

// Nodes returns this rank's independent node array.
func (f *Forest) Nodes() ([]Node, error) {
	nd := f.nodes
	if nd == nil {
		return nil, fmt.Errorf("quad: CreateNodes has not been called")
	}
	var out []Node
	for _, b := range f.heldBlocks() {
		for idx, node := range nd.hash[b].Quadrants() {
			if nd.dep[b][idx] >= 0 || !f.canonicalHere(node) {
				continue
			}
			out = append(out, Node{
				Block: node.Block, X: node.X, Y: node.Y,
				Owner: int(nd.owner[b][idx]),
				Index: nd.index[b][idx],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
