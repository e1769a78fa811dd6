package forest

import (
	"fmt"
	"sort"

	"github.com/gjkennedy/tmr/basis"
	"github.com/gjkennedy/tmr/comm"
	"github.com/gjkennedy/tmr/octant"
)

// Node is one entry of the per-rank node array after CreateNodes.
type Node struct {
	Block   int32
	X, Y, Z int32
	Owner   int
	Index   int64
}

// nodeData holds one CreateNodes result.
type nodeData struct {
	order int
	lag   *basis.Lagrange1D

	// Per-block containers over this rank's held blocks; metadata slices
	// are parallel to the hash's insertion order.
	hash  []*octant.Hash
	index [][]int64 // global index, -1 while unassigned and for dependents
	owner [][]int32
	dep   [][]int32 // -1 independent, else local dependent id

	deps     []depConstraint
	depNodes []octant.Octant

	numOwned   int
	ownedBegin int64
	ownedEnd   int64
}

// depConstraint ties a dependent node to independent nodes of the same
// block frame with trace-shape-function weights.
type depConstraint struct {
	targets []octant.Octant
	weights []float64
}

// faceAxes3 returns the in-plane axes of a face normal to the given
// axis, ascending.
func faceAxes3(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

// CreateNodes assigns globally unique node indices for an element order
// of 2 (linear) or 3 (quadratic), classifies dependent nodes on
// non-conforming interfaces, and records their constraints. Any later
// Refine, Balance or Repartition invalidates the numbering.
func (f *Forest) CreateNodes(order int) error {
	if order < 2 || order > 3 {
		return fmt.Errorf("forest: element order %d, want 2 or 3", order)
	}
	if f.rk.AllReduceInt(f.NumLocalLeaves()) == 0 {
		return fmt.Errorf("forest: CreateNodes on an empty forest")
	}
	lag, err := basis.NewLagrange1D(order)
	if err != nil {
		return err
	}

	nd := &nodeData{
		order: order,
		lag:   lag,
		hash:  make([]*octant.Hash, f.topo.NumBlocks),
		index: make([][]int64, f.topo.NumBlocks),
		owner: make([][]int32, f.topo.NumBlocks),
		dep:   make([][]int32, f.topo.NumBlocks),
	}
	f.order = order
	f.nodes = nd

	ghosts := f.ghostLeaves()

	f.generateCandidates(nd)
	f.classifyDependent(nd, ghosts)
	f.numberNodes(nd)
	return nil
}

// latticeStep returns the node spacing of a leaf for the forest's
// order.
func latticeStep(o octant.Octant, order int) int32 {
	h := o.Side()
	step := h / int32(order-1)
	if step == 0 {
		panic("forest: leaf too deep for the element order")
	}
	return step
}

// generateCandidates inserts the per-leaf node lattice into each held
// block's container, duplicating block-boundary points into the rank's
// other held blocks through the orientation maps.
func (f *Forest) generateCandidates(nd *nodeData) {
	p := nd.order
	for _, b := range f.heldBlocks() {
		if nd.hash[b] == nil {
			nd.hash[b] = octant.NewHash(nd.order * nd.order * f.trees[b].Len())
		}
	}
	for _, b := range f.heldBlocks() {
		for _, o := range f.trees[b].Octs {
			step := latticeStep(o, p)
			for k := 0; k < p; k++ {
				for j := 0; j < p; j++ {
					for i := 0; i < p; i++ {
						pt := octant.Octant{
							Block: o.Block,
							X:     o.X + int32(i)*step,
							Y:     o.Y + int32(j)*step,
							Z:     o.Z + int32(k)*step,
							Level: o.Level,
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
}

// coarserNeighborLevel finds the coarsest leaf covering any image of the
// same-level neighbor candidate n, searching local trees, ghosts, and
// cross-block images. An edge can be shared by blocks of different
// refinement, so the minimum level governs the constraint.
func (f *Forest) coarserNeighborLevel(n octant.Octant, ghosts []*octant.Array) (int32, bool) {
	var min int32
	found := false
	for _, img := range f.topo.CellImages(n) {
		if lev, ok := f.leafLevelAt(img, ghosts); ok {
			if !found || lev < min {
				min = lev
			}
			found = true
		}
	}
	return min, found
}

// onLattice reports whether the offset from an entity origin hits the
// order-p lattice of an entity of the given size.
func onLattice(offset, size int32, p int) bool {
	return (int64(offset)*int64(p-1))%int64(size) == 0
}

// classifyDependent marks every candidate lying in the interior of a
// coarser neighbor's face or edge, and records its constraint to the
// coarse entity's lattice nodes.
func (f *Forest) classifyDependent(nd *nodeData, ghosts []*octant.Array) {
	for _, b := range f.heldBlocks() {
		for _, o := range f.trees[b].Octs {
			for face := 0; face < 6; face++ {
				n := o.FaceNeighbor(face)
				lev, ok := f.coarserNeighborLevel(n, ghosts)
				if !ok || lev >= o.Level {
					continue
				}
				f.constrainFace(nd, o, face, lev)
			}
			for edge := 0; edge < 12; edge++ {
				n := o.EdgeNeighbor(edge)
				lev, ok := f.coarserNeighborLevel(n, ghosts)
				if !ok || lev >= o.Level {
					continue
				}
				f.constrainEdge(nd, o, edge, lev)
			}
		}
	}
}

// constrainFace marks the lattice nodes on o's face that fall off the
// coarse lattice of the ancestor face at the neighbor's level, weighting
// them by the tensor Lagrange trace.
func (f *Forest) constrainFace(nd *nodeData, o octant.Octant, face int, lev int32) {
	p := nd.order
	a := ancestorAt(o, lev)
	as := a.Side()
	axis := face >> 1
	ua, va := faceAxes3(axis)
	step := latticeStep(o, p)

	ac := [3]int32{a.X, a.Y, a.Z}
	oc := [3]int32{o.X, o.Y, o.Z}
	plane := oc[axis]
	if face&1 == 1 {
		plane += o.Side()
	}

	for j := 0; j < p; j++ {
		for i := 0; i < p; i++ {
			var pt [3]int32
			pt[axis] = plane
			pt[ua] = oc[ua] + int32(i)*step
			pt[va] = oc[va] + int32(j)*step
			du := pt[ua] - ac[ua]
			dv := pt[va] - ac[va]
			if onLattice(du, as, p) && onLattice(dv, as, p) {
				continue
			}
			node := octant.Octant{Block: o.Block, X: pt[0], Y: pt[1], Z: pt[2]}

			uA := float64(du) / float64(as)
			vA := float64(dv) / float64(as)
			w := nd.lag.TensorWeights2(uA, vA)
			var targets []octant.Octant
			var weights []float64
			for tj := 0; tj < p; tj++ {
				for ti := 0; ti < p; ti++ {
					wt := w[ti+p*tj]
					if wt < 1e-12 && wt > -1e-12 {
						continue
					}
					var tc [3]int32
					tc[axis] = plane
					tc[ua] = ac[ua] + as/int32(p-1)*int32(ti)
					tc[va] = ac[va] + as/int32(p-1)*int32(tj)
					targets = append(targets, octant.Octant{
						Block: o.Block, X: tc[0], Y: tc[1], Z: tc[2],
					})
					weights = append(weights, wt)
				}
			}
			f.markDependent(nd, node, targets, weights)
		}
	}
}

// constrainEdge marks the lattice nodes on o's edge that fall off the
// coarse lattice of the ancestor edge at the neighbor's level.
func (f *Forest) constrainEdge(nd *nodeData, o octant.Octant, edge int, lev int32) {
	p := nd.order
	a := ancestorAt(o, lev)
	as := a.Side()
	axis := edge >> 2
	t0, t1 := edgeTransverse(edge)
	step := latticeStep(o, p)

	ac := [3]int32{a.X, a.Y, a.Z}
	oc := [3]int32{o.X, o.Y, o.Z}
	var line [3]int32
	line[t0] = oc[t0]
	if edge&1 != 0 {
		line[t0] += o.Side()
	}
	line[t1] = oc[t1]
	if edge&2 != 0 {
		line[t1] += o.Side()
	}

	for i := 0; i < p; i++ {
		var pt [3]int32
		pt[t0] = line[t0]
		pt[t1] = line[t1]
		pt[axis] = oc[axis] + int32(i)*step
		du := pt[axis] - ac[axis]
		if onLattice(du, as, p) {
			continue
		}
		node := octant.Octant{Block: o.Block, X: pt[0], Y: pt[1], Z: pt[2]}

		w := nd.lag.Weights(float64(du) / float64(as))
		var targets []octant.Octant
		var weights []float64
		for ti := 0; ti < p; ti++ {
			if w[ti] < 1e-12 && w[ti] > -1e-12 {
				continue
			}
			var tc [3]int32
			tc[t0] = line[t0]
			tc[t1] = line[t1]
			tc[axis] = ac[axis] + as/int32(p-1)*int32(ti)
			targets = append(targets, octant.Octant{
				Block: o.Block, X: tc[0], Y: tc[1], Z: tc[2],
			})
			weights = append(weights, w[ti])
		}
		f.markDependent(nd, node, targets, weights)
	}
}

// markDependent records a dependent node once and propagates the mark to
// the node's images in this rank's other held blocks. First
// classification wins.
func (f *Forest) markDependent(nd *nodeData, node octant.Octant, targets []octant.Octant, weights []float64) {
	b := node.Block
	idx := nd.hash[b].Index(node)
	if idx < 0 {
		f.rk.Abortf("forest: dependent node %+v not among candidates", node)
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

// nodeLess orders nodes deterministically by (block, z, y, x).
func nodeLess(a, b octant.Octant) bool {
	switch {
	case a.Block != b.Block:
		return a.Block < b.Block
	case a.Z != b.Z:
		return a.Z < b.Z
	case a.Y != b.Y:
		return a.Y < b.Y
	default:
		return a.X < b.X
	}
}

// canonicalHere reports whether this image is the representative of its
// geometric node among the rank's held blocks.
func (f *Forest) canonicalHere(node octant.Octant) bool {
	for _, img := range f.topo.PointImages(node) {
		if f.holds(img.Block) && nodeLess(img, node) {
			return false
		}
	}
	return true
}

// remoteRanks collects the other ranks incident to a node: holders of
// every image block, plus co-holders of the node's own block.
func (f *Forest) remoteRanks(node octant.Octant) map[int][]octant.Octant {
	me := f.rk.ID()
	out := make(map[int][]octant.Octant)
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

// numberNodes resolves ownership with a claim exchange, assigns the
// contiguous global range by an exclusive scan over owned counts, and
// broadcasts assigned indices to the other holders.
func (f *Forest) numberNodes(nd *nodeData) {
	me := f.rk.ID()
	size := f.rk.Size()

	// Claim phase: every independent boundary node is announced to every
	// other incident rank.
	claims := make([][]comm.NodeMsg, size)
	for _, b := range f.heldBlocks() {
		for idx, node := range nd.hash[b].Octants() {
			if nd.dep[b][idx] >= 0 {
				continue
			}
			for r, imgs := range f.remoteRanks(node) {
				for _, img := range imgs {
					claims[r] = append(claims[r], comm.NodeMsg{
						Node: img, Index: -1, Info: int32(me),
					})
				}
			}
		}
	}
	for _, msg := range f.rk.ExchangeNodeMsgs(claims) {
		b := msg.Node.Block
		if !f.holds(b) {
			continue
		}
		idx := nd.hash[b].Index(msg.Node)
		if idx < 0 || nd.dep[b][idx] >= 0 {
			// The claimed point is not independent on this side; the
			// finer rank resolves it through its own constraints.
			continue
		}
		if msg.Info < nd.owner[b][idx] {
			nd.owner[b][idx] = msg.Info
		}
	}

	// Count the nodes this rank owns, one per geometric node.
	sortedIdx := make([][]int, f.topo.NumBlocks)
	for _, b := range f.heldBlocks() {
		octs := nd.hash[b].Octants()
		order := make([]int, len(octs))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool {
			return nodeLess(octs[order[i]], octs[order[j]])
		})
		sortedIdx[b] = order
	}
	counted := func(b int32, idx int, node octant.Octant) bool {
		return nd.dep[b][idx] < 0 && nd.owner[b][idx] == int32(me) &&
			f.canonicalHere(node)
	}
	nOwned := 0
	for _, b := range f.heldBlocks() {
		octs := nd.hash[b].Octants()
		for _, idx := range sortedIdx[b] {
			if counted(b, idx, octs[idx]) {
				nOwned++
			}
		}
	}
	start := int64(f.rk.ExScanInt(nOwned))
	nd.numOwned = nOwned
	nd.ownedBegin = start
	nd.ownedEnd = start + int64(nOwned)

	// Assign and propagate locally to the rank's other images.
	next := start
	for _, b := range f.heldBlocks() {
		octs := nd.hash[b].Octants()
		for _, idx := range sortedIdx[b] {
			node := octs[idx]
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

	// Broadcast owned indices to the other incident ranks.
	bcast := make([][]comm.NodeMsg, size)
	for _, b := range f.heldBlocks() {
		octs := nd.hash[b].Octants()
		for _, idx := range sortedIdx[b] {
			node := octs[idx]
			if !counted(b, idx, node) {
				continue
			}
			for r, imgs := range f.remoteRanks(node) {
				for _, img := range imgs {
					bcast[r] = append(bcast[r], comm.NodeMsg{
						Node: img, Index: nd.index[b][idx],
					})
				}
			}
		}
	}
	for _, msg := range f.rk.ExchangeNodeMsgs(bcast) {
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

	// Every independent node must now carry a global index.
	for _, b := range f.heldBlocks() {
		for idx, node := range nd.hash[b].Octants() {
			if nd.dep[b][idx] < 0 && nd.index[b][idx] < 0 {
				f.rk.Abortf("forest: node %+v left unnumbered", node)
			}
		}
	}
}

// OwnedNodeRange returns this rank's [begin, end) slice of the global
// node numbering.
func (f *Forest) OwnedNodeRange() (int64, int64, error) {
	if f.nodes == nil {
		return 0, 0, fmt.Errorf("forest: CreateNodes has not been called")
	}
	return f.nodes.ownedBegin, f.nodes.ownedEnd, nil
}

// NumDependentNodes returns the number of dependent nodes recorded on
// this rank.
func (f *Forest) NumDependentNodes() int {
	if f.nodes == nil {
		return 0
	}
	return len(f.nodes.deps)
}

// Nodes returns this rank's node array: one entry per geometric
// independent node among the rank's held blocks.
func (f *Forest) Nodes() ([]Node, error) {
	nd := f.nodes
	if nd == nil {
		return nil, fmt.Errorf("forest: CreateNodes has not been called")
	}
	var out []Node
	for _, b := range f.heldBlocks() {
		for idx, node := range nd.hash[b].Octants() {
			if nd.dep[b][idx] >= 0 || !f.canonicalHere(node) {
				continue
			}
			out = append(out, Node{
				Block: node.Block, X: node.X, Y: node.Y, Z: node.Z,
				Owner: int(nd.owner[b][idx]),
				Index: nd.index[b][idx],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// indexWeight pairs a node index with an interpolation weight, after
// TMR's index-weight lists.
type indexWeight struct {
	index  int64
	weight float64
}

// uniqueSortWeights sorts by index and merges duplicates by adding
// weights.
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

// resolveDependent expands a dependent node's constraint into
// independent global indices, pushing through cascaded dependents.
func (f *Forest) resolveDependent(depID int32, scale float64, out []indexWeight) []indexWeight {
	nd := f.nodes
	c := nd.deps[depID]
	b := nd.depNodes[depID].Block
	for i, tgt := range c.targets {
		idx := nd.hash[b].Index(tgt)
		if idx < 0 {
			f.rk.Abortf("forest: constraint target %+v missing", tgt)
		}
		if d := nd.dep[b][idx]; d >= 0 {
			if d == depID {
				f.rk.Abortf("forest: dependent node constrained to itself")
			}
			out = f.resolveDependent(d, scale*c.weights[i], out)
			continue
		}
		out = append(out, indexWeight{nd.index[b][idx], scale * c.weights[i]})
	}
	return out
}

// DependentNodeConn emits the dependent-node constraints in CSR form:
// dependent node d is constrained to conn[ptr[d]:ptr[d+1]] with the
// matching weights, which sum to one.
func (f *Forest) DependentNodeConn() (ptr []int64, conn []int64, weights []float64, err error) {
	nd := f.nodes
	if nd == nil {
		return nil, nil, nil, fmt.Errorf("forest: CreateNodes has not been called")
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
