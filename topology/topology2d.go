package topology

import (
	"fmt"

	"github.com/gjkennedy/tmr/octant"
	"github.com/notargets/gocfd/utils"
)

// quadEdgeNodes lists the end nodes of each local edge of a quad block,
// low end first in the edge's axis direction. Edges 0,1 are the low/high
// x edges, 2,3 the y edges; block corner nodes follow n = x + 2y.
var quadEdgeNodes = [4][2]int{
	{0, 2}, // x-min, along +y
	{1, 3}, // x-max
	{0, 1}, // y-min, along +x
	{2, 3}, // y-max
}

// EdgeAdj2D describes one quad-block edge glued to another; Reversed
// holds the two-code edge orientation.
type EdgeAdj2D struct {
	Block    int32
	Edge     int
	Reversed bool
}

// CornerInc2D is one quad-block corner incident to a global corner node.
type CornerInc2D struct {
	Block  int32
	Corner int
}

// Topology2D is the quad-block analogue of Topology: the same graph one
// dimension down, with edges taking the structural role of faces.
type Topology2D struct {
	NumNodes  int
	NumBlocks int
	Conn      []int32   // 4 nodes per block
	Xpts      []float64 // optional, 3 per node

	NumEdges   int
	NumCorners int

	blockEdgeID   [][4]int32
	edgeNeighbors [][4][]EdgeAdj2D

	blockCornerID [][4]int32
	cornerIncs    [][]CornerInc2D

	BlockOwners []int
}

// New2D derives the quad-block topology from a 4-node-per-block
// connectivity.
func New2D(numNodes int, conn []int32, xpts []float64) (*Topology2D, error) {
	if numNodes <= 0 {
		return nil, fmt.Errorf("topology: numNodes = %d", numNodes)
	}
	if len(conn) == 0 || len(conn)%4 != 0 {
		return nil, fmt.Errorf("topology: connectivity length %d is not a multiple of 4", len(conn))
	}
	if xpts != nil && len(xpts) != 3*numNodes {
		return nil, fmt.Errorf("topology: Xpts length %d, want %d", len(xpts), 3*numNodes)
	}
	numBlocks := len(conn) / 4
	for b := 0; b < numBlocks; b++ {
		seen := make(map[int32]bool, 4)
		for k := 0; k < 4; k++ {
			n := conn[4*b+k]
			if n < 0 || int(n) >= numNodes {
				return nil, fmt.Errorf("topology: block %d corner %d references node %d", b, k, n)
			}
			if seen[n] {
				return nil, fmt.Errorf("topology: block %d repeats node %d", b, n)
			}
			seen[n] = true
		}
	}

	t := &Topology2D{
		NumNodes:      numNodes,
		NumBlocks:     numBlocks,
		Conn:          append([]int32(nil), conn...),
		blockEdgeID:   make([][4]int32, numBlocks),
		edgeNeighbors: make([][4][]EdgeAdj2D, numBlocks),
		blockCornerID: make([][4]int32, numBlocks),
	}
	if xpts != nil {
		t.Xpts = append([]float64(nil), xpts...)
	}

	if err := t.buildEdges(); err != nil {
		return nil, err
	}
	t.buildCorners()
	t.Distribute(1)
	return t, nil
}

func (t *Topology2D) buildEdges() error {
	type inc struct {
		block int32
		edge  int
	}
	edgeIDs := make(map[[2]int32]int32)
	var incidences [][]inc

	for b := 0; b < t.NumBlocks; b++ {
		for e := 0; e < 4; e++ {
			n0 := t.Conn[4*b+quadEdgeNodes[e][0]]
			n1 := t.Conn[4*b+quadEdgeNodes[e][1]]
			key := [2]int32{n0, n1}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			id, ok := edgeIDs[key]
			if !ok {
				id = int32(len(incidences))
				edgeIDs[key] = id
				incidences = append(incidences, nil)
			}
			incidences[id] = append(incidences[id], inc{int32(b), e})
			t.blockEdgeID[b][e] = id
		}
	}
	t.NumEdges = len(incidences)

	for id, incs := range incidences {
		if len(incs) > 2 {
			return fmt.Errorf("topology: edge %d shared by %d blocks", id, len(incs))
		}
		if len(incs) != 2 {
			continue
		}
		for s := 0; s < 2; s++ {
			src, dst := incs[s], incs[1-s]
			a0 := t.Conn[4*src.block+int32(quadEdgeNodes[src.edge][0])]
			b0 := t.Conn[4*dst.block+int32(quadEdgeNodes[dst.edge][0])]
			t.edgeNeighbors[src.block][src.edge] = append(
				t.edgeNeighbors[src.block][src.edge],
				EdgeAdj2D{Block: dst.block, Edge: dst.edge, Reversed: a0 != b0})
		}
	}
	return nil
}

func (t *Topology2D) buildCorners() {
	cornerIDs := make(map[int32]int32)
	for b := 0; b < t.NumBlocks; b++ {
		for c := 0; c < 4; c++ {
			n := t.Conn[4*b+c]
			id, ok := cornerIDs[n]
			if !ok {
				id = int32(len(t.cornerIncs))
				cornerIDs[n] = id
				t.cornerIncs = append(t.cornerIncs, nil)
			}
			t.cornerIncs[id] = append(t.cornerIncs[id],
				CornerInc2D{Block: int32(b), Corner: c})
			t.blockCornerID[b][c] = id
		}
	}
	t.NumCorners = len(t.cornerIncs)
}

// EdgeID returns the global id of a block's local edge.
func (t *Topology2D) EdgeID(block int32, edge int) int32 {
	return t.blockEdgeID[block][edge]
}

// EdgeNeighbors returns the adjacency of a block's local edge (empty for
// a boundary edge).
func (t *Topology2D) EdgeNeighbors(block int32, edge int) []EdgeAdj2D {
	return t.edgeNeighbors[block][edge]
}

// CornerIncidences returns every (block, corner) incident to the global
// corner node at the given local corner.
func (t *Topology2D) CornerIncidences(block int32, corner int) []CornerInc2D {
	return t.cornerIncs[t.blockCornerID[block][corner]]
}

// Distribute assigns blocks to ranks in contiguous slices.
func (t *Topology2D) Distribute(numRanks int) {
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

// transformEdge2D maps coordinates c (cell size h, h=0 for points)
// across an edge adjacency.
func transformEdge2D(c [2]int32, h int32, e int, adj EdgeAdj2D) [2]int32 {
	// Along-edge axis: y for the x edges, x for the y edges.
	along := 1 - e>>1
	u := c[along]
	if adj.Reversed {
		u = octant.Hmax - h - u
	}
	var n [2]int32
	n[1-adj.Edge>>1] = u
	if adj.Edge&1 == 1 {
		n[adj.Edge>>1] = octant.Hmax - h
	}
	return n
}

// cornerCoords2D places a cell of size h against local corner c.
func cornerCoords2D(c int, h int32) [2]int32 {
	var n [2]int32
	if c&1 != 0 {
		n[0] = octant.Hmax - h
	}
	if c&2 != 0 {
		n[1] = octant.Hmax - h
	}
	return n
}

// CellImages resolves a neighbor quadrant that stepped outside its
// block's coordinate square, mirroring Topology.CellImages.
func (t *Topology2D) CellImages(q octant.Quadrant) []octant.Quadrant {
	h := q.Side()
	c := [2]int32{q.X, q.Y}
	var offAxes, sides []int
	for a := 0; a < 2; a++ {
		switch {
		case c[a] < 0:
			offAxes = append(offAxes, a)
			sides = append(sides, 0)
		case c[a] >= octant.Hmax:
			offAxes = append(offAxes, a)
			sides = append(sides, 1)
		}
	}

	switch len(offAxes) {
	case 0:
		return []octant.Quadrant{q}

	case 1:
		e := 2*offAxes[0] + sides[0]
		var out []octant.Quadrant
		for _, adj := range t.edgeNeighbors[q.Block][e] {
			n := transformEdge2D(c, h, e, adj)
			out = append(out, octant.Quadrant{
				Block: adj.Block, X: n[0], Y: n[1],
				Level: q.Level, Tag: q.Tag,
			})
		}
		return out

	default:
		cr := sides[0] | sides[1]<<1
		var out []octant.Quadrant
		for _, inc := range t.CornerIncidences(q.Block, cr) {
			if inc.Block == q.Block && inc.Corner == cr {
				continue
			}
			n := cornerCoords2D(inc.Corner, h)
			out = append(out, octant.Quadrant{
				Block: inc.Block, X: n[0], Y: n[1],
				Level: q.Level, Tag: q.Tag,
			})
		}
		return out
	}
}

// PointImages returns the images of a block-boundary point in every
// other quad block incident to the edges and corners the point lies on.
func (t *Topology2D) PointImages(p octant.Quadrant) []octant.Quadrant {
	c := [2]int32{p.X, p.Y}
	var bAxes, sides []int
	for a := 0; a < 2; a++ {
		switch c[a] {
		case 0:
			bAxes = append(bAxes, a)
			sides = append(sides, 0)
		case octant.Hmax:
			bAxes = append(bAxes, a)
			sides = append(sides, 1)
		}
	}
	if len(bAxes) == 0 {
		return nil
	}

	var out []octant.Quadrant
	for i, a := range bAxes {
		e := 2*a + sides[i]
		for _, adj := range t.edgeNeighbors[p.Block][e] {
			n := transformEdge2D(c, 0, e, adj)
			out = append(out, octant.Quadrant{
				Block: adj.Block, X: n[0], Y: n[1],
				Level: p.Level, Tag: p.Tag,
			})
		}
	}
	if len(bAxes) == 2 {
		cr := sides[0] | sides[1]<<1
		for _, inc := range t.CornerIncidences(p.Block, cr) {
			if inc.Block == p.Block && inc.Corner == cr {
				continue
			}
			n := cornerCoords2D(inc.Corner, 0)
			out = append(out, octant.Quadrant{
				Block: inc.Block, X: n[0], Y: n[1],
				Level: p.Level, Tag: p.Tag,
			})
		}
	}
	return out
}

// BlockLocation2D evaluates the bilinear map of a quad block at
// parametric coordinates (u,v) in [0,1]^2.
func (t *Topology2D) BlockLocation2D(block int32, u, v float64) (x, y, z float64) {
	if t.Xpts == nil {
		panic("topology: BlockLocation2D requires node coordinates")
	}
	shape := [4]float64{
		(1 - u) * (1 - v),
		u * (1 - v),
		(1 - u) * v,
		u * v,
	}
	for k := 0; k < 4; k++ {
		n := t.Conn[4*block+int32(k)]
		x += t.Xpts[3*n] * shape[k]
		y += t.Xpts[3*n+1] * shape[k]
		z += t.Xpts[3*n+2] * shape[k]
	}
	return x, y, z
}
