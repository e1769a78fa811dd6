// Package topology derives the block-topology graph of an AMR forest
// from a user-supplied block-node connectivity: the unique face, edge and
// corner tables, the orientation codes that relate the local frames of
// adjacent blocks, and the block-to-rank assignment.
package topology

import (
	"fmt"
	"sort"

	"github.com/gjkennedy/tmr/octant"
)

// hexFaceNodes lists the corner nodes of each local face in face (u,v)
// order: face corner k sits at (u,v) = (k&1, k>>1). Faces 0,1 are the
// low/high x faces, 2,3 the y faces, 4,5 the z faces. Block corner nodes
// follow the z-then-y-then-x ordering n = x + 2y + 4z.
var hexFaceNodes = [6][4]int{
	{0, 2, 4, 6}, // x-min: (u,v) = (y,z)
	{1, 3, 5, 7}, // x-max
	{0, 1, 4, 5}, // y-min: (u,v) = (x,z)
	{2, 3, 6, 7}, // y-max
	{0, 1, 2, 3}, // z-min: (u,v) = (x,y)
	{4, 5, 6, 7}, // z-max
}

// hexEdgeNodes lists the end nodes of each local edge, low end first in
// the edge's axis direction. Edges 0-3 run along x, 4-7 along y, 8-11
// along z; within a group bit 0 is the high side of the first transverse
// axis and bit 1 the high side of the second.
var hexEdgeNodes = [12][2]int{
	{0, 1}, {2, 3}, {4, 5}, {6, 7},
	{0, 2}, {1, 3}, {4, 6}, {5, 7},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

// faceAxes returns the two in-plane axes (u, v) of a face on the given
// normal axis.
func faceAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

// FaceAdj describes one block face glued to another. The orientation is
// the (swap, flipU, flipV) map from the source face's (u,v) frame into
// the target's: eight codes, four rotations times reflection.
type FaceAdj struct {
	Block int32 // target block
	Face  int   // target local face
	Swap  bool  // source u runs along target v
	FlipU bool  // source origin maps to the high-u side
	FlipV bool  // source origin maps to the high-v side
}

// Orientation packs the adjacency map into the 3-bit orientation code.
func (a FaceAdj) Orientation() int {
	code := 0
	if a.Swap {
		code |= 1
	}
	if a.FlipU {
		code |= 2
	}
	if a.FlipV {
		code |= 4
	}
	return code
}

// EdgeInc is one block edge incident to a global edge. Reversed records
// whether the local edge direction opposes the global edge's canonical
// (low node id to high node id) direction.
type EdgeInc struct {
	Block    int32
	Edge     int
	Reversed bool
}

// CornerInc is one block corner incident to a global corner node.
type CornerInc struct {
	Block  int32
	Corner int
}

// Topology is the derived block graph. It is immutable after
// construction and replicated on every rank.
type Topology struct {
	NumNodes  int
	NumBlocks int
	Conn      []int32   // 8 nodes per block
	Xpts      []float64 // optional, 3 per node

	NumFaces   int
	NumEdges   int
	NumCorners int

	blockFaceID   [][6]int32
	faceNeighbors [][6][]FaceAdj

	blockEdgeID [][12]int32
	edgeIncs    [][]EdgeInc // per global edge

	blockCornerID [][8]int32
	cornerIncs    [][]CornerInc // per global corner

	// BlockOwners maps each block to the rank that initially owns its
	// octree. Set by Distribute or PartitionBlocks.
	BlockOwners []int
}

// New derives the topology graph from a block-node connectivity. conn
// holds 8 node indices per block in z-then-y-then-x corner order; xpts
// is an optional 3*numNodes coordinate array.
func New(numNodes int, conn []int32, xpts []float64) (*Topology, error) {
	if numNodes <= 0 {
		return nil, fmt.Errorf("topology: numNodes = %d", numNodes)
	}
	if len(conn) == 0 || len(conn)%8 != 0 {
		return nil, fmt.Errorf("topology: connectivity length %d is not a multiple of 8", len(conn))
	}
	if xpts != nil && len(xpts) != 3*numNodes {
		return nil, fmt.Errorf("topology: Xpts length %d, want %d", len(xpts), 3*numNodes)
	}
	numBlocks := len(conn) / 8
	for b := 0; b < numBlocks; b++ {
		seen := make(map[int32]bool, 8)
		for k := 0; k < 8; k++ {
			n := conn[8*b+k]
			if n < 0 || int(n) >= numNodes {
				return nil, fmt.Errorf("topology: block %d corner %d references node %d", b, k, n)
			}
			if seen[n] {
				return nil, fmt.Errorf("topology: block %d repeats node %d", b, n)
			}
			seen[n] = true
		}
	}

	t := &Topology{
		NumNodes:      numNodes,
		NumBlocks:     numBlocks,
		Conn:          append([]int32(nil), conn...),
		blockFaceID:   make([][6]int32, numBlocks),
		faceNeighbors: make([][6][]FaceAdj, numBlocks),
		blockEdgeID:   make([][12]int32, numBlocks),
		blockCornerID: make([][8]int32, numBlocks),
	}
	if xpts != nil {
		t.Xpts = append([]float64(nil), xpts...)
	}

	if err := t.buildFaces(); err != nil {
		return nil, err
	}
	t.buildEdges()
	t.buildCorners()
	t.Distribute(1)
	return t, nil
}

type faceInc struct {
	block int32
	face  int
}

func (t *Topology) buildFaces() error {
	faceIDs := make(map[[4]int32]int32)
	var incidences [][]faceInc

	for b := 0; b < t.NumBlocks; b++ {
		for f := 0; f < 6; f++ {
			var key [4]int32
			for k := 0; k < 4; k++ {
				key[k] = t.Conn[8*b+hexFaceNodes[f][k]]
			}
			sort.Slice(key[:], func(i, j int) bool { return key[i] < key[j] })
			id, ok := faceIDs[key]
			if !ok {
				id = int32(len(incidences))
				faceIDs[key] = id
				incidences = append(incidences, nil)
			}
			incidences[id] = append(incidences[id], faceInc{int32(b), f})
			t.blockFaceID[b][f] = id
		}
	}
	t.NumFaces = len(incidences)

	for id, incs := range incidences {
		if len(incs) > 2 {
			return fmt.Errorf("topology: face %d shared by %d blocks", id, len(incs))
		}
		if len(incs) != 2 {
			continue
		}
		for s := 0; s < 2; s++ {
			src, dst := incs[s], incs[1-s]
			adj, err := t.matchFaces(src, dst)
			if err != nil {
				return err
			}
			t.faceNeighbors[src.block][src.face] =
				append(t.faceNeighbors[src.block][src.face], adj)
		}
	}
	return nil
}

// matchFaces computes the orientation map from src's face frame into
// dst's by matching corner node ids.
func (t *Topology) matchFaces(src, dst faceInc) (FaceAdj, error) {
	var srcNodes, dstNodes [4]int32
	for k := 0; k < 4; k++ {
		srcNodes[k] = t.Conn[8*src.block+int32(hexFaceNodes[src.face][k])]
		dstNodes[k] = t.Conn[8*dst.block+int32(hexFaceNodes[dst.face][k])]
	}
	// img[k] is the dst face corner matching src face corner k.
	var img [4]int
	for k := 0; k < 4; k++ {
		img[k] = -1
		for j := 0; j < 4; j++ {
			if dstNodes[j] == srcNodes[k] {
				img[k] = j
				break
			}
		}
		if img[k] < 0 {
			return FaceAdj{}, fmt.Errorf("topology: blocks %d and %d share face nodes inconsistently",
				src.block, dst.block)
		}
	}
	adj := FaceAdj{
		Block: dst.block,
		Face:  dst.face,
		Swap:  (img[1]>>1) != (img[0]>>1),
		FlipU: img[0]&1 == 1,
		FlipV: img[0]>>1 == 1,
	}
	// The remaining corners must agree with the affine map.
	for k := 1; k < 4; k++ {
		u, v := k&1, k>>1
		if adj.Swap {
			u, v = v, u
		}
		if adj.FlipU {
			u = 1 - u
		}
		if adj.FlipV {
			v = 1 - v
		}
		if img[k] != u+2*v {
			return FaceAdj{}, fmt.Errorf("topology: blocks %d and %d glue face with a non-affine node map",
				src.block, dst.block)
		}
	}
	return adj, nil
}

func (t *Topology) buildEdges() {
	edgeIDs := make(map[[2]int32]int32)
	for b := 0; b < t.NumBlocks; b++ {
		for e := 0; e < 12; e++ {
			n0 := t.Conn[8*b+hexEdgeNodes[e][0]]
			n1 := t.Conn[8*b+hexEdgeNodes[e][1]]
			key := [2]int32{n0, n1}
			reversed := false
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
				reversed = true
			}
			id, ok := edgeIDs[key]
			if !ok {
				id = int32(len(t.edgeIncs))
				edgeIDs[key] = id
				t.edgeIncs = append(t.edgeIncs, nil)
			}
			t.edgeIncs[id] = append(t.edgeIncs[id],
				EdgeInc{Block: int32(b), Edge: e, Reversed: reversed})
			t.blockEdgeID[b][e] = id
		}
	}
	t.NumEdges = len(t.edgeIncs)
}

func (t *Topology) buildCorners() {
	cornerIDs := make(map[int32]int32)
	for b := 0; b < t.NumBlocks; b++ {
		for c := 0; c < 8; c++ {
			n := t.Conn[8*b+c]
			id, ok := cornerIDs[n]
			if !ok {
				id = int32(len(t.cornerIncs))
				cornerIDs[n] = id
				t.cornerIncs = append(t.cornerIncs, nil)
			}
			t.cornerIncs[id] = append(t.cornerIncs[id],
				CornerInc{Block: int32(b), Corner: c})
			t.blockCornerID[b][c] = id
		}
	}
	t.NumCorners = len(t.cornerIncs)
}

// FaceID returns the global id of a block's local face.
func (t *Topology) FaceID(block int32, face int) int32 {
	return t.blockFaceID[block][face]
}

// EdgeID returns the global id of a block's local edge.
func (t *Topology) EdgeID(block int32, edge int) int32 {
	return t.blockEdgeID[block][edge]
}

// CornerID returns the global id of a block's local corner.
func (t *Topology) CornerID(block int32, corner int) int32 {
	return t.blockCornerID[block][corner]
}

// FaceNeighbors returns the adjacencies of a block's local face (empty
// for a boundary face).
func (t *Topology) FaceNeighbors(block int32, face int) []FaceAdj {
	return t.faceNeighbors[block][face]
}

// EdgeIncidences returns every (block, edge) incident to the global edge
// containing the given local edge.
func (t *Topology) EdgeIncidences(block int32, edge int) []EdgeInc {
	return t.edgeIncs[t.blockEdgeID[block][edge]]
}

// CornerIncidences returns every (block, corner) incident to the global
// corner node at the given local corner.
func (t *Topology) CornerIncidences(block int32, corner int) []CornerInc {
	return t.cornerIncs[t.blockCornerID[block][corner]]
}

// edgeReversed reports whether the given incidence opposes the canonical
// direction of its global edge.
func (t *Topology) edgeReversed(block int32, edge int) bool {
	for _, inc := range t.edgeIncs[t.blockEdgeID[block][edge]] {
		if inc.Block == block && inc.Edge == edge {
			return inc.Reversed
		}
	}
	panic("topology: edge incidence not registered")
}

// BlockLocation evaluates the trilinear map of a block at parametric
// coordinates (u,v,w) in [0,1]^3 using the node coordinate array. It
// panics if the topology was built without Xpts.
func (t *Topology) BlockLocation(block int32, u, v, w float64) (x, y, z float64) {
	if t.Xpts == nil {
		panic("topology: BlockLocation requires node coordinates")
	}
	var shape [8]float64
	shape[0] = (1 - u) * (1 - v) * (1 - w)
	shape[1] = u * (1 - v) * (1 - w)
	shape[2] = (1 - u) * v * (1 - w)
	shape[3] = u * v * (1 - w)
	shape[4] = (1 - u) * (1 - v) * w
	shape[5] = u * (1 - v) * w
	shape[6] = (1 - u) * v * w
	shape[7] = u * v * w
	for k := 0; k < 8; k++ {
		n := t.Conn[8*block+int32(k)]
		x += t.Xpts[3*n] * shape[k]
		y += t.Xpts[3*n+1] * shape[k]
		z += t.Xpts[3*n+2] * shape[k]
	}
	return x, y, z
}

// OctantLocation evaluates the block map at an octant corner.
func (t *Topology) OctantLocation(o octant.Octant) (x, y, z float64) {
	s := float64(octant.Hmax)
	return t.BlockLocation(o.Block, float64(o.X)/s, float64(o.Y)/s, float64(o.Z)/s)
}
