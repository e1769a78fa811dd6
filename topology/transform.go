package topology

import "github.com/gjkennedy/tmr/octant"

// transverseAxes returns the two axes perpendicular to an edge axis, in
// the bit order used by the local edge numbering.
func transverseAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

// transformFace maps coordinates c (cell size h, h=0 for points) from
// the frame of the block owning local face f into the frame of the block
// behind adjacency adj. Only the two in-plane coordinates of c are read;
// the depth coordinate is set from the destination face side.
func transformFace(c [3]int32, h int32, f int, adj FaceAdj) [3]int32 {
	ua, va := faceAxes(f >> 1)
	p, q := c[ua], c[va]
	if adj.Swap {
		p, q = q, p
	}
	if adj.FlipU {
		p = octant.Hmax - h - p
	}
	if adj.FlipV {
		q = octant.Hmax - h - q
	}
	var n [3]int32
	u2, v2 := faceAxes(adj.Face >> 1)
	n[u2] = p
	n[v2] = q
	if adj.Face&1 == 1 {
		n[adj.Face>>1] = octant.Hmax - h
	}
	return n
}

// transformEdge maps the along-edge coordinate of c from the source
// block's local edge e into the frame of incidence inc, placing the
// result against inc's edge.
func transformEdge(t *Topology, block int32, c [3]int32, h int32, e int, inc EdgeInc) [3]int32 {
	u := c[e>>2]
	if t.edgeReversed(block, e) != inc.Reversed {
		u = octant.Hmax - h - u
	}
	var n [3]int32
	dstAxis := inc.Edge >> 2
	n[dstAxis] = u
	t0, t1 := transverseAxes(dstAxis)
	if inc.Edge&1 != 0 {
		n[t0] = octant.Hmax - h
	}
	if inc.Edge&2 != 0 {
		n[t1] = octant.Hmax - h
	}
	return n
}

// cornerCoords places a cell of size h against local corner c of a
// block.
func cornerCoords(c int, h int32) [3]int32 {
	var n [3]int32
	if c&1 != 0 {
		n[0] = octant.Hmax - h
	}
	if c&2 != 0 {
		n[1] = octant.Hmax - h
	}
	if c&4 != 0 {
		n[2] = octant.Hmax - h
	}
	return n
}

// CellImages resolves a neighbor octant that stepped outside its block's
// coordinate cube. The off-range axes select the block face, edge or
// corner that was crossed; the result holds the octant's image in every
// block on the other side, hugging the shared entity. An octant that is
// still inside its block is returned unchanged; an octant crossing a
// domain boundary yields no images.
func (t *Topology) CellImages(o octant.Octant) []octant.Octant {
	h := o.Side()
	c := [3]int32{o.X, o.Y, o.Z}
	var offAxes, sides []int
	for a := 0; a < 3; a++ {
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
		return []octant.Octant{o}

	case 1:
		f := 2*offAxes[0] + sides[0]
		var out []octant.Octant
		for _, adj := range t.faceNeighbors[o.Block][f] {
			n := transformFace(c, h, f, adj)
			out = append(out, octant.Octant{
				Block: adj.Block, X: n[0], Y: n[1], Z: n[2],
				Level: o.Level, Tag: o.Tag,
			})
		}
		return out

	case 2:
		e := localEdge(offAxes, sides)
		var out []octant.Octant
		for _, inc := range t.EdgeIncidences(o.Block, e) {
			if inc.Block == o.Block && inc.Edge == e {
				continue
			}
			n := transformEdge(t, o.Block, c, h, e, inc)
			out = append(out, octant.Octant{
				Block: inc.Block, X: n[0], Y: n[1], Z: n[2],
				Level: o.Level, Tag: o.Tag,
			})
		}
		return out

	default:
		cr := sides[0] | sides[1]<<1 | sides[2]<<2
		var out []octant.Octant
		for _, inc := range t.CornerIncidences(o.Block, cr) {
			if inc.Block == o.Block && inc.Corner == cr {
				continue
			}
			n := cornerCoords(inc.Corner, h)
			out = append(out, octant.Octant{
				Block: inc.Block, X: n[0], Y: n[1], Z: n[2],
				Level: o.Level, Tag: o.Tag,
			})
		}
		return out
	}
}

// localEdge recovers the local edge index from the two crossed axes and
// their sides.
func localEdge(offAxes, sides []int) int {
	alongAxis := 3 - offAxes[0] - offAxes[1]
	// The transverse bit order matches transverseAxes: lower axis first.
	b0, b1 := sides[0], sides[1]
	if offAxes[0] > offAxes[1] {
		b0, b1 = b1, b0
	}
	return 4*alongAxis + b0 + 2*b1
}

// PointImages returns the images of a block-boundary point in every
// other block incident to the faces, edges and corners the point lies
// on. The original point is not included; duplicates may appear when a
// block touches the point through more than one entity, and callers
// deduplicate as nodes.
func (t *Topology) PointImages(p octant.Octant) []octant.Octant {
	c := [3]int32{p.X, p.Y, p.Z}
	var bAxes, sides []int
	for a := 0; a < 3; a++ {
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

	var out []octant.Octant
	add := func(block int32, n [3]int32) {
		out = append(out, octant.Octant{
			Block: block, X: n[0], Y: n[1], Z: n[2],
			Level: p.Level, Tag: p.Tag,
		})
	}

	for i, a := range bAxes {
		f := 2*a + sides[i]
		for _, adj := range t.faceNeighbors[p.Block][f] {
			add(adj.Block, transformFace(c, 0, f, adj))
		}
	}
	if len(bAxes) >= 2 {
		for i := 0; i < len(bAxes); i++ {
			for j := i + 1; j < len(bAxes); j++ {
				e := localEdge([]int{bAxes[i], bAxes[j]}, []int{sides[i], sides[j]})
				for _, inc := range t.EdgeIncidences(p.Block, e) {
					if inc.Block == p.Block && inc.Edge == e {
						continue
					}
					add(inc.Block, transformEdge(t, p.Block, c, 0, e, inc))
				}
			}
		}
	}
	if len(bAxes) == 3 {
		cr := sides[0] | sides[1]<<1 | sides[2]<<2
		for _, inc := range t.CornerIncidences(p.Block, cr) {
			if inc.Block == p.Block && inc.Corner == cr {
				continue
			}
			add(inc.Block, cornerCoords(inc.Corner, 0))
		}
	}
	return out
}
