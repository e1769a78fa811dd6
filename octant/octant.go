// Package octant provides the bit-encoded octant and quadrant value types
// used by the AMR forest, together with the sorted-array, hash and queue
// containers that hold them.
//
// An octant is a cubic sub-region of a block, identified by the integer
// coordinates of its lower corner and a refinement level. The side length
// at level l is 1<<(MaxLevel-l), so coordinates are always multiples of
// the side length. Octants are totally ordered by (block, Morton index,
// level); two octants with the same block and coordinates are equal "as
// nodes" regardless of level.
package octant

// MaxLevel is the maximum refinement depth. Coordinates live in
// [0, 1<<MaxLevel).
const MaxLevel = 30

// Hmax is the coordinate extent of a block along each axis.
const Hmax int32 = 1 << MaxLevel

// Octant identifies a cubic region of a block. Tag carries an opaque user
// payload through refinement, balancing and repartitioning.
type Octant struct {
	Block int32
	X     int32
	Y     int32
	Z     int32
	Level int32
	Tag   int32
}

// Side returns the octant's edge length in integer coordinates.
func (o Octant) Side() int32 {
	return 1 << (MaxLevel - o.Level)
}

// Parent returns the octant one level up that contains o. Calling Parent
// on a level-0 octant is a programmer error.
func (o Octant) Parent() Octant {
	if o.Level == 0 {
		panic("octant: Parent called on a level-0 octant")
	}
	h2 := int32(1) << (MaxLevel - o.Level + 1)
	mask := ^(h2 - 1)
	return Octant{
		Block: o.Block,
		X:     o.X & mask,
		Y:     o.Y & mask,
		Z:     o.Z & mask,
		Level: o.Level - 1,
		Tag:   o.Tag,
	}
}

// Child returns the k-th child of o for k in [0,8). Children are offset
// by ((k&1), (k>>1)&1, (k>>2)&1) times half the side length.
func (o Octant) Child(k int) Octant {
	if o.Level >= MaxLevel {
		panic("octant: Child would exceed MaxLevel")
	}
	h2 := int32(1) << (MaxLevel - o.Level - 1)
	return Octant{
		Block: o.Block,
		X:     o.X + int32(k&1)*h2,
		Y:     o.Y + int32((k>>1)&1)*h2,
		Z:     o.Z + int32((k>>2)&1)*h2,
		Level: o.Level + 1,
		Tag:   o.Tag,
	}
}

// ChildIndex returns o's local index within its parent.
func (o Octant) ChildIndex() int {
	h := o.Side()
	k := 0
	if o.X&h != 0 {
		k |= 1
	}
	if o.Y&h != 0 {
		k |= 2
	}
	if o.Z&h != 0 {
		k |= 4
	}
	return k
}

// Sibling returns the sibling with local index k within o's parent.
func (o Octant) Sibling(k int) Octant {
	return o.Parent().Child(k)
}

// FaceNeighbor returns the same-level octant across face f, where faces
// 0,1 are the low/high x faces, 2,3 the y faces and 4,5 the z faces. The
// result may fall outside [0,Hmax)^3; the caller consults the topology
// graph in that case.
func (o Octant) FaceNeighbor(f int) Octant {
	h := o.Side()
	n := o
	switch f {
	case 0:
		n.X -= h
	case 1:
		n.X += h
	case 2:
		n.Y -= h
	case 3:
		n.Y += h
	case 4:
		n.Z -= h
	case 5:
		n.Z += h
	default:
		panic("octant: face index out of range")
	}
	return n
}

// EdgeNeighbor returns the same-level octant diagonally across edge e.
// Edges 0-3 run along x, 4-7 along y and 8-11 along z; within each group
// bit 0 selects the high side of the first transverse axis and bit 1 the
// high side of the second.
func (o Octant) EdgeNeighbor(e int) Octant {
	if e < 0 || e >= 12 {
		panic("octant: edge index out of range")
	}
	h := o.Side()
	n := o
	a := e >> 2
	s0 := int32(-h)
	if e&1 != 0 {
		s0 = h
	}
	s1 := int32(-h)
	if e&2 != 0 {
		s1 = h
	}
	switch a {
	case 0: // along x: offsets in y, z
		n.Y += s0
		n.Z += s1
	case 1: // along y: offsets in x, z
		n.X += s0
		n.Z += s1
	case 2: // along z: offsets in x, y
		n.X += s0
		n.Y += s1
	}
	return n
}

// CornerNeighbor returns the same-level octant diagonally across corner
// c, where bits 0,1,2 of c select the high side in x, y, z.
func (o Octant) CornerNeighbor(c int) Octant {
	if c < 0 || c >= 8 {
		panic("octant: corner index out of range")
	}
	h := o.Side()
	n := o
	if c&1 != 0 {
		n.X += h
	} else {
		n.X -= h
	}
	if c&2 != 0 {
		n.Y += h
	} else {
		n.Y -= h
	}
	if c&4 != 0 {
		n.Z += h
	} else {
		n.Z -= h
	}
	return n
}

// InsideBlock reports whether o lies entirely within its block's
// coordinate cube.
func (o Octant) InsideBlock() bool {
	return o.X >= 0 && o.X < Hmax &&
		o.Y >= 0 && o.Y < Hmax &&
		o.Z >= 0 && o.Z < Hmax
}

// Contains reports whether o is an ancestor of, or equal to, b. Octants
// in different blocks never contain each other.
func (o Octant) Contains(b Octant) bool {
	if o.Block != b.Block || o.Level > b.Level {
		return false
	}
	h := o.Side()
	mask := ^(h - 1)
	return o.X == b.X&mask && o.Y == b.Y&mask && o.Z == b.Z&mask
}

// EqualAsNode reports whether o and b name the same geometric point or
// cell origin: block and coordinates match, level is ignored.
func (o Octant) EqualAsNode(b Octant) bool {
	return o.Block == b.Block && o.X == b.X && o.Y == b.Y && o.Z == b.Z
}

// lessMSB reports whether b's most significant set bit is strictly above
// a's. Operands must be interpreted as unsigned.
func lessMSB(a, b uint32) bool {
	return a < b && a < a^b
}

// Compare orders two octants by (block, Morton index, level), with z bits
// taken as more significant than y bits, and y more than x, at every
// level of the interleave. A parent sorts immediately before its first
// child. Returns -1, 0 or +1.
func Compare(a, b Octant) int {
	if a.Block != b.Block {
		if a.Block < b.Block {
			return -1
		}
		return 1
	}
	dx := uint32(a.X ^ b.X)
	dy := uint32(a.Y ^ b.Y)
	dz := uint32(a.Z ^ b.Z)
	// Pick the axis holding the most significant differing bit; ties
	// between axes resolve z over y over x.
	v := dz
	ax, bx := a.Z, b.Z
	if lessMSB(v, dy) {
		v, ax, bx = dy, a.Y, b.Y
	}
	if lessMSB(v, dx) {
		v, ax, bx = dx, a.X, b.X
	}
	if v != 0 {
		if ax < bx {
			return -1
		}
		return 1
	}
	// Same coordinates: the coarser octant covers the finer one and
	// sorts first.
	switch {
	case a.Level < b.Level:
		return -1
	case a.Level > b.Level:
		return 1
	}
	return 0
}

// Less reports Compare(a, b) < 0.
func Less(a, b Octant) bool {
	return Compare(a, b) < 0
}
