package octant

import (
	"math/rand"
	"sort"
	"testing"
)

func TestParentChildRoundTrip(t *testing.T) {
	o := Octant{Block: 3, X: 0, Y: 0, Z: 0, Level: 2}
	for k := 0; k < 8; k++ {
		c := o.Child(k)
		if c.Level != 3 {
			t.Fatalf("child level = %d, want 3", c.Level)
		}
		if c.ChildIndex() != k {
			t.Errorf("child %d: ChildIndex = %d", k, c.ChildIndex())
		}
		p := c.Parent()
		if Compare(p, o) != 0 {
			t.Errorf("child %d: parent mismatch %+v", k, p)
		}
	}
}

func TestChildOffsets(t *testing.T) {
	o := Octant{Level: 0}
	h2 := Hmax / 2
	c := o.Child(5) // x and z bits set
	if c.X != h2 || c.Y != 0 || c.Z != h2 {
		t.Errorf("child 5 at (%d,%d,%d)", c.X, c.Y, c.Z)
	}
}

func TestSiblingsContiguousInMortonOrder(t *testing.T) {
	p := Octant{Block: 0, X: Hmax / 2, Y: 0, Z: Hmax / 2, Level: 2}
	var kids []Octant
	for k := 7; k >= 0; k-- {
		kids = append(kids, p.Child(k))
	}
	sort.Slice(kids, func(i, j int) bool { return Less(kids[i], kids[j]) })
	for k := 0; k < 8; k++ {
		if kids[k].ChildIndex() != k {
			t.Fatalf("position %d holds child %d", k, kids[k].ChildIndex())
		}
	}
}

func TestParentSortsBeforeDescendants(t *testing.T) {
	p := Octant{Level: 1, X: Hmax / 2}
	if !Less(p, p.Child(3)) {
		t.Error("parent must sort before an interior child")
	}
	if !Less(p, p.Child(0)) {
		t.Error("parent must sort before the corner child at its origin")
	}
	d := p.Child(0).Child(0)
	if !Less(p, d) {
		t.Error("parent must sort before a deep descendant at its origin")
	}
}

func TestCompareZThenYThenX(t *testing.T) {
	a := Octant{X: Hmax / 2, Level: 1}
	b := Octant{Y: Hmax / 2, Level: 1}
	c := Octant{Z: Hmax / 2, Level: 1}
	if !Less(a, b) || !Less(b, c) {
		t.Error("z bits must dominate y bits, y bits must dominate x bits")
	}
}

func TestFaceNeighbors(t *testing.T) {
	o := Octant{X: Hmax / 2, Y: Hmax / 2, Z: Hmax / 2, Level: 1}
	h := o.Side()
	cases := []struct {
		f          int
		dx, dy, dz int32
	}{
		{0, -h, 0, 0}, {1, h, 0, 0},
		{2, 0, -h, 0}, {3, 0, h, 0},
		{4, 0, 0, -h}, {5, 0, 0, h},
	}
	for _, c := range cases {
		n := o.FaceNeighbor(c.f)
		if n.X != o.X+c.dx || n.Y != o.Y+c.dy || n.Z != o.Z+c.dz {
			t.Errorf("face %d: got (%d,%d,%d)", c.f, n.X, n.Y, n.Z)
		}
		if n.Level != o.Level {
			t.Errorf("face %d: level changed", c.f)
		}
	}
	if o.FaceNeighbor(1).InsideBlock() {
		t.Error("high-x neighbor of the high-x half must leave the block")
	}
}

func TestEdgeCornerNeighbors(t *testing.T) {
	o := Octant{X: Hmax / 2, Y: Hmax / 2, Z: Hmax / 2, Level: 1}
	h := o.Side()
	n := o.EdgeNeighbor(0) // along x, low y, low z
	if n.X != o.X || n.Y != o.Y-h || n.Z != o.Z-h {
		t.Errorf("edge 0: got (%d,%d,%d)", n.X, n.Y, n.Z)
	}
	n = o.EdgeNeighbor(11) // along z, high x, high y
	if n.X != o.X+h || n.Y != o.Y+h || n.Z != o.Z {
		t.Errorf("edge 11: got (%d,%d,%d)", n.X, n.Y, n.Z)
	}
	n = o.CornerNeighbor(0)
	if n.X != o.X-h || n.Y != o.Y-h || n.Z != o.Z-h {
		t.Errorf("corner 0: got (%d,%d,%d)", n.X, n.Y, n.Z)
	}
	n = o.CornerNeighbor(7)
	if n.X != o.X+h || n.Y != o.Y+h || n.Z != o.Z+h {
		t.Errorf("corner 7: got (%d,%d,%d)", n.X, n.Y, n.Z)
	}
}

func TestContains(t *testing.T) {
	root := Octant{Level: 0}
	deep := root.Child(7).Child(2).Child(5)
	if !root.Contains(deep) {
		t.Error("root must contain every descendant")
	}
	if deep.Contains(root) {
		t.Error("descendant must not contain its ancestor")
	}
	if !deep.Contains(deep) {
		t.Error("Contains must accept equality")
	}
	other := deep
	other.Block = 1
	if root.Contains(other) {
		t.Error("containment must not cross blocks")
	}
}

func TestArrayContainsAsNode(t *testing.T) {
	a := NewArray(4)
	o := Octant{X: Hmax / 4, Y: Hmax / 2, Level: 2}
	a.Append(o)
	a.Append(Octant{X: Hmax / 2, Level: 1})
	a.Sort()

	probe := o
	probe.Level = 5
	if a.Contains(probe, false) != nil {
		t.Error("level-aware search must reject a different level")
	}
	got := a.Contains(probe, true)
	if got == nil || got.Level != 2 {
		t.Error("as-node search must ignore level")
	}
}

func TestArrayMergeAndUnique(t *testing.T) {
	a := NewArray(8)
	b := NewArray(8)
	p := Octant{Level: 1, X: Hmax / 2}
	for k := 0; k < 4; k++ {
		a.Append(p.Child(k))
	}
	for k := 2; k < 8; k++ {
		b.Append(p.Child(k))
	}
	a.Sort()
	b.Sort()
	a.Merge(b)
	if a.Len() != 8 {
		t.Fatalf("merged length = %d, want 8", a.Len())
	}
	a.Coarsen()
	if a.Len() != 1 || Compare(a.Octs[0], p) != 0 {
		t.Errorf("coarsen of complete siblings must yield the parent, got %v", a.Octs)
	}
}

func TestArrayCoarsenOneLevelPerSweep(t *testing.T) {
	// All 64 level-2 descendants of the root collapse by exactly one
	// level per sweep.
	root := Octant{Level: 0}
	a := NewArray(64)
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			a.Append(root.Child(i).Child(j))
		}
	}
	a.Sort()
	a.Coarsen()
	if a.Len() != 8 {
		t.Fatalf("first sweep left %d entries, want 8", a.Len())
	}
	for _, o := range a.Octs {
		if o.Level != 1 {
			t.Fatalf("first sweep produced level %d", o.Level)
		}
	}
	a.Coarsen()
	if a.Len() != 1 || a.Octs[0].Level != 0 {
		t.Errorf("second sweep left %d entries", a.Len())
	}
}

func TestFindContaining(t *testing.T) {
	a := NewArray(16)
	p := Octant{Level: 1, X: Hmax / 2}
	for k := 0; k < 8; k++ {
		if k == 3 {
			for j := 0; j < 8; j++ {
				a.Append(p.Child(3).Child(j))
			}
			continue
		}
		a.Append(p.Child(k))
	}
	a.Sort()

	probe := p.Child(3).Child(6).Child(1)
	got, ok := a.FindContaining(probe)
	if !ok || Compare(got, p.Child(3).Child(6)) != 0 {
		t.Errorf("FindContaining returned %+v, ok=%v", got, ok)
	}
	if !a.HasDescendant(p.Child(3)) {
		t.Error("HasDescendant must see the refined children")
	}
	if a.HasDescendant(p.Child(4)) {
		t.Error("leaf region must report no descendants")
	}
	outside := Octant{Block: 9, Level: 3}
	if _, ok := a.FindContaining(outside); ok {
		t.Error("octant in another block must not be found")
	}
}

func TestHashDeduplicatesAsNode(t *testing.T) {
	h := NewHash(4)
	o := Octant{X: 8, Y: 16, Z: 24, Level: 27}
	if !h.Add(o) {
		t.Fatal("first insert must succeed")
	}
	dup := o
	dup.Level = 28
	if h.Add(dup) {
		t.Error("same coordinates at another level must be rejected")
	}
	if h.Len() != 1 {
		t.Errorf("len = %d, want 1", h.Len())
	}
	got, ok := h.Get(dup)
	if !ok || got.Level != 27 {
		t.Error("Get must return the first-inserted octant")
	}
}

func TestLevelHashKeepsDistinctLevels(t *testing.T) {
	h := NewLevelHash(4)
	o := Octant{X: Hmax / 2, Level: 1}
	fine := o
	fine.Level = 3
	if !h.Add(o) || !h.Add(fine) {
		t.Fatal("level-keyed hash must keep both levels at one origin")
	}
	if h.Add(fine) {
		t.Error("exact duplicate must be rejected")
	}
	if h.Len() != 2 {
		t.Errorf("len = %d, want 2", h.Len())
	}
	if i := h.Index(o); i != 0 {
		t.Errorf("Index of first insert = %d", i)
	}
}

func TestHashGrowKeepsEntries(t *testing.T) {
	h := NewHash(2)
	rng := rand.New(rand.NewSource(42))
	var inserted []Octant
	for i := 0; i < 500; i++ {
		o := Octant{
			Block: int32(rng.Intn(4)),
			X:     int32(rng.Intn(1 << 20)),
			Y:     int32(rng.Intn(1 << 20)),
			Z:     int32(rng.Intn(1 << 20)),
			Level: MaxLevel,
		}
		if h.Add(o) {
			inserted = append(inserted, o)
		}
	}
	for _, o := range inserted {
		if _, ok := h.Get(o); !ok {
			t.Fatalf("lost %+v after growth", o)
		}
	}
	if h.Len() != len(inserted) {
		t.Errorf("len = %d, want %d", h.Len(), len(inserted))
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 100; i++ {
		q.Push(Octant{Tag: int32(i)})
		if i%3 == 0 {
			_ = q.Pop()
		}
	}
	prev := int32(-1)
	for q.Len() > 0 {
		o := q.Pop()
		if o.Tag <= prev {
			t.Fatal("queue must preserve FIFO order")
		}
		prev = o.Tag
	}
}

func TestQuadLevelHashKeepsDistinctLevels(t *testing.T) {
	h := NewQuadLevelHash(4)
	q := Quadrant{X: Hmax / 2, Level: 1}
	fine := q
	fine.Level = 3
	if !h.Add(q) || !h.Add(fine) {
		t.Fatal("level-keyed hash must keep both levels at one origin")
	}
	if h.Add(fine) {
		t.Error("exact duplicate must be rejected")
	}
	if h.Len() != 2 {
		t.Errorf("len = %d, want 2", h.Len())
	}
	node := NewQuadHash(4)
	if !node.Add(q) || node.Add(fine) {
		t.Error("node-keyed hash must reject the same origin at another level")
	}
}

func TestQuadrantBasics(t *testing.T) {
	p := Quadrant{Block: 1, Level: 1, X: Hmax / 2}
	var kids []Quadrant
	for k := 3; k >= 0; k-- {
		kids = append(kids, p.Child(k))
	}
	sort.Slice(kids, func(i, j int) bool { return LessQuad(kids[i], kids[j]) })
	for k := 0; k < 4; k++ {
		if kids[k].ChildIndex() != k {
			t.Fatalf("position %d holds child %d", k, kids[k].ChildIndex())
		}
	}
	if !LessQuad(p, p.Child(2)) {
		t.Error("parent must sort before its children")
	}
	a := NewQuadArray(4)
	for k := 0; k < 4; k++ {
		a.Append(p.Child(k))
	}
	a.Sort()
	a.Coarsen()
	if a.Len() != 1 || CompareQuad(a.Quads[0], p) != 0 {
		t.Error("quad coarsen must collapse complete siblings")
	}
}
