package quad

import (
	"sync"
	"testing"

	"github.com/gjkennedy/tmr/comm"
	"github.com/gjkennedy/tmr/octant"
	"github.com/gjkennedy/tmr/topology"
)

type failer struct {
	mu sync.Mutex
	t  *testing.T
}

func (fl *failer) Errorf(format string, args ...interface{}) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.t.Errorf(format, args...)
}

func singleBlockTopo(t *testing.T) *topology.Topology2D {
	t.Helper()
	topo, err := topology.New2D(4, []int32{0, 1, 2, 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

// twoBlockTopo glues the blocks along block 0's x-max edge, with block 1
// listing it in the opposite direction.
func twoBlockTopo(t *testing.T, numRanks int) *topology.Topology2D {
	t.Helper()
	topo, err := topology.New2D(6, []int32{
		0, 1, 2, 3,
		4, 3, 5, 1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	topo.Distribute(numRanks)
	return topo
}

func runRanks(t *testing.T, np int, fn func(*comm.Rank, *failer)) {
	t.Helper()
	rt, err := comm.NewRuntime(np)
	if err != nil {
		t.Fatal(err)
	}
	fl := &failer{t: t}
	rt.Run(func(rk *comm.Rank) {
		fn(rk, fl)
	})
}

func TestSingleBlockDepth2(t *testing.T) {
	topo := singleBlockTopo(t)
	runRanks(t, 1, func(rk *comm.Rank, fl *failer) {
		f, err := New(rk, topo)
		if err != nil {
			fl.Errorf("New: %v", err)
			return
		}
		if err := f.CreateTrees(2); err != nil {
			fl.Errorf("CreateTrees: %v", err)
			return
		}
		if n := f.NumLocalLeaves(); n != 16 {
			fl.Errorf("leaves = %d, want 16", n)
		}
		f.Balance(false)
		if n := f.NumLocalLeaves(); n != 16 {
			fl.Errorf("balance changed a uniform forest to %d leaves", n)
		}
		if err := f.CreateNodes(2); err != nil {
			fl.Errorf("CreateNodes: %v", err)
			return
		}
		begin, end, err := f.OwnedNodeRange()
		if err != nil || begin != 0 || end != 25 {
			fl.Errorf("owned range [%d,%d), want [0,25)", begin, end)
		}
		if nd := f.NumDependentNodes(); nd != 0 {
			fl.Errorf("dependents = %d, want 0", nd)
		}
		conn, err := f.CreateMeshConn()
		if err != nil {
			fl.Errorf("CreateMeshConn: %v", err)
			return
		}
		if len(conn) != 4*16 {
			fl.Errorf("conn length = %d, want 64", len(conn))
		}
		seen := make(map[int64]bool)
		for _, c := range conn {
			seen[c] = true
		}
		if len(seen) != 25 {
			fl.Errorf("conn covers %d nodes, want 25", len(seen))
		}
	})
}

// The reversed gluing refines block 1's edge-adjacent leaves when block
// 0 is two levels deeper.
func TestTwoBlockBalanceReversedEdge(t *testing.T) {
	topo := twoBlockTopo(t, 2)
	runRanks(t, 2, func(rk *comm.Rank, fl *failer) {
		f, err := New(rk, topo)
		if err != nil {
			fl.Errorf("New: %v", err)
			return
		}
		if err := f.CreateTreesRefined([]int32{3, 1}); err != nil {
			fl.Errorf("CreateTrees: %v", err)
			return
		}
		f.Balance(false)
		switch rk.ID() {
		case 0:
			if n := f.NumLocalLeaves(); n != 64 {
				fl.Errorf("block 0 has %d leaves, want 64", n)
			}
		case 1:
			// Both edge-adjacent leaves split once.
			if n := f.NumLocalLeaves(); n != 10 {
				fl.Errorf("block 1 has %d leaves, want 10", n)
			}
		}
		before := f.NumLocalLeaves()
		f.Balance(false)
		if f.NumLocalLeaves() != before {
			fl.Errorf("balance is not idempotent")
		}
	})
}

// Nodes on the reversed shared edge deduplicate to one index each.
func TestNodeUniquenessReversedEdge(t *testing.T) {
	topo := twoBlockTopo(t, 2)
	runRanks(t, 2, func(rk *comm.Rank, fl *failer) {
		f, err := New(rk, topo)
		if err != nil {
			fl.Errorf("New: %v", err)
			return
		}
		if err := f.CreateTrees(2); err != nil {
			fl.Errorf("CreateTrees: %v", err)
			return
		}
		f.Balance(false)
		if err := f.CreateNodes(2); err != nil {
			fl.Errorf("CreateNodes: %v", err)
			return
		}
		begin, end, err := f.OwnedNodeRange()
		if err != nil {
			fl.Errorf("OwnedNodeRange: %v", err)
			return
		}
		total := rk.AllReduceInt(int(end - begin))
		if total != 45 {
			fl.Errorf("total nodes = %d, want 25+25-5 = 45", total)
		}
	})
}

// A 2:1 edge hangs the fine midpoints on the coarse edge lattice.
func TestHangingEdgeNodes(t *testing.T) {
	topo := twoBlockTopo(t, 2)
	runRanks(t, 2, func(rk *comm.Rank, fl *failer) {
		f, err := New(rk, topo)
		if err != nil {
			fl.Errorf("New: %v", err)
			return
		}
		if err := f.CreateTreesRefined([]int32{2, 1}); err != nil {
			fl.Errorf("CreateTrees: %v", err)
			return
		}
		f.Balance(false)
		if err := f.CreateNodes(2); err != nil {
			fl.Errorf("CreateNodes: %v", err)
			return
		}
		begin, end, err := f.OwnedNodeRange()
		if err != nil {
			fl.Errorf("OwnedNodeRange: %v", err)
			return
		}
		total := rk.AllReduceInt(int(end - begin))
		if total != 29 {
			fl.Errorf("total independent nodes = %d, want 29", total)
		}
		ptr, conn, weights, err := f.DependentNodeConn()
		if err != nil {
			fl.Errorf("DependentNodeConn: %v", err)
			return
		}
		switch rk.ID() {
		case 0:
			if f.NumDependentNodes() != 2 {
				fl.Errorf("rank 0 dependents = %d, want 2", f.NumDependentNodes())
			}
			for d := 0; d < f.NumDependentNodes(); d++ {
				if ptr[d+1]-ptr[d] != 2 {
					fl.Errorf("dependent %d has %d independents, want 2", d, ptr[d+1]-ptr[d])
				}
				sum := 0.0
				for i := ptr[d]; i < ptr[d+1]; i++ {
					sum += weights[i]
					if weights[i] < 0.5-1e-12 || weights[i] > 0.5+1e-12 {
						fl.Errorf("dependent %d weight %v, want 0.5", d, weights[i])
					}
					if conn[i] < 0 || conn[i] >= int64(total) {
						fl.Errorf("constraint references node %d", conn[i])
					}
				}
				if sum < 1-1e-12 || sum > 1+1e-12 {
					fl.Errorf("dependent %d weights sum to %v", d, sum)
				}
			}
		case 1:
			if f.NumDependentNodes() != 0 {
				fl.Errorf("rank 1 dependents = %d, want 0", f.NumDependentNodes())
			}
		}
	})
}

func TestRandomBalanceIdempotent2D(t *testing.T) {
	topo := twoBlockTopo(t, 2)
	var mu sync.Mutex
	var all []octant.Quadrant
	runRanks(t, 2, func(rk *comm.Rank, fl *failer) {
		f, err := New(rk, topo)
		if err != nil {
			fl.Errorf("New: %v", err)
			return
		}
		if err := f.CreateRandomTrees(60, 0, 6, 19); err != nil {
			fl.Errorf("CreateRandomTrees: %v", err)
			return
		}
		f.Balance(true)
		first := f.Leaves()
		f.Balance(true)
		second := f.Leaves()
		if len(first) != len(second) {
			fl.Errorf("rank %d: leaf count changed %d -> %d", rk.ID(), len(first), len(second))
			return
		}
		for i := range first {
			if octant.CompareQuad(first[i], second[i]) != 0 {
				fl.Errorf("rank %d: leaf %d changed", rk.ID(), i)
				return
			}
		}
		mu.Lock()
		all = append(all, second...)
		mu.Unlock()
	})
	assertEdgeBalance(t, topo, all)
}

// assertEdgeBalance verifies the 2:1 invariant on a global leaf set:
// the leaf covering an edge neighbor is at most one level coarser.
func assertEdgeBalance(t *testing.T, topo *topology.Topology2D, all []octant.Quadrant) {
	t.Helper()
	trees := make([]*octant.QuadArray, topo.NumBlocks)
	for b := range trees {
		trees[b] = octant.NewQuadArray(64)
	}
	for _, q := range all {
		trees[q.Block].Append(q)
	}
	for _, tr := range trees {
		tr.UniqueSort()
	}
	for _, q := range all {
		for edge := 0; edge < 4; edge++ {
			for _, img := range topo.CellImages(q.EdgeNeighbor(edge)) {
				leaf, ok := trees[img.Block].FindContaining(img)
				if !ok {
					// The neighbor region is refined finer than q; the
					// finer leaves carry the check from their side.
					continue
				}
				if leaf.Level < q.Level-1 {
					t.Fatalf("2:1 violated: leaf %+v has edge-%d neighbor %+v", q, edge, leaf)
				}
			}
		}
	}
}

func TestRepartition2D(t *testing.T) {
	topo := singleBlockTopo(t)
	topo.Distribute(4)
	runRanks(t, 4, func(rk *comm.Rank, fl *failer) {
		f, err := New(rk, topo)
		if err != nil {
			fl.Errorf("New: %v", err)
			return
		}
		if err := f.CreateTrees(3); err != nil {
			fl.Errorf("CreateTrees: %v", err)
			return
		}
		f.Repartition()
		n := f.NumLocalLeaves()
		if total := rk.AllReduceInt(n); total != 64 {
			fl.Errorf("total = %d, want 64", total)
		}
		if n != 16 {
			fl.Errorf("rank %d holds %d leaves, want 16", rk.ID(), n)
		}
	})
}

func TestRefineCoarsenRoundTrip2D(t *testing.T) {
	topo := singleBlockTopo(t)
	runRanks(t, 1, func(rk *comm.Rank, fl *failer) {
		f, err := New(rk, topo)
		if err != nil {
			fl.Errorf("New: %v", err)
			return
		}
		if err := f.CreateRandomTrees(20, 0, 4, 3); err != nil {
			fl.Errorf("CreateRandomTrees: %v", err)
			return
		}
		orig := f.Leaves()
		if err := f.Refine(nil); err != nil {
			fl.Errorf("Refine: %v", err)
			return
		}
		c, err := f.Coarsen()
		if err != nil {
			fl.Errorf("Coarsen: %v", err)
			return
		}
		got := c.Leaves()
		if len(got) != len(orig) {
			fl.Errorf("round trip: %d leaves, want %d", len(got), len(orig))
			return
		}
		for i := range got {
			if octant.CompareQuad(got[i], orig[i]) != 0 {
				fl.Errorf("round trip leaf %d differs", i)
				return
			}
		}
	})
}
