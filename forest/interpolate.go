package forest

import (
	"fmt"

	"github.com/gjkennedy/tmr/octant"
	"github.com/james-bowman/sparse"
)

// CreateInterpolation builds the sparse operator taking nodal values on
// the coarse forest to this (finer) forest's independent nodes: each of
// this rank's nodes is located in the coarse forest's containing leaf
// and weighted by the tensor Lagrange basis at its parametric position.
// Dependent coarse nodes are pushed through their constraints. Both
// forests must have nodes created and share the same block distribution,
// as produced by Coarsen.
func (f *Forest) CreateInterpolation(coarse *Forest) (*sparse.CSR, error) {
	if f.nodes == nil || coarse.nodes == nil {
		return nil, fmt.Errorf("forest: CreateInterpolation requires CreateNodes on both forests")
	}
	nFine := int64(f.rk.AllReduceInt(f.nodes.numOwned))
	nCoarse := int64(f.rk.AllReduceInt(coarse.nodes.numOwned))

	fineNodes, err := f.Nodes()
	if err != nil {
		return nil, err
	}
	dok := sparse.NewDOK(int(nFine), int(nCoarse))

	cn := coarse.nodes
	p := cn.order
	for _, node := range fineNodes {
		b := node.Block
		if coarse.trees[b] == nil {
			return nil, fmt.Errorf("forest: coarse forest does not hold block %d", b)
		}
		// The probe clamps far-boundary coordinates into the last cell.
		probe := octant.Octant{Block: b, X: node.X, Y: node.Y, Z: node.Z,
			Level: octant.MaxLevel}
		if probe.X == octant.Hmax {
			probe.X--
		}
		if probe.Y == octant.Hmax {
			probe.Y--
		}
		if probe.Z == octant.Hmax {
			probe.Z--
		}
		leaf, ok := coarse.trees[b].FindContaining(probe)
		if !ok {
			return nil, fmt.Errorf("forest: no coarse leaf contains node %+v", node)
		}
		hs := float64(leaf.Side())
		u := float64(node.X-leaf.X) / hs
		v := float64(node.Y-leaf.Y) / hs
		w := float64(node.Z-leaf.Z) / hs

		weights := cn.lag.TensorWeights3(u, v, w)
		step := latticeStep(leaf, p)
		var row []indexWeight
		for k := 0; k < p; k++ {
			for j := 0; j < p; j++ {
				for i := 0; i < p; i++ {
					wt := weights[i+p*(j+p*k)]
					if wt < 1e-12 && wt > -1e-12 {
						continue
					}
					pt := octant.Octant{
						Block: b,
						X:     leaf.X + int32(i)*step,
						Y:     leaf.Y + int32(j)*step,
						Z:     leaf.Z + int32(k)*step,
					}
					idx := cn.hash[b].Index(pt)
					if idx < 0 {
						return nil, fmt.Errorf("forest: coarse node %+v missing", pt)
					}
					if d := cn.dep[b][idx]; d >= 0 {
						row = coarse.resolveDependent(d, wt, row)
					} else {
						row = append(row, indexWeight{cn.index[b][idx], wt})
					}
				}
			}
		}
		for _, e := range uniqueSortWeights(row) {
			dok.Set(int(node.Index), int(e.index), e.weight)
		}
	}
	return dok.ToCSR(), nil
}
