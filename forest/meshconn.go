package forest

import (
	"fmt"

	"github.com/gjkennedy/tmr/octant"
)

// CreateMeshConn emits the element-to-node connectivity: for each local
// leaf in SFC order, the order^3 node entries in z-then-y-then-x lattice
// order. Independent nodes appear as their global indices; a dependent
// node d is encoded as -(d+1). When an element creator is installed it
// is invoked once per leaf with the element's connectivity slice.
func (f *Forest) CreateMeshConn() ([]int64, error) {
	nd := f.nodes
	if nd == nil {
		return nil, fmt.Errorf("forest: CreateNodes has not been called")
	}
	p := nd.order
	perElem := p * p * p
	conn := make([]int64, 0, perElem*f.NumLocalLeaves())

	for _, b := range f.heldBlocks() {
		for _, o := range f.trees[b].Octs {
			step := latticeStep(o, p)
			elemStart := len(conn)
			for k := 0; k < p; k++ {
				for j := 0; j < p; j++ {
					for i := 0; i < p; i++ {
						pt := octant.Octant{
							Block: o.Block,
							X:     o.X + int32(i)*step,
							Y:     o.Y + int32(j)*step,
							Z:     o.Z + int32(k)*step,
						}
						idx := nd.hash[b].Index(pt)
						if idx < 0 {
							f.rk.Abortf("forest: element node %+v missing", pt)
						}
						if d := nd.dep[b][idx]; d >= 0 {
							conn = append(conn, int64(-(d + 1)))
						} else {
							conn = append(conn, nd.index[b][idx])
						}
					}
				}
			}
			if f.creator != nil {
				f.creator(p, o, conn[elemStart:])
			}
		}
	}
	return conn, nil
}
