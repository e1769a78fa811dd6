package basis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLagrangeCardinality(t *testing.T) {
	for _, p := range []int{2, 3} {
		l, err := NewLagrange1D(p)
		require.NoError(t, err)
		for i := 0; i < p; i++ {
			ti := float64(i) / float64(p-1)
			for j := 0; j < p; j++ {
				want := 0.0
				if i == j {
					want = 1.0
				}
				assert.InDelta(t, want, l.Eval(j, ti), 1e-12,
					"p=%d basis %d at node %d", p, j, i)
			}
		}
	}
}

func TestLagrangePartitionOfUnity(t *testing.T) {
	for _, p := range []int{2, 3} {
		l, err := NewLagrange1D(p)
		require.NoError(t, err)
		for _, tv := range []float64{0, 0.125, 0.25, 0.5, 0.75, 1} {
			s := 0.0
			for _, w := range l.Weights(tv) {
				s += w
			}
			assert.InDelta(t, 1.0, s, 1e-12, "p=%d t=%v", p, tv)
		}
	}
}

func TestLinearMidpointWeights(t *testing.T) {
	l, err := NewLagrange1D(2)
	require.NoError(t, err)
	w := l.Weights(0.5)
	assert.InDelta(t, 0.5, w[0], 1e-12)
	assert.InDelta(t, 0.5, w[1], 1e-12)
}

// The quadratic basis at the quarter points gives the hanging-node
// weights of an order-3 non-conforming interface.
func TestQuadraticQuarterPointWeights(t *testing.T) {
	l, err := NewLagrange1D(3)
	require.NoError(t, err)

	w := l.Weights(0.25)
	assert.InDelta(t, 3.0/8.0, w[0], 1e-12)
	assert.InDelta(t, 3.0/4.0, w[1], 1e-12)
	assert.InDelta(t, -1.0/8.0, w[2], 1e-12)

	w = l.Weights(0.75)
	assert.InDelta(t, -1.0/8.0, w[0], 1e-12)
	assert.InDelta(t, 3.0/4.0, w[1], 1e-12)
	assert.InDelta(t, 3.0/8.0, w[2], 1e-12)
}

func TestTensorWeights(t *testing.T) {
	l, err := NewLagrange1D(2)
	require.NoError(t, err)

	w2 := l.TensorWeights2(0.5, 0.5)
	require.Len(t, w2, 4)
	for _, w := range w2 {
		assert.InDelta(t, 0.25, w, 1e-12)
	}

	w3 := l.TensorWeights3(0.5, 0.5, 0.5)
	require.Len(t, w3, 8)
	s := 0.0
	for _, w := range w3 {
		s += w
	}
	assert.InDelta(t, 1.0, s, 1e-12)

	// Corner evaluation picks out a single lattice node.
	w3 = l.TensorWeights3(1, 0, 1)
	assert.InDelta(t, 1.0, w3[1+2*(0+2*1)], 1e-12)
}

func TestUnsupportedOrder(t *testing.T) {
	_, err := NewLagrange1D(4)
	assert.Error(t, err)
	_, err = NewLagrange1D(1)
	assert.Error(t, err)
}
