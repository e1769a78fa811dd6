// Package basis provides the Lagrange lattice bases behind the forest's
// dependent-node weights and inter-forest interpolation: the trace of an
// element's shape functions along a non-conforming interface is a tensor
// product of these 1D bases.
package basis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Lagrange1D is the Lagrange basis over the uniform lattice
// t_j = j/(p-1) on [0,1], where p is the number of nodes per direction
// (2 for linear, 3 for quadratic elements).
type Lagrange1D struct {
	P    int
	coef *mat.Dense // column j holds the monomial coefficients of basis j
}

// NewLagrange1D constructs the basis for p nodes per direction.
func NewLagrange1D(p int) (*Lagrange1D, error) {
	if p < 2 || p > 3 {
		return nil, fmt.Errorf("basis: order %d not supported, want 2 or 3", p)
	}
	// Invert the Vandermonde system V c_j = e_j, so that basis j is one
	// at node j and zero at the others.
	v := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		t := float64(i) / float64(p-1)
		for k := 0; k < p; k++ {
			v.Set(i, k, math.Pow(t, float64(k)))
		}
	}
	coef := mat.NewDense(p, p, nil)
	if err := coef.Inverse(v); err != nil {
		return nil, fmt.Errorf("basis: Vandermonde inversion: %w", err)
	}
	return &Lagrange1D{P: p, coef: coef}, nil
}

// Eval evaluates basis function j at parametric position t.
func (l *Lagrange1D) Eval(j int, t float64) float64 {
	s := 0.0
	tk := 1.0
	for k := 0; k < l.P; k++ {
		s += l.coef.At(k, j) * tk
		tk *= t
	}
	return s
}

// Weights returns the p basis values at t. They sum to one for any t.
func (l *Lagrange1D) Weights(t float64) []float64 {
	w := make([]float64, l.P)
	for j := 0; j < l.P; j++ {
		w[j] = l.Eval(j, t)
	}
	return w
}

// TensorWeights2 returns the p*p face weights at (u,v), ordered v-major
// to match the node lattice ordering.
func (l *Lagrange1D) TensorWeights2(u, v float64) []float64 {
	wu := l.Weights(u)
	wv := l.Weights(v)
	w := make([]float64, l.P*l.P)
	for j := 0; j < l.P; j++ {
		for i := 0; i < l.P; i++ {
			w[i+l.P*j] = wu[i] * wv[j]
		}
	}
	return w
}

// TensorWeights3 returns the p^3 volume weights at (u,v,w), ordered
// z-then-y-then-x.
func (l *Lagrange1D) TensorWeights3(u, v, w float64) []float64 {
	wu := l.Weights(u)
	wv := l.Weights(v)
	ww := l.Weights(w)
	out := make([]float64, l.P*l.P*l.P)
	for k := 0; k < l.P; k++ {
		for j := 0; j < l.P; j++ {
			for i := 0; i < l.P; i++ {
				out[i+l.P*(j+l.P*k)] = wu[i] * wv[j] * ww[k]
			}
		}
	}
	return out
}
