package model

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// initialize sets Glorot-uniform input and dense kernels, orthogonal
// recurrent kernels and zero biases with the forget gate bias at one.
func (n *Network) initialize() {
	for _, l := range n.lstm {
		n.glorotUniform(l.w)
		n.orthogonal(l.u)
		bias := l.b.RawMatrix().Data
		for k := l.hidden; k < 2*l.hidden; k++ {
			bias[k] = 1
		}
	}
	n.glorotUniform(n.hw)
}

func (n *Network) glorotUniform(w *mat.Dense) {
	fanOut, fanIn := w.Dims()
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := w.RawMatrix().Data
	for i := range data {
		data[i] = (2*n.rng.Float64() - 1) * limit
	}
}

// orthogonal fills w, which must be at least as tall as it is wide, with
// orthonormal columns taken from the QR factorization of a Gaussian matrix.
func (n *Network) orthogonal(w *mat.Dense) {
	rows, cols := w.Dims()
	a := mat.NewDense(rows, cols, nil)
	data := a.RawMatrix().Data
	for i := range data {
		data[i] = n.rng.NormFloat64()
	}

	var qr mat.QR
	qr.Factorize(a)
	var q mat.Dense
	qr.QTo(&q)
	w.Copy(q.Slice(0, rows, 0, cols))
}
