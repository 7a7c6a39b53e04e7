package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// param pairs the backing storage of a weight matrix with its gradient.
type param struct {
	name  string
	value []float64
	grad  []float64
}

func newParam(name string, value, grad *mat.Dense) param {
	return param{
		name:  name,
		value: value.RawMatrix().Data,
		grad:  grad.RawMatrix().Data,
	}
}

// rmsprop keeps a decaying mean of squared gradients per parameter:
//
//	cache = rho*cache + (1-rho)*g^2
//	w -= lr * g / (sqrt(cache) + eps)
type rmsprop struct {
	lr, rho, eps float64
	cache        map[string][]float64
}

func newRMSprop(lr, rho, eps float64, params []param) *rmsprop {
	o := &rmsprop{lr: lr, rho: rho, eps: eps, cache: make(map[string][]float64, len(params))}
	for _, p := range params {
		o.cache[p.name] = make([]float64, len(p.value))
	}
	return o
}

func (o *rmsprop) step(params []param) {
	for _, p := range params {
		cache := o.cache[p.name]
		for i, g := range p.grad {
			cache[i] = o.rho*cache[i] + (1-o.rho)*g*g
			p.value[i] -= o.lr * g / (math.Sqrt(cache[i]) + o.eps)
		}
	}
}

// clipGlobalNorm rescales all gradients so their joint L2 norm is at most
// limit. It returns the norm before clipping.
func clipGlobalNorm(params []param, limit float64) float64 {
	sq := 0.0
	for _, p := range params {
		sq += floats.Dot(p.grad, p.grad)
	}
	norm := math.Sqrt(sq)
	if norm > limit {
		for _, p := range params {
			floats.Scale(limit/norm, p.grad)
		}
	}
	return norm
}

// applyMaxNorm bounds the L2 norm of every row of w, the incoming weights of
// one gate unit.
func applyMaxNorm(w *mat.Dense, limit float64) {
	rows, _ := w.Dims()
	for r := 0; r < rows; r++ {
		row := w.RawRowView(r)
		norm := floats.Norm(row, 2)
		if norm > limit {
			floats.Scale(limit/norm, row)
		}
	}
}
