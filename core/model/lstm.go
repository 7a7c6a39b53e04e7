package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// lstmLayer holds the kernels of one LSTM layer. Gate rows are ordered
// input, forget, cell, output, each hidden rows tall.
type lstmLayer struct {
	in, hidden int
	// sparseInput skips zero input entries; set for the one-hot first layer.
	sparseInput bool

	w, u, b    *mat.Dense // (4H x in), (4H x H), (4H x 1)
	dw, du, db *mat.Dense
}

// lstmStep caches the activations of one timestep for backpropagation.
type lstmStep struct {
	x     []float64
	gates []float64 // i, f, g, o activations, 4H
	c     []float64
	tanhC []float64
	h     []float64
}

func newLSTMLayer(in, hidden int, sparseInput bool) *lstmLayer {
	g := 4 * hidden
	return &lstmLayer{
		in:          in,
		hidden:      hidden,
		sparseInput: sparseInput,
		w:           mat.NewDense(g, in, nil),
		u:           mat.NewDense(g, hidden, nil),
		b:           mat.NewDense(g, 1, nil),
		dw:          mat.NewDense(g, in, nil),
		du:          mat.NewDense(g, hidden, nil),
		db:          mat.NewDense(g, 1, nil),
	}
}

func (l *lstmLayer) forward(xs [][]float64) []lstmStep {
	H := l.hidden
	g := 4 * H
	steps := make([]lstmStep, len(xs))
	rec := mat.NewVecDense(g, nil)

	for t, x := range xs {
		z := make([]float64, g)
		copy(z, l.b.RawMatrix().Data)
		l.addInput(z, x)
		if t > 0 {
			rec.MulVec(l.u, mat.NewVecDense(H, steps[t-1].h))
			floats.Add(z, rec.RawVector().Data)
		}

		gates := make([]float64, g)
		c := make([]float64, H)
		tanhC := make([]float64, H)
		h := make([]float64, H)
		for k := 0; k < H; k++ {
			i := sigmoid(z[k])
			f := sigmoid(z[H+k])
			gg := math.Tanh(z[2*H+k])
			o := sigmoid(z[3*H+k])
			gates[k], gates[H+k], gates[2*H+k], gates[3*H+k] = i, f, gg, o

			c[k] = i * gg
			if t > 0 {
				c[k] += f * steps[t-1].c[k]
			}
			tanhC[k] = math.Tanh(c[k])
			h[k] = o * tanhC[k]
		}
		steps[t] = lstmStep{x: x, gates: gates, c: c, tanhC: tanhC, h: h}
	}
	return steps
}

// addInput accumulates W x into z.
func (l *lstmLayer) addInput(z, x []float64) {
	if l.sparseInput {
		raw := l.w.RawMatrix()
		for k, v := range x {
			if v == 0 {
				continue
			}
			for r := range z {
				z[r] += v * raw.Data[r*raw.Stride+k]
			}
		}
		return
	}
	in := mat.NewVecDense(len(z), nil)
	in.MulVec(l.w, mat.NewVecDense(l.in, x))
	floats.Add(z, in.RawVector().Data)
}

// backward accumulates parameter gradients for one sequence. dhs[t] is the
// loss gradient flowing into h_t from above and may be nil. It returns the
// gradients with respect to the inputs when needDx is set.
func (l *lstmLayer) backward(steps []lstmStep, dhs [][]float64, needDx bool) [][]float64 {
	H := l.hidden
	g := 4 * H
	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	dz := make([]float64, g)
	dzVec := mat.NewVecDense(g, dz)
	dhNextVec := mat.NewVecDense(H, dhNext)
	dbData := l.db.RawMatrix().Data

	var dxs [][]float64
	if needDx {
		dxs = make([][]float64, len(steps))
	}

	for t := len(steps) - 1; t >= 0; t-- {
		s := steps[t]
		for k := 0; k < H; k++ {
			dh := dhNext[k]
			if dhs[t] != nil {
				dh += dhs[t][k]
			}
			i, f, gg, o := s.gates[k], s.gates[H+k], s.gates[2*H+k], s.gates[3*H+k]
			tc := s.tanhC[k]
			dc := dh*o*(1-tc*tc) + dcNext[k]
			cPrev := 0.0
			if t > 0 {
				cPrev = steps[t-1].c[k]
			}
			dz[k] = dc * gg * i * (1 - i)
			dz[H+k] = dc * cPrev * f * (1 - f)
			dz[2*H+k] = dc * i * (1 - gg*gg)
			dz[3*H+k] = dh * tc * o * (1 - o)
			dcNext[k] = dc * f
		}

		if l.sparseInput {
			raw := l.dw.RawMatrix()
			for k, v := range s.x {
				if v == 0 {
					continue
				}
				for r := 0; r < g; r++ {
					raw.Data[r*raw.Stride+k] += v * dz[r]
				}
			}
		} else {
			l.dw.RankOne(l.dw, 1, dzVec, mat.NewVecDense(l.in, s.x))
		}
		if t > 0 {
			l.du.RankOne(l.du, 1, dzVec, mat.NewVecDense(H, steps[t-1].h))
		}
		floats.Add(dbData, dz)

		if needDx {
			dx := mat.NewVecDense(l.in, nil)
			dx.MulVec(l.w.T(), dzVec)
			dxs[t] = dx.RawVector().Data
		}
		dhNextVec.MulVec(l.u.T(), dzVec)
	}
	return dxs
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
