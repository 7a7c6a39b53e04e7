// Package sampler draws the next character from a model distribution using
// temperature-scaled multinomial sampling.
package sampler

import (
	"math"
	"math/rand/v2"
	"time"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/viterin/vek/vek32"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinProbability is the floor applied before taking logs, so zero entries
// stay finite and merely improbable.
const MinProbability = 1e-12

// Sampler holds the random source for categorical draws. It is not safe for
// concurrent use.
type Sampler struct {
	src rand.Source
}

// New returns a Sampler with a deterministic source. Equal seeds produce
// equal draw sequences.
func New(seed uint64) *Sampler {
	return &Sampler{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

// NewRandom returns a Sampler seeded from the clock.
func NewRandom() *Sampler {
	return New(uint64(time.Now().UnixNano()))
}

// Reweight applies temperature t to probs: floor, log, divide by t, exp,
// normalize. t < 1 sharpens the distribution and t > 1 flattens it.
func Reweight(probs []float32, t float64) ([]float64, error) {
	if t <= 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return nil, dmerrors.New(dmerrors.KindConfig, "sampler.Reweight", "temperature must be positive and finite").With("temperature", t)
	}
	if len(probs) == 0 {
		return nil, dmerrors.New(dmerrors.KindNumericDegeneracy, "sampler.Reweight", "empty distribution")
	}

	weights := make([]float64, len(probs))
	for i, p := range probs {
		f := float64(p)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return nil, dmerrors.New(dmerrors.KindNumericDegeneracy, "sampler.Reweight", "invalid probability").
				With("index", i).
				With("value", f)
		}
		weights[i] = f
	}
	if floats.Sum(weights) == 0 {
		return nil, dmerrors.New(dmerrors.KindNumericDegeneracy, "sampler.Reweight", "distribution has no mass")
	}

	for i, w := range weights {
		weights[i] = math.Log(math.Max(w, MinProbability)) / t
	}
	// shifting by the max leaves the normalized result unchanged
	floats.AddConst(-floats.Max(weights), weights)
	for i, w := range weights {
		weights[i] = math.Exp(w)
	}

	sum := floats.Sum(weights)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, dmerrors.New(dmerrors.KindNumericDegeneracy, "sampler.Reweight", "rescaled distribution is not normalizable").With("sum", sum)
	}
	floats.Scale(1/sum, weights)
	return weights, nil
}

// Sample reweights probs and draws a single category. It returns the draw as
// a one-hot vector along with its index.
func (s *Sampler) Sample(probs []float32, t float64) ([]float32, int, error) {
	weights, err := Reweight(probs, t)
	if err != nil {
		return nil, 0, err
	}

	idx := int(distuv.NewCategorical(weights, s.src).Rand())
	oneHot := make([]float32, len(probs))
	oneHot[idx] = 1
	return oneHot, idx, nil
}

// Decode returns the hot index of a one-hot draw.
func Decode(oneHot []float32) int {
	return vek32.ArgMax(oneHot)
}
