package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/vectorize"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// minLogProb bounds the crossentropy of a zero probability.
const minLogProb = 1e-12

// Network is the LSTM implementation of Model. It is not safe for concurrent
// use: Predict reuses no state, but Fit mutates the weights in place.
type Network struct {
	arch Architecture
	opts Options

	lstm []*lstmLayer
	// dense head: logits = hw h + hb
	hw, hb   *mat.Dense
	dhw, dhb *mat.Dense

	params []param
	opt    *rmsprop
	rng    *rand.Rand
}

var _ Model = (*Network)(nil)

// New builds a freshly initialized network.
func New(arch Architecture, opts Options) (*Network, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	arch.Layers = slices.Clone(arch.Layers)

	n := &Network{
		arch: arch,
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed+1)),
	}

	in := arch.VocabSize
	for i, h := range arch.Layers {
		n.lstm = append(n.lstm, newLSTMLayer(in, h, i == 0))
		in = h
	}
	n.hw = mat.NewDense(arch.VocabSize, in, nil)
	n.hb = mat.NewDense(arch.VocabSize, 1, nil)
	n.dhw = mat.NewDense(arch.VocabSize, in, nil)
	n.dhb = mat.NewDense(arch.VocabSize, 1, nil)

	n.initialize()
	n.params = n.collectParams()
	n.opt = newRMSprop(opts.LearningRate, opts.Rho, opts.Epsilon, n.params)
	return n, nil
}

func (n *Network) Architecture() Architecture {
	a := n.arch
	a.Layers = slices.Clone(a.Layers)
	return a
}

// Weights returns the parameter matrices in a fixed order. The matrices are
// live; writing to them changes the model.
func (n *Network) Weights() []Weight {
	weights := make([]Weight, 0, 3*len(n.lstm)+2)
	for i, l := range n.lstm {
		weights = append(weights,
			Weight{Name: fmt.Sprintf("lstm_%d/kernel", i), Value: l.w},
			Weight{Name: fmt.Sprintf("lstm_%d/recurrent_kernel", i), Value: l.u},
			Weight{Name: fmt.Sprintf("lstm_%d/bias", i), Value: l.b},
		)
	}
	return append(weights,
		Weight{Name: "dense/kernel", Value: n.hw},
		Weight{Name: "dense/bias", Value: n.hb},
	)
}

func (n *Network) collectParams() []param {
	var ps []param
	for i, l := range n.lstm {
		ps = append(ps,
			newParam(fmt.Sprintf("lstm_%d/kernel", i), l.w, l.dw),
			newParam(fmt.Sprintf("lstm_%d/recurrent_kernel", i), l.u, l.du),
			newParam(fmt.Sprintf("lstm_%d/bias", i), l.b, l.db),
		)
	}
	return append(ps,
		newParam("dense/kernel", n.hw, n.dhw),
		newParam("dense/bias", n.hb, n.dhb),
	)
}

// Predict returns the next-character distribution for one window.
func (n *Network) Predict(x []float32) ([]float32, error) {
	steps, err := n.unpack(x)
	if err != nil {
		return nil, err
	}
	tr := n.forward(steps, false)
	out := make([]float32, len(tr.probs))
	for i, p := range tr.probs {
		out[i] = float32(p)
	}
	return out, nil
}

// Evaluate returns the mean crossentropy over batch without dropout.
func (n *Network) Evaluate(batch *vectorize.Batch) (float64, error) {
	if err := n.checkBatch(batch); err != nil {
		return 0, err
	}
	if batch.N == 0 {
		return 0, nil
	}
	losses := make([]float64, batch.N)
	for i := range losses {
		tr := n.forward(n.steps(batch, i), false)
		losses[i] = crossEntropy(tr.probs, batch.TargetID(i))
	}
	return stat.Mean(losses, nil), nil
}

// Fit runs one unshuffled pass over the training part of batch in
// mini-batches of opts.BatchSize, then evaluates the held-out part.
func (n *Network) Fit(ctx context.Context, batch *vectorize.Batch, opts FitOptions) (FitResult, error) {
	if err := n.checkBatch(batch); err != nil {
		return FitResult{}, err
	}
	size := opts.BatchSize
	if size <= 0 {
		size = 32
	}

	train, val := batch.Split(opts.ValidationSplit)
	total := (train.N + size - 1) / size

	var (
		batchLoss []float64
		weights   []float64
	)
	for start := 0; start < train.N; start += size {
		if err := ctx.Err(); err != nil {
			return FitResult{}, err
		}
		end := min(start+size, train.N)

		n.zeroGrads()
		sum := 0.0
		for i := start; i < end; i++ {
			sum += n.accumulate(train, i, true)
		}
		count := float64(end - start)
		for _, p := range n.params {
			floats.Scale(1/count, p.grad)
		}
		if n.opts.GradientClip > 0 {
			clipGlobalNorm(n.params, n.opts.GradientClip)
		}
		n.opt.step(n.params)
		if n.opts.MaxNorm > 0 {
			for _, l := range n.lstm {
				applyMaxNorm(l.w, n.opts.MaxNorm)
			}
		}

		mean := sum / count
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			return FitResult{}, dmerrors.New(dmerrors.KindNumericDegeneracy, "model.Fit", "training loss diverged").
				With("batch", len(batchLoss))
		}
		batchLoss = append(batchLoss, mean)
		weights = append(weights, count)
		if opts.OnBatch != nil {
			opts.OnBatch(len(batchLoss), total, mean)
		}
	}

	res := FitResult{
		Examples: train.N,
		Batches:  len(batchLoss),
	}
	if len(batchLoss) > 0 {
		res.Loss = stat.Mean(batchLoss, weights)
	}
	if val != nil {
		vl, err := n.Evaluate(val)
		if err != nil {
			return FitResult{}, err
		}
		res.ValLoss = vl
		res.HasVal = true
		res.ValSamples = val.N
	}
	return res, nil
}

func (n *Network) checkBatch(batch *vectorize.Batch) error {
	if batch == nil {
		return dmerrors.New(dmerrors.KindEmptyDataset, "model.Fit", "no batch")
	}
	if batch.SeqLen != n.arch.SeqLen || batch.VocabSize != n.arch.VocabSize {
		return dmerrors.New(dmerrors.KindConfig, "model.Fit", "batch shape does not match the model").
			With("seq_len", batch.SeqLen).
			With("vocab_size", batch.VocabSize).
			With("want_seq_len", n.arch.SeqLen).
			With("want_vocab_size", n.arch.VocabSize)
	}
	return nil
}

// unpack splits a flattened window into per-step float64 vectors.
func (n *Network) unpack(x []float32) ([][]float64, error) {
	V := n.arch.VocabSize
	if len(x) != n.arch.SeqLen*V {
		return nil, dmerrors.New(dmerrors.KindConfig, "model.Predict", "input shape does not match the model").
			With("len", len(x)).
			With("want", n.arch.SeqLen*V)
	}
	steps := make([][]float64, n.arch.SeqLen)
	for t := range steps {
		steps[t] = toFloat64(x[t*V : (t+1)*V])
	}
	return steps, nil
}

func (n *Network) steps(batch *vectorize.Batch, i int) [][]float64 {
	steps := make([][]float64, batch.SeqLen)
	for t := range steps {
		steps[t] = toFloat64(batch.Step(i, t))
	}
	return steps
}

// trace is everything one forward pass needs to run backward.
type trace struct {
	layers [][]lstmStep
	mask   []float64 // nil when dropout is off
	top    []float64 // last hidden state after dropout
	probs  []float64
}

func (n *Network) forward(xs [][]float64, train bool) trace {
	var tr trace
	in := xs
	for _, l := range n.lstm {
		steps := l.forward(in)
		tr.layers = append(tr.layers, steps)
		in = make([][]float64, len(steps))
		for t := range steps {
			in[t] = steps[t].h
		}
	}

	last := in[len(in)-1]
	tr.top = slices.Clone(last)
	if train && n.arch.Dropout > 0 {
		keep := 1 - n.arch.Dropout
		tr.mask = make([]float64, len(last))
		for k := range tr.mask {
			if n.rng.Float64() < keep {
				tr.mask[k] = 1 / keep
			}
		}
		floats.Mul(tr.top, tr.mask)
	}

	logits := mat.NewVecDense(n.arch.VocabSize, nil)
	logits.MulVec(n.hw, mat.NewVecDense(len(tr.top), tr.top))
	tr.probs = logits.RawVector().Data
	floats.Add(tr.probs, n.hb.RawMatrix().Data)
	softmax(tr.probs)
	return tr
}

// accumulate adds the gradients of example i to the parameter gradients and
// returns its loss.
func (n *Network) accumulate(batch *vectorize.Batch, i int, train bool) float64 {
	target := batch.TargetID(i)
	tr := n.forward(n.steps(batch, i), train)
	loss := crossEntropy(tr.probs, target)

	// softmax with crossentropy: dlogits = p - y
	dlogits := slices.Clone(tr.probs)
	dlogits[target] -= 1
	dl := mat.NewVecDense(len(dlogits), dlogits)

	n.dhw.RankOne(n.dhw, 1, dl, mat.NewVecDense(len(tr.top), tr.top))
	floats.Add(n.dhb.RawMatrix().Data, dlogits)

	dtop := mat.NewVecDense(len(tr.top), nil)
	dtop.MulVec(n.hw.T(), dl)
	dh := dtop.RawVector().Data
	if tr.mask != nil {
		floats.Mul(dh, tr.mask)
	}

	T := len(tr.layers[0])
	dhs := make([][]float64, T)
	dhs[T-1] = dh
	for li := len(n.lstm) - 1; li >= 0; li-- {
		dhs = n.lstm[li].backward(tr.layers[li], dhs, li > 0)
	}
	return loss
}

func (n *Network) zeroGrads() {
	for _, p := range n.params {
		clear(p.grad)
	}
}

func softmax(x []float64) {
	floats.AddConst(-floats.Max(x), x)
	for i, v := range x {
		x[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(x), x)
}

func crossEntropy(probs []float64, target int) float64 {
	return -math.Log(math.Max(probs[target], minLogProb))
}

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
