// Package model implements the next-character classifier: stacked LSTM
// layers, dropout and a dense softmax head trained with RMSprop on
// categorical crossentropy.
//
// Inference consumes one window of one-hot vectors flattened to
// SeqLen*VocabSize float32 values and returns a probability for every
// vocabulary entry.
package model

import (
	"context"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/vectorize"
	"gonum.org/v1/gonum/mat"
)

// Predictor maps a flattened (1, SeqLen, VocabSize) one-hot window to a
// next-character distribution of length VocabSize.
type Predictor interface {
	Predict(x []float32) ([]float32, error)
}

// Trainer fits the model to encoded batches.
type Trainer interface {
	Fit(ctx context.Context, batch *vectorize.Batch, opts FitOptions) (FitResult, error)
	Evaluate(batch *vectorize.Batch) (float64, error)
}

// Model is a Predictor that can be trained and persisted.
type Model interface {
	Predictor
	Trainer
	Architecture() Architecture
	Weights() []Weight
}

// Architecture describes the network shape. It is what a checkpoint records
// to rebuild the model.
type Architecture struct {
	SeqLen    int     `json:"seq_len"`
	VocabSize int     `json:"vocab_size"`
	Layers    []int   `json:"layers"`
	Dropout   float64 `json:"dropout"`
}

// Validate reports an inconsistent architecture as a config error.
func (a Architecture) Validate() error {
	fail := func(field string, value any) error {
		return dmerrors.New(dmerrors.KindConfig, "model.Architecture", "invalid architecture").
			With("field", field).
			With("value", value)
	}
	if a.SeqLen <= 0 {
		return fail("seq_len", a.SeqLen)
	}
	if a.VocabSize <= 0 {
		return fail("vocab_size", a.VocabSize)
	}
	if len(a.Layers) == 0 {
		return fail("layers", a.Layers)
	}
	for _, h := range a.Layers {
		if h <= 0 {
			return fail("layers", a.Layers)
		}
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return fail("dropout", a.Dropout)
	}
	return nil
}

// Options hold optimizer and initialization settings.
type Options struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64
	// GradientClip bounds the global gradient norm; zero disables it.
	GradientClip float64
	// MaxNorm bounds the norm of each LSTM input-kernel unit; zero disables it.
	MaxNorm float64
	Seed    uint64
}

func DefaultOptions() Options {
	return Options{
		LearningRate: 0.001,
		Rho:          0.9,
		Epsilon:      1e-7,
		GradientClip: 5,
		MaxNorm:      3,
		Seed:         1,
	}
}

// FitOptions control one pass over a batch.
type FitOptions struct {
	BatchSize int
	// ValidationSplit holds out the trailing fraction of examples.
	ValidationSplit float64
	// OnBatch, if set, is called after every optimizer step.
	OnBatch func(done, total int, loss float64)
}

// FitResult reports the mean losses of one pass.
type FitResult struct {
	Loss       float64
	ValLoss    float64
	HasVal     bool
	Examples   int
	Batches    int
	ValSamples int
}

// Weight is a named parameter matrix. Biases are single-column matrices.
type Weight struct {
	Name  string
	Value *mat.Dense
}
