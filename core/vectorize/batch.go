package vectorize

import (
	"github.com/viterin/vek/vek32"
)

// Batch holds one-hot inputs X with shape (N, SeqLen, VocabSize) and targets
// Y with shape (N, VocabSize), both row-major. A Batch is read-only once
// built; Split returns views over the same storage.
type Batch struct {
	N         int
	SeqLen    int
	VocabSize int
	X         []float32
	Y         []float32
}

func newBatch(n, seqLen, vocabSize int) *Batch {
	return &Batch{
		N:         n,
		SeqLen:    seqLen,
		VocabSize: vocabSize,
		X:         make([]float32, n*seqLen*vocabSize),
		Y:         make([]float32, n*vocabSize),
	}
}

func (b *Batch) xIndex(i, j, k int) int {
	return (i*b.SeqLen+j)*b.VocabSize + k
}

// Shape returns the dimensions of X and Y.
func (b *Batch) Shape() ([3]int, [2]int) {
	return [3]int{b.N, b.SeqLen, b.VocabSize}, [2]int{b.N, b.VocabSize}
}

// Window returns example i as a SeqLen*VocabSize slice, the layout the model
// consumes.
func (b *Batch) Window(i int) []float32 {
	size := b.SeqLen * b.VocabSize
	return b.X[i*size : (i+1)*size]
}

// Step returns the one-hot vector at timestep j of example i.
func (b *Batch) Step(i, j int) []float32 {
	start := b.xIndex(i, j, 0)
	return b.X[start : start+b.VocabSize]
}

// Target returns the one-hot target of example i.
func (b *Batch) Target(i int) []float32 {
	return b.Y[i*b.VocabSize : (i+1)*b.VocabSize]
}

// TargetID returns the hot index of example i's target.
func (b *Batch) TargetID(i int) int {
	return vek32.ArgMax(b.Target(i))
}

// Slice returns a view of examples [from, to).
func (b *Batch) Slice(from, to int) *Batch {
	size := b.SeqLen * b.VocabSize
	return &Batch{
		N:         to - from,
		SeqLen:    b.SeqLen,
		VocabSize: b.VocabSize,
		X:         b.X[from*size : to*size],
		Y:         b.Y[from*b.VocabSize : to*b.VocabSize],
	}
}

// Split holds out the trailing fraction of examples for validation, matching
// an unshuffled validation split. A fraction that would leave either side
// empty returns the whole batch and a nil validation set.
func (b *Batch) Split(fraction float64) (train, validation *Batch) {
	held := int(float64(b.N) * fraction)
	if fraction <= 0 || held <= 0 || held >= b.N {
		return b, nil
	}
	cut := b.N - held
	return b.Slice(0, cut), b.Slice(cut, b.N)
}
