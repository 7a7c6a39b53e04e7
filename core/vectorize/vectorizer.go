// Package vectorize turns a line stream into one-hot training tensors for
// next-character prediction.
package vectorize

import (
	"iter"
	"log/slog"
	"strings"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/vocab"
)

// progressEvery is how often, in lines, accumulation progress is logged.
const progressEvery = 10000

const (
	DefaultSeqLen      = 50
	DefaultSkip        = 2
	DefaultLinesToRead = 2000
)

type Options struct {
	// LinesToRead caps the corpus. The line on which the cap is first
	// exceeded is kept, so LinesToRead+1 lines are read. Negative is unlimited.
	LinesToRead int
	SeqLen      int
	Skip        int
	Logger      *slog.Logger // Optional, uses slog.Default() if nil
}

func DefaultOptions() Options {
	return Options{
		LinesToRead: DefaultLinesToRead,
		SeqLen:      DefaultSeqLen,
		Skip:        DefaultSkip,
	}
}

type Vectorizer struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Vectorizer, error) {
	if opts.SeqLen <= 0 {
		return nil, dmerrors.New(dmerrors.KindConfig, "vectorize.New", "sequence length must be positive").With("seq_len", opts.SeqLen)
	}
	if opts.Skip <= 0 {
		return nil, dmerrors.New(dmerrors.KindConfig, "vectorize.New", "skip must be positive").With("skip", opts.Skip)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Vectorizer{opts: opts, logger: logger}, nil
}

// SeqLen returns the window length.
func (v *Vectorizer) SeqLen() int {
	return v.opts.SeqLen
}

// Stats describes a vectorized corpus.
type Stats struct {
	Lines      int
	Characters int
	VocabSize  int
	Windows    int
}

// Window is one training example: SeqLen context runes and the rune that
// follows them.
type Window struct {
	Offset  int
	Context []rune
	Target  rune
}

// WindowCount returns how many windows fit in length runes. Offsets run
// 0, skip, 2*skip, ... while offset < length-seqLen, so every target index
// is inside the text.
func WindowCount(length, seqLen, skip int) int {
	if length <= seqLen || skip <= 0 {
		return 0
	}
	return (length-seqLen-1)/skip + 1
}

// Accumulate concatenates lines into one buffer, honoring the line cap.
// It returns the buffer and the number of lines consumed.
func (v *Vectorizer) Accumulate(lines iter.Seq2[string, error]) (string, int, error) {
	var b strings.Builder
	count := 0
	for line, err := range lines {
		if err != nil {
			return "", count, err
		}
		b.WriteString(line)
		if v.opts.LinesToRead >= 0 && count >= v.opts.LinesToRead {
			count++
			break
		}
		if count%progressEvery == 0 {
			v.logger.Debug("reading corpus", "lines", count)
		}
		count++
	}
	text := b.String()
	v.logger.Info("corpus loaded", "lines", count, "characters", len([]rune(text)))
	return text, count, nil
}

// Windows slices text into training examples.
func (v *Vectorizer) Windows(text string) []Window {
	runes := []rune(text)
	n := WindowCount(len(runes), v.opts.SeqLen, v.opts.Skip)
	windows := make([]Window, 0, n)
	for i := 0; i < len(runes)-v.opts.SeqLen; i += v.opts.Skip {
		windows = append(windows, Window{
			Offset:  i,
			Context: runes[i : i+v.opts.SeqLen],
			Target:  runes[i+v.opts.SeqLen],
		})
	}
	return windows
}

// Vectorize reads lines and encodes them. See FromText.
func (v *Vectorizer) Vectorize(lines iter.Seq2[string, error]) (*Batch, *vocab.Vocabulary, error) {
	text, _, err := v.Accumulate(lines)
	if err != nil {
		return nil, nil, err
	}
	return v.FromText(text)
}

// FromText builds the vocabulary and the one-hot batch for text. A text with
// no complete window is an empty dataset error, returned before anything is
// allocated.
func (v *Vectorizer) FromText(text string) (*Batch, *vocab.Vocabulary, error) {
	length := len([]rune(text))
	if WindowCount(length, v.opts.SeqLen, v.opts.Skip) == 0 {
		return nil, nil, dmerrors.New(dmerrors.KindEmptyDataset, "vectorize.FromText", "corpus shorter than one window").
			With("characters", length).
			With("seq_len", v.opts.SeqLen)
	}

	voc := vocab.Build(text)
	v.logger.Info("vocabulary built", "unique_chars", voc.Size())

	windows := v.Windows(text)
	batch := newBatch(len(windows), v.opts.SeqLen, voc.Size())
	for i, w := range windows {
		for j, r := range w.Context {
			id, err := voc.ID(r)
			if err != nil {
				return nil, nil, err
			}
			batch.X[batch.xIndex(i, j, id)] = 1
		}
		id, err := voc.ID(w.Target)
		if err != nil {
			return nil, nil, err
		}
		batch.Y[i*batch.VocabSize+id] = 1
	}

	xs, ys := batch.Shape()
	v.logger.Info("tensors built", "x_shape", xs, "y_shape", ys)
	return batch, voc, nil
}

// Stats vectorizes nothing; it reports what Vectorize would produce.
func (v *Vectorizer) Stats(lines iter.Seq2[string, error]) (Stats, *vocab.Vocabulary, error) {
	text, count, err := v.Accumulate(lines)
	if err != nil {
		return Stats{}, nil, err
	}
	voc := vocab.Build(text)
	length := len([]rune(text))
	return Stats{
		Lines:      count,
		Characters: length,
		VocabSize:  voc.Size(),
		Windows:    WindowCount(length, v.opts.SeqLen, v.opts.Skip),
	}, voc, nil
}
