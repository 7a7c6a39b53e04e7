// Package generator extends a seed text one character at a time by sampling
// from a model's next-character distribution, streaming every character to a
// sink as it is produced.
package generator

import (
	"context"
	"io"
	"log/slog"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/model"
	"github.com/adalundhe/docmaker/core/sampler"
	"github.com/adalundhe/docmaker/core/vocab"
	lru "github.com/hashicorp/golang-lru/v2"
)

// State is the generator lifecycle: Seeded until the first character is
// produced, Extending while producing, Done once the requested length is
// reached.
type State int

const (
	Seeded State = iota
	Extending
	Done
)

func (s State) String() string {
	switch s {
	case Seeded:
		return "seeded"
	case Extending:
		return "extending"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// ContextMode selects how the model input is derived at each step.
type ContextMode string

const (
	// Sliding feeds the trailing SeqLen runes of seed plus generated text.
	Sliding ContextMode = "sliding"
	// Seed feeds the trailing SeqLen runes of the seed on every step, so the
	// output is never conditioned on what was generated.
	Seed ContextMode = "seed"
)

// ParseContextMode validates a configured mode name.
func ParseContextMode(s string) (ContextMode, error) {
	switch m := ContextMode(s); m {
	case Sliding, Seed:
		return m, nil
	case "":
		return Sliding, nil
	default:
		return "", dmerrors.New(dmerrors.KindConfig, "generator.ParseContextMode", "unknown context mode").With("mode", s)
	}
}

// PadRune left-pads seeds shorter than the window. Every corpus line ends in
// it, so it is always in a trained vocabulary.
const PadRune = ' '

const defaultCacheSize = 512

type Options struct {
	SeqLen      int
	Temperature float64
	Length      int
	Mode        ContextMode
	// EchoSeed writes the seed to the sink before the generated text.
	EchoSeed bool
	// CacheSize bounds the prediction memo; negative disables it.
	CacheSize int
	Logger    *slog.Logger
}

// Generator is single use per call to Generate but may be reused; each call
// starts again from Seeded. It is not safe for concurrent use.
type Generator struct {
	model   model.Predictor
	voc     *vocab.Vocabulary
	sampler *sampler.Sampler
	opts    Options
	logger  *slog.Logger

	cache *lru.Cache[string, []float32]
	hits  int
	state State
}

// New validates opts against the vocabulary. A nil sampler draws from a
// clock-seeded source.
func New(m model.Predictor, voc *vocab.Vocabulary, s *sampler.Sampler, opts Options) (*Generator, error) {
	const op = "generator.New"
	if opts.SeqLen <= 0 {
		return nil, dmerrors.New(dmerrors.KindConfig, op, "sequence length must be positive").With("seq_len", opts.SeqLen)
	}
	if opts.Length < 0 {
		return nil, dmerrors.New(dmerrors.KindConfig, op, "length must not be negative").With("length", opts.Length)
	}
	if !(opts.Temperature > 0) {
		return nil, dmerrors.New(dmerrors.KindConfig, op, "temperature must be positive").With("temperature", opts.Temperature)
	}
	mode, err := ParseContextMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.Mode = mode

	if s == nil {
		s = sampler.NewRandom()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Generator{
		model:   m,
		voc:     voc,
		sampler: s,
		opts:    opts,
		logger:  logger,
		state:   Seeded,
	}
	size := opts.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	if size > 0 {
		g.cache, err = lru.New[string, []float32](size)
		if err != nil {
			return nil, dmerrors.Wrap(dmerrors.KindConfig, op, "cannot create prediction cache", err)
		}
	}
	return g, nil
}

func (g *Generator) State() State {
	return g.state
}

// CacheHits reports how many predictions were served from the memo.
func (g *Generator) CacheHits() int {
	return g.hits
}

// Generate produces exactly Options.Length runes after seed, writing each to
// w as soon as it is drawn, and returns them. Seed runes outside the
// vocabulary fail before anything is written. On cancellation the runes
// produced so far are returned with the context error.
func (g *Generator) Generate(ctx context.Context, seed string, w io.Writer) (string, error) {
	const op = "generator.Generate"
	g.state = Seeded

	padded, err := g.prepareSeed(seed)
	if err != nil {
		return "", err
	}

	if g.opts.EchoSeed {
		if err := emit(w, seed); err != nil {
			return "", dmerrors.Wrap(dmerrors.KindInput, op, "cannot write to sink", err)
		}
	}

	n := g.opts.SeqLen
	history := make([]rune, 0, len(padded)+g.opts.Length)
	history = append(history, padded...)
	fixed := padded[len(padded)-n:]
	x := make([]float32, n*g.voc.Size())

	for i := 0; i < g.opts.Length; i++ {
		if err := ctx.Err(); err != nil {
			return string(history[len(padded):]), err
		}
		g.state = Extending

		window := fixed
		if g.opts.Mode == Sliding {
			window = history[len(history)-n:]
		}
		probs, err := g.predict(window, x)
		if err != nil {
			return string(history[len(padded):]), err
		}
		_, idx, err := g.sampler.Sample(probs, g.opts.Temperature)
		if err != nil {
			return string(history[len(padded):]), err
		}
		r, _ := g.voc.Rune(idx)

		history = append(history, r)
		if err := emit(w, string(r)); err != nil {
			return string(history[len(padded):]), dmerrors.Wrap(dmerrors.KindInput, op, "cannot write to sink", err)
		}
	}

	g.state = Done
	g.logger.Debug("generation finished",
		"runes", g.opts.Length,
		"mode", string(g.opts.Mode),
		"cache_hits", g.hits)
	return string(history[len(padded):]), nil
}

// prepareSeed checks every seed rune against the vocabulary and left-pads
// the seed to at least one window.
func (g *Generator) prepareSeed(seed string) ([]rune, error) {
	runes := []rune(seed)
	for i, r := range runes {
		if !g.voc.Contains(r) {
			return nil, dmerrors.VocabularyGap("generator.Generate", r, i)
		}
	}
	pad := g.opts.SeqLen - len(runes)
	if pad <= 0 {
		return runes, nil
	}
	if !g.voc.Contains(PadRune) {
		return nil, dmerrors.VocabularyGap("generator.Generate", PadRune, -1).
			With("reason", "seed shorter than the window needs padding")
	}
	padded := make([]rune, 0, g.opts.SeqLen)
	for range pad {
		padded = append(padded, PadRune)
	}
	return append(padded, runes...), nil
}

// predict encodes window into x and queries the model, consulting the memo
// first.
func (g *Generator) predict(window []rune, x []float32) ([]float32, error) {
	key := string(window)
	if g.cache != nil {
		if probs, ok := g.cache.Get(key); ok {
			g.hits++
			return probs, nil
		}
	}

	clear(x)
	size := g.voc.Size()
	for t, r := range window {
		id, err := g.voc.ID(r)
		if err != nil {
			return nil, err
		}
		x[t*size+id] = 1
	}

	probs, err := g.model.Predict(x)
	if err != nil {
		return nil, err
	}
	if len(probs) != size {
		return nil, dmerrors.New(dmerrors.KindConfig, "generator.Generate", "model output does not match the vocabulary").
			With("len", len(probs)).
			With("vocab_size", size)
	}
	if g.cache != nil {
		g.cache.Add(key, probs)
	}
	return probs, nil
}

// emit writes s and pushes it past any buffering in w.
func emit(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	switch f := w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Sync() error }:
		// fsync fails on terminals and pipes, where writes are already visible
		_ = f.Sync()
	}
	return nil
}
