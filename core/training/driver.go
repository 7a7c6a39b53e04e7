// Package training runs the epoch loop: fit one pass with a validation
// hold-out, checkpoint and sample on their intervals, and record everything
// in the run ledger.
package training

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/adalundhe/docmaker/core/checkpoint"
	"github.com/adalundhe/docmaker/core/config"
	"github.com/adalundhe/docmaker/core/corpus"
	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/generator"
	"github.com/adalundhe/docmaker/core/model"
	"github.com/adalundhe/docmaker/core/runlog"
	"github.com/adalundhe/docmaker/core/sampler"
	"github.com/adalundhe/docmaker/core/vectorize"
	"github.com/adalundhe/docmaker/core/vocab"
)

// ConfigSource yields the current configuration. The driver calls Get at
// every epoch boundary, so a hot-reloading source changes the sampling
// settings of a running job.
type ConfigSource interface {
	Get() *config.Config
}

// Ledger records run history. Failures are logged and never stop training.
type Ledger interface {
	StartRun(ctx context.Context, info runlog.RunInfo) (string, error)
	FinishRun(ctx context.Context, runID, status string) error
	RecordEpoch(ctx context.Context, runID string, e runlog.Epoch) error
	RecordCheckpoint(ctx context.Context, runID string, c runlog.Checkpoint) error
	RecordSample(ctx context.Context, runID string, s runlog.Sample) error
}

// EpochReport is passed to Options.OnEpoch after every completed epoch.
type EpochReport struct {
	Epoch    int
	Epochs   int
	Result   model.FitResult
	Duration time.Duration
}

type Options struct {
	Config ConfigSource
	// Ledger is optional.
	Ledger Ledger
	// Sink receives generated samples; nil discards them.
	Sink io.Writer
	// Resume continues from an existing checkpoint with the same stamp.
	Resume  bool
	OnEpoch func(EpochReport)
	Logger  *slog.Logger
}

// Result summarizes a finished or interrupted run.
type Result struct {
	RunID     string
	Stats     vectorize.Stats
	Epochs    int
	LastEpoch int
	Loss      float64
	ValLoss   float64
	Cancelled bool
}

type Driver struct {
	cfg     ConfigSource
	ledger  Ledger
	sink    io.Writer
	resume  bool
	onEpoch func(EpochReport)
	logger  *slog.Logger

	runID     string
	lastSaved int
}

func New(opts Options) (*Driver, error) {
	if opts.Config == nil {
		return nil, dmerrors.New(dmerrors.KindConfig, "training.New", "no configuration source")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = io.Discard
	}
	return &Driver{
		cfg:       opts.Config,
		ledger:    opts.Ledger,
		sink:      sink,
		resume:    opts.Resume,
		onEpoch:   opts.OnEpoch,
		logger:    logger,
		lastSaved: -1,
	}, nil
}

// Run trains until the configured epoch count or until ctx is cancelled.
// Cancellation takes effect at the next epoch boundary and is followed by a
// final checkpoint; it is reported through Result.Cancelled, not an error.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	cfg := d.cfg.Get()

	reader, err := corpus.Resolve(cfg.Data.Dir, cfg.Data.TrainFile)
	if err != nil {
		return Result{}, err
	}
	vec, err := vectorize.New(vectorize.Options{
		LinesToRead: cfg.Data.LinesToRead,
		SeqLen:      cfg.Vectorize.MaxSequenceLength,
		Skip:        cfg.Vectorize.Skip,
		Logger:      d.logger,
	})
	if err != nil {
		return Result{}, err
	}
	text, lines, err := vec.Accumulate(reader.Lines())
	if err != nil {
		return Result{}, err
	}
	batch, voc, err := vec.FromText(text)
	if err != nil {
		return Result{}, err
	}
	if err := checkSeed(voc, cfg.Generation.SeedText); err != nil {
		return Result{}, err
	}
	stats := vectorize.Stats{
		Lines:      lines,
		Characters: utf8.RuneCountInString(text),
		VocabSize:  voc.Size(),
		Windows:    batch.N,
	}

	arch := model.Architecture{
		SeqLen:    cfg.Vectorize.MaxSequenceLength,
		VocabSize: voc.Size(),
		Layers:    slices.Clone(cfg.Model.Layers),
		Dropout:   cfg.Model.Dropout,
	}
	net, err := model.New(arch, modelOptions(cfg))
	if err != nil {
		return Result{}, err
	}

	lock, err := checkpoint.AcquireLock(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	switch {
	case errors.Is(err, checkpoint.ErrLocked):
		return Result{}, err
	case err != nil:
		d.logger.Warn("training without a checkpoint lock", "error", err)
	default:
		defer lock.Release()
	}

	start := 0
	if d.resume && checkpoint.Exists(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp) {
		start, err = d.restore(cfg, net, voc)
		if err != nil {
			return Result{}, err
		}
	} else if err := checkpoint.WriteArchitecture(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp, arch, voc); err != nil {
		d.logger.Error("failed to write architecture", "error", err)
	}

	d.startRun(ctx, cfg, reader, stats)

	res := Result{RunID: d.runID, Stats: stats, LastEpoch: -1}
	epochs := cfg.Training.Epochs
	d.logger.Info("training started",
		"examples", batch.N,
		"vocab_size", voc.Size(),
		"layers", arch.Layers,
		"epochs", epochs,
		"start_epoch", start)

	for epoch := start; epoch < epochs; epoch++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		live := d.cfg.Get()

		began := time.Now()
		// an epoch in progress always completes
		fit, err := net.Fit(context.WithoutCancel(ctx), batch, model.FitOptions{
			BatchSize:       cfg.Training.BatchSize,
			ValidationSplit: cfg.Training.ValidationSplit,
		})
		if err != nil {
			d.finishRun(ctx, runlog.StatusFailed)
			return res, err
		}
		elapsed := time.Since(began)

		res.Epochs++
		res.LastEpoch = epoch
		res.Loss, res.ValLoss = fit.Loss, fit.ValLoss
		d.logEpoch(ctx, epoch, epochs, fit, elapsed)

		if epoch%live.Checkpoint.Every == 0 {
			d.saveCheckpoint(ctx, cfg, net, voc, epoch)
		}
		if epoch%live.Generation.Every == 0 {
			if err := d.sample(ctx, live, net, voc, epoch); errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				res.Cancelled = true
				break
			}
		}
	}

	if res.LastEpoch >= 0 && d.lastSaved != res.LastEpoch {
		d.saveCheckpoint(ctx, cfg, net, voc, res.LastEpoch)
	}

	status := runlog.StatusCompleted
	if res.Cancelled {
		status = runlog.StatusCancelled
		d.logger.Info("training interrupted", "epochs", res.Epochs, "last_epoch", res.LastEpoch)
	} else {
		d.logger.Info("training finished", "epochs", res.Epochs, "loss", res.Loss)
	}
	d.finishRun(ctx, status)
	return res, nil
}

func modelOptions(cfg *config.Config) model.Options {
	opts := model.DefaultOptions()
	opts.LearningRate = cfg.Training.LearningRate
	opts.GradientClip = cfg.Model.GradientClip
	opts.MaxNorm = cfg.Model.MaxNorm
	opts.Seed = cfg.Training.Seed
	return opts
}

// checkSeed fails fast when the configured seed could never be sampled from.
func checkSeed(voc *vocab.Vocabulary, seed string) error {
	for i, r := range []rune(seed) {
		if !voc.Contains(r) {
			return dmerrors.VocabularyGap("training.Run", r, i).With("field", "generation.seed_text")
		}
	}
	return nil
}

// restore loads the saved weights into net and returns the epoch to resume
// from. The saved vocabulary and architecture must match the current corpus
// and config.
func (d *Driver) restore(cfg *config.Config, net *model.Network, voc *vocab.Vocabulary) (int, error) {
	const op = "training.restore"
	m, saved, err := checkpoint.ReadManifest(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	if err != nil {
		return 0, err
	}
	if !slices.Equal(saved.Runes(), voc.Runes()) {
		return 0, dmerrors.New(dmerrors.KindCheckpoint, op, "corpus vocabulary differs from the checkpoint").
			With("stamp", cfg.Checkpoint.Stamp)
	}
	want := net.Architecture()
	if m.Architecture.SeqLen != want.SeqLen || !slices.Equal(m.Architecture.Layers, want.Layers) {
		return 0, dmerrors.New(dmerrors.KindCheckpoint, op, "configured architecture differs from the checkpoint").
			With("stamp", cfg.Checkpoint.Stamp)
	}
	if err := checkpoint.LoadWeights(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp, net); err != nil {
		return 0, err
	}
	d.lastSaved = m.Epoch
	d.logger.Info("resumed from checkpoint", "stamp", cfg.Checkpoint.Stamp, "epoch", m.Epoch)
	return m.Epoch + 1, nil
}

func (d *Driver) logEpoch(ctx context.Context, epoch, epochs int, fit model.FitResult, elapsed time.Duration) {
	attrs := []any{"epoch", epoch, "loss", fit.Loss, "duration", elapsed.Round(time.Millisecond)}
	if fit.HasVal {
		attrs = append(attrs, "val_loss", fit.ValLoss)
	}
	d.logger.Info("epoch complete", attrs...)

	if d.onEpoch != nil {
		d.onEpoch(EpochReport{Epoch: epoch, Epochs: epochs, Result: fit, Duration: elapsed})
	}
	if d.runID == "" {
		return
	}
	err := d.ledger.RecordEpoch(context.WithoutCancel(ctx), d.runID, runlog.Epoch{
		Epoch:    epoch,
		Loss:     fit.Loss,
		ValLoss:  fit.ValLoss,
		HasVal:   fit.HasVal,
		Duration: elapsed,
	})
	if err != nil {
		d.logger.Warn("failed to record epoch", "epoch", epoch, "error", err)
	}
}

// saveCheckpoint never fails the run; errors are logged and recorded.
func (d *Driver) saveCheckpoint(ctx context.Context, cfg *config.Config, net model.Model, voc *vocab.Vocabulary, epoch int) {
	_, path := checkpoint.Paths(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	rec := runlog.Checkpoint{Epoch: epoch, Path: path}

	if err := checkpoint.Save(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp, net, voc, checkpoint.Meta{Epoch: epoch}); err != nil {
		d.logger.Error("checkpoint failed", "epoch", epoch, "path", path, "error", err)
		rec.Error = err.Error()
	} else {
		d.lastSaved = epoch
		d.logger.Debug("checkpoint saved", "epoch", epoch, "path", path)
	}

	if d.runID == "" {
		return
	}
	if err := d.ledger.RecordCheckpoint(context.WithoutCancel(ctx), d.runID, rec); err != nil {
		d.logger.Warn("failed to record checkpoint", "epoch", epoch, "error", err)
	}
}

// sample writes one generated text to the sink. Only cancellation is
// returned; other failures, such as a reloaded seed outside the vocabulary,
// are logged and skipped.
func (d *Driver) sample(ctx context.Context, cfg *config.Config, net model.Predictor, voc *vocab.Vocabulary, epoch int) error {
	gc := cfg.Generation
	var s *sampler.Sampler
	if gc.RandomSeed != 0 {
		s = sampler.New(gc.RandomSeed + uint64(epoch))
	}
	gen, err := generator.New(net, voc, s, generator.Options{
		SeqLen:      cfg.Vectorize.MaxSequenceLength,
		Temperature: gc.Temperature,
		Length:      gc.Length,
		Mode:        generator.ContextMode(gc.ContextMode),
		EchoSeed:    true,
		Logger:      d.logger,
	})
	if err != nil {
		d.logger.Error("sampling skipped", "epoch", epoch, "error", err)
		return nil
	}

	text, err := gen.Generate(ctx, gc.SeedText, d.sink)
	_, _ = io.WriteString(d.sink, "\n")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Error("sampling failed", "epoch", epoch, "error", err)
		return nil
	}

	if d.runID == "" {
		return nil
	}
	err = d.ledger.RecordSample(context.WithoutCancel(ctx), d.runID, runlog.Sample{
		Epoch:       epoch,
		Temperature: gc.Temperature,
		Seed:        gc.SeedText,
		Text:        text,
	})
	if err != nil {
		d.logger.Warn("failed to record sample", "epoch", epoch, "error", err)
	}
	return nil
}

func (d *Driver) startRun(ctx context.Context, cfg *config.Config, reader *corpus.Reader, stats vectorize.Stats) {
	if d.ledger == nil {
		return
	}
	corpusName := cfg.TrainPath()
	if paths := reader.Paths(); len(paths) == 1 {
		corpusName = paths[0]
	}
	id, err := d.ledger.StartRun(context.WithoutCancel(ctx), runlog.RunInfo{
		Stamp:      cfg.Checkpoint.Stamp,
		Corpus:     corpusName,
		Characters: stats.Characters,
		VocabSize:  stats.VocabSize,
		Windows:    stats.Windows,
	})
	if err != nil {
		d.logger.Warn("run ledger unavailable", "error", err)
		return
	}
	d.runID = id
	d.logger.Debug("run started", "run_id", id)
}

func (d *Driver) finishRun(ctx context.Context, status string) {
	if d.runID == "" {
		return
	}
	if err := d.ledger.FinishRun(context.WithoutCancel(ctx), d.runID, status); err != nil {
		d.logger.Warn("failed to finish run", "run_id", d.runID, "error", err)
	}
}
