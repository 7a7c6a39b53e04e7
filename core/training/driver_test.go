package training

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/adalundhe/docmaker/core/checkpoint"
	"github.com/adalundhe/docmaker/core/config"
	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/model"
	"github.com/adalundhe/docmaker/core/runlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	cfg *config.Config
}

func (s staticSource) Get() *config.Config {
	return s.cfg
}

const corpusText = "computers are amazing and so are the people who build them\n" +
	"a small corpus is enough to exercise the loop\n"

func testConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "train_set.txt"), []byte(text), 0644))

	cfg := config.DefaultConfig()
	cfg.Data.Dir = dataDir
	cfg.Data.LinesToRead = -1
	cfg.Vectorize.MaxSequenceLength = 8
	cfg.Vectorize.Skip = 3
	cfg.Model.Layers = []int{6}
	cfg.Model.Dropout = 0.2
	cfg.Training.BatchSize = 8
	cfg.Training.Epochs = 3
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.Checkpoint.Every = 2
	cfg.Generation.Every = 2
	cfg.Generation.Length = 15
	cfg.Generation.RandomSeed = 5
	require.NoError(t, cfg.Validate())
	return cfg
}

func openLedger(t *testing.T) *runlog.Ledger {
	t.Helper()
	l, err := runlog.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, corpusText)
	ledger := openLedger(t)
	var sink bytes.Buffer
	var reports []EpochReport

	d, err := New(Options{
		Config:  staticSource{cfg},
		Ledger:  ledger,
		Sink:    &sink,
		OnEpoch: func(r EpochReport) { reports = append(reports, r) },
	})
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 2, res.LastEpoch)
	assert.Equal(t, 2, res.Stats.Lines)
	assert.Greater(t, res.Stats.Windows, 0)
	require.Len(t, reports, 3)
	assert.True(t, reports[0].Result.HasVal)

	// samples at epochs 0 and 2, each echoing the seed
	assert.Equal(t, 2, strings.Count(sink.String(), cfg.Generation.SeedText))

	m, _, err := checkpoint.ReadManifest(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Epoch)
	assert.Equal(t, []int{6}, m.Architecture.Layers)

	run, err := ledger.FindRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.Epochs)
	assert.Equal(t, res.Stats.Windows, run.Windows)

	cps, err := ledger.Checkpoints(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 0, cps[0].Epoch)
	assert.Equal(t, 2, cps[1].Epoch)

	samples, err := ledger.Samples(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Len(t, []rune(samples[0].Text), 15)
}

func TestRunFinalCheckpointOffInterval(t *testing.T) {
	cfg := testConfig(t, corpusText)
	cfg.Training.Epochs = 2
	cfg.Checkpoint.Every = 10

	d, err := New(Options{Config: staticSource{cfg}})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	m, _, err := checkpoint.ReadManifest(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Epoch)
}

func TestRunRejectsEmptyDataset(t *testing.T) {
	cfg := testConfig(t, "tiny\n")
	ledger := openLedger(t)

	d, err := New(Options{Config: staticSource{cfg}, Ledger: ledger})
	require.NoError(t, err)
	_, err = d.Run(context.Background())

	assert.True(t, errors.Is(err, dmerrors.ErrEmptyDataset))
	assert.False(t, checkpoint.Exists(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp))
	runs, err := ledger.Runs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunMissingCorpus(t *testing.T) {
	cfg := testConfig(t, corpusText)
	cfg.Data.TrainFile = "missing.txt"

	d, err := New(Options{Config: staticSource{cfg}})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, dmerrors.ErrInput))
}

func TestRunRefusesLockedStamp(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stamp locks need flock")
	}
	cfg := testConfig(t, corpusText)
	held, err := checkpoint.AcquireLock(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	require.NoError(t, err)
	defer held.Release()

	d, err := New(Options{Config: staticSource{cfg}})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, checkpoint.ErrLocked))
	assert.False(t, checkpoint.Exists(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp))
}

func TestRunRejectsSeedOutsideVocabulary(t *testing.T) {
	cfg := testConfig(t, corpusText)
	cfg.Generation.SeedText = "ZEBRA"

	d, err := New(Options{Config: staticSource{cfg}})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, dmerrors.ErrVocabularyGap))
}

func TestRunCheckpointFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, corpusText)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.Checkpoint.Dir = blocker
	ledger := openLedger(t)

	d, err := New(Options{Config: staticSource{cfg}, Ledger: ledger})
	require.NoError(t, err)
	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Epochs)

	cps, err := ledger.Checkpoints(ctx, res.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, cps)
	for _, cp := range cps {
		assert.NotEmpty(t, cp.Error)
	}
}

func TestRunCancellationSavesFinalCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t, corpusText)
	cfg.Training.Epochs = 50
	cfg.Checkpoint.Every = 10
	cfg.Generation.Every = 100
	ledger := openLedger(t)

	d, err := New(Options{
		Config: staticSource{cfg},
		Ledger: ledger,
		OnEpoch: func(r EpochReport) {
			if r.Epoch == 1 {
				cancel()
			}
		},
	})
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.Epochs)

	m, _, err := checkpoint.ReadManifest(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Epoch)

	run, err := ledger.FindRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusCancelled, run.Status)
}

func TestRunResume(t *testing.T) {
	cfg := testConfig(t, corpusText)
	cfg.Training.Epochs = 2

	d, err := New(Options{Config: staticSource{cfg}})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	cfg.Training.Epochs = 4
	d, err = New(Options{Config: staticSource{cfg}, Resume: true})
	require.NoError(t, err)
	res, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Epochs)
	assert.Equal(t, 3, res.LastEpoch)
	m, _, err := checkpoint.ReadManifest(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Epoch)
}

func TestRunResumeRejectsDifferentArchitecture(t *testing.T) {
	cfg := testConfig(t, corpusText)
	cfg.Training.Epochs = 1

	d, err := New(Options{Config: staticSource{cfg}})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	cfg.Model.Layers = []int{4, 4}
	d, err = New(Options{Config: staticSource{cfg}, Resume: true})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, dmerrors.ErrCheckpoint))
}

func TestRunReadsLiveGenerationSettings(t *testing.T) {
	cfg := testConfig(t, corpusText)
	cfg.Generation.Every = 1
	src := &swappingSource{cfg: cfg}
	var sink bytes.Buffer

	d, err := New(Options{
		Config: src,
		Sink:   &sink,
		OnEpoch: func(r EpochReport) {
			if r.Epoch == 0 {
				next := *src.cfg
				next.Generation.SeedText = "the people"
				src.cfg = &next
			}
		},
	})
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(sink.String(), cfg.Generation.SeedText))
	assert.GreaterOrEqual(t, strings.Count(sink.String(), "the people"), 2)
}

type swappingSource struct {
	cfg *config.Config
}

func (s *swappingSource) Get() *config.Config {
	return s.cfg
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.Is(err, dmerrors.ErrConfig))
}

func TestModelOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Training.LearningRate = 0.01
	cfg.Model.MaxNorm = 0

	opts := modelOptions(cfg)
	assert.Equal(t, 0.01, opts.LearningRate)
	assert.Equal(t, 0.0, opts.MaxNorm)
	assert.Equal(t, cfg.Training.Seed, opts.Seed)
	assert.Equal(t, model.DefaultOptions().Rho, opts.Rho)
}
