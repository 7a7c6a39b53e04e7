package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adalundhe/docmaker/core/config"
	"github.com/adalundhe/docmaker/core/runlog"
	"github.com/adalundhe/docmaker/core/storage"
	"github.com/adalundhe/docmaker/core/training"
	"github.com/spf13/cobra"
)

var (
	trainDataDir       string
	trainFile          string
	trainLines         int
	trainEpochs        int
	trainBatchSize     int
	trainStamp         string
	trainCheckpointDir string
	trainResume        bool
	trainWatch         bool
	trainNoRunLog      bool
	trainRunLogPath    string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the model on the corpus",
	Long: `Train the character model on the configured corpus.

Each epoch fits one unshuffled pass with a validation hold-out. A checkpoint
is written every checkpoint.every epochs and a sample is generated to stdout
every generation.every epochs. Ctrl-C stops after the current epoch and
writes a final checkpoint.

Examples:
  docmaker train
  docmaker train --train-file "books/*.txt" --epochs 200
  docmaker train --resume --watch`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	f := trainCmd.Flags()
	f.StringVar(&trainDataDir, "data-dir", "", "Corpus directory")
	f.StringVar(&trainFile, "train-file", "", "Corpus file name or glob pattern within the data directory")
	f.IntVar(&trainLines, "lines", 0, "Line cap; negative reads the whole corpus")
	f.IntVarP(&trainEpochs, "epochs", "e", 0, "Number of epochs")
	f.IntVarP(&trainBatchSize, "batch-size", "b", 0, "Mini-batch size")
	f.StringVar(&trainStamp, "stamp", "", "Checkpoint name")
	f.StringVar(&trainCheckpointDir, "checkpoint-dir", "", "Checkpoint directory")
	f.BoolVar(&trainResume, "resume", false, "Continue from an existing checkpoint")
	f.BoolVarP(&trainWatch, "watch", "w", false, "Reload the config files while training")
	f.BoolVar(&trainNoRunLog, "no-runlog", false, "Do not record the run in the ledger")
	f.StringVar(&trainRunLogPath, "runlog", "", "Run ledger path")
}

// trainOverlay copies the flags the user set onto cfg.
func trainOverlay(cmd *cobra.Command) func(*config.Config) {
	f := cmd.Flags()
	return func(cfg *config.Config) {
		if f.Changed("data-dir") {
			cfg.Data.Dir = trainDataDir
		}
		if f.Changed("train-file") {
			cfg.Data.TrainFile = trainFile
		}
		if f.Changed("lines") {
			cfg.Data.LinesToRead = trainLines
		}
		if f.Changed("epochs") {
			cfg.Training.Epochs = trainEpochs
		}
		if f.Changed("batch-size") {
			cfg.Training.BatchSize = trainBatchSize
		}
		if f.Changed("stamp") {
			cfg.Checkpoint.Stamp = trainStamp
		}
		if f.Changed("checkpoint-dir") {
			cfg.Checkpoint.Dir = trainCheckpointDir
		}
		if f.Changed("runlog") {
			cfg.RunLog.Path = trainRunLogPath
		}
		if trainNoRunLog {
			cfg.RunLog.Enabled = false
		}
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer mgr.Close()

	src := overlaySource{base: mgr, overlay: trainOverlay(cmd)}
	cfg := src.Get()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if trainWatch {
		if err := mgr.Watch(); err != nil {
			slog.Warn("config watch unavailable", "error", err)
		}
		mgr.OnChange(func(c *config.Config) {
			slog.Info("generation settings updated",
				"temperature", c.Generation.Temperature,
				"seed_text", c.Generation.SeedText,
				"every", c.Generation.Every)
		})
	}

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()

	opts := training.Options{
		Config: src,
		Sink:   out,
		Resume: trainResume,
		Logger: slog.Default(),
	}
	if ledger := openLedger(cfg, dirs); ledger != nil {
		defer ledger.Close()
		opts.Ledger = ledger
	}

	driver, err := training.New(opts)
	if err != nil {
		return err
	}
	res, err := driver.Run(ctx)
	if err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return err
	}

	w := cmd.ErrOrStderr()
	p := newPalette(w)
	fmt.Fprintln(w)
	if res.Cancelled {
		p.header(w, "Training Interrupted")
	} else {
		p.header(w, "Training Complete")
	}
	if res.RunID != "" {
		p.field(w, "Run", res.RunID)
	}
	p.field(w, "Epochs", res.Epochs)
	p.field(w, "Characters", res.Stats.Characters)
	p.field(w, "Vocabulary", res.Stats.VocabSize)
	p.field(w, "Windows", res.Stats.Windows)
	if res.Epochs > 0 {
		p.field(w, "Loss", fmt.Sprintf("%.4f", res.Loss))
		p.field(w, "Val loss", fmt.Sprintf("%.4f", res.ValLoss))
	}
	p.field(w, "Checkpoint", fmt.Sprintf("%s/%s", cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp))
	return nil
}

// openLedger returns nil when the ledger is disabled or cannot be opened;
// training does not depend on it.
func openLedger(cfg *config.Config, dirs *storage.Dirs) *runlog.Ledger {
	if !cfg.RunLog.Enabled {
		return nil
	}
	path := cfg.RunLog.Path
	if path == "" {
		path = dirs.RunLogPath()
	}
	ledger, err := runlog.Open(path)
	if err != nil {
		slog.Warn("run ledger unavailable", "path", path, "error", err)
		return nil
	}
	return ledger
}
