package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adalundhe/docmaker/core/checkpoint"
	"github.com/adalundhe/docmaker/core/config"
	"github.com/adalundhe/docmaker/core/generator"
	"github.com/adalundhe/docmaker/core/model"
	"github.com/adalundhe/docmaker/core/sampler"
	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

var (
	genCheckpointDir string
	genStamp         string
	genSeed          string
	genLength        int
	genTemperature   float64
	genContextMode   string
	genRandomSeed    uint64
	genCopy          bool
	genNoEcho        bool
)

var generateCmd = &cobra.Command{
	Use:     "generate",
	Aliases: []string{"gen"},
	Short:   "Generate text from a checkpoint",
	Long: `Load a checkpoint and stream generated text to stdout, one character
at a time.

The seed is echoed first unless --no-echo is set. Seeds shorter than the
model window are left-padded with spaces; every seed character must be in the
checkpoint vocabulary.

Examples:
  docmaker generate --seed "computers are amazing"
  docmaker generate -t 0.3 -n 200 --random-seed 7
  docmaker generate --context-mode seed --copy`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.StringVar(&genCheckpointDir, "checkpoint-dir", "", "Checkpoint directory")
	f.StringVar(&genStamp, "stamp", "", "Checkpoint name")
	f.StringVarP(&genSeed, "seed", "s", "", "Seed text")
	f.IntVarP(&genLength, "length", "n", 0, "Characters to generate")
	f.Float64VarP(&genTemperature, "temperature", "t", 0, "Sampling temperature")
	f.StringVar(&genContextMode, "context-mode", "", "Context mode: sliding or seed")
	f.Uint64Var(&genRandomSeed, "random-seed", 0, "Sampler seed; 0 seeds from the clock")
	f.BoolVar(&genCopy, "copy", false, "Copy the generated text to the clipboard")
	f.BoolVar(&genNoEcho, "no-echo", false, "Do not print the seed before the generated text")
}

func generateOverlay(cmd *cobra.Command) func(*config.Config) {
	f := cmd.Flags()
	return func(cfg *config.Config) {
		if f.Changed("checkpoint-dir") {
			cfg.Checkpoint.Dir = genCheckpointDir
		}
		if f.Changed("stamp") {
			cfg.Checkpoint.Stamp = genStamp
		}
		if f.Changed("seed") {
			cfg.Generation.SeedText = genSeed
		}
		if f.Changed("length") {
			cfg.Generation.Length = genLength
		}
		if f.Changed("temperature") {
			cfg.Generation.Temperature = genTemperature
		}
		if f.Changed("context-mode") {
			cfg.Generation.ContextMode = genContextMode
		}
		if f.Changed("random-seed") {
			cfg.Generation.RandomSeed = genRandomSeed
		}
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer mgr.Close()

	cfg := overlaySource{base: mgr, overlay: generateOverlay(cmd)}.Get()
	if err := cfg.Validate(); err != nil {
		return err
	}

	net, voc, manifest, err := checkpoint.Load(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp, model.DefaultOptions())
	if err != nil {
		return err
	}
	slog.Debug("checkpoint loaded",
		"stamp", manifest.Stamp,
		"epoch", manifest.Epoch,
		"vocab_size", voc.Size())

	var smp *sampler.Sampler
	if cfg.Generation.RandomSeed != 0 {
		smp = sampler.New(cfg.Generation.RandomSeed)
	}
	gen, err := generator.New(net, voc, smp, generator.Options{
		SeqLen:      manifest.Architecture.SeqLen,
		Temperature: cfg.Generation.Temperature,
		Length:      cfg.Generation.Length,
		Mode:        generator.ContextMode(cfg.Generation.ContextMode),
		EchoSeed:    !genNoEcho,
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}

	out := bufio.NewWriter(cmd.OutOrStdout())
	text, genErr := gen.Generate(ctx, cfg.Generation.SeedText, out)
	fmt.Fprintln(out)
	if err := out.Flush(); err != nil && genErr == nil {
		genErr = err
	}
	if genErr != nil {
		return genErr
	}

	slog.Debug("generation finished", "characters", len([]rune(text)), "cache_hits", gen.CacheHits())

	if genCopy {
		if err := clipboard.WriteAll(text); err != nil {
			slog.Warn("clipboard unavailable", "error", err)
		} else {
			p := newPalette(cmd.ErrOrStderr())
			fmt.Fprintf(cmd.ErrOrStderr(), "%sCopied %d characters to the clipboard%s\n", p.green, len([]rune(text)), p.reset)
		}
	}
	return nil
}
