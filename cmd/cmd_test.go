package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adalundhe/docmaker/core/config"
	"github.com/adalundhe/docmaker/core/runlog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Command Definition Tests
// =============================================================================

func TestRootCmd_Definition(t *testing.T) {
	t.Run("command is defined", func(t *testing.T) {
		assert.Equal(t, "docmaker", rootCmd.Use)
		assert.True(t, rootCmd.SilenceUsage)
	})

	t.Run("has subcommands", func(t *testing.T) {
		found := map[string]bool{}
		for _, c := range rootCmd.Commands() {
			found[c.Name()] = true
		}
		for _, name := range []string{"train", "generate", "inspect", "runs"} {
			assert.True(t, found[name], "%s subcommand should exist", name)
		}
	})

	t.Run("has persistent flags", func(t *testing.T) {
		pflags := rootCmd.PersistentFlags()

		configFlag := pflags.Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "c", configFlag.Shorthand)

		verboseFlag := pflags.Lookup("verbose")
		require.NotNil(t, verboseFlag)
		assert.Equal(t, "v", verboseFlag.Shorthand)

		require.NotNil(t, pflags.Lookup("log-json"))
		require.NotNil(t, pflags.Lookup("no-color"))
	})
}

func TestTrainCmd_Definition(t *testing.T) {
	t.Run("command is defined", func(t *testing.T) {
		assert.Equal(t, "train", trainCmd.Use)
		assert.Equal(t, "Train the model on the corpus", trainCmd.Short)
	})

	t.Run("has flags", func(t *testing.T) {
		flags := trainCmd.Flags()
		for _, name := range []string{"data-dir", "train-file", "lines", "stamp", "checkpoint-dir", "runlog"} {
			require.NotNil(t, flags.Lookup(name), name)
		}

		epochs := flags.Lookup("epochs")
		require.NotNil(t, epochs)
		assert.Equal(t, "e", epochs.Shorthand)

		resume := flags.Lookup("resume")
		require.NotNil(t, resume)
		assert.Equal(t, "false", resume.DefValue)

		watch := flags.Lookup("watch")
		require.NotNil(t, watch)
		assert.Equal(t, "w", watch.Shorthand)
	})
}

func TestGenerateCmd_Definition(t *testing.T) {
	t.Run("command is defined", func(t *testing.T) {
		assert.Equal(t, "generate", generateCmd.Use)
		assert.Contains(t, generateCmd.Aliases, "gen")
	})

	t.Run("has flags", func(t *testing.T) {
		flags := generateCmd.Flags()

		seed := flags.Lookup("seed")
		require.NotNil(t, seed)
		assert.Equal(t, "s", seed.Shorthand)

		temp := flags.Lookup("temperature")
		require.NotNil(t, temp)
		assert.Equal(t, "t", temp.Shorthand)

		length := flags.Lookup("length")
		require.NotNil(t, length)
		assert.Equal(t, "n", length.Shorthand)

		for _, name := range []string{"context-mode", "random-seed", "copy", "no-echo", "stamp", "checkpoint-dir"} {
			require.NotNil(t, flags.Lookup(name), name)
		}
	})
}

func TestInspectCmd_Definition(t *testing.T) {
	var names []string
	for _, c := range inspectCmd.Commands() {
		names = append(names, c.Use)
	}
	assert.ElementsMatch(t, []string{"corpus", "checkpoint"}, names)

	jsonFlag := inspectCmd.PersistentFlags().Lookup("json")
	require.NotNil(t, jsonFlag)
	assert.Equal(t, "false", jsonFlag.DefValue)
}

func TestRunsCmd_Definition(t *testing.T) {
	t.Run("has subcommands", func(t *testing.T) {
		var names []string
		for _, c := range runsCmd.Commands() {
			names = append(names, c.Name())
		}
		assert.ElementsMatch(t, []string{"show", "rm"}, names)
	})

	t.Run("limit default", func(t *testing.T) {
		limit := runsCmd.Flags().Lookup("limit")
		require.NotNil(t, limit)
		assert.Equal(t, "20", limit.DefValue)
	})

	t.Run("show requires an id", func(t *testing.T) {
		assert.Error(t, runsShowCmd.Args(runsShowCmd, nil))
		assert.NoError(t, runsShowCmd.Args(runsShowCmd, []string{"abc"}))
	})
}

// =============================================================================
// Overlay Tests
// =============================================================================

type fixedSource struct{ cfg *config.Config }

func (s fixedSource) Get() *config.Config { return s.cfg }

func TestOverlaySource(t *testing.T) {
	base := config.DefaultConfig()
	src := overlaySource{
		base: fixedSource{base},
		overlay: func(c *config.Config) {
			c.Training.Epochs = 3
			c.Model.Layers[0] = 9
		},
	}

	got := src.Get()
	assert.Equal(t, 3, got.Training.Epochs)
	assert.Equal(t, 9, got.Model.Layers[0])
	assert.Equal(t, 2000, base.Training.Epochs, "base config must not change")
	assert.Equal(t, 128, base.Model.Layers[0])
}

func TestTrainOverlay_OnlyChangedFlags(t *testing.T) {
	c := &cobra.Command{Use: "train"}
	var epochs int
	var stamp string
	c.Flags().IntVar(&epochs, "epochs", 0, "")
	c.Flags().StringVar(&stamp, "stamp", "", "")
	require.NoError(t, c.Flags().Set("epochs", "7"))

	prev := trainEpochs
	trainEpochs = 7
	t.Cleanup(func() { trainEpochs = prev })

	cfg := config.DefaultConfig()
	trainOverlay(c)(cfg)
	assert.Equal(t, 7, cfg.Training.Epochs)
	assert.Equal(t, "doc_maker", cfg.Checkpoint.Stamp, "unset flags keep config values")
}

// =============================================================================
// Output Helper Tests
// =============================================================================

func TestPalette_NoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	p := newPalette(&buf)
	assert.Equal(t, palette{}, p)

	p.header(&buf, "Corpus")
	p.field(&buf, "Lines", 3)
	assert.Equal(t, "Corpus\n"+strings.Repeat("-", 40)+"\nLines:        3\n", buf.String())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected string
	}{
		{1234 * time.Microsecond, "1ms"},
		{1540 * time.Millisecond, "1.5s"},
		{90*time.Second + 400*time.Millisecond, "1m30s"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.in))
		})
	}
}

func TestPrintable(t *testing.T) {
	assert.Equal(t, "␠", printable(' '))
	assert.Equal(t, `\t`, printable('\t'))
	assert.Equal(t, "U+0001", printable('\x01'))
	assert.Equal(t, "é", printable('é'))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123abcd", shortID("0123abcd-ffff-4000"))
	assert.Equal(t, "abc", shortID("abc"))
}

// =============================================================================
// Integration Tests
// =============================================================================

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestTrainGenerateRuns_Execution(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))

	line := "the quick brown fox jumps over the lazy dog"
	corpus := strings.Repeat(line+"\n", 4)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "corpus.txt"), []byte(corpus), 0644))

	ckptDir := filepath.Join(dir, "ckpt")
	ledgerPath := filepath.Join(dir, "runs.db")
	cfgPath := filepath.Join(dir, "docmaker.yaml")
	cfgYAML := fmt.Sprintf(`data:
  dir: %q
  train_file: corpus.txt
  lines_to_read: -1
vectorize:
  max_sequence_length: 8
  skip: 3
model:
  layers: [6]
  dropout: 0.2
training:
  batch_size: 8
  epochs: 2
checkpoint:
  stamp: smoke
  dir: %q
  every: 1
generation:
  seed_text: the
  length: 10
  every: 1
  random_seed: 3
runlog:
  enabled: true
  path: %q
`, dataDir, ckptDir, ledgerPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0644))

	t.Run("train", func(t *testing.T) {
		out, errOut, err := execute(t, "train", "--config", cfgPath)
		require.NoError(t, err, errOut)

		// one sample per epoch, each echoing the seed
		samples := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
		require.Len(t, samples, 2, out)
		for _, s := range samples {
			assert.True(t, strings.HasPrefix(s, "the"), s)
			assert.Len(t, []rune(s), 13)
		}
		assert.Contains(t, errOut, "Training Complete")
		assert.FileExists(t, filepath.Join(ckptDir, "smoke.json"))
		assert.FileExists(t, filepath.Join(ckptDir, "smoke.weights"))
	})

	t.Run("generate", func(t *testing.T) {
		out, errOut, err := execute(t, "generate", "--config", cfgPath, "--no-echo", "-n", "20", "--random-seed", "9")
		require.NoError(t, err, errOut)

		text := strings.TrimSuffix(out, "\n")
		assert.Len(t, []rune(text), 20)
		for _, r := range text {
			assert.Contains(t, line+" ", string(r))
		}
	})

	// flag values persist across executions, so --json runs come last
	t.Run("inspect checkpoint", func(t *testing.T) {
		out, errOut, err := execute(t, "inspect", "checkpoint", "--config", cfgPath)
		require.NoError(t, err, errOut)
		assert.Contains(t, out, "Checkpoint smoke")
		assert.Contains(t, out, "lstm_0/kernel")
	})

	t.Run("inspect corpus", func(t *testing.T) {
		out, errOut, err := execute(t, "inspect", "corpus", "--config", cfgPath, "--json")
		require.NoError(t, err, errOut)

		var report corpusReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, 4, report.Lines)
		assert.Equal(t, 4*(len(line)+1), report.Characters)
		assert.Positive(t, report.Windows)
	})

	t.Run("runs", func(t *testing.T) {
		out, errOut, err := execute(t, "runs", "--runlog", ledgerPath, "--json")
		require.NoError(t, err, errOut)

		var runs []runlog.Run
		require.NoError(t, json.Unmarshal([]byte(out), &runs))
		require.Len(t, runs, 1)
		assert.Equal(t, runlog.StatusCompleted, runs[0].Status)
		assert.Equal(t, 2, runs[0].Epochs)
		assert.Equal(t, "smoke", runs[0].Stamp)
	})
}

func TestGenerate_MissingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "docmaker.yaml")
	cfgYAML := fmt.Sprintf("checkpoint:\n  dir: %q\n  stamp: absent\n", dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0644))

	_, _, err := execute(t, "generate", "--config", cfgPath)
	assert.Error(t, err)
}
