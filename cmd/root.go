// Package cmd provides the docmaker command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/adalundhe/docmaker/core/config"
	"github.com/adalundhe/docmaker/core/storage"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	logJSON    bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "docmaker",
	Short: "Character-level RNN text generator",
	Long: `docmaker trains a character-level LSTM on a plain text corpus and
generates new text from it one character at a time.

Training and generation are separate stages joined by a checkpoint:

  docmaker train                      # fit the model, checkpointing as it goes
  docmaker generate --seed "once"     # stream text from the last checkpoint
  docmaker inspect corpus             # corpus statistics and vocabulary
  docmaker runs                       # training history`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file layered over the user and project config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func Execute() error {
	return rootCmd.Execute()
}

func setupLogging(cmd *cobra.Command, args []string) error {
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), verbose, logJSON))
	return nil
}

func newLogger(w io.Writer, debug, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig builds a manager over the layered config files and loads it.
func loadConfig() (*config.Manager, *storage.Dirs, error) {
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve directories: %w", err)
	}
	mgr := config.NewManager(dirs, configFile)
	mgr.SetLogger(slog.Default())
	if err := mgr.Load(); err != nil {
		return nil, nil, err
	}
	return mgr, dirs, nil
}

// overlaySource applies command line flags on top of every config the
// manager yields, so flags survive hot reloads.
type overlaySource struct {
	base    interface{ Get() *config.Config }
	overlay func(*config.Config)
}

func (s overlaySource) Get() *config.Config {
	cfg := s.base.Get().Clone()
	if s.overlay != nil {
		s.overlay(cfg)
	}
	return cfg
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && termCheck(int(f.Fd()))
}
