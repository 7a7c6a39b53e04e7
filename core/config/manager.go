package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dmerrors "github.com/adalundhe/docmaker/core/errors"
	"github.com/adalundhe/docmaker/core/storage"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every environment override.
const envPrefix = "DOCMAKER_"

type Manager struct {
	configPtr atomic.Pointer[Config]
	dirs      *storage.Dirs
	file      string
	logger    *slog.Logger
	watchers  []func(*Config)
	watcherMu sync.RWMutex

	fsw       *fsnotify.Watcher
	stopWatch chan struct{}
	watchDone chan struct{}
	watchOnce sync.Once
	closeOnce sync.Once
}

// NewManager creates a manager holding DefaultConfig. file is an optional
// explicit config path layered above the user and project files.
func NewManager(dirs *storage.Dirs, file string) *Manager {
	m := &Manager{
		dirs:      dirs,
		file:      file,
		logger:    slog.Default(),
		stopWatch: make(chan struct{}),
	}
	m.configPtr.Store(DefaultConfig())
	return m
}

// SetLogger replaces the logger used for reload diagnostics.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func (m *Manager) Get() *Config {
	return m.configPtr.Load()
}

// Load rebuilds the configuration from defaults, the user file, the project
// file, the explicit file and the environment, in that order. The result is
// validated before it replaces the current config.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	for _, path := range m.layerPaths() {
		if err := loadYAMLFile(path, cfg); err != nil {
			return dmerrors.Wrap(dmerrors.KindConfig, "config.Load", "cannot parse config file", err).With("path", path)
		}
	}

	if m.file != "" {
		if _, err := os.Stat(m.file); err != nil {
			return dmerrors.Wrap(dmerrors.KindConfig, "config.Load", "config file unavailable", err).With("path", m.file)
		}
		if err := loadYAMLFile(m.file, cfg); err != nil {
			return dmerrors.Wrap(dmerrors.KindConfig, "config.Load", "cannot parse config file", err).With("path", m.file)
		}
	}

	if err := applyEnvironment(cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.configPtr.Store(cfg)
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) layerPaths() []string {
	var paths []string
	if m.dirs != nil {
		paths = append(paths, m.dirs.ConfigDir("config.yaml"))
	}
	paths = append(paths, storage.ResolveProjectDirs(".").Config)
	return paths
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) error {
	strs := map[string]*string{
		"DATA_DIR":       &cfg.Data.Dir,
		"TRAIN_FILE":     &cfg.Data.TrainFile,
		"STAMP":          &cfg.Checkpoint.Stamp,
		"CHECKPOINT_DIR": &cfg.Checkpoint.Dir,
		"SEED_TEXT":      &cfg.Generation.SeedText,
		"CONTEXT_MODE":   &cfg.Generation.ContextMode,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"LINES_TO_READ":       &cfg.Data.LinesToRead,
		"MAX_SEQUENCE_LENGTH": &cfg.Vectorize.MaxSequenceLength,
		"SKIP":                &cfg.Vectorize.Skip,
		"BATCH_SIZE":          &cfg.Training.BatchSize,
		"EPOCHS":              &cfg.Training.Epochs,
		"GENERATION_LENGTH":   &cfg.Generation.Length,
	}
	for name, dst := range ints {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return dmerrors.Wrap(dmerrors.KindConfig, "config.Load", "invalid integer in environment", err).With("var", envPrefix+name)
		}
		*dst = n
	}

	if v := os.Getenv(envPrefix + "TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return dmerrors.Wrap(dmerrors.KindConfig, "config.Load", "invalid float in environment", err).With("var", envPrefix+"TEMPERATURE")
		}
		cfg.Generation.Temperature = f
	}
	if v := os.Getenv(envPrefix + "RUNLOG"); v != "" {
		cfg.RunLog.Enabled = strings.ToLower(v) == "true"
	}
	return nil
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

// Watch reloads the configuration whenever one of the layered files is
// written. Watching is per directory because editors commonly replace files
// by rename. A reload that fails keeps the previous config.
func (m *Manager) Watch() error {
	var startErr error
	m.watchOnce.Do(func() {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = fmt.Errorf("config watcher: %w", err)
			return
		}

		targets := make(map[string]struct{})
		paths := m.layerPaths()
		if m.file != "" {
			paths = append(paths, m.file)
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				continue
			}
			if _, err := os.Stat(filepath.Dir(abs)); err != nil {
				continue
			}
			if err := fsw.Add(filepath.Dir(abs)); err != nil {
				m.logger.Warn("config watch skipped", "dir", filepath.Dir(abs), "error", err)
				continue
			}
			targets[abs] = struct{}{}
		}

		m.fsw = fsw
		m.watchDone = make(chan struct{})
		go m.watchLoop(targets)
	})
	return startErr
}

func (m *Manager) watchLoop(targets map[string]struct{}) {
	defer close(m.watchDone)
	for {
		select {
		case <-m.stopWatch:
			return
		case ev, ok := <-m.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, ok := targets[abs]; !ok {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("config reload rejected", "path", abs, "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", abs)
		case err, ok := <-m.fsw.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopWatch)
		if m.fsw != nil {
			err = m.fsw.Close()
			<-m.watchDone
		}
	})
	return err
}
