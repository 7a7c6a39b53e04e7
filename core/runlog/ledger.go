// Package runlog keeps a sqlite ledger of training runs: one row per run plus
// the epochs, checkpoints and samples it produced.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adalundhe/docmaker/core/storage"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// Run is a row of the runs table with its epoch count and latest losses.
type Run struct {
	ID         string    `json:"id"`
	Stamp      string    `json:"stamp"`
	Corpus     string    `json:"corpus"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Characters int       `json:"characters"`
	VocabSize  int       `json:"vocab_size"`
	Windows    int       `json:"windows"`
	Epochs     int       `json:"epochs"`
	LastLoss   float64   `json:"last_loss"`
	LastVal    float64   `json:"last_val"`
}

// RunInfo describes a run as it starts.
type RunInfo struct {
	Stamp      string
	Corpus     string
	Characters int
	VocabSize  int
	Windows    int
}

type Epoch struct {
	Epoch    int           `json:"epoch"`
	Loss     float64       `json:"loss"`
	ValLoss  float64       `json:"val_loss"`
	HasVal   bool          `json:"has_val"`
	Duration time.Duration `json:"duration"`
}

// Checkpoint records one save attempt. Error is empty when the save succeeded.
type Checkpoint struct {
	Epoch     int       `json:"epoch"`
	Path      string    `json:"path"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

type Sample struct {
	Epoch       int       `json:"epoch"`
	Temperature float64   `json:"temperature"`
	Seed        string    `json:"seed"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ledger is a sqlite-backed run log.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := storage.EnsureDir(filepath.Dir(path), 0); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	l := &Ledger{db: db, path: path}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		stamp TEXT NOT NULL,
		corpus TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		characters INTEGER NOT NULL DEFAULT 0,
		vocab_size INTEGER NOT NULL DEFAULT 0,
		windows INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS epochs (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		loss REAL NOT NULL,
		val_loss REAL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, epoch)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		path TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS samples (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		temperature REAL NOT NULL,
		seed TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, epoch);
	CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id, epoch);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun inserts a running run and returns its id.
func (l *Ledger) StartRun(ctx context.Context, info RunInfo) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, stamp, corpus, status, started_at, characters, vocab_size, windows)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, info.Stamp, info.Corpus, StatusRunning, time.Now().UnixNano(),
		info.Characters, info.VocabSize, info.Windows)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the end time and final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID, status string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
		status, time.Now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (l *Ledger) RecordEpoch(ctx context.Context, runID string, e Epoch) error {
	var val sql.NullFloat64
	if e.HasVal {
		val = sql.NullFloat64{Float64: e.ValLoss, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs (run_id, epoch, loss, val_loss, duration_ms)
		VALUES (?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.Loss, val, e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record epoch: %w", err)
	}
	return nil
}

func (l *Ledger) RecordCheckpoint(ctx context.Context, runID string, c Checkpoint) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, epoch, path, error, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, c.Epoch, c.Path, c.Error, created.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record checkpoint: %w", err)
	}
	return nil
}

func (l *Ledger) RecordSample(ctx context.Context, runID string, s Sample) error {
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO samples (run_id, epoch, temperature, seed, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, s.Epoch, s.Temperature, s.Seed, s.Text, created.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}
