package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `
	r.id, r.stamp, r.corpus, r.status, r.started_at, r.ended_at,
	r.characters, r.vocab_size, r.windows,
	(SELECT COUNT(*) FROM epochs e WHERE e.run_id = r.id),
	(SELECT e.loss FROM epochs e WHERE e.run_id = r.id ORDER BY e.epoch DESC LIMIT 1),
	(SELECT e.val_loss FROM epochs e WHERE e.run_id = r.id ORDER BY e.epoch DESC LIMIT 1)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r        Run
		started  int64
		ended    sql.NullInt64
		lastLoss sql.NullFloat64
		lastVal  sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.Stamp, &r.Corpus, &r.Status, &started, &ended,
		&r.Characters, &r.VocabSize, &r.Windows, &r.Epochs, &lastLoss, &lastVal)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started)
	if ended.Valid {
		r.EndedAt = time.Unix(0, ended.Int64)
	}
	r.LastLoss = lastLoss.Float64
	r.LastVal = lastVal.Float64
	return r, nil
}

// Runs lists the most recent runs first. A limit <= 0 lists all of them.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT` + runColumns + ` FROM runs r ORDER BY r.started_at DESC, r.rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FindRun resolves a full id or a unique id prefix.
func (l *Ledger) FindRun(ctx context.Context, idOrPrefix string) (Run, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT`+runColumns+` FROM runs r WHERE r.id LIKE ? || '%' ORDER BY r.started_at DESC LIMIT 2`,
		idOrPrefix)
	if err != nil {
		return Run{}, fmt.Errorf("failed to find run: %w", err)
	}
	defer rows.Close()

	var found []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return Run{}, fmt.Errorf("failed to scan run: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}

	switch len(found) {
	case 0:
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, idOrPrefix)
	case 1:
		return found[0], nil
	default:
		return Run{}, fmt.Errorf("run prefix %q is ambiguous", idOrPrefix)
	}
}

func (l *Ledger) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT epoch, loss, val_loss, duration_ms FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var (
			e   Epoch
			val sql.NullFloat64
			ms  int64
		)
		if err := rows.Scan(&e.Epoch, &e.Loss, &val, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		e.ValLoss, e.HasVal = val.Float64, val.Valid
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Ledger) Checkpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT epoch, path, error, created_at FROM checkpoints WHERE run_id = ? ORDER BY epoch, created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			c       Checkpoint
			created int64
		)
		if err := rows.Scan(&c.Epoch, &c.Path, &c.Error, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.CreatedAt = time.Unix(0, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *Ledger) Samples(ctx context.Context, runID string) ([]Sample, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT epoch, temperature, seed, text, created_at FROM samples WHERE run_id = ? ORDER BY epoch, created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			s       Sample
			created int64
		)
		if err := rows.Scan(&s.Epoch, &s.Temperature, &s.Seed, &s.Text, &created); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.CreatedAt = time.Unix(0, created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and everything recorded under it.
func (l *Ledger) DeleteRun(ctx context.Context, runID string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// IsNotFound reports whether err means the run does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
