// Package sqlite implements checkpoint.Checkpointer on top of a single
// SQLite file, grounded on the teacher's graph/store/sqlite.go SQLiteStore:
// the same WAL-mode single-writer connection setup, auto-migrated schema,
// and modernc.org/sqlite driver, generalized from one state-per-run table
// to a full per-thread checkpoint history plus a buffered pending-writes
// table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/rjdoyle/pregel-go/graph/checkpoint"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed checkpoint.Checkpointer. It is designed for
// single-process deployments and local development; for multi-writer
// production use, see the mysql package.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open creates or attaches to a SQLite database at path (":memory:" for an
// ephemeral database) and ensures the checkpoint schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("checkpoint/sqlite: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			step INTEGER NOT NULL,
			source TEXT NOT NULL,
			doc TEXT NOT NULL,
			tags TEXT NOT NULL,
			writes TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, checkpoint_ns, checkpoint_id)`,
		`CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_writes_thread ON pending_writes(thread_id, checkpoint_ns, task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint/sqlite: create schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type row struct {
	checkpointID string
	parentID     sql.NullString
	step         int
	source       string
	doc          []byte
	tags         []byte
	writes       []byte
}

func scanRow(scan func(dest ...any) error) (row, error) {
	var r row
	err := scan(&r.checkpointID, &r.parentID, &r.step, &r.source, &r.doc, &r.tags, &r.writes)
	return r, err
}

func (r row) toTuple(threadID, ns string) (*checkpoint.Tuple, error) {
	var tags map[string]string
	if err := json.Unmarshal(r.tags, &tags); err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: unmarshal tags: %w", err)
	}
	cp, err := checkpoint.UnmarshalCheckpoint(checkpoint.Serialized{Doc: r.doc, Tags: tags})
	if err != nil {
		return nil, err
	}
	var writes map[string][]checkpoint.Write
	if err := json.Unmarshal(r.writes, &writes); err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: unmarshal writes: %w", err)
	}

	cfg := checkpoint.Config{ThreadID: threadID, CheckpointNS: ns, CheckpointID: r.checkpointID}
	tuple := &checkpoint.Tuple{
		Config:     cfg,
		Checkpoint: cp,
		Metadata:   checkpoint.Metadata{Source: checkpoint.Source(r.source), Step: r.step, Writes: writes},
	}
	if r.parentID.Valid {
		parent := checkpoint.Config{ThreadID: threadID, CheckpointNS: ns, CheckpointID: r.parentID.String}
		tuple.ParentConfig = &parent
	}
	return tuple, nil
}

func (s *Store) GetTuple(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Tuple, error) {
	var q string
	var args []any
	if cfg.CheckpointID != "" {
		q = `SELECT checkpoint_id, parent_id, step, source, doc, tags, writes FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`
		args = []any{cfg.ThreadID, cfg.CheckpointNS, cfg.CheckpointID}
	} else {
		q = `SELECT checkpoint_id, parent_id, step, source, doc, tags, writes FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY checkpoint_id DESC LIMIT 1`
		args = []any{cfg.ThreadID, cfg.CheckpointNS}
	}

	r, err := scanRow(s.db.QueryRowContext(ctx, q, args...).Scan)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: get tuple: %w", err)
	}
	tuple, err := r.toTuple(cfg.ThreadID, cfg.CheckpointNS)
	if err != nil {
		return nil, err
	}

	writeRows, err := s.db.QueryContext(ctx,
		`SELECT task_id, channel, value FROM pending_writes WHERE thread_id = ? AND checkpoint_ns = ?`,
		cfg.ThreadID, cfg.CheckpointNS)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: pending writes: %w", err)
	}
	defer writeRows.Close()
	for writeRows.Next() {
		var taskID, channel string
		var valueJSON []byte
		if err := writeRows.Scan(&taskID, &channel, &valueJSON); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: scan pending write: %w", err)
		}
		var value any
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: unmarshal pending write: %w", err)
		}
		tuple.PendingWrites = append(tuple.PendingWrites, checkpoint.PendingWrite{TaskID: taskID, Channel: channel, Value: value})
	}
	return tuple, writeRows.Err()
}

func (s *Store) List(ctx context.Context, cfg checkpoint.Config, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Tuple, error] {
	return func(yield func(*checkpoint.Tuple, error) bool) {
		q := `SELECT checkpoint_id, parent_id, step, source, doc, tags, writes FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ?`
		args := []any{cfg.ThreadID, cfg.CheckpointNS}
		if opts.Before != "" {
			q += ` AND checkpoint_id < ?`
			args = append(args, opts.Before)
		}
		q += ` ORDER BY checkpoint_id DESC`
		if opts.Limit > 0 {
			q += fmt.Sprintf(" LIMIT %d", opts.Limit)
		}

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(nil, fmt.Errorf("checkpoint/sqlite: list: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(rows.Scan)
			if err != nil {
				yield(nil, fmt.Errorf("checkpoint/sqlite: scan: %w", err))
				return
			}
			tuple, err := r.toTuple(cfg.ThreadID, cfg.CheckpointNS)
			if err != nil {
				yield(nil, err)
				return
			}
			if opts.Filter != nil && !opts.Filter(tuple.Metadata) {
				continue
			}
			if !yield(tuple, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *Store) Put(ctx context.Context, cfg checkpoint.Config, cp checkpoint.Checkpoint, md checkpoint.Metadata) (checkpoint.Config, error) {
	serialized, err := checkpoint.MarshalCheckpoint(cp)
	if err != nil {
		return checkpoint.Config{}, err
	}
	tagsJSON, err := json.Marshal(serialized.Tags)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/sqlite: marshal tags: %w", err)
	}
	writesJSON, err := json.Marshal(md.Writes)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/sqlite: marshal writes: %w", err)
	}

	var parentID sql.NullString
	if cfg.CheckpointID != "" {
		parentID = sql.NullString{String: cfg.CheckpointID, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
		cfg.ThreadID, cfg.CheckpointNS, cp.ID).Scan(&exists); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/sqlite: idempotency check: %w", err)
	}
	if exists > 0 {
		return checkpoint.Config{}, checkpoint.ErrIdempotencyConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, step, source, doc, tags, writes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ThreadID, cfg.CheckpointNS, cp.ID, parentID, md.Step, string(md.Source), serialized.Doc, tagsJSON, writesJSON,
	); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/sqlite: insert checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_writes WHERE thread_id = ? AND checkpoint_ns = ?`,
		cfg.ThreadID, cfg.CheckpointNS,
	); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/sqlite: clear pending writes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/sqlite: commit: %w", err)
	}

	out := cfg
	out.CheckpointID = cp.ID
	return out, nil
}

func (s *Store) PutWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.PendingWrite, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_writes WHERE thread_id = ? AND checkpoint_ns = ? AND task_id = ?`,
		cfg.ThreadID, cfg.CheckpointNS, taskID,
	); err != nil {
		return fmt.Errorf("checkpoint/sqlite: clear task writes: %w", err)
	}

	for _, w := range writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("checkpoint/sqlite: marshal pending write: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_writes (thread_id, checkpoint_ns, task_id, channel, value) VALUES (?, ?, ?, ?, ?)`,
			cfg.ThreadID, cfg.CheckpointNS, taskID, w.Channel, valueJSON,
		); err != nil {
			return fmt.Errorf("checkpoint/sqlite: insert pending write: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint/sqlite: delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint/sqlite: delete pending writes: %w", err)
	}
	return tx.Commit()
}
