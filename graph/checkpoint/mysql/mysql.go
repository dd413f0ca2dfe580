// Package mysql implements checkpoint.Checkpointer on MySQL/MariaDB,
// grounded on the teacher's graph/store/mysql.go MySQLStore: the same
// connection pool tuning (25 open / 5 idle / 5-minute lifetime) and
// go-sql-driver/mysql driver, for multi-writer production deployments
// where sqlite's single-writer limit does not fit.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rjdoyle/pregel-go/graph/checkpoint"
)

// Store is a MySQL-backed checkpoint.Checkpointer.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a go-sql-driver/mysql data source name, e.g.
// "user:pass@tcp(127.0.0.1:3306)/db?parseTime=true") and ensures the
// checkpoint schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/mysql: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint/mysql: ping: %w", err)
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
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_ns VARCHAR(255) NOT NULL DEFAULT '',
			checkpoint_id VARCHAR(64) NOT NULL,
			parent_id VARCHAR(64),
			step INT NOT NULL,
			source VARCHAR(32) NOT NULL,
			doc LONGTEXT NOT NULL,
			tags LONGTEXT NOT NULL,
			writes LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id),
			INDEX idx_checkpoints_thread (thread_id, checkpoint_ns)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_ns VARCHAR(255) NOT NULL DEFAULT '',
			task_id VARCHAR(255) NOT NULL,
			channel VARCHAR(255) NOT NULL,
			value LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_pending_writes_thread (thread_id, checkpoint_ns, task_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint/mysql: create schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type row struct {
	checkpointID string
	parentID     sql.NullString
	step         int
	source       string
	doc          []byte
	tags         []byte
	writes       []byte
}

func (r row) toTuple(threadID, ns string) (*checkpoint.Tuple, error) {
	var tags map[string]string
	if err := json.Unmarshal(r.tags, &tags); err != nil {
		return nil, fmt.Errorf("checkpoint/mysql: unmarshal tags: %w", err)
	}
	cp, err := checkpoint.UnmarshalCheckpoint(checkpoint.Serialized{Doc: r.doc, Tags: tags})
	if err != nil {
		return nil, err
	}
	var writes map[string][]checkpoint.Write
	if err := json.Unmarshal(r.writes, &writes); err != nil {
		return nil, fmt.Errorf("checkpoint/mysql: unmarshal writes: %w", err)
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

	var r row
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&r.checkpointID, &r.parentID, &r.step, &r.source, &r.doc, &r.tags, &r.writes)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint/mysql: get tuple: %w", err)
	}
	tuple, err := r.toTuple(cfg.ThreadID, cfg.CheckpointNS)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, channel, value FROM pending_writes WHERE thread_id = ? AND checkpoint_ns = ?`,
		cfg.ThreadID, cfg.CheckpointNS)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/mysql: pending writes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, channel string
		var valueJSON []byte
		if err := rows.Scan(&taskID, &channel, &valueJSON); err != nil {
			return nil, fmt.Errorf("checkpoint/mysql: scan pending write: %w", err)
		}
		var value any
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("checkpoint/mysql: unmarshal pending write: %w", err)
		}
		tuple.PendingWrites = append(tuple.PendingWrites, checkpoint.PendingWrite{TaskID: taskID, Channel: channel, Value: value})
	}
	return tuple, rows.Err()
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
			yield(nil, fmt.Errorf("checkpoint/mysql: list: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.checkpointID, &r.parentID, &r.step, &r.source, &r.doc, &r.tags, &r.writes); err != nil {
				yield(nil, fmt.Errorf("checkpoint/mysql: scan: %w", err))
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
		return checkpoint.Config{}, fmt.Errorf("checkpoint/mysql: marshal tags: %w", err)
	}
	writesJSON, err := json.Marshal(md.Writes)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/mysql: marshal writes: %w", err)
	}

	var parentID sql.NullString
	if cfg.CheckpointID != "" {
		parentID = sql.NullString{String: cfg.CheckpointID, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/mysql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
		cfg.ThreadID, cfg.CheckpointNS, cp.ID).Scan(&exists); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/mysql: idempotency check: %w", err)
	}
	if exists > 0 {
		return checkpoint.Config{}, checkpoint.ErrIdempotencyConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, step, source, doc, tags, writes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ThreadID, cfg.CheckpointNS, cp.ID, parentID, md.Step, string(md.Source), serialized.Doc, tagsJSON, writesJSON,
	); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/mysql: insert checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_writes WHERE thread_id = ? AND checkpoint_ns = ?`,
		cfg.ThreadID, cfg.CheckpointNS,
	); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/mysql: clear pending writes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint/mysql: commit: %w", err)
	}

	out := cfg
	out.CheckpointID = cp.ID
	return out, nil
}

func (s *Store) PutWrites(ctx context.Context, cfg checkpoint.Config, writes []checkpoint.PendingWrite, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint/mysql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_writes WHERE thread_id = ? AND checkpoint_ns = ? AND task_id = ?`,
		cfg.ThreadID, cfg.CheckpointNS, taskID,
	); err != nil {
		return fmt.Errorf("checkpoint/mysql: clear task writes: %w", err)
	}

	for _, w := range writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("checkpoint/mysql: marshal pending write: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_writes (thread_id, checkpoint_ns, task_id, channel, value) VALUES (?, ?, ?, ?, ?)`,
			cfg.ThreadID, cfg.CheckpointNS, taskID, w.Channel, valueJSON,
		); err != nil {
			return fmt.Errorf("checkpoint/mysql: insert pending write: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint/mysql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint/mysql: delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint/mysql: delete pending writes: %w", err)
	}
	return tx.Commit()
}
