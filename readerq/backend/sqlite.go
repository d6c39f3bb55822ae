package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
)

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type SQLiteBackend struct {
	db *sql.DB
}

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT    NOT NULL,
	type        TEXT    NOT NULL,
	data        TEXT    NOT NULL,
	processing  INTEGER NOT NULL DEFAULT 0,
	progress    TEXT,
	result      TEXT,
	error       TEXT,
	created_at  INTEGER NOT NULL,
	done_at     INTEGER,
	UNIQUE (id, type)
);
CREATE INDEX IF NOT EXISTS jobs_type_pending ON jobs (type, processing, seq);
CREATE INDEX IF NOT EXISTS jobs_done_at ON jobs (done_at);
`

func NewSQLiteBackend(ctx context.Context, cfg SQLiteConfig) (*SQLiteBackend, error) {
	busy := cfg.BusyTimeout
	if busy == 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &errors.BackendConnectionError{Backend: "SQLite", Err: err}
	}

	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	// between our own goroutines and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.BackendConnectionError{Backend: "SQLite", Err: err}
	}

	if _, err := db.ExecContext(ctx, createJobsTable); err != nil {
		db.Close()
		return nil, &errors.BackendOperationError{Operation: "Init", Err: err}
	}

	return &SQLiteBackend{db: db}, nil
}

const insertJob = `
INSERT OR IGNORE INTO jobs (id, type, data, processing, progress, created_at)
VALUES (?, ?, ?, 0, ?, ?)`

func (s *SQLiteBackend) Insert(ctx context.Context, j *job.Job) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertJob, j.ID, j.Type, string(j.Data), nullJSON(j.Progress), j.CreatedAt.UnixNano())
	if err != nil {
		return false, &errors.BackendOperationError{Operation: "Insert", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.BackendOperationError{Operation: "Insert", Err: err}
	}
	return n > 0, nil
}

func (s *SQLiteBackend) InsertBatch(ctx context.Context, jobs []*job.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &errors.BackendOperationError{Operation: "InsertBatch", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertJob)
	if err != nil {
		return 0, &errors.BackendOperationError{Operation: "InsertBatch", Err: err}
	}
	defer stmt.Close()

	inserted := 0
	for _, j := range jobs {
		res, err := stmt.ExecContext(ctx, j.ID, j.Type, string(j.Data), nullJSON(j.Progress), j.CreatedAt.UnixNano())
		if err != nil {
			return 0, &errors.BackendOperationError{Operation: "InsertBatch", Err: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &errors.BackendOperationError{Operation: "InsertBatch", Err: err}
	}
	return inserted, nil
}

func (s *SQLiteBackend) SelectPending(ctx context.Context, jobType string, limit int) ([]string, error) {
	query := `SELECT id FROM jobs WHERE type = ? AND processing = 0 AND done_at IS NULL ORDER BY seq ASC`
	args := []any{jobType}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "SelectPending", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &errors.BackendOperationError{Operation: "SelectPending", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.BackendOperationError{Operation: "SelectPending", Err: err}
	}
	return ids, nil
}

func (s *SQLiteBackend) Claim(ctx context.Context, jobType string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "Claim", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE jobs SET processing = 1
		WHERE id = ? AND type = ? AND processing = 0 AND done_at IS NULL`)
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "Claim", Err: err}
	}
	defer stmt.Close()

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id, jobType)
		if err != nil {
			return nil, &errors.BackendOperationError{Operation: "Claim", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.BackendOperationError{Operation: "Claim", Err: err}
	}
	return claimed, nil
}

func (s *SQLiteBackend) Get(ctx context.Context, jobType, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, type, data, processing, progress, result, error, created_at, done_at
		FROM jobs WHERE id = ? AND type = ?`, id, jobType)

	var (
		j         job.Job
		data      string
		progress  sql.NullString
		result    sql.NullString
		failure   sql.NullString
		createdAt int64
		doneAt    sql.NullInt64
	)
	err := row.Scan(&j.Seq, &j.ID, &j.Type, &data, &j.Processing, &progress, &result, &failure, &createdAt, &doneAt)
	if err == sql.ErrNoRows {
		return nil, &errors.JobNotFoundError{JobType: jobType, JobID: id}
	}
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "Get", Err: err}
	}

	j.Data = json.RawMessage(data)
	j.Progress = rawJSON(progress)
	j.Result = rawJSON(result)
	j.Error = rawJSON(failure)
	j.CreatedAt = time.Unix(0, createdAt)
	if doneAt.Valid {
		t := time.Unix(0, doneAt.Int64)
		j.DoneAt = &t
	}
	return &j, nil
}

func (s *SQLiteBackend) UpdateProgress(ctx context.Context, jobType, id string, progress json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress = ? WHERE id = ? AND type = ?`,
		nullJSON(progress), id, jobType)
	if err != nil {
		return &errors.BackendOperationError{Operation: "UpdateProgress", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.JobNotFoundError{JobType: jobType, JobID: id}
	}
	return nil
}

func (s *SQLiteBackend) Finish(ctx context.Context, jobType, id string, result, failure json.RawMessage, doneAt time.Time) error {
	if (result == nil) == (failure == nil) {
		return &errors.BackendOperationError{
			Operation: "Finish",
			Err:       fmt.Errorf("exactly one of result and error must be set"),
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET result = ?, error = ?, done_at = ?
		WHERE id = ? AND type = ? AND done_at IS NULL`,
		nullJSON(result), nullJSON(failure), doneAt.UnixNano(), id, jobType)
	if err != nil {
		return &errors.BackendOperationError{Operation: "Finish", Err: err}
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ? AND type = ?`, id, jobType).Scan(&exists)
	if err == sql.ErrNoRows {
		return &errors.JobNotFoundError{JobType: jobType, JobID: id}
	}
	if err != nil {
		return &errors.BackendOperationError{Operation: "Finish", Err: err}
	}
	return errors.ErrJobAlreadyDone
}

func (s *SQLiteBackend) Delete(ctx context.Context, jobType, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND type = ?`, id, jobType); err != nil {
		return &errors.BackendOperationError{Operation: "Delete", Err: err}
	}
	return nil
}

func (s *SQLiteBackend) QueuePosition(ctx context.Context, jobType, id string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE type = ?1 AND done_at IS NULL
		  AND seq < (SELECT seq FROM jobs WHERE id = ?2 AND type = ?1)`,
		jobType, id).Scan(&pos)
	if err != nil {
		return 0, &errors.BackendOperationError{Operation: "QueuePosition", Err: err}
	}
	return pos, nil
}

func (s *SQLiteBackend) PurgeDone(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE done_at IS NOT NULL AND done_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, &errors.BackendOperationError{Operation: "PurgeDone", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return &errors.BackendOperationError{Operation: "Clear", Err: err}
	}
	return nil
}

func (s *SQLiteBackend) DiscoverTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM jobs ORDER BY type`)
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "DiscoverTypes", Err: err}
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, &errors.BackendOperationError{Operation: "DiscoverTypes", Err: err}
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *SQLiteBackend) QueueStats(ctx context.Context, jobType string) (*QueueStats, error) {
	stats := &QueueStats{Type: jobType}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN processing = 0 AND done_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing = 1 AND done_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN done_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE type = ?`, jobType).Scan(&stats.Pending, &stats.Processing, &stats.Done, &stats.Failed)
	if err != nil {
		return nil, &errors.BackendOperationError{Operation: "QueueStats", Err: err}
	}
	return stats, nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) IsHealthy() bool {
	return s.db.Ping() == nil
}

func nullJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}
