package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/adlens/adlens/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	stage      TEXT,
	progress   INTEGER NOT NULL DEFAULT 0,
	result     TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, source model.Source) (*model.AnalysisJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal source")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source, status, progress, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		id, string(sourceJSON), string(model.JobStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.AnalysisJob{
		ID:        id,
		Source:    source,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, stage = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusProcessing), string(model.StageAcquisition), time.Now().UTC(),
		jobID, string(model.JobStatusQueued),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, stage model.Stage, progress int) error {
	// Progress is monotonic; stale writes keep the larger value. Terminal
	// rows are never touched.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?,
		   progress = CASE WHEN progress > ? THEN progress ELSE ? END,
		   updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(stage), progress, progress, time.Now().UTC(),
		jobID, string(model.JobStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result *model.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, stage = ?, progress = 100, result = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.JobStatusCompleted), string(model.StageDone), string(resultJSON), time.Now().UTC(),
		jobID, string(model.JobStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, jobErr model.JobError) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job error")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = 100, error = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.JobStatusFailed), string(errJSON), time.Now().UTC(),
		jobID, string(model.JobStatusQueued), string(model.JobStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, status, stage, progress, result, error, created_at, updated_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error) {
	query := `SELECT id, source, status, stage, progress, result, error, created_at, updated_at
	          FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) FailStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	errJSON, err := json.Marshal(model.JobError{
		Kind:    "internal",
		Message: "job abandoned by a crashed worker",
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal stale error")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = 100, error = ?, updated_at = ?
		 WHERE status = ? AND updated_at <= ?`,
		string(model.JobStatusFailed), string(errJSON), time.Now().UTC(),
		string(model.JobStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stale processing")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", jobID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.AnalysisJob, error) {
	var j model.AnalysisJob
	var sourceJSON string
	var stage, resultJSON, errJSON sql.NullString

	err := row.Scan(&j.ID, &sourceJSON, &j.Status, &stage, &j.Progress, &resultJSON, &errJSON, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if err := json.Unmarshal([]byte(sourceJSON), &j.Source); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal source")
	}
	if stage.Valid {
		j.Stage = model.Stage(stage.String)
	}
	if resultJSON.Valid {
		j.Result = &model.AnalysisResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	if errJSON.Valid {
		j.Error = &model.JobError{}
		if err := json.Unmarshal([]byte(errJSON.String), j.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal error")
		}
	}
	return &j, nil
}
