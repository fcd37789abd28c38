package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/adlens/adlens/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements lists queries to prepare on each new connection for
// the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_job":   `INSERT INTO jobs (id, source, status, progress, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $5)`,
	"claim_job":    `UPDATE jobs SET status = $1, stage = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
	"progress_job": `UPDATE jobs SET stage = $1, progress = GREATEST(progress, $2), updated_at = $3 WHERE id = $4 AND status = $5`,
	"get_job":      `SELECT id, source, status, stage, progress, result, error, created_at, updated_at FROM jobs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source     JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	stage      TEXT,
	progress   INTEGER NOT NULL DEFAULT 0,
	result     JSONB,
	error      JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, source model.Source) (*model.AnalysisJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal source")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, source, status, progress, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $5)`,
		id, string(sourceJSON), string(model.JobStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.AnalysisJob{
		ID:        id,
		Source:    source,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, stage = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(model.JobStatusProcessing), string(model.StageAcquisition), time.Now().UTC(),
		jobID, string(model.JobStatusQueued),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim job %s", jobID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, stage model.Stage, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET stage = $1, progress = GREATEST(progress, $2), updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(stage), progress, time.Now().UTC(),
		jobID, string(model.JobStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", jobID)
	}
	return checkTagAffected(tag, jobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, result *model.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, stage = $2, progress = 100, result = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		string(model.JobStatusCompleted), string(model.StageDone), string(resultJSON), time.Now().UTC(),
		jobID, string(model.JobStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	return checkTagAffected(tag, jobID)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, jobErr model.JobError) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job error")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, progress = 100, error = $2, updated_at = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		string(model.JobStatusFailed), string(errJSON), time.Now().UTC(),
		jobID, string(model.JobStatusQueued), string(model.JobStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	return checkTagAffected(tag, jobID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source, status, stage, progress, result, error, created_at, updated_at
		 FROM jobs WHERE id = $1`,
		jobID,
	)
	return scanPgJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error) {
	query := `SELECT id, source, status, stage, progress, result, error, created_at, updated_at
	          FROM jobs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.AnalysisJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) FailStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	errJSON, err := json.Marshal(model.JobError{
		Kind:    "internal",
		Message: "job abandoned by a crashed worker",
	})
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal stale error")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, progress = 100, error = $2, updated_at = $3
		 WHERE status = $4 AND updated_at <= $5`,
		string(model.JobStatusFailed), string(errJSON), time.Now().UTC(),
		string(model.JobStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stale processing")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}

func checkTagAffected(tag pgconn.CommandTag, jobID string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s", jobID)
	}
	return nil
}

func scanPgJob(row pgx.Row) (*model.AnalysisJob, error) {
	var j model.AnalysisJob
	var sourceJSON []byte
	var stage, resultJSON, errJSON *string

	err := row.Scan(&j.ID, &sourceJSON, &j.Status, &stage, &j.Progress, &resultJSON, &errJSON, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	if err := json.Unmarshal(sourceJSON, &j.Source); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal source")
	}
	if stage != nil {
		j.Stage = model.Stage(*stage)
	}
	if resultJSON != nil {
		j.Result = &model.AnalysisResult{}
		if err := json.Unmarshal([]byte(*resultJSON), j.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	if errJSON != nil {
		j.Error = &model.JobError{}
		if err := json.Unmarshal([]byte(*errJSON), j.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal error")
		}
	}
	return &j, nil
}
