package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/adlens/adlens/internal/model"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = eris.New("job not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for analysis jobs. Job rows are
// single-writer (the owning worker) and multi-reader; terminal jobs are
// never mutated again.
type Store interface {
	// CreateJob persists a new job in the queued status and returns it.
	CreateJob(ctx context.Context, source model.Source) (*model.AnalysisJob, error)

	// ClaimJob transitions a job from queued to processing. It returns
	// false when the job was already claimed or is not queued, which makes
	// at-least-once queue delivery safe.
	ClaimJob(ctx context.Context, jobID string) (bool, error)

	// UpdateJobProgress records the current stage and progress of a
	// processing job. Progress never decreases.
	UpdateJobProgress(ctx context.Context, jobID string, stage model.Stage, progress int) error

	// CompleteJob writes the final result and moves the job to completed.
	CompleteJob(ctx context.Context, jobID string, result *model.AnalysisResult) error

	// FailJob moves the job to failed with a structured error.
	FailJob(ctx context.Context, jobID string, jobErr model.JobError) error

	GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error)

	// FailStaleProcessing fails processing jobs whose last update is older
	// than the given age. Used on startup so no job stays processing forever
	// after a worker crash.
	FailStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
