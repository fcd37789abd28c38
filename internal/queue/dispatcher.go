// Package queue accepts analysis submissions and feeds them to a worker
// pool. The database is the source of truth for job state; the in-process
// channel is only a wakeup signal, so delivery is at-least-once and every
// dequeue is paired with a claim check.
package queue

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/store"
)

// ErrQueueFull is returned when the submission cannot be enqueued. The job
// stays queued in the store and is picked up by the next requeue sweep.
var ErrQueueFull = eris.New("queue: at capacity")

// SubmitRequest is one analysis submission.
type SubmitRequest struct {
	Kind string `json:"kind" validate:"required,oneof=upload remote"`
	Path string `json:"path,omitempty" validate:"required_if=Kind upload,omitempty,filepath"`
	URL  string `json:"url,omitempty" validate:"required_if=Kind remote,omitempty,url"`
}

// ValidationError reports a rejected submission.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Field + " " + e.Reason
}

// Dispatcher validates submissions, persists them as queued jobs, and
// signals the worker pool.
type Dispatcher struct {
	store    store.Store
	jobs     chan string
	validate *validator.Validate
}

// NewDispatcher creates a dispatcher with the given queue depth.
func NewDispatcher(st store.Store, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		store:    st,
		jobs:     make(chan string, depth),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Jobs exposes the wakeup channel consumed by the worker pool.
func (d *Dispatcher) Jobs() <-chan string {
	return d.jobs
}

// Submit validates and persists a new job, then signals a worker. On a
// full channel the job is still durably queued and ErrQueueFull is
// returned so the caller can tell the client to expect a delay.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*model.AnalysisJob, error) {
	if err := d.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if eris.As(err, &verrs) && len(verrs) > 0 {
			return nil, &ValidationError{Field: verrs[0].Field(), Reason: verrs[0].Tag()}
		}
		return nil, eris.Wrap(err, "queue: validate submission")
	}

	source := model.Source{Kind: model.SourceKind(req.Kind)}
	switch source.Kind {
	case model.SourceUpload:
		source.Path = req.Path
	case model.SourceRemote:
		source.URL = req.URL
	}

	job, err := d.store.CreateJob(ctx, source)
	if err != nil {
		return nil, eris.Wrap(err, "queue: create job")
	}

	if err := d.enqueue(job.ID); err != nil {
		zap.L().Warn("queue: channel full, job waits for requeue sweep", zap.String("job_id", job.ID))
		return job, err
	}
	return job, nil
}

// enqueue signals a worker without blocking.
func (d *Dispatcher) enqueue(jobID string) error {
	select {
	case d.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}
