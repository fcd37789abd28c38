package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/progress"
	"github.com/adlens/adlens/internal/store"
)

// requeueInterval is how often the pool sweeps the store for queued jobs
// whose wakeup signal was lost (full channel, process restart).
const requeueInterval = 30 * time.Second

// Runner executes the analysis for one claimed job.
type Runner interface {
	Run(ctx context.Context, job *model.AnalysisJob) (*model.AnalysisResult, error)
}

// Pool runs a fixed set of workers over the dispatcher's channel.
type Pool struct {
	cfg        config.QueueConfig
	store      store.Store
	runner     Runner
	progress   progress.Publisher
	dispatcher *Dispatcher
}

// NewPool creates a worker pool.
func NewPool(cfg config.QueueConfig, st store.Store, runner Runner, pub progress.Publisher, d *Dispatcher) *Pool {
	return &Pool{
		cfg:        cfg,
		store:      st,
		runner:     runner,
		progress:   pub,
		dispatcher: d,
	}
}

// Start recovers interrupted work, then runs the workers until the context
// is canceled. It blocks for the lifetime of the pool.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.recover(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gctx, worker)
		})
	}
	g.Go(func() error {
		return p.sweep(gctx)
	})
	return g.Wait()
}

// recover handles jobs left over from a previous process: stale processing
// jobs are failed, queued jobs are re-signaled.
func (p *Pool) recover(ctx context.Context) error {
	stale := time.Duration(p.cfg.StaleProcessMins) * time.Minute
	failed, err := p.store.FailStaleProcessing(ctx, stale)
	if err != nil {
		return eris.Wrap(err, "queue: fail stale jobs")
	}
	if failed > 0 {
		zap.L().Warn("queue: failed stale processing jobs from previous run", zap.Int("count", failed))
	}
	return p.requeue(ctx)
}

// requeue re-signals every queued job in the store.
func (p *Pool) requeue(ctx context.Context) error {
	jobs, err := p.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusQueued})
	if err != nil {
		return eris.Wrap(err, "queue: list queued jobs")
	}
	for _, job := range jobs {
		if err := p.dispatcher.enqueue(job.ID); err != nil {
			// Channel full again; the next sweep retries.
			return nil
		}
	}
	if len(jobs) > 0 {
		zap.L().Info("queue: re-signaled queued jobs", zap.Int("count", len(jobs)))
	}
	return nil
}

func (p *Pool) sweep(ctx context.Context) error {
	ticker := time.NewTicker(requeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.requeue(ctx); err != nil {
				zap.L().Warn("queue: requeue sweep failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := zap.L().With(zap.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case jobID := <-p.dispatcher.Jobs():
			p.process(ctx, log, jobID)
		}
	}
}

// process claims and runs one job. The claim check makes duplicate wakeup
// signals harmless.
func (p *Pool) process(ctx context.Context, log *zap.Logger, jobID string) {
	claimed, err := p.store.ClaimJob(ctx, jobID)
	if err != nil {
		log.Error("queue: claim failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !claimed {
		log.Debug("queue: job already claimed", zap.String("job_id", jobID))
		return
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("queue: load claimed job", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	// A panic inside the pipeline must not take the worker down or leave
	// the job processing forever.
	defer func() {
		if r := recover(); r != nil {
			ctx := context.WithoutCancel(ctx)
			jobErr := model.JobError{Kind: "internal", Message: fmt.Sprintf("panic: %v", r)}
			if ferr := p.store.FailJob(ctx, jobID, jobErr); ferr != nil {
				log.Error("queue: fail panicked job", zap.String("job_id", jobID), zap.Error(ferr))
			}
			payload := model.ProgressPayload{
				Status:   model.JobStatusFailed,
				Stage:    job.Stage,
				Progress: 100,
				Message:  jobErr.Message,
			}
			if perr := p.progress.Publish(ctx, jobID, payload); perr != nil {
				log.Warn("queue: publish panic terminal", zap.Error(perr))
			}
			log.Error("queue: worker recovered from panic", zap.String("job_id", jobID), zap.Any("panic", r))
		}
	}()

	if _, err := p.runner.Run(ctx, job); err != nil {
		// The runner already recorded the terminal failure.
		log.Warn("queue: job did not complete", zap.String("job_id", jobID), zap.Error(err))
	}
}
