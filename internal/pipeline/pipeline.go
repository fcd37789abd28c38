// Package pipeline drives an analysis job through its stages exactly once:
// acquisition, the three signal extractors, and scoring. Extractor
// failures degrade their signal to zero; acquisition and scoring failures
// are fatal. Every run ends in a terminal job status.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/extractor"
	"github.com/adlens/adlens/internal/media"
	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/progress"
	"github.com/adlens/adlens/internal/store"
	"github.com/adlens/adlens/pkg/audio"
	"github.com/adlens/adlens/pkg/disclosure"
	"github.com/adlens/adlens/pkg/visual"
)

// Signal names recorded in AnalysisResult.DegradedSignals.
const (
	SignalVisual     = "visual"
	SignalAudio      = "audio"
	SignalDisclosure = "disclosure"
)

// Pipeline orchestrates the analysis stages for one job at a time.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	progress   progress.Publisher
	media      media.Acquirer
	visual     visual.Client
	audio      audio.Client
	disclosure disclosure.Client
	agg        *Aggregator
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	pub progress.Publisher,
	acquirer media.Acquirer,
	visualClient visual.Client,
	audioClient audio.Client,
	disclosureClient disclosure.Client,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		progress:   pub,
		media:      acquirer,
		visual:     visualClient,
		audio:      audioClient,
		disclosure: disclosureClient,
		agg:        NewAggregator(cfg.Pipeline),
	}
}

// Run executes the full analysis for a job already claimed into the
// processing status. It guarantees a terminal status: on any fatal error
// the job is failed with a structured error and one final progress tuple
// before the error is returned.
func (p *Pipeline) Run(ctx context.Context, job *model.AnalysisJob) (*model.AnalysisResult, error) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("source_kind", string(job.Source.Kind)))
	log.Info("pipeline: starting analysis")

	// Progress updates are best-effort: a failed write must not abort the
	// stage that produced it.
	publish := func(stage model.Stage, pct int, msg string) {
		if err := p.store.UpdateJobProgress(ctx, job.ID, stage, pct); err != nil {
			log.Warn("pipeline: failed to persist progress", zap.Error(err))
		}
		payload := model.ProgressPayload{
			Status:   model.JobStatusProcessing,
			Stage:    stage,
			Progress: pct,
			Message:  msg,
		}
		if err := p.progress.Publish(ctx, job.ID, payload); err != nil {
			log.Warn("pipeline: failed to publish progress", zap.Error(err))
		}
	}

	// fail writes the terminal failed state and its single final tuple.
	// Terminal writes use a detached context so cancellation cannot leave
	// the job processing forever.
	fail := func(err error) error {
		ctx := context.WithoutCancel(ctx)
		jobErr := classifyFatal(err)
		if ferr := p.store.FailJob(ctx, job.ID, jobErr); ferr != nil {
			log.Error("pipeline: failed to persist failure", zap.Error(ferr))
		}
		payload := model.ProgressPayload{
			Status:   model.JobStatusFailed,
			Stage:    job.Stage,
			Progress: 100,
			Message:  jobErr.Message,
		}
		if perr := p.progress.Publish(ctx, job.ID, payload); perr != nil {
			log.Warn("pipeline: failed to publish terminal tuple", zap.Error(perr))
		}
		log.Error("pipeline: job failed", zap.String("kind", jobErr.Kind), zap.Error(err))
		return err
	}

	checkpoint := func(stage model.Stage) error {
		// Stage boundaries are the only cancellation points: a stage that
		// has started always runs to completion.
		if err := ctx.Err(); err != nil {
			return fail(eris.Wrapf(err, "pipeline: canceled before %s stage", stage))
		}
		return nil
	}

	// ===== Stage: acquisition =====
	job.Stage = model.StageAcquisition
	publish(model.StageAcquisition, 0, "resolving media")

	handle, err := p.media.Acquire(ctx, job.Source)
	if err != nil {
		return nil, fail(err)
	}
	defer media.Cleanup(handle)

	result := &model.AnalysisResult{DurationSeconds: handle.DurationSeconds}

	degrade := func(signal string, err error) {
		result.DegradedSignals = append(result.DegradedSignals, signal)
		log.Warn("pipeline: signal degraded",
			zap.String("signal", signal),
			zap.Error(err),
		)
	}

	if err := checkpoint(model.StageVisual); err != nil {
		return nil, err
	}

	// ===== Stages: visual + audio =====
	var detections []visual.Detection
	var transcript string
	var keywordHits []audio.KeywordHit
	var visualErr, audioErr error

	runVisual := func(stageCtx context.Context) {
		resp, err := p.visual.Detect(stageCtx, visual.DetectRequest{
			MediaPath:          handle.Path,
			SampleIntervalSecs: p.cfg.Visual.SampleIntervalSecs,
			MaxFrames:          p.cfg.Visual.MaxFrames,
		})
		if err != nil {
			visualErr = err
			return
		}
		detections = resp.Detections
	}

	runAudio := func(stageCtx context.Context) {
		resp, err := p.audio.Transcribe(stageCtx, audio.TranscribeRequest{MediaPath: handle.Path})
		if err != nil {
			audioErr = err
			return
		}
		transcript = resp.Transcript
		keywordHits = resp.KeywordHits
	}

	if p.cfg.Pipeline.ParallelExtractors {
		job.Stage = model.StageVisual
		publish(model.StageVisual, p.cfg.Pipeline.AcquisitionPct, "matching brands and transcribing speech")
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { runVisual(gctx); return nil })
		g.Go(func() error { runAudio(gctx); return nil })
		_ = g.Wait()
		job.Stage = model.StageAudio
		publish(model.StageAudio, p.cfg.Pipeline.VisualPct, "scoring speech")
	} else {
		job.Stage = model.StageVisual
		publish(model.StageVisual, p.cfg.Pipeline.AcquisitionPct, "matching brands in sampled frames")
		runVisual(ctx)

		job.Stage = model.StageAudio
		publish(model.StageAudio, p.cfg.Pipeline.VisualPct, "transcribing speech")
		runAudio(ctx)
	}

	if visualErr != nil {
		if !extractor.IsRecoverable(visualErr) {
			return nil, fail(eris.Wrap(visualErr, "pipeline: visual extractor"))
		}
		degrade(SignalVisual, visualErr)
		detections = nil
	}
	if audioErr != nil {
		if !extractor.IsRecoverable(audioErr) {
			return nil, fail(eris.Wrap(audioErr, "pipeline: audio extractor"))
		}
		degrade(SignalAudio, audioErr)
		transcript = ""
		keywordHits = nil
	}

	if err := checkpoint(model.StageDisclosure); err != nil {
		return nil, err
	}

	// ===== Stage: disclosure =====
	job.Stage = model.StageDisclosure
	publish(model.StageDisclosure, p.cfg.Pipeline.AudioPct, "detecting disclosure markers")

	var markers []disclosure.Marker
	discResp, discErr := p.disclosure.Detect(ctx, disclosure.DetectRequest{Transcript: transcript})
	if discErr != nil {
		if !extractor.IsRecoverable(discErr) {
			return nil, fail(eris.Wrap(discErr, "pipeline: disclosure extractor"))
		}
		degrade(SignalDisclosure, discErr)
	} else {
		markers = discResp.Markers
	}

	if err := checkpoint(model.StageScoring); err != nil {
		return nil, err
	}

	// ===== Stage: scoring =====
	job.Stage = model.StageScoring
	publish(model.StageScoring, p.cfg.Pipeline.DisclosurePct, "aggregating signals")

	result.VisualScore = p.agg.VisualScore(detections)
	result.AudioScore = p.agg.AudioScore(keywordHits)
	result.KeywordScore = p.agg.KeywordScore(keywordHits)
	result.DisclosureScore = p.agg.DisclosureScore(markers)

	confidence, hasAdvertising, err := p.agg.Score(result.VisualScore, result.AudioScore, result.KeywordScore, result.DisclosureScore)
	if err != nil {
		return nil, fail(err)
	}
	result.ConfidenceScore = confidence
	result.HasAdvertising = hasAdvertising
	result.DetectedBrands = p.agg.MergeBrands(detections)
	result.Transcript = transcript
	for _, h := range keywordHits {
		result.Keywords = append(result.Keywords, model.KeywordHit{Keyword: h.Keyword, Count: h.Count})
	}
	for _, m := range markers {
		result.DisclosureMarkers = append(result.DisclosureMarkers, model.DisclosureMarker{
			Marker:     m.Marker,
			Confidence: m.Confidence,
			Excerpt:    m.Excerpt,
		})
	}

	// ===== Terminal: durable write, then the single completion tuple =====
	if err := p.store.CompleteJob(ctx, job.ID, result); err != nil {
		return nil, fail(eris.Wrap(err, "pipeline: persist result"))
	}

	job.Stage = model.StageDone
	terminal := model.ProgressPayload{
		Status:   model.JobStatusCompleted,
		Stage:    model.StageDone,
		Progress: 100,
		Message:  fmt.Sprintf("analysis complete: confidence %.2f", confidence),
	}
	if err := p.progress.Publish(ctx, job.ID, terminal); err != nil {
		log.Warn("pipeline: failed to publish terminal tuple", zap.Error(err))
	}

	log.Info("pipeline: analysis complete",
		zap.Float64("confidence", confidence),
		zap.Bool("has_advertising", hasAdvertising),
		zap.Int("brands", len(result.DetectedBrands)),
		zap.Strings("degraded", result.DegradedSignals),
	)
	return result, nil
}
