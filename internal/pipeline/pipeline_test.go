package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/extractor"
	"github.com/adlens/adlens/internal/media"
	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/pkg/audio"
	"github.com/adlens/adlens/pkg/disclosure"
	"github.com/adlens/adlens/pkg/visual"
)

// recordingPublisher captures the exact payload sequence a run produces.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads []model.ProgressPayload
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, payload model.ProgressPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingPublisher) all() []model.ProgressPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ProgressPayload(nil), r.payloads...)
}

type pipelineFixture struct {
	store      *mockStore
	publisher  *recordingPublisher
	acquirer   *mockAcquirer
	visual     *mockVisualClient
	audio      *mockAudioClient
	disclosure *mockDisclosureClient
	pipeline   *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	cfg := &config.Config{
		Pipeline: testPipelineConfig(),
		Visual:   config.VisualConfig{SampleIntervalSecs: 1.0, MaxFrames: 60},
	}
	f := &pipelineFixture{
		store:      &mockStore{},
		publisher:  &recordingPublisher{},
		acquirer:   &mockAcquirer{},
		visual:     &mockVisualClient{},
		audio:      &mockAudioClient{},
		disclosure: &mockDisclosureClient{},
	}
	f.pipeline = New(cfg, f.store, f.publisher, f.acquirer, f.visual, f.audio, f.disclosure)
	return f
}

func testJob() *model.AnalysisJob {
	return &model.AnalysisJob{
		ID:     "job-1",
		Source: model.Source{Kind: model.SourceUpload, Path: "/tmp/video.mp4"},
		Status: model.JobStatusProcessing,
	}
}

func testHandle() *media.Handle {
	return &media.Handle{Path: "/tmp/video.mp4", DurationSeconds: 120}
}

func TestRun_HappyPath(t *testing.T) {
	f := newPipelineFixture(t)

	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Return(testHandle(), nil)
	f.visual.On("Detect", mock.Anything, mock.Anything).Return(&visual.DetectResponse{
		Detections: []visual.Detection{
			{Brand: "Nike", Confidence: 0.8, Timestamp: 5.0},
			{Brand: "NIKE", Confidence: 0.9, Timestamp: 5.3},
		},
	}, nil)
	f.audio.On("Transcribe", mock.Anything, mock.Anything).Return(&audio.TranscribeResponse{
		Transcript:  "use my discount code for ten percent off",
		KeywordHits: []audio.KeywordHit{{Keyword: "discount", Count: 5}},
	}, nil)
	f.disclosure.On("Detect", mock.Anything, mock.Anything).Return(&disclosure.DetectResponse{
		Markers: []disclosure.Marker{{Marker: "#ad", Confidence: 0.95}},
	}, nil)
	f.store.On("UpdateJobProgress", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("CompleteJob", mock.Anything, "job-1", mock.Anything).Return(nil)

	result, err := f.pipeline.Run(context.Background(), testJob())
	require.NoError(t, err)

	// 0.3*0.9 + 0.3*0.5 + 0.2*0.2 + 0.2*0.95
	assert.InDelta(t, 0.65, result.ConfidenceScore, 1e-9)
	assert.True(t, result.HasAdvertising)
	assert.Empty(t, result.DegradedSignals)

	require.Len(t, result.DetectedBrands, 1)
	assert.Equal(t, "Nike", result.DetectedBrands[0].Name)

	f.store.AssertCalled(t, "CompleteJob", mock.Anything, "job-1", mock.Anything)
	f.store.AssertNotCalled(t, "FailJob", mock.Anything, mock.Anything, mock.Anything)

	payloads := f.publisher.all()
	require.NotEmpty(t, payloads)
	last := payloads[len(payloads)-1]
	assert.Equal(t, model.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestRun_ExactlyOneTerminalPayload(t *testing.T) {
	f := newPipelineFixture(t)

	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Return(testHandle(), nil)
	f.visual.On("Detect", mock.Anything, mock.Anything).Return(&visual.DetectResponse{}, nil)
	f.audio.On("Transcribe", mock.Anything, mock.Anything).Return(&audio.TranscribeResponse{}, nil)
	f.disclosure.On("Detect", mock.Anything, mock.Anything).Return(&disclosure.DetectResponse{}, nil)
	f.store.On("UpdateJobProgress", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("CompleteJob", mock.Anything, "job-1", mock.Anything).Return(nil)

	_, err := f.pipeline.Run(context.Background(), testJob())
	require.NoError(t, err)

	terminal := 0
	for _, p := range f.publisher.all() {
		if p.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestRun_ProgressStagesOrdered(t *testing.T) {
	f := newPipelineFixture(t)

	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Return(testHandle(), nil)
	f.visual.On("Detect", mock.Anything, mock.Anything).Return(&visual.DetectResponse{}, nil)
	f.audio.On("Transcribe", mock.Anything, mock.Anything).Return(&audio.TranscribeResponse{}, nil)
	f.disclosure.On("Detect", mock.Anything, mock.Anything).Return(&disclosure.DetectResponse{}, nil)
	f.store.On("UpdateJobProgress", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("CompleteJob", mock.Anything, "job-1", mock.Anything).Return(nil)

	_, err := f.pipeline.Run(context.Background(), testJob())
	require.NoError(t, err)

	payloads := f.publisher.all()
	lastProgress := -1
	for _, p := range payloads {
		assert.GreaterOrEqual(t, p.Progress, lastProgress, "progress must never decrease")
		lastProgress = p.Progress
	}

	var stages []model.Stage
	for _, p := range payloads {
		stages = append(stages, p.Stage)
	}
	assert.Equal(t, []model.Stage{
		model.StageAcquisition,
		model.StageVisual,
		model.StageAudio,
		model.StageDisclosure,
		model.StageScoring,
		model.StageDone,
	}, stages)
}

func TestRun_AudioDegradationStillCompletes(t *testing.T) {
	f := newPipelineFixture(t)

	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Return(testHandle(), nil)
	f.visual.On("Detect", mock.Anything, mock.Anything).Return(&visual.DetectResponse{
		Detections: []visual.Detection{{Brand: "Nike", Confidence: 0.9, Timestamp: 5.0}},
	}, nil)
	f.audio.On("Transcribe", mock.Anything, mock.Anything).
		Return(nil, extractor.NewRecoverableError(eris.New("transcription service unavailable"), 503))
	f.disclosure.On("Detect", mock.Anything, mock.Anything).Return(&disclosure.DetectResponse{
		Markers: []disclosure.Marker{{Marker: "#ad", Confidence: 0.95}},
	}, nil)
	f.store.On("UpdateJobProgress", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("CompleteJob", mock.Anything, "job-1", mock.Anything).Return(nil)

	result, err := f.pipeline.Run(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"audio"}, result.DegradedSignals)
	assert.Zero(t, result.AudioScore)
	assert.Zero(t, result.KeywordScore)
	// 0.3*0.9 + 0.2*0.95 with audio and keyword zeroed, not renormalized.
	assert.InDelta(t, 0.46, result.ConfidenceScore, 1e-9)
	assert.False(t, result.HasAdvertising)

	f.store.AssertCalled(t, "CompleteJob", mock.Anything, "job-1", mock.Anything)
}

func TestRun_AcquisitionFailureIsFatal(t *testing.T) {
	f := newPipelineFixture(t)

	acqErr := &media.AcquisitionError{Reason: "remote fetch failed"}
	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Return(nil, acqErr)
	f.store.On("UpdateJobProgress", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("FailJob", mock.Anything, "job-1", mock.MatchedBy(func(e model.JobError) bool {
		return e.Kind == ErrKindAcquisition
	})).Return(nil)

	_, err := f.pipeline.Run(context.Background(), testJob())
	require.Error(t, err)

	f.store.AssertCalled(t, "FailJob", mock.Anything, "job-1", mock.Anything)
	f.store.AssertNotCalled(t, "CompleteJob", mock.Anything, mock.Anything, mock.Anything)
	f.visual.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything)

	payloads := f.publisher.all()
	require.NotEmpty(t, payloads)
	last := payloads[len(payloads)-1]
	assert.Equal(t, model.JobStatusFailed, last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestRun_NonRecoverableExtractorFailureIsFatal(t *testing.T) {
	f := newPipelineFixture(t)

	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Return(testHandle(), nil)
	f.visual.On("Detect", mock.Anything, mock.Anything).Return(nil, eris.New("malformed request"))
	f.audio.On("Transcribe", mock.Anything, mock.Anything).Return(&audio.TranscribeResponse{}, nil)
	f.store.On("UpdateJobProgress", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("FailJob", mock.Anything, "job-1", mock.Anything).Return(nil)

	_, err := f.pipeline.Run(context.Background(), testJob())
	require.Error(t, err)

	f.store.AssertCalled(t, "FailJob", mock.Anything, "job-1", mock.Anything)
	f.store.AssertNotCalled(t, "CompleteJob", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_CanceledBetweenStages(t *testing.T) {
	f := newPipelineFixture(t)

	ctx, cancel := context.WithCancel(context.Background())

	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(testHandle(), nil)
	f.store.On("UpdateJobProgress", mock.Anything, "job-1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("FailJob", mock.Anything, "job-1", mock.Anything).Return(nil)

	_, err := f.pipeline.Run(ctx, testJob())
	require.Error(t, err)

	// The stage after the cancellation point never runs.
	f.visual.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything)
	f.store.AssertCalled(t, "FailJob", mock.Anything, "job-1", mock.Anything)
}

func TestClassifyFatal_Kinds(t *testing.T) {
	acq := classifyFatal(&media.AcquisitionError{Reason: "no such file"})
	assert.Equal(t, ErrKindAcquisition, acq.Kind)

	inv := classifyFatal(&ScoringInvariantError{Reason: "weights"})
	assert.Equal(t, ErrKindScoringInvariant, inv.Kind)

	other := classifyFatal(eris.New("boom"))
	assert.Equal(t, ErrKindInternal, other.Kind)
}
