package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/adlens/adlens/internal/media"
	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/store"
	"github.com/adlens/adlens/pkg/audio"
	"github.com/adlens/adlens/pkg/disclosure"
	"github.com/adlens/adlens/pkg/visual"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateJob(ctx context.Context, source model.Source) (*model.AnalysisJob, error) {
	args := m.Called(ctx, source)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisJob), args.Error(1)
}

func (m *mockStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) UpdateJobProgress(ctx context.Context, jobID string, stage model.Stage, progress int) error {
	args := m.Called(ctx, jobID, stage, progress)
	return args.Error(0)
}

func (m *mockStore) CompleteJob(ctx context.Context, jobID string, result *model.AnalysisResult) error {
	args := m.Called(ctx, jobID, result)
	return args.Error(0)
}

func (m *mockStore) FailJob(ctx context.Context, jobID string, jobErr model.JobError) error {
	args := m.Called(ctx, jobID, jobErr)
	return args.Error(0)
}

func (m *mockStore) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisJob), args.Error(1)
}

func (m *mockStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.AnalysisJob, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AnalysisJob), args.Error(1)
}

func (m *mockStore) FailStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Progress Publisher Mock ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, jobID string, payload model.ProgressPayload) error {
	args := m.Called(ctx, jobID, payload)
	return args.Error(0)
}

// --- Media Acquirer Mock ---

type mockAcquirer struct {
	mock.Mock
}

func (m *mockAcquirer) Acquire(ctx context.Context, source model.Source) (*media.Handle, error) {
	args := m.Called(ctx, source)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Handle), args.Error(1)
}

// --- Visual Client Mock ---

type mockVisualClient struct {
	mock.Mock
}

func (m *mockVisualClient) Detect(ctx context.Context, req visual.DetectRequest) (*visual.DetectResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*visual.DetectResponse), args.Error(1)
}

// --- Audio Client Mock ---

type mockAudioClient struct {
	mock.Mock
}

func (m *mockAudioClient) Transcribe(ctx context.Context, req audio.TranscribeRequest) (*audio.TranscribeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*audio.TranscribeResponse), args.Error(1)
}

// --- Disclosure Client Mock ---

type mockDisclosureClient struct {
	mock.Mock
}

func (m *mockDisclosureClient) Detect(ctx context.Context, req disclosure.DetectRequest) (*disclosure.DetectResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*disclosure.DetectResponse), args.Error(1)
}
