package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/progress"
	"github.com/adlens/adlens/internal/queue"
	"github.com/adlens/adlens/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           0,
			SubmitPerMin:   6000,
			SubmitBurst:    100,
			AllowedOrigins: []string{"*"},
		},
		Stream: config.StreamConfig{
			HeartbeatSecs:      1,
			ConnectTimeoutSecs: 2,
			IdleTimeoutSecs:    3,
		},
	}
}

type gatewayFixture struct {
	cfg      *config.Config
	store    store.Store
	channel  progress.Channel
	dispatch *queue.Dispatcher
	srv      *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cfg := testConfig()
	ch := progress.NewMemory(time.Minute)
	t.Cleanup(func() { _ = ch.Close() })
	d := queue.NewDispatcher(st, 16)

	server := NewServer(cfg, st, d, ch)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &gatewayFixture{cfg: cfg, store: st, channel: ch, dispatch: d, srv: srv}
}

// processingJob creates a job and claims it so it streams.
func (f *gatewayFixture) processingJob(t *testing.T) *model.AnalysisJob {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), model.Source{Kind: model.SourceUpload, Path: "/tmp/v.mp4"})
	require.NoError(t, err)
	claimed, err := f.store.ClaimJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	job.Status = model.JobStatusProcessing
	return job
}

func TestSubmit_Accepted(t *testing.T) {
	f := newGatewayFixture(t)

	body, _ := json.Marshal(map[string]string{"kind": "upload", "path": "/tmp/video.mp4"})
	resp, err := http.Post(f.srv.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job model.AnalysisJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	// The wakeup signal reached the dispatcher channel.
	select {
	case id := <-f.dispatch.Jobs():
		assert.Equal(t, job.ID, id)
	default:
		t.Fatal("expected job signal")
	}
}

func TestSubmit_MalformedBody(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Post(f.srv.URL+"/api/jobs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_ValidationFailure(t *testing.T) {
	f := newGatewayFixture(t)

	body, _ := json.Marshal(map[string]string{"kind": "remote"})
	resp, err := http.Post(f.srv.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out["error"], "invalid submission")
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newGatewayFixture(t)

	st := f.store
	cfg := testConfig()
	cfg.Server.SubmitPerMin = 60
	cfg.Server.SubmitBurst = 1
	srv := httptest.NewServer(NewServer(cfg, st, f.dispatch, f.channel).Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"kind": "upload", "path": "/tmp/video.mp4"})

	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGetJob_OK(t *testing.T) {
	f := newGatewayFixture(t)
	job := f.processingJob(t)

	resp, err := http.Get(f.srv.URL + "/api/jobs/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.AnalysisJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestGetJob_NotFound(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs_StatusFilter(t *testing.T) {
	f := newGatewayFixture(t)
	f.processingJob(t)
	_, err := f.store.CreateJob(context.Background(), model.Source{Kind: model.SourceUpload, Path: "/tmp/q.mp4"})
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/api/jobs?status=queued")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Jobs  []model.AnalysisJob `json:"jobs"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Count)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, model.JobStatusQueued, out.Jobs[0].Status)
}

func TestListJobs_BadLimit(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/jobs?limit=banana")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
