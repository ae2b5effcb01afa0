package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regent/internal/master/coordinator"
	"regent/internal/master/runner"
	"regent/pkg/artifact"
	"regent/pkg/backoff"
	"regent/pkg/election"
	"regent/pkg/model"
	"regent/pkg/store"
)

// fakeLeadership 固定返回一个网关或错误；block 为真时模拟还没有领导者
type fakeLeadership struct {
	gw    coordinator.Gateway
	err   error
	block bool
	state runner.State
}

func (f *fakeLeadership) GetCurrentGateway(ctx context.Context) (coordinator.Gateway, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.gw, f.err
}

func (f *fakeLeadership) State() runner.State { return f.state }

type fixture struct {
	server    *Server
	executor  *coordinator.TestingExecutor
	artifacts *artifact.FileStore
	cluster   *store.MemoryClusterStore
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	files, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	exec := coordinator.NewTestingExecutor()

	svc := election.NewTestingService()
	epoch, _ := svc.GrantLeadership()
	reg, err := store.NewMemoryRegistryFactory(store.NewMemoryBackend(), svc).Create(context.Background(), epoch)
	require.NoError(t, err)
	coord, err := coordinator.New(epoch, coordinator.Services{
		Registry:  reg,
		Artifacts: files,
		Executor:  exec,
		Backoff:   backoff.NewConstant(5 * time.Millisecond),
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	cluster := store.NewMemoryClusterStore()
	opts := Options{
		Leadership: &fakeLeadership{gw: coord.Gateway(), state: runner.StateLeaderActive},
		Artifacts:  files,
		Cluster:    cluster,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	return &fixture{server: srv, executor: exec, artifacts: files, cluster: cluster}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(t *testing.T, desc model.JobDescriptor) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(desc)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, "/v1/jobs", body)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func shellJob(id string) model.JobDescriptor {
	return model.JobDescriptor{
		ID:   id,
		Name: "job " + id,
		Plan: model.ExecutionPlan{Type: model.JobTypeShell, Command: []string{"echo", id}},
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "LEADER_ACTIVE", resp.Role)

	f = newFixture(t, func(o *Options) {
		o.Leadership = &fakeLeadership{err: runner.ErrRunnerClosed, state: runner.StateTerminated}
	})
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestSubmitUploadAndResult(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/artifacts/job-1", []byte("payload"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var up UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&up))
	assert.Equal(t, artifact.NewKey("job-1", []byte("payload")), up.Key)

	desc := shellJob("job-1")
	desc.ArtifactKeys = []string{up.Key}
	rec = f.submit(t, desc)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sub SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
	assert.Equal(t, "job-1", sub.ID)

	require.Eventually(t, func() bool {
		return f.executor.Finish("job-1", model.JobFinished, "")
	}, 5*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/v1/jobs/job-1/result?timeout=5s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res model.JobResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, model.JobFinished, res.State)

	// 清理完成后制品被删除
	require.Eventually(t, func() bool {
		keys, err := f.artifacts.List(context.Background(), "")
		return err == nil && len(keys) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitGeneratesID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.submit(t, shellJob(""))
	require.Equal(t, http.StatusCreated, rec.Code)

	var sub SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
	assert.NotEmpty(t, sub.ID)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.submit(t, shellJob("job-1")).Code)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{"id":`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", `{"id":"x","bogus":1}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"invalid id", `{"id":"a/b"}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"duplicate", `{"id":"job-1"}`, http.StatusConflict, "ALREADY_EXISTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/jobs", []byte(tt.body))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestNotLeaderReturnsUnavailable(t *testing.T) {
	tests := []struct {
		name       string
		leadership *fakeLeadership
	}{
		{"not leader", &fakeLeadership{err: runner.ErrNotLeader, state: runner.StateLeaderStopping}},
		{"no leader yet", &fakeLeadership{block: true, state: runner.StateIdle}},
		{"closed", &fakeLeadership{err: runner.ErrRunnerClosed, state: runner.StateTerminated}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) {
				o.Leadership = tt.leadership
				o.LeaderWait = 20 * time.Millisecond
			})
			rec := f.submit(t, shellJob("job-1"))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/v1/jobs", nil).Code)
			assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/v1/artifacts/job-1", []byte("x")).Code)
		})
	}
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.submit(t, shellJob("job-1")).Code)

	rec := f.do(t, http.MethodDelete, "/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs/job-1/result?timeout=5s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res model.JobResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, model.JobCanceled, res.State)

	rec = f.do(t, http.MethodDelete, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultTimeoutReturnsPending(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated, f.submit(t, shellJob("job-1")).Code)

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1/result?timeout=20ms", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "PENDING", decodeError(t, rec).Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs/job-1/result?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs/missing/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"job-1", "job-2"} {
		require.Equal(t, http.StatusCreated, f.submit(t, shellJob(id)).Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []model.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[1].ID)
}

func TestSubmitRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.SubmitRate = 0.001
		o.SubmitBurst = 1
	})
	require.Equal(t, http.StatusCreated, f.submit(t, shellJob("job-1")).Code)

	rec := f.submit(t, shellJob("job-2"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RESOURCE_EXHAUSTED", decodeError(t, rec).Code)
}

func TestArtifactUploadLimits(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxArtifactBytes = 4 })

	rec := f.do(t, http.MethodPost, "/v1/artifacts/job-1", []byte("too large"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/artifacts/bad..id", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobLogs(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.cluster.SaveJobLog(context.Background(), "job-1", "hello\n", time.Minute))

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = f.do(t, http.MethodGet, "/v1/jobs/missing/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)

	rec = f.do(t, http.MethodPut, "/v1/jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
