package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regent/internal/master/api"
	"regent/internal/master/coordinator"
	"regent/internal/master/runner"
	"regent/pkg/artifact"
	"regent/pkg/backoff"
	"regent/pkg/election"
	"regent/pkg/model"
	"regent/pkg/store"
)

type staticLeadership struct {
	gw  coordinator.Gateway
	err error
}

func (s staticLeadership) GetCurrentGateway(context.Context) (coordinator.Gateway, error) {
	return s.gw, s.err
}

func (s staticLeadership) State() runner.State { return runner.StateLeaderActive }

type env struct {
	client    *Client
	executor  *coordinator.TestingExecutor
	artifacts *artifact.FileStore
	cluster   *store.MemoryClusterStore
}

func newEnv(t *testing.T) *env {
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
	srv, err := api.NewServer(api.Options{
		Leadership: staticLeadership{gw: coord.Gateway()},
		Artifacts:  files,
		Cluster:    cluster,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{client: New(ts.URL, ts.Client()), executor: exec, artifacts: files, cluster: cluster}
}

func writeJobFile(t *testing.T, content string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644))
	}
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSubmitJobFileWithArtifacts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	path := writeJobFile(t, `
id: build-1
name: build
plan:
  type: SHELL
  command: ["sh", "/artifacts/run.sh"]
  res_req:
    milli_cpu: 500
    memory: 1048576
artifacts:
  - run.sh
`, map[string]string{"run.sh": "echo hi"})

	jf, err := LoadJobFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(500), jf.Plan.ResReq.MilliCPU)

	id, err := e.client.SubmitJobFile(ctx, jf)
	require.NoError(t, err)
	assert.Equal(t, "build-1", id)

	keys, err := e.artifacts.List(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, []string{artifact.NewKey("build-1", []byte("echo hi"))}, keys)

	jobs, err := e.client.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "build", jobs[0].Name)

	_, err = e.client.Result(ctx, id, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrResultPending)

	require.Eventually(t, func() bool {
		return e.executor.Finish(id, model.JobFinished, "")
	}, 5*time.Second, 5*time.Millisecond)

	res, err := e.client.Result(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.JobFinished, res.State)
}

func TestCancelAndErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.client.Submit(ctx, &model.JobDescriptor{
		Plan: model.ExecutionPlan{Type: model.JobTypeShell, Command: []string{"sleep", "60"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, e.client.Cancel(ctx, id))
	res, err := e.client.Result(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, res.State)

	err = e.client.Cancel(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.False(t, IsNotLeader(err))
}

func TestLogs(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.cluster.SaveJobLog(context.Background(), "job-1", "line 1\nline 2\n", time.Minute))

	logs, err := e.client.Logs(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", logs)
}

func TestNotLeader(t *testing.T) {
	files, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	srv, err := api.NewServer(api.Options{
		Leadership: staticLeadership{err: runner.ErrNotLeader},
		Artifacts:  files,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, err = New(ts.URL, ts.Client()).List(context.Background())
	assert.True(t, IsNotLeader(err))
}

func TestLoadJobFileValidation(t *testing.T) {
	path := writeJobFile(t, "name: empty\n", nil)
	_, err := LoadJobFile(path)
	assert.ErrorContains(t, err, "need a command")

	path = writeJobFile(t, "name: [unterminated\n", nil)
	_, err = LoadJobFile(path)
	assert.Error(t, err)

	path = writeJobFile(t, "plan:\n  type: DOCKER\n  image: alpine\n", nil)
	jf, err := LoadJobFile(path)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeDocker, jf.Plan.Type)
}

func TestNewAddsScheme(t *testing.T) {
	assert.Equal(t, "http://master:8080", New("master:8080/", nil).base)
	assert.Equal(t, "https://master", New("https://master", nil).base)
}
