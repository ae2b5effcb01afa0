package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"regent/internal/worker/executor"
	"regent/pkg/artifact"
	"regent/pkg/model"
	"regent/pkg/store"
)

// funcExecutor 用函数替代 Docker
type funcExecutor struct {
	mu    sync.Mutex
	specs []executor.RunSpec
	run   func(ctx context.Context, spec executor.RunSpec) (executor.Result, error)
}

func (e *funcExecutor) Run(ctx context.Context, spec executor.RunSpec) (executor.Result, error) {
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	e.mu.Unlock()
	return e.run(ctx, spec)
}

type agentFixture struct {
	store     *store.MemoryClusterStore
	artifacts *artifact.FileStore
	agent     *Agent
	cancel    context.CancelFunc
	done      chan error
}

func startAgent(t *testing.T, exec executor.Executor) *agentFixture {
	t.Helper()
	files, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cs := store.NewMemoryClusterStore()

	agent, err := NewAgent(Config{
		ID:                "node-1",
		Capacity:          model.Resource{MilliCPU: 2000, Memory: 2 << 30},
		HeartbeatInterval: 20 * time.Millisecond,
		WorkDir:           t.TempDir(),
	}, cs, files, exec, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &agentFixture{store: cs, artifacts: files, agent: agent, cancel: cancel, done: make(chan error, 1)}
	go func() { f.done <- agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})

	require.Eventually(t, func() bool {
		nodes, _ := cs.ListNodes(context.Background())
		return len(nodes) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return f
}

func (f *agentFixture) bind(t *testing.T, a *model.Assignment) {
	t.Helper()
	a.NodeID = f.agent.ID()
	a.State = model.JobPending
	require.NoError(t, f.store.BindAssignment(context.Background(), a))
}

func (f *agentFixture) waitState(t *testing.T, jobID string, want model.JobState) *model.Assignment {
	t.Helper()
	var got *model.Assignment
	require.Eventually(t, func() bool {
		a, err := f.store.GetAssignment(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = a
		return a.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestAgentRegistersNode(t *testing.T) {
	f := startAgent(t, &funcExecutor{})
	nodes, err := f.store.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-1", nodes[0].ID)
	assert.Equal(t, model.NodeReady, nodes[0].Status)
	assert.Equal(t, int64(2000), nodes[0].TotalCap.MilliCPU)
}

func TestAgentRunsJobWithArtifacts(t *testing.T) {
	exec := &funcExecutor{run: func(_ context.Context, spec executor.RunSpec) (executor.Result, error) {
		entries, err := os.ReadDir(spec.ArtifactDir)
		if err != nil {
			return executor.Result{}, err
		}
		data, err := os.ReadFile(filepath.Join(spec.ArtifactDir, entries[0].Name()))
		if err != nil {
			return executor.Result{}, err
		}
		return executor.Result{Output: "read " + string(data)}, nil
	}}
	f := startAgent(t, exec)

	key, err := f.artifacts.Put(context.Background(), "job-1", []byte("payload"))
	require.NoError(t, err)
	f.bind(t, &model.Assignment{JobID: "job-1", ArtifactKeys: []string{key}})

	a := f.waitState(t, "job-1", model.JobFinished)
	assert.Zero(t, a.ExitCode)
	assert.Empty(t, a.Error)

	logs, err := f.store.GetJobLog(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "read payload", logs)
}

func TestAgentReportsNonZeroExit(t *testing.T) {
	f := startAgent(t, &funcExecutor{run: func(context.Context, executor.RunSpec) (executor.Result, error) {
		return executor.Result{ExitCode: 3, Output: "boom"}, nil
	}})
	f.bind(t, &model.Assignment{JobID: "job-1"})

	a := f.waitState(t, "job-1", model.JobFailed)
	assert.Equal(t, 3, a.ExitCode)
	assert.Equal(t, "exit code 3", a.Error)
}

func TestAgentReportsExecutorError(t *testing.T) {
	f := startAgent(t, &funcExecutor{run: func(context.Context, executor.RunSpec) (executor.Result, error) {
		return executor.Result{}, errors.New("image not found")
	}})
	f.bind(t, &model.Assignment{JobID: "job-1"})

	a := f.waitState(t, "job-1", model.JobFailed)
	assert.Equal(t, "image not found", a.Error)
}

func TestAgentCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	f := startAgent(t, &funcExecutor{run: func(ctx context.Context, _ executor.RunSpec) (executor.Result, error) {
		close(started)
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	}})
	f.bind(t, &model.Assignment{JobID: "job-1"})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job not started")
	}
	f.waitState(t, "job-1", model.JobRunning)
	_, err := store.ModifyAssignment(context.Background(), f.store, "job-1", func(a *model.Assignment) bool {
		a.CancelRequested = true
		return true
	})
	require.NoError(t, err)

	f.waitState(t, "job-1", model.JobCanceled)
}

func TestAgentCancelsPendingJobWithoutRunning(t *testing.T) {
	exec := &funcExecutor{run: func(context.Context, executor.RunSpec) (executor.Result, error) {
		return executor.Result{}, nil
	}}
	f := startAgent(t, exec)
	f.bind(t, &model.Assignment{JobID: "job-1", CancelRequested: true})

	f.waitState(t, "job-1", model.JobCanceled)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Empty(t, exec.specs)
}

func TestAgentFailsOrphanedRunningAssignment(t *testing.T) {
	f := startAgent(t, &funcExecutor{})
	require.NoError(t, f.store.BindAssignment(context.Background(), &model.Assignment{
		JobID:  "job-1",
		NodeID: "node-1",
		State:  model.JobRunning,
	}))

	a := f.waitState(t, "job-1", model.JobFailed)
	assert.Contains(t, a.Error, "worker restarted")
}

func TestAgentIgnoresOtherNodes(t *testing.T) {
	exec := &funcExecutor{run: func(context.Context, executor.RunSpec) (executor.Result, error) {
		return executor.Result{}, nil
	}}
	f := startAgent(t, exec)
	require.NoError(t, f.store.BindAssignment(context.Background(), &model.Assignment{
		JobID:  "job-1",
		NodeID: "node-2",
		State:  model.JobPending,
	}))

	assert.Never(t, func() bool {
		a, err := f.store.GetAssignment(context.Background(), "job-1")
		return err != nil || a.State != model.JobPending
	}, 100*time.Millisecond, 10*time.Millisecond)
}
