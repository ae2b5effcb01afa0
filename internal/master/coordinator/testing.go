package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"regent/pkg/model"
)

// TestingExecutor 进程内的执行端，作业只有在测试调用 Finish 或 Cancel 时才会结束
type TestingExecutor struct {
	mu        sync.Mutex
	admitted  map[string]*testingRun
	admits    map[string]int
	released  map[string]int
	admitHook func(desc *model.JobDescriptor, recovered bool) error
}

type testingRun struct {
	recovered bool
	results   chan model.JobResult
	finished  bool
}

var _ Executor = (*TestingExecutor)(nil)

func NewTestingExecutor() *TestingExecutor {
	return &TestingExecutor{
		admitted: make(map[string]*testingRun),
		admits:   make(map[string]int),
		released: make(map[string]int),
	}
}

// SetAdmitHook 返回非 nil 错误时 Admit 失败
func (e *TestingExecutor) SetAdmitHook(fn func(desc *model.JobDescriptor, recovered bool) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.admitHook = fn
}

func (e *TestingExecutor) Admit(_ context.Context, desc *model.JobDescriptor, recovered bool) (<-chan model.JobResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.admitHook != nil {
		if err := e.admitHook(desc, recovered); err != nil {
			return nil, err
		}
	}
	run := &testingRun{recovered: recovered, results: make(chan model.JobResult, 1)}
	e.admitted[desc.ID] = run
	e.admits[desc.ID]++
	return run.results, nil
}

func (e *TestingExecutor) Cancel(_ context.Context, jobID string) error {
	if !e.Finish(jobID, model.JobCanceled, "") {
		return fmt.Errorf("testing executor: job %s not running", jobID)
	}
	return nil
}

func (e *TestingExecutor) Release(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released[jobID]++
	return nil
}

// Finish 投递终态，作业未被接收或已经结束时返回 false
func (e *TestingExecutor) Finish(jobID string, state model.JobState, errMsg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.admitted[jobID]
	if !ok || run.finished {
		return false
	}
	run.finished = true
	run.results <- model.JobResult{JobID: jobID, State: state, Error: errMsg, FinishedAt: time.Now().UTC()}
	return true
}

// DropResults 不投递终态直接关闭结果 channel，模拟执行端丢失了对作业的跟踪
func (e *TestingExecutor) DropResults(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.admitted[jobID]
	if !ok || run.finished {
		return false
	}
	run.finished = true
	close(run.results)
	return true
}

// AdmitCount 返回作业被 Admit 的次数
func (e *TestingExecutor) AdmitCount(jobID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admits[jobID]
}

// Admitted 返回最近一次 Admit 是否以恢复模式进行
func (e *TestingExecutor) Admitted(jobID string) (recovered bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.admitted[jobID]
	if !ok {
		return false, false
	}
	return run.recovered, true
}

func (e *TestingExecutor) Released(jobID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released[jobID]
}
