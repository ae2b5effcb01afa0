// Package worker 节点代理：上报心跳，领取分配给本节点的 Assignment 并执行
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"regent/internal/worker/executor"
	"regent/pkg/artifact"
	"regent/pkg/model"
	"regent/pkg/store"
)

type Config struct {
	ID                string
	Address           string
	Version           string
	Capacity          model.Resource
	HeartbeatInterval time.Duration
	NodeTTL           time.Duration
	LogTTL            time.Duration
	// WorkDir 制品下载到 WorkDir/<jobID>/ 后挂载进容器
	WorkDir string
}

type Agent struct {
	cfg       Config
	store     store.ClusterStore
	artifacts artifact.Store
	executor  executor.Executor
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewAgent(cfg Config, s store.ClusterStore, artifacts artifact.Store, exec executor.Executor, logger *zap.Logger) (*Agent, error) {
	if cfg.ID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			return nil, fmt.Errorf("worker id is empty and hostname unavailable: %v", err)
		}
		cfg.ID = hostname
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.NodeTTL < cfg.HeartbeatInterval {
		cfg.NodeTTL = 3 * cfg.HeartbeatInterval
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "regent-worker", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:       cfg,
		store:     s,
		artifacts: artifacts,
		executor:  exec,
		logger:    logger.Named("worker").With(zap.String("node_id", cfg.ID)),
		running:   make(map[string]context.CancelFunc),
	}, nil
}

func (a *Agent) ID() string {
	return a.cfg.ID
}

// Run 阻塞直到 ctx 结束，返回前等待所有作业退出
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// 1. 启动心跳
	g.Go(func() error { return a.heartbeat(ctx) })

	// 2. 启动任务监听
	g.Go(func() error {
		a.logger.Info("waiting for assignments")
		a.watchAssignments(ctx)
		return nil
	})

	err := g.Wait()
	a.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) heartbeat(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.register(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	node := &model.Node{
		ID:            a.cfg.ID,
		Address:       a.cfg.Address,
		Version:       a.cfg.Version,
		TotalCap:      a.cfg.Capacity,
		Status:        model.NodeReady,
		LastHeartbeat: time.Now().Unix(),
	}
	return a.store.RegisterNode(ctx, node, a.cfg.NodeTTL)
}

func (a *Agent) watchAssignments(ctx context.Context) {
	for ev := range a.store.WatchAssignments(ctx) {
		if ev.Type != store.AssignmentPut || ev.Assignment.NodeID != a.cfg.ID {
			continue
		}
		a.handle(ctx, ev.Assignment)
	}
}

// handle 按 Assignment 的当前状态决定动作
func (a *Agent) handle(ctx context.Context, asg *model.Assignment) {
	if asg.State.IsTerminal() {
		return
	}

	a.mu.Lock()
	cancel, running := a.running[asg.JobID]
	a.mu.Unlock()

	switch {
	case running:
		if asg.CancelRequested {
			cancel()
		}
	case asg.CancelRequested:
		// 还没开始就被取消
		a.finish(ctx, asg.JobID, model.JobCanceled, 0, "")
	case asg.State == model.JobRunning:
		// Assignment 显示在跑，但本进程没有它：Worker 重启过，执行已经丢失
		a.finish(ctx, asg.JobID, model.JobFailed, -1, "worker restarted during execution")
	case asg.State == model.JobPending:
		a.start(ctx, asg)
	}
}

func (a *Agent) start(ctx context.Context, asg *model.Assignment) {
	jobCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.running[asg.JobID] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.running, asg.JobID)
			a.mu.Unlock()
			cancel()
		}()
		a.executeJob(ctx, jobCtx, asg)
	}()
}

// executeJob 执行任务并更新状态
func (a *Agent) executeJob(ctx, jobCtx context.Context, asg *model.Assignment) {
	log := a.logger.With(zap.String("job_id", asg.JobID))
	log.Info("received assignment")

	// 1. 更新状态为 Running
	if err := a.update(ctx, asg.JobID, func(cur *model.Assignment) {
		cur.State = model.JobRunning
		cur.StartTime = time.Now().UTC()
	}); err != nil {
		log.Warn("failed to mark assignment running", zap.Error(err))
		return
	}

	// 2. 下载制品
	dir, err := a.stageArtifacts(jobCtx, asg)
	if dir != "" {
		defer func() { _ = os.RemoveAll(dir) }()
	}
	if err != nil {
		a.finish(ctx, asg.JobID, model.JobFailed, -1, fmt.Sprintf("stage artifacts: %v", err))
		return
	}

	// 3. 执行
	res, err := a.executor.Run(jobCtx, executor.RunSpec{JobID: asg.JobID, Plan: asg.Plan, ArtifactDir: dir})

	// 4. 上传日志 (不管成功失败，只要有日志就上传)
	if res.Output != "" {
		if err := a.store.SaveJobLog(context.WithoutCancel(ctx), asg.JobID, res.Output, a.cfg.LogTTL); err != nil {
			log.Warn("failed to save job log", zap.Error(err))
		}
	}

	// 5. 根据结果更新最终状态
	switch {
	case err != nil && ctx.Err() != nil:
		a.finish(context.WithoutCancel(ctx), asg.JobID, model.JobFailed, -1, "worker shutting down")
	case err != nil && jobCtx.Err() != nil:
		a.finish(ctx, asg.JobID, model.JobCanceled, res.ExitCode, "")
	case err != nil:
		a.finish(ctx, asg.JobID, model.JobFailed, -1, err.Error())
	case res.ExitCode != 0:
		a.finish(ctx, asg.JobID, model.JobFailed, res.ExitCode, fmt.Sprintf("exit code %d", res.ExitCode))
	default:
		a.finish(ctx, asg.JobID, model.JobFinished, 0, "")
	}
}

func (a *Agent) stageArtifacts(ctx context.Context, asg *model.Assignment) (string, error) {
	if len(asg.ArtifactKeys) == 0 {
		return "", nil
	}
	dir := filepath.Join(a.cfg.WorkDir, asg.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, key := range asg.ArtifactKeys {
		_, digest, err := artifact.ParseKey(key)
		if err != nil {
			return dir, err
		}
		data, err := a.artifacts.Get(ctx, key)
		if err != nil {
			return dir, err
		}
		if err := os.WriteFile(filepath.Join(dir, digest), data, 0o644); err != nil {
			return dir, err
		}
	}
	return dir, nil
}

func (a *Agent) finish(ctx context.Context, jobID string, state model.JobState, exitCode int, errMsg string) {
	err := a.update(ctx, jobID, func(cur *model.Assignment) {
		cur.State = state
		cur.ExitCode = exitCode
		cur.Error = errMsg
		cur.EndTime = time.Now().UTC()
	})
	if err != nil {
		a.logger.Warn("failed to write final state", zap.String("job_id", jobID), zap.Stringer("state", state), zap.Error(err))
		return
	}
	a.logger.Info("job finished", zap.String("job_id", jobID), zap.Stringer("state", state), zap.Int("exit_code", exitCode))
}

// update 按版本条件修改 Assignment，Scheduler 同时写入的取消标记不会被覆盖
func (a *Agent) update(ctx context.Context, jobID string, mutate func(cur *model.Assignment)) error {
	_, err := store.ModifyAssignment(ctx, a.store, jobID, func(cur *model.Assignment) bool {
		if cur.State.IsTerminal() {
			return false
		}
		mutate(cur)
		return true
	})
	return err
}
