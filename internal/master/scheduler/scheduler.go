// Package scheduler 把协调者接收的作业绑定到 Worker 节点，并通过 Assignment 跟踪执行结果
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"regent/internal/master/coordinator"
	"regent/pkg/model"
	"regent/pkg/store"
)

var ErrNoSuitableNode = errors.New("scheduler: no suitable node")

const DefaultReapInterval = 5 * time.Second

// Scheduler 核心调度器，同时是协调者的执行端
type Scheduler struct {
	store  store.ClusterStore // 依赖 Store 接口操作 Etcd
	logger *zap.Logger

	// mu 保证 "计算占用 -> 选节点 -> 绑定" 不会并发交错导致超卖
	mu sync.Mutex
}

var _ coordinator.Executor = (*Scheduler)(nil)

func NewScheduler(s store.ClusterStore, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  s,
		logger: logger.Named("scheduler"),
	}
}

// ---- coordinator.Executor 相关实现 ----

func (s *Scheduler) Admit(ctx context.Context, desc *model.JobDescriptor, recovered bool) (<-chan model.JobResult, error) {
	log := s.logger.With(zap.String("job_id", desc.ID))

	if recovered {
		// 恢复的作业优先接管已有的 Assignment，避免重复执行
		a, err := s.store.GetAssignment(ctx, desc.ID)
		switch {
		case err == nil:
			log.Info("adopted existing assignment", zap.String("node_id", a.NodeID), zap.Stringer("state", a.State))
			return s.track(ctx, desc.ID), nil
		case !errors.Is(err, store.ErrAssignmentNotFound):
			return nil, fmt.Errorf("scheduler: load assignment: %w", err)
		}
	}

	node, err := s.scheduleOne(ctx, desc)
	if err != nil {
		if errors.Is(err, store.ErrAssignmentExists) {
			log.Info("assignment already bound, tracking it")
			return s.track(ctx, desc.ID), nil
		}
		return nil, err
	}
	log.Info("job scheduled", zap.String("node_id", node.ID), zap.Bool("recovered", recovered))
	return s.track(ctx, desc.ID), nil
}

// Cancel 只是打上标记，由 Worker 负责真正停止容器并写回终态。
// 标记按版本条件写入，和 Worker 的状态更新交错时重新读取，不会被覆盖。
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	_, err := store.ModifyAssignment(ctx, s.store, jobID, func(a *model.Assignment) bool {
		if a.State.IsTerminal() || a.CancelRequested {
			return false
		}
		a.CancelRequested = true
		return true
	})
	if err != nil {
		return fmt.Errorf("scheduler: cancel: %w", err)
	}
	return nil
}

// Release 删除 Assignment，释放节点占用
func (s *Scheduler) Release(ctx context.Context, jobID string) error {
	return s.store.DeleteAssignment(ctx, jobID)
}

// ---- 调度相关实现 ----

// scheduleOne 执行单次调度逻辑
func (s *Scheduler) scheduleOne(ctx context.Context, desc *model.JobDescriptor) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: 获取当前集群所有节点快照，并按未结束的 Assignment 计算已分配资源
	nodes, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	// Step 2: Filter (过滤) - 剔除资源不足的节点
	req := desc.Plan.ResReq
	candidates := s.filterNodes(req, nodes)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %d nodes, need %dm cpu / %d bytes", ErrNoSuitableNode, len(nodes), req.MilliCPU, req.Memory)
	}

	// Step 3: Score (打分) - 选出最优节点 (Bin-packing 策略)
	best := s.scoreNodes(req, candidates)

	// Step 4: Bind (绑定) - 将决策写入 Etcd，已存在时不覆盖
	if err := s.bind(ctx, desc, best.ID); err != nil {
		return nil, err
	}
	return best, nil
}

func (s *Scheduler) snapshot(ctx context.Context) ([]*model.Node, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list nodes: %w", err)
	}
	assignments, err := s.store.ListAssignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list assignments: %w", err)
	}

	byID := make(map[string]*model.Node, len(nodes))
	for _, n := range nodes {
		n.Allocated = model.Resource{}
		byID[n.ID] = n
	}
	for _, a := range assignments {
		if a.State.IsTerminal() {
			continue
		}
		if n, ok := byID[a.NodeID]; ok {
			n.Allocated = n.Allocated.Add(a.Plan.ResReq)
		}
	}
	return nodes, nil
}

// bind 将调度结果持久化
func (s *Scheduler) bind(ctx context.Context, desc *model.JobDescriptor, nodeID string) error {
	return s.store.BindAssignment(ctx, &model.Assignment{
		JobID:        desc.ID,
		NodeID:       nodeID,
		Plan:         desc.Plan,
		ArtifactKeys: desc.ArtifactKeys,
		State:        model.JobPending,
		StartTime:    time.Now().UTC(),
	})
}

// track 监听单个 Assignment，终态时投递一次结果。
// Assignment 在终态前被删除视为执行失败；ctx 结束时直接关闭 channel。
func (s *Scheduler) track(ctx context.Context, jobID string) <-chan model.JobResult {
	results := make(chan model.JobResult, 1)

	go func() {
		defer close(results)
		for ev := range s.store.WatchAssignment(ctx, jobID) {
			switch ev.Type {
			case store.AssignmentDelete:
				results <- model.JobResult{
					JobID:      jobID,
					State:      model.JobFailed,
					Error:      "assignment removed before completion",
					FinishedAt: time.Now().UTC(),
				}
				return
			case store.AssignmentPut:
				if ev.Assignment.State.IsTerminal() {
					results <- ev.Assignment.Result()
					return
				}
			}
		}
	}()
	return results
}

// ---- 失联节点回收 ----

// Run 启动后台回收循环：节点租约过期后，它上面未结束的 Assignment 标记为失败。
// active 为空或返回 true 时才回收，多个 master 同时运行时只让领导者动手。
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, active func() bool) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler reaper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			if active != nil && !active() {
				continue
			}
			if err := s.reapLostNodes(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("reap lost nodes failed", zap.Error(err))
			}
		case <-ctx.Done():
			s.logger.Info("scheduler reaper stopped")
			return
		}
	}
}

func (s *Scheduler) reapLostNodes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	alive := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		alive[n.ID] = struct{}{}
	}

	assignments, err := s.store.ListAssignments(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range assignments {
		if a.State.IsTerminal() {
			continue
		}
		if _, ok := alive[a.NodeID]; ok {
			continue
		}
		nodeID := a.NodeID
		_, err := store.ModifyAssignment(ctx, s.store, a.JobID, func(cur *model.Assignment) bool {
			// 重新读取后可能已经结束
			if cur.State.IsTerminal() || cur.NodeID != nodeID {
				return false
			}
			cur.State = model.JobFailed
			cur.Error = fmt.Sprintf("node %s lost", nodeID)
			cur.EndTime = time.Now().UTC()
			return true
		})
		if errors.Is(err, store.ErrAssignmentNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Warn("assignment failed: node lost", zap.String("job_id", a.JobID), zap.String("node_id", nodeID))
	}
	return errors.Join(errs...)
}
