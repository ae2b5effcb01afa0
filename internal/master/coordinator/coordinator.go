// Package coordinator 实现单个领导任期内的作业协调者
//
// 协调者是一个 actor：一个 goroutine 顺序消费邮箱里的闭包，内存状态只在这个
// goroutine 里读写。注册表、制品、执行端的 I/O 都在辅助 goroutine 里完成，结果再投递回邮箱。
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"regent/pkg/backoff"
	"regent/pkg/future"
	"regent/pkg/model"
	"regent/pkg/store"
)

type jobPhase int

const (
	phaseAdmitting jobPhase = iota // 正在持久化 / 交给执行端
	phaseRunning                   // 执行端已接收
	phaseCleanup                   // 已到终态，正在清理
)

type jobEntry struct {
	desc            *model.JobDescriptor
	phase           jobPhase
	recovered       bool
	cancelRequested bool
	result          *future.Future[model.JobResult]
	final           model.JobResult // phaseCleanup 时有效
}

type Coordinator struct {
	epoch  model.LeadershipEpoch
	svc    Services
	logger *zap.Logger

	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}

	// ctx 是协调者自己的生命周期，持久化步骤不跟随调用方的 ctx
	ctx    context.Context
	cancel context.CancelFunc

	// durable 跟踪进行中的注册表写入，workers 跟踪结果监听与清理
	durable sync.WaitGroup
	workers sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error

	// 以下字段只在 loop goroutine 中访问
	jobs     map[string]*jobEntry
	finished map[string]model.JobResult

	// finishedOrder 按到达终态的顺序记录 finished 的 key，用于淘汰
	finishedOrder []string
	stopping      bool
	fenced        bool
}

var _ Gateway = (*Coordinator)(nil)

func New(epoch model.LeadershipEpoch, svc Services) (*Coordinator, error) {
	if err := svc.complete(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		epoch:    epoch,
		svc:      svc,
		logger:   svc.Logger.Named("coordinator").With(zap.String("epoch", epoch.String())),
		mailbox:  make(chan func(), svc.MailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*jobEntry),
		finished: make(map[string]model.JobResult),
	}, nil
}

func (c *Coordinator) Epoch() model.LeadershipEpoch {
	return c.epoch
}

func (c *Coordinator) Gateway() Gateway {
	return c
}

// ---- 邮箱相关实现 ----

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.quit:
			return
		}
	}
}

// call 把 fn 投递到 loop 并等待执行完成
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	executed := make(chan struct{})
	task := func() {
		fn()
		close(executed)
	}
	select {
	case c.mailbox <- task:
	case <-c.done:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-executed:
		return nil
	case <-c.done:
		select {
		case <-executed:
			return nil
		default:
			return ErrCoordinatorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post 异步投递，loop 已退出时返回 false
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.mailbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// exec 供辅助 goroutine 使用，等待 fn 在 loop 中执行完
func (c *Coordinator) exec(fn func()) bool {
	return c.call(context.Background(), fn) == nil
}

// ---- 启动与恢复 ----

// Start 启动 loop 并恢复注册表中的全部作业。列举 ID 失败会导致启动失败，
// 单个条目缺失或损坏只记录日志并跳过。
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator: already started")
	}
	go c.loop()

	ids, err := c.svc.Registry.GetAllJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: list registered jobs: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		desc, err := c.svc.Registry.RecoverJobDescriptor(ctx, id)
		if err != nil {
			c.logger.Warn("skip unrecoverable job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if err := c.recoverJob(ctx, desc); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("coordinator: recover %s: %w", id, ctxErr)
			}
			c.logger.Warn("failed to re-admit recovered job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		recovered++
	}
	c.logger.Info("coordinator started", zap.Int("registered", len(ids)), zap.Int("recovered", recovered))
	return nil
}

func (c *Coordinator) recoverJob(ctx context.Context, desc *model.JobDescriptor) error {
	entry := &jobEntry{desc: desc, phase: phaseAdmitting, recovered: true, result: future.New[model.JobResult]()}
	if err := c.call(ctx, func() { c.jobs[desc.ID] = entry }); err != nil {
		return err
	}

	results, err := c.svc.Executor.Admit(c.ctx, desc, true)
	if err != nil {
		// 注册表条目保留，下一任 Leader 还会再尝试
		c.exec(func() { delete(c.jobs, desc.ID) })
		return err
	}
	if err := c.call(ctx, func() { c.onAdmitted(desc.ID, results) }); err != nil {
		return err
	}
	c.logger.Info("job recovered", zap.String("job_id", desc.ID))
	return nil
}

// ---- Gateway 相关实现 ----

func (c *Coordinator) SubmitJob(ctx context.Context, desc *model.JobDescriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	desc = desc.Clone()
	if desc.SubmittedAt.IsZero() {
		desc.SubmittedAt = time.Now().UTC()
	}

	resultCh := make(chan error, 1)
	var rejected error
	err := c.call(ctx, func() {
		switch {
		case c.stopping:
			rejected = ErrCoordinatorStopped
			return
		case c.fenced:
			rejected = ErrFenced
			return
		}
		if _, ok := c.jobs[desc.ID]; ok {
			rejected = ErrDuplicateJob
			return
		}
		if _, ok := c.finished[desc.ID]; ok {
			rejected = ErrDuplicateJob
			return
		}

		c.jobs[desc.ID] = &jobEntry{desc: desc, phase: phaseAdmitting, result: future.New[model.JobResult]()}
		c.durable.Add(1)
		go func() {
			defer c.durable.Done()
			resultCh <- c.persistAndAdmit(desc)
		}()
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return rejected
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistAndAdmit 先持久化再交给执行端，任何一步失败都回滚注册表条目
func (c *Coordinator) persistAndAdmit(desc *model.JobDescriptor) error {
	log := c.logger.With(zap.String("job_id", desc.ID))

	if err := c.svc.Registry.PutJobDescriptor(c.ctx, desc); err != nil {
		if store.IsStaleEpoch(err) {
			c.post(c.fence)
			c.abandon(desc.ID, ErrFenced)
			return fmt.Errorf("%w: %w", ErrFenced, err)
		}
		// 写入结果不确定，按失败回滚
		c.rollback(desc.ID)
		c.abandon(desc.ID, ErrSubmissionFailed)
		return fmt.Errorf("%w: persist descriptor: %w", ErrSubmissionFailed, err)
	}

	results, err := c.svc.Executor.Admit(c.ctx, desc, false)
	if err != nil {
		log.Warn("admission failed, rolling back", zap.Error(err))
		c.rollback(desc.ID)
		c.abandon(desc.ID, ErrSubmissionFailed)
		return fmt.Errorf("%w: admit: %w", ErrSubmissionFailed, err)
	}

	c.post(func() { c.onAdmitted(desc.ID, results) })
	log.Info("job submitted", zap.String("name", desc.Name), zap.Int("artifacts", len(desc.ArtifactKeys)))
	return nil
}

func (c *Coordinator) rollback(jobID string) {
	err := backoff.Retry(c.ctx, c.svc.Backoff, c.svc.RollbackAttempts, func(ctx context.Context) error {
		err := c.svc.Registry.RemoveJobDescriptor(ctx, jobID)
		if store.IsStaleEpoch(err) || errors.Is(err, store.ErrRegistryClosed) {
			return &backoff.Permanent{Err: err}
		}
		return err
	}, nil)
	if err == nil {
		return
	}
	if store.IsStaleEpoch(err) {
		c.post(c.fence)
	}
	c.logger.Error("rollback of registry entry failed", zap.String("job_id", jobID), zap.Error(err))
}

// abandon 把未被执行端接收的作业从内存中移除
func (c *Coordinator) abandon(jobID string, cause error) {
	c.post(func() {
		if e, ok := c.jobs[jobID]; ok && e.phase == phaseAdmitting {
			e.result.Fail(cause)
			delete(c.jobs, jobID)
		}
	})
}

// onAdmitted 在 loop 中执行
func (c *Coordinator) onAdmitted(jobID string, results <-chan model.JobResult) {
	e, ok := c.jobs[jobID]
	if !ok {
		return
	}
	e.phase = phaseRunning

	c.workers.Add(1)
	go c.track(jobID, results, 0)

	if e.cancelRequested {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			if err := c.svc.Executor.Cancel(c.ctx, jobID); err != nil {
				c.logger.Warn("deferred cancel failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}()
	}
}

// track 等待执行端投递终态。rearms 是这个作业已经重新接管的次数。
func (c *Coordinator) track(jobID string, results <-chan model.JobResult, rearms int) {
	defer c.workers.Done()
	select {
	case res, ok := <-results:
		if !ok {
			c.rearm(jobID, rearms+1)
			return
		}
		res.JobID = jobID
		if res.FinishedAt.IsZero() {
			res.FinishedAt = time.Now().UTC()
		}
		c.post(func() { c.onTerminal(res) })
	case <-c.ctx.Done():
	}
}

// rearm 执行端在没有终态的情况下关闭了结果 channel (例如 watch 失败)。
// 作业仍归本协调者所有，等待一段退避时间后按恢复模式重新交给执行端，继续跟踪。
func (c *Coordinator) rearm(jobID string, attempt int) {
	if c.ctx.Err() != nil {
		return
	}
	var desc *model.JobDescriptor
	ok := c.exec(func() {
		if e, found := c.jobs[jobID]; found && e.phase == phaseRunning {
			desc = e.desc
		}
	})
	if !ok || desc == nil {
		return
	}
	log := c.logger.With(zap.String("job_id", jobID))
	log.Warn("result stream closed before a terminal state, re-arming", zap.Int("attempt", attempt))

	timer := time.NewTimer(c.svc.Backoff.Delay(attempt))
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		timer.Stop()
		return
	}

	var results <-chan model.JobResult
	err := c.retry(func(ctx context.Context) error {
		var err error
		results, err = c.svc.Executor.Admit(ctx, desc, true)
		return err
	}, log, "re-admit job")
	if err != nil {
		return
	}
	c.post(func() {
		if e, found := c.jobs[jobID]; found && e.phase == phaseRunning {
			c.workers.Add(1)
			go c.track(jobID, results, attempt)
		}
	})
}

func (c *Coordinator) CancelJob(ctx context.Context, jobID string) error {
	var (
		rejected error
		forward  bool
	)
	err := c.call(ctx, func() {
		if c.stopping {
			rejected = ErrCoordinatorStopped
			return
		}
		e, ok := c.jobs[jobID]
		if !ok {
			if _, done := c.finished[jobID]; !done {
				rejected = ErrJobNotFound
			}
			return
		}
		switch e.phase {
		case phaseAdmitting:
			e.cancelRequested = true
		case phaseRunning:
			e.cancelRequested = true
			forward = true
		}
	})
	if err != nil {
		return err
	}
	if rejected != nil || !forward {
		return rejected
	}
	if err := c.svc.Executor.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("coordinator: cancel %s: %w", jobID, err)
	}
	c.logger.Info("job cancel requested", zap.String("job_id", jobID))
	return nil
}

func (c *Coordinator) RequestJobResult(ctx context.Context, jobID string) (*future.Future[model.JobResult], error) {
	var f *future.Future[model.JobResult]
	err := c.call(ctx, func() {
		if e, ok := c.jobs[jobID]; ok {
			f = e.result
			return
		}
		if res, ok := c.finished[jobID]; ok {
			f = future.Completed(res)
		}
	})
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrJobNotFound
	}
	return f, nil
}

func (c *Coordinator) ListJobs(ctx context.Context) ([]model.JobStatus, error) {
	var out []model.JobStatus
	err := c.call(ctx, func() {
		out = make([]model.JobStatus, 0, len(c.jobs))
		for id, e := range c.jobs {
			st := model.JobStatus{
				ID:          id,
				Name:        e.desc.Name,
				State:       model.JobRunning,
				Recovered:   e.recovered,
				SubmittedAt: e.desc.SubmittedAt,
			}
			switch e.phase {
			case phaseAdmitting:
				st.State = model.JobPending
			case phaseCleanup:
				st.State = e.final.State
			}
			out = append(out, st)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// fence 在 loop 中执行：之后所有变更操作都返回 ErrFenced
func (c *Coordinator) fence() {
	if c.fenced {
		return
	}
	c.fenced = true
	c.logger.Warn("registry rejected write for this epoch, coordinator fenced")
}

// ---- 停止 ----

// Stop 拒绝新的提交，等待进行中的注册表写入落定，然后停止所有跟踪。
// 未到终态的作业的注册表条目和制品都不会被触碰。
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop(ctx)
	})
	return c.stopErr
}

func (c *Coordinator) stop(ctx context.Context) error {
	if !c.started.Load() {
		c.cancel()
		return c.svc.Registry.Close()
	}

	// 1. 经过 loop 设置标志，之后不会再有新的 durable.Add
	_ = c.call(context.Background(), func() { c.stopping = true })

	// 2. 等待持久化步骤落定，超时则取消它们的 ctx 后继续等
	durableDone := make(chan struct{})
	go func() {
		c.durable.Wait()
		close(durableDone)
	}()
	select {
	case <-durableDone:
	case <-ctx.Done():
		c.logger.Warn("stop deadline reached, aborting in-flight registry writes")
		c.cancel()
		<-durableDone
	}

	// 3. 停止跟踪与清理，然后退出 loop
	c.cancel()
	close(c.quit)
	<-c.done

	for _, e := range c.jobs {
		e.result.Fail(ErrCoordinatorStopped)
	}
	c.workers.Wait()

	c.logger.Info("coordinator stopped", zap.Int("active_jobs", len(c.jobs)))
	return c.svc.Registry.Close()
}
