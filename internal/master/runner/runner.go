// Package runner 持有领导任期内唯一的协调者实例
//
// 选举服务的 grant / revoke 回调进入一个有界事件队列，由单个 goroutine 顺序处理：
//
//	IDLE --grant--> LEADER_STARTING --ok--> LEADER_ACTIVE --revoke--> LEADER_STOPPING --> IDLE
//	                      |
//	                      +--error--> TERMINATED (fatal handler)
//
// 任意状态收到 Close 都会停止当前协调者并进入 TERMINATED。
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"regent/internal/master/coordinator"
	"regent/pkg/election"
	"regent/pkg/future"
	"regent/pkg/model"
	"regent/pkg/store"
)

var (
	ErrNotLeader         = errors.New("runner: not the leader")
	ErrLeadershipRevoked = errors.New("runner: leadership revoked before the coordinator became active")
	ErrRunnerClosed      = errors.New("runner: closed")
)

const (
	DefaultEventQueueSize = 64
	DefaultStartTimeout   = 30 * time.Second
	DefaultStopTimeout    = 30 * time.Second
)

type Options struct {
	Election        election.Service
	RegistryFactory store.RegistryFactory
	Factory         CoordinatorFactory
	// Services 不含 Registry，每个 epoch 由 RegistryFactory 创建后填入
	Services coordinator.Services

	// Address 确认领导权后发布给 LeaderRetrieval 的地址
	Address           string
	FatalErrorHandler FatalErrorHandler
	Logger            *zap.Logger

	EventQueueSize int
	StartTimeout   time.Duration
	StopTimeout    time.Duration
}

func (o *Options) complete() error {
	var errs []error
	if o.Election == nil {
		errs = append(errs, errors.New("election service is required"))
	}
	if o.RegistryFactory == nil {
		errs = append(errs, errors.New("registry factory is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if o.Factory == nil {
		o.Factory = DefaultFactory()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.FatalErrorHandler == nil {
		logger := o.Logger
		o.FatalErrorHandler = FatalErrorHandlerFunc(func(err error) {
			logger.Error("fatal runner error", zap.Error(err))
		})
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = DefaultEventQueueSize
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return nil
}

type eventKind int

const (
	eventGrant eventKind = iota
	eventRevoke
	eventError
)

type event struct {
	kind  eventKind
	epoch model.LeadershipEpoch
	err   error
}

type Runner struct {
	opts   Options
	logger *zap.Logger

	events    chan event
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
	stopErr   error

	mu      sync.Mutex
	state   State
	gateway *future.Future[coordinator.Gateway]

	// 以下字段只在 run goroutine 中访问
	pending     []event
	active      Coordinator
	activeEpoch model.LeadershipEpoch
	fatalErr    error
}

var _ election.Contender = (*Runner)(nil)

func New(opts Options) (*Runner, error) {
	if err := opts.complete(); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	r := &Runner{
		opts:    opts,
		logger:  opts.Logger.Named("runner"),
		events:  make(chan event, opts.EventQueueSize),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,
		gateway: future.New[coordinator.Gateway](),
	}
	go r.run()
	return r, nil
}

// Start 把自己注册为选举服务唯一的 Contender
func (r *Runner) Start(ctx context.Context) error {
	if err := r.opts.Election.Start(ctx, r); err != nil {
		return fmt.Errorf("runner: start election: %w", err)
	}
	return nil
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done 在进入 TERMINATED 且事件循环退出后关闭
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// GetCurrentGateway 等待最近一次授予的 epoch 进入 LEADER_ACTIVE
func (r *Runner) GetCurrentGateway(ctx context.Context) (coordinator.Gateway, error) {
	r.mu.Lock()
	switch r.state {
	case StateTerminated:
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	case StateLeaderStopping:
		r.mu.Unlock()
		return nil, ErrNotLeader
	}
	f := r.gateway
	r.mu.Unlock()
	return f.Get(ctx)
}

// Close 停止当前协调者并终止运行器，返回时事件循环已经退出
func (r *Runner) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.stopOnce.Do(func() {
		r.stopErr = r.opts.Election.Stop()
	})
	return r.stopErr
}

// ---- election.Contender 相关实现 ----

func (r *Runner) GrantLeadership(epoch model.LeadershipEpoch) {
	r.enqueue(event{kind: eventGrant, epoch: epoch})
}

func (r *Runner) RevokeLeadership() {
	r.enqueue(event{kind: eventRevoke})
}

func (r *Runner) HandleError(err error) {
	r.enqueue(event{kind: eventError, err: err})
}

func (r *Runner) enqueue(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
		r.logger.Debug("runner terminated, event dropped", zap.Int("kind", int(ev.kind)))
	}
}

// ---- 事件循环 ----

func (r *Runner) run() {
	defer func() {
		close(r.done)
		if r.fatalErr != nil {
			r.opts.FatalErrorHandler.OnFatalError(r.fatalErr)
		}
	}()

	for {
		if len(r.pending) == 0 {
			select {
			case ev := <-r.events:
				r.pending = append(r.pending, ev)
			case <-r.closeCh:
				r.shutdown()
				return
			}
		}
		if r.closing() {
			r.shutdown()
			return
		}

		ev := r.pending[0]
		r.pending = r.pending[1:]
		switch ev.kind {
		case eventGrant:
			r.handleGrant(ev.epoch)
		case eventRevoke:
			r.handleRevoke()
		case eventError:
			r.terminate(fmt.Errorf("runner: election service failed: %w", ev.err))
		}
		if r.State() == StateTerminated {
			return
		}
	}
}

func (r *Runner) closing() bool {
	select {
	case <-r.closeCh:
		return true
	default:
		return false
	}
}

// drain 把已经到达的事件全部搬进 pending，不阻塞
func (r *Runner) drain() {
	for {
		select {
		case ev := <-r.events:
			r.pending = append(r.pending, ev)
		default:
			return
		}
	}
}

func (r *Runner) revokeQueued() bool {
	r.drain()
	for _, ev := range r.pending {
		if ev.kind == eventRevoke || ev.kind == eventError {
			return true
		}
	}
	return r.closing()
}

func (r *Runner) handleGrant(epoch model.LeadershipEpoch) {
	log := r.logger.With(zap.String("epoch", epoch.String()))

	if r.active != nil {
		if r.activeEpoch == epoch {
			log.Debug("duplicate grant ignored")
			return
		}
		// 新的 epoch 取代旧的：先完整停掉旧协调者
		log.Info("grant for a new epoch while active, stopping previous coordinator",
			zap.String("previous_epoch", r.activeEpoch.String()))
		r.beginStopping(ErrLeadershipRevoked)
		r.stopActive()
	}

	// 授予后紧接着就被撤销，不必启动
	if r.revokeQueued() {
		log.Info("grant superseded by a queued revoke, not starting")
		r.failGateway(ErrLeadershipRevoked)
		r.setState(StateIdle)
		return
	}

	r.setState(StateLeaderStarting)
	log.Info("leadership granted, starting coordinator")

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StartTimeout)
	coord, err := r.startCoordinator(ctx, epoch)
	cancel()
	if err != nil {
		if !r.opts.Election.HasLeadership(epoch) {
			// 启动期间领导权已经丢失，等待 revoke 即可
			log.Warn("coordinator start failed after leadership was lost", zap.Error(err))
			r.failGateway(ErrLeadershipRevoked)
			r.setState(StateIdle)
			return
		}
		r.terminate(fmt.Errorf("runner: start coordinator for epoch %s: %w", epoch, err))
		return
	}
	r.active, r.activeEpoch = coord, epoch

	// 启动期间到达的 revoke 在启动完成后处理，网关不对外暴露
	if r.revokeQueued() || !r.opts.Election.HasLeadership(epoch) {
		log.Info("leadership lost during start, gateway withheld")
		r.setState(StateLeaderActive)
		return
	}

	r.mu.Lock()
	r.state = StateLeaderActive
	r.gateway.Complete(coord.Gateway())
	r.mu.Unlock()
	log.Info("coordinator active")

	ctx, cancel = context.WithTimeout(context.Background(), r.opts.StartTimeout)
	defer cancel()
	if err := r.opts.Election.ConfirmLeadership(ctx, epoch, r.opts.Address); err != nil {
		log.Warn("failed to publish leader address", zap.String("address", r.opts.Address), zap.Error(err))
	}
}

func (r *Runner) startCoordinator(ctx context.Context, epoch model.LeadershipEpoch) (Coordinator, error) {
	reg, err := r.opts.RegistryFactory.Create(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("create job registry: %w", err)
	}
	coord, err := r.opts.Factory.CreateCoordinator(epoch, r.opts.Services.WithRegistry(reg))
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
		defer cancel()
		if stopErr := coord.Stop(stopCtx); stopErr != nil {
			r.logger.Warn("failed to stop coordinator after start failure", zap.Error(stopErr))
		}
		return nil, fmt.Errorf("start coordinator: %w", err)
	}
	return coord, nil
}

func (r *Runner) handleRevoke() {
	switch r.State() {
	case StateIdle, StateTerminated:
		r.logger.Debug("revoke ignored", zap.Stringer("state", r.State()))
		return
	}
	r.logger.Info("leadership revoked, stopping coordinator", zap.String("epoch", r.activeEpoch.String()))
	r.beginStopping(ErrLeadershipRevoked)
	r.stopActive()
	r.setState(StateIdle)
}

// beginStopping 进入 LEADER_STOPPING，未完成的等待者收到 cause，之后的等待者等下一任期
func (r *Runner) beginStopping(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateLeaderStopping
	r.gateway.Fail(cause)
	r.gateway = future.New[coordinator.Gateway]()
}

func (r *Runner) failGateway(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gateway.Fail(cause) {
		r.gateway = future.New[coordinator.Gateway]()
	}
}

// stopActive 停止错误只记录日志，不是致命错误
func (r *Runner) stopActive() {
	if r.active == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
	defer cancel()
	if err := r.active.Stop(ctx); err != nil {
		r.logger.Warn("coordinator stop failed", zap.String("epoch", r.activeEpoch.String()), zap.Error(err))
	}
	r.active, r.activeEpoch = nil, model.LeadershipEpoch{}
}

func (r *Runner) shutdown() {
	r.logger.Info("closing runner", zap.Stringer("state", r.State()))
	if r.active != nil {
		r.setState(StateLeaderStopping)
		r.stopActive()
	}
	r.markTerminated()
}

// terminate 致命错误：停掉协调者，进入 TERMINATED，事件循环退出后通知 FatalErrorHandler
func (r *Runner) terminate(err error) {
	r.logger.Error("runner terminated by fatal error", zap.Error(err))
	r.stopActive()
	r.fatalErr = err
	r.markTerminated()
}

func (r *Runner) markTerminated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateTerminated
	r.gateway.Fail(ErrRunnerClosed)
	r.gateway = future.Failed[coordinator.Gateway](ErrRunnerClosed)
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}
