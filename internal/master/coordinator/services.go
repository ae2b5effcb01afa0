package coordinator

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"regent/pkg/artifact"
	"regent/pkg/backoff"
	"regent/pkg/store"
)

const (
	DefaultMailboxSize       = 256
	DefaultRollbackAttempts  = 5
	DefaultFinishedRetention = 1024
)

// Services 协调者依赖的外部服务，Registry 每个 epoch 都不同，其余在多次选举之间复用
type Services struct {
	Registry  store.JobRegistry
	Artifacts artifact.Store
	Executor  Executor
	Logger    *zap.Logger

	// Backoff 注册表删除与制品删除的重试间隔
	Backoff           backoff.Strategy
	MailboxSize       int
	RollbackAttempts  int
	// FinishedRetention 本任期内保留多少个已结束作业的结果，供之后的 RequestJobResult 查询
	FinishedRetention int
}

// WithRegistry 返回绑定了新注册表句柄的副本
func (s Services) WithRegistry(reg store.JobRegistry) Services {
	s.Registry = reg
	return s
}

func (s *Services) complete() error {
	var errs []error
	if s.Registry == nil {
		errs = append(errs, errors.New("registry is required"))
	}
	if s.Artifacts == nil {
		errs = append(errs, errors.New("artifact store is required"))
	}
	if s.Executor == nil {
		errs = append(errs, errors.New("executor is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Backoff == nil {
		s.Backoff = backoff.DefaultStrategy()
	}
	if s.MailboxSize <= 0 {
		s.MailboxSize = DefaultMailboxSize
	}
	if s.RollbackAttempts <= 0 {
		s.RollbackAttempts = DefaultRollbackAttempts
	}
	if s.FinishedRetention <= 0 {
		s.FinishedRetention = DefaultFinishedRetention
	}
	return nil
}

// CleanupStrategy 配置里的清理重试参数转换成 backoff 策略
func CleanupStrategy(initial, maxDelay time.Duration) backoff.Strategy {
	if initial <= 0 {
		return backoff.DefaultStrategy()
	}
	return backoff.NewExponentialWithJitter(initial, maxDelay)
}
