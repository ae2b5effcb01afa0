package runner

import (
	"context"

	"regent/internal/master/coordinator"
	"regent/pkg/model"
)

// Coordinator 运行器对协调者的全部要求，任何满足它的类型都可以由工厂产出
type Coordinator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Gateway() coordinator.Gateway
}

type CoordinatorFactory interface {
	CreateCoordinator(epoch model.LeadershipEpoch, svc coordinator.Services) (Coordinator, error)
}

type CoordinatorFactoryFunc func(epoch model.LeadershipEpoch, svc coordinator.Services) (Coordinator, error)

func (f CoordinatorFactoryFunc) CreateCoordinator(epoch model.LeadershipEpoch, svc coordinator.Services) (Coordinator, error) {
	return f(epoch, svc)
}

// DefaultFactory 产出 coordinator.Coordinator
func DefaultFactory() CoordinatorFactory {
	return CoordinatorFactoryFunc(func(epoch model.LeadershipEpoch, svc coordinator.Services) (Coordinator, error) {
		c, err := coordinator.New(epoch, svc)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// FatalErrorHandler 接收无法恢复的错误，通常的处理是退出进程交给外部重启
type FatalErrorHandler interface {
	OnFatalError(err error)
}

type FatalErrorHandlerFunc func(err error)

func (f FatalErrorHandlerFunc) OnFatalError(err error) { f(err) }
