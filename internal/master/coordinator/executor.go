package coordinator

import (
	"context"

	"regent/pkg/model"
)

// Executor 执行端协作方 (任务执行引擎)
type Executor interface {
	// Admit 接收一个作业，返回的 channel 最多投递一次终态结果。
	// recovered 为 true 时执行端应当先尝试接管已有的执行，而不是重新开始。
	// ctx 取消后 channel 可以不投递直接关闭。
	Admit(ctx context.Context, desc *model.JobDescriptor, recovered bool) (<-chan model.JobResult, error)

	// Cancel 请求取消，结果仍然通过 Admit 返回的 channel 投递
	Cancel(ctx context.Context, jobID string) error

	// Release 在注册表条目删除之后调用，释放执行端为该作业保留的状态，必须幂等
	Release(ctx context.Context, jobID string) error
}
