package executor

import (
	"context"
	"errors"

	"regent/pkg/model"
)

// ArtifactMountPath 容器内挂载作业制品的目录
const ArtifactMountPath = "/artifacts"

var ErrEmptyCommand = errors.New("executor: command is empty")

// RunSpec 一次执行所需的全部输入
type RunSpec struct {
	JobID string
	Plan  model.ExecutionPlan
	// ArtifactDir 宿主机上已经下载好的制品目录，为空表示没有制品
	ArtifactDir string
}

// Result 执行结束后的输出，ExitCode 非 0 不算 error
type Result struct {
	ExitCode int
	Output   string
}

// Executor 在节点上真正跑作业。ctx 取消时必须停止执行并返回 ctx.Err()
type Executor interface {
	Run(ctx context.Context, spec RunSpec) (Result, error)
}
