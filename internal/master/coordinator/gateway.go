package coordinator

import (
	"context"
	"errors"

	"regent/pkg/future"
	"regent/pkg/model"
)

var (
	ErrInvalidJob         = errors.New("coordinator: invalid job descriptor")
	ErrDuplicateJob       = errors.New("coordinator: job already submitted")
	ErrJobNotFound        = errors.New("coordinator: job not found")
	ErrCoordinatorStopped = errors.New("coordinator: stopped")
	ErrSubmissionFailed   = errors.New("coordinator: submission failed")
	// ErrFenced 注册表拒绝了本 epoch 的写入，说明领导权已经易主
	ErrFenced = errors.New("coordinator: fenced by a newer leadership epoch")
)

// Gateway 客户端可见的操作，只有处于 LEADER_ACTIVE 的协调者才会被暴露出去
type Gateway interface {
	SubmitJob(ctx context.Context, desc *model.JobDescriptor) error
	CancelJob(ctx context.Context, jobID string) error
	RequestJobResult(ctx context.Context, jobID string) (*future.Future[model.JobResult], error)
	ListJobs(ctx context.Context) ([]model.JobStatus, error)
}
