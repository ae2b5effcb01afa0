package store

import (
	"context"
	"time"

	"regent/pkg/model"
)

// JobRegistry 受领导权保护的 jobID -> JobDescriptor 持久映射
// 每个句柄绑定一个 LeadershipEpoch，写入由存储自身校验 epoch，而不是信任调用方
type JobRegistry interface {
	// PutJobDescriptor 写入或覆盖，epoch 过期时返回 ErrStaleEpoch
	PutJobDescriptor(ctx context.Context, desc *model.JobDescriptor) error

	// RemoveJobDescriptor 幂等删除，条目不存在也返回 nil
	RemoveJobDescriptor(ctx context.Context, jobID string) error

	// GetAllJobIDs 返回当前注册的全部 ID (恢复与清理校验都用它)
	GetAllJobIDs(ctx context.Context) ([]string, error)

	// RecoverJobDescriptor 条目已消失时返回 ErrJobNotFound，无法解析时返回 ErrCorruptDescriptor
	RecoverJobDescriptor(ctx context.Context, jobID string) (*model.JobDescriptor, error)

	Close() error
}

// RegistryFactory 每次获得领导权都创建新的句柄，不复用旧 epoch 的
type RegistryFactory interface {
	Create(ctx context.Context, epoch model.LeadershipEpoch) (JobRegistry, error)
}

// LeadershipFence 内存实现用来校验写入方是否仍然持有领导权
type LeadershipFence interface {
	HasLeadership(epoch model.LeadershipEpoch) bool
}

type AssignmentEventType int

const (
	AssignmentPut AssignmentEventType = iota // Create 和 Update 在 Etcd 都是 Put
	AssignmentDelete
)

type AssignmentEvent struct {
	Type       AssignmentEventType
	JobID      string
	Assignment *model.Assignment // Delete 事件为 nil
}

// ClusterStore 执行端 (Scheduler / Worker) 对存储层的需求
type ClusterStore interface {
	// --- Node 相关 ---
	RegisterNode(ctx context.Context, node *model.Node, ttl time.Duration) error
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// --- Assignment 相关 ---

	// BindAssignment 只在不存在时创建，防止同一个 Job 被绑定两次
	BindAssignment(ctx context.Context, a *model.Assignment) error
	// UpdateAssignment 只有存储中的版本仍等于 a.Revision 时才写入，否则返回 ErrAssignmentConflict。
	// 成功后 a.Revision 更新为新版本。一般通过 ModifyAssignment 使用。
	UpdateAssignment(ctx context.Context, a *model.Assignment) error
	GetAssignment(ctx context.Context, jobID string) (*model.Assignment, error)
	ListAssignments(ctx context.Context) ([]*model.Assignment, error)
	DeleteAssignment(ctx context.Context, jobID string) error

	// WatchAssignments 先回放现有的 Assignment，再推送之后的变化
	WatchAssignments(ctx context.Context) <-chan AssignmentEvent
	// WatchAssignment 只关注单个 Job
	WatchAssignment(ctx context.Context, jobID string) <-chan AssignmentEvent

	// --- Log 相关 ---
	SaveJobLog(ctx context.Context, jobID string, logs string, ttl time.Duration) error
	GetJobLog(ctx context.Context, jobID string) (string, error)
}
