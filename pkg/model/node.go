package model

import "time"

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady    NodeStatus = "READY"
	NodeDraining NodeStatus = "DRAINING" // 不再接收新的分配
)

type Node struct {
	ID      string `json:"id"`      // 通常是 Hostname
	Address string `json:"address"` // Worker 的地址
	Version string `json:"version"`

	// Total: 物理机总资源
	// Allocated: 由 Scheduler 根据未结束的 Assignment 计算，不落盘
	TotalCap  Resource `json:"total_cap"`
	Allocated Resource `json:"-"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat int64      `json:"last_heartbeat"` // Unix 时间戳
}

// Free 剩余资源 = 总容量 - 已分配
func (n *Node) Free() Resource {
	return n.TotalCap.Sub(n.Allocated)
}

// Assignment 是执行端的状态：某个 Job 被绑定到了哪个节点，以及运行进度
// 它和注册表里的 JobDescriptor 相互独立，由 Scheduler 在作业结束后删除
type Assignment struct {
	JobID           string        `json:"job_id"`
	NodeID          string        `json:"node_id"`
	Plan            ExecutionPlan `json:"plan"`
	ArtifactKeys    []string      `json:"artifact_keys,omitempty"`
	State           JobState      `json:"state"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	ExitCode        int           `json:"exit_code"`
	Error           string        `json:"error,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`

	// Revision 读取时存储层的版本 (Etcd 的 ModRevision)，UpdateAssignment 据此做条件写入
	Revision int64 `json:"-"`
}

func (a *Assignment) Result() JobResult {
	return JobResult{
		JobID:      a.JobID,
		State:      a.State,
		Error:      a.Error,
		FinishedAt: a.EndTime,
	}
}
