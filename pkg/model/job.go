package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeShell  JobType = "SHELL"
	JobTypeDocker JobType = "DOCKER"
)

type JobState int

const (
	JobPending  JobState = iota // 已提交，尚未被执行端接收
	JobRunning                  // 执行中
	JobFinished                 // 运行成功
	JobCanceled                 // 被取消
	JobFailed                   // 运行失败
)

var jobStateNames = map[JobState]string{
	JobPending:  "PENDING",
	JobRunning:  "RUNNING",
	JobFinished: "FINISHED",
	JobCanceled: "CANCELED",
	JobFailed:   "FAILED",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// IsTerminal 终态之后不会再有任何执行，并触发清理
func (s JobState) IsTerminal() bool {
	return s == JobFinished || s == JobCanceled || s == JobFailed
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(text []byte) error {
	want := strings.ToUpper(strings.TrimSpace(string(text)))
	for state, name := range jobStateNames {
		if name == want {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", string(text))
}

// ExecutionPlan 对协调者是不透明的，只有执行端会解析
type ExecutionPlan struct {
	Type       JobType  `json:"type" yaml:"type"`
	Image      string   `json:"image,omitempty" yaml:"image,omitempty"` // Docker 镜像 (如: alpine:latest)
	Command    []string `json:"command" yaml:"command"`
	Envs       []string `json:"envs,omitempty" yaml:"envs,omitempty"`
	RetryCount int      `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`

	// 资源需求 (Scheduler 根据这个找 Node)
	ResReq Resource `json:"res_req" yaml:"res_req"`
}

// JobDescriptor 一次提交的不可变描述，注册表里只保存它的 JSON 副本
type JobDescriptor struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Plan         ExecutionPlan `json:"plan" yaml:"plan"`
	ArtifactKeys []string      `json:"artifact_keys,omitempty" yaml:"artifact_keys,omitempty"`
	SubmittedAt  time.Time     `json:"submitted_at" yaml:"-"`
}

// NewJobID 生成唯一的 Job ID
func NewJobID() string {
	return uuid.New().String()
}

func (d *JobDescriptor) Validate() error {
	if d == nil {
		return errors.New("job descriptor is nil")
	}
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.ContainsAny(d.ID, "/ ") {
		return fmt.Errorf("job id %q must not contain '/' or spaces", d.ID)
	}
	for _, key := range d.ArtifactKeys {
		if strings.TrimSpace(key) == "" {
			return errors.New("artifact key must not be empty")
		}
	}
	return nil
}

// Clone 深拷贝，跨越持久化边界时不共享切片
func (d *JobDescriptor) Clone() *JobDescriptor {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Plan.Command = append([]string(nil), d.Plan.Command...)
	cp.Plan.Envs = append([]string(nil), d.Plan.Envs...)
	cp.ArtifactKeys = append([]string(nil), d.ArtifactKeys...)
	return &cp
}

// JobResult 作业到达终态后的结果
type JobResult struct {
	JobID      string    `json:"job_id"`
	State      JobState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// JobStatus 协调者内存视图的快照
type JobStatus struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       JobState  `json:"state"`
	Recovered   bool      `json:"recovered"`
	SubmittedAt time.Time `json:"submitted_at"`
}
