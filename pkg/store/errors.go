package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleEpoch 写入方的领导权已经被新的 epoch 取代
	ErrStaleEpoch = errors.New("store: leadership epoch superseded")
	// ErrSessionExpired 协调服务的会话已失效
	ErrSessionExpired = errors.New("store: coordination session expired")
	ErrRegistryClosed = errors.New("store: job registry closed")

	ErrJobNotFound        = errors.New("store: job descriptor not found")
	ErrCorruptDescriptor  = errors.New("store: job descriptor corrupt")
	ErrAssignmentNotFound = errors.New("store: assignment not found")
	ErrAssignmentExists   = errors.New("store: assignment already exists")
	// ErrAssignmentConflict 读取之后 Assignment 被其他人改过或删除了
	ErrAssignmentConflict = errors.New("store: assignment modified concurrently")
	ErrLogNotFound        = errors.New("store: job log not found")
)

// Registry operation names, used in RegistryError and fault injection.
const (
	OpCreate  = "create"
	OpPut     = "put"
	OpRemove  = "remove"
	OpList    = "list"
	OpRecover = "recover"
)

// RegistryError 带上下文的注册表错误，支持 errors.Is/As
type RegistryError struct {
	Op    string
	JobID string
	Err   error
}

func (e *RegistryError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job registry %s %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("job registry %s: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func IsStaleEpoch(err error) bool {
	return errors.Is(err, ErrStaleEpoch) || errors.Is(err, ErrSessionExpired)
}
