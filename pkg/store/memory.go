package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"regent/pkg/model"
)

// MemoryBackend 进程内的持久层替身，跨 epoch 共享，测试里当作 "协调服务"
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
	fault   func(op, jobID string) error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string][]byte)}
}

// JobIDs 直接读取后端，绕过领导权校验
func (b *MemoryBackend) JobIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PutRaw 写入任意字节，用来模拟损坏的条目
func (b *MemoryBackend) PutRaw(jobID string, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[jobID] = append([]byte(nil), raw...)
}

// SetFault 注入故障，fn 返回非 nil 时对应操作失败
func (b *MemoryBackend) SetFault(fn func(op, jobID string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = fn
}

func (b *MemoryBackend) injected(op, jobID string) error {
	b.mu.RLock()
	fn := b.fault
	b.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, jobID)
}

type MemoryRegistryFactory struct {
	backend *MemoryBackend
	fence   LeadershipFence
}

var _ RegistryFactory = (*MemoryRegistryFactory)(nil)

func NewMemoryRegistryFactory(backend *MemoryBackend, fence LeadershipFence) *MemoryRegistryFactory {
	return &MemoryRegistryFactory{backend: backend, fence: fence}
}

func (f *MemoryRegistryFactory) Create(_ context.Context, epoch model.LeadershipEpoch) (JobRegistry, error) {
	if err := f.backend.injected(OpCreate, ""); err != nil {
		return nil, &RegistryError{Op: OpCreate, Err: err}
	}
	if !f.fence.HasLeadership(epoch) {
		return nil, &RegistryError{Op: OpCreate, Err: ErrStaleEpoch}
	}
	return &memoryRegistry{backend: f.backend, fence: f.fence, epoch: epoch}, nil
}

type memoryRegistry struct {
	backend *MemoryBackend
	fence   LeadershipFence
	epoch   model.LeadershipEpoch
	closed  atomic.Bool
}

// mutate 持有 backend 写锁校验领导权并写入，撤销不会插在校验和写入之间，
// 效果与 etcd 的条件事务一致
func (r *memoryRegistry) mutate(op, jobID string, apply func(entries map[string][]byte)) error {
	if r.closed.Load() {
		return &RegistryError{Op: op, JobID: jobID, Err: ErrRegistryClosed}
	}
	if err := r.backend.injected(op, jobID); err != nil {
		return &RegistryError{Op: op, JobID: jobID, Err: err}
	}

	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()
	if !r.fence.HasLeadership(r.epoch) {
		return &RegistryError{Op: op, JobID: jobID, Err: ErrStaleEpoch}
	}
	apply(r.backend.entries)
	return nil
}

func (r *memoryRegistry) PutJobDescriptor(_ context.Context, desc *model.JobDescriptor) error {
	b, err := json.Marshal(desc)
	if err != nil {
		return &RegistryError{Op: OpPut, JobID: desc.ID, Err: err}
	}
	return r.mutate(OpPut, desc.ID, func(entries map[string][]byte) {
		entries[desc.ID] = b
	})
}

func (r *memoryRegistry) RemoveJobDescriptor(_ context.Context, jobID string) error {
	return r.mutate(OpRemove, jobID, func(entries map[string][]byte) {
		delete(entries, jobID)
	})
}

func (r *memoryRegistry) GetAllJobIDs(_ context.Context) ([]string, error) {
	if err := r.backend.injected(OpList, ""); err != nil {
		return nil, &RegistryError{Op: OpList, Err: err}
	}
	return r.backend.JobIDs(), nil
}

func (r *memoryRegistry) RecoverJobDescriptor(_ context.Context, jobID string) (*model.JobDescriptor, error) {
	if err := r.backend.injected(OpRecover, jobID); err != nil {
		return nil, &RegistryError{Op: OpRecover, JobID: jobID, Err: err}
	}
	r.backend.mu.RLock()
	raw, ok := r.backend.entries[jobID]
	r.backend.mu.RUnlock()
	if !ok {
		return nil, &RegistryError{Op: OpRecover, JobID: jobID, Err: ErrJobNotFound}
	}
	return decodeDescriptor(jobID, raw)
}

func (r *memoryRegistry) Close() error {
	r.closed.Store(true)
	return nil
}
