package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regent/pkg/model"
)

type fakeFence struct {
	mu     sync.Mutex
	leader model.LeadershipEpoch
}

func (f *fakeFence) set(e model.LeadershipEpoch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = e
}

func (f *fakeFence) HasLeadership(e model.LeadershipEpoch) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !e.IsZero() && f.leader == e
}

func newTestRegistry(t *testing.T) (*MemoryBackend, *fakeFence, JobRegistry, model.LeadershipEpoch) {
	t.Helper()
	backend := NewMemoryBackend()
	fence := &fakeFence{}
	epoch := model.NewEpoch()
	fence.set(epoch)
	reg, err := NewMemoryRegistryFactory(backend, fence).Create(context.Background(), epoch)
	require.NoError(t, err)
	return backend, fence, reg, epoch
}

func TestMemoryRegistryPutRecoverRemove(t *testing.T) {
	ctx := context.Background()
	backend, _, reg, _ := newTestRegistry(t)

	desc := &model.JobDescriptor{ID: "job-1", Name: "test", ArtifactKeys: []string{"job-1/abc"}}
	require.NoError(t, reg.PutJobDescriptor(ctx, desc))

	ids, err := reg.GetAllJobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	got, err := reg.RecoverJobDescriptor(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, desc.ArtifactKeys, got.ArtifactKeys)

	require.NoError(t, reg.RemoveJobDescriptor(ctx, "job-1"))
	// 第二次删除同样成功
	require.NoError(t, reg.RemoveJobDescriptor(ctx, "job-1"))
	assert.Empty(t, backend.JobIDs())

	_, err = reg.RecoverJobDescriptor(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryRegistryRejectsStaleEpoch(t *testing.T) {
	ctx := context.Background()
	backend, fence, reg, _ := newTestRegistry(t)
	require.NoError(t, reg.PutJobDescriptor(ctx, &model.JobDescriptor{ID: "job-1"}))

	fence.set(model.NewEpoch())

	err := reg.PutJobDescriptor(ctx, &model.JobDescriptor{ID: "job-2"})
	assert.ErrorIs(t, err, ErrStaleEpoch)
	assert.True(t, IsStaleEpoch(err))

	err = reg.RemoveJobDescriptor(ctx, "job-1")
	assert.ErrorIs(t, err, ErrStaleEpoch)
	assert.Equal(t, []string{"job-1"}, backend.JobIDs())

	var regErr *RegistryError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, OpRemove, regErr.Op)
	assert.Equal(t, "job-1", regErr.JobID)
}

func TestMemoryRegistryFactoryRequiresLeadership(t *testing.T) {
	fence := &fakeFence{}
	factory := NewMemoryRegistryFactory(NewMemoryBackend(), fence)

	_, err := factory.Create(context.Background(), model.NewEpoch())
	assert.ErrorIs(t, err, ErrStaleEpoch)
}

func TestMemoryRegistryClosed(t *testing.T) {
	_, _, reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Close())
	err := reg.PutJobDescriptor(context.Background(), &model.JobDescriptor{ID: "job-1"})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestMemoryRegistryCorruptDescriptor(t *testing.T) {
	backend, _, reg, _ := newTestRegistry(t)
	backend.PutRaw("bad", []byte("{not json"))
	backend.PutRaw("mismatch", []byte(`{"id":"other"}`))

	_, err := reg.RecoverJobDescriptor(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrCorruptDescriptor)

	_, err = reg.RecoverJobDescriptor(context.Background(), "mismatch")
	assert.ErrorIs(t, err, ErrCorruptDescriptor)
}

func TestMemoryRegistryFaultInjection(t *testing.T) {
	backend, _, reg, _ := newTestRegistry(t)
	boom := errors.New("boom")
	backend.SetFault(func(op, jobID string) error {
		if op == OpPut {
			return boom
		}
		return nil
	})
	err := reg.PutJobDescriptor(context.Background(), &model.JobDescriptor{ID: "job-1"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, backend.JobIDs())
}

// lockCheckingFence 记录领导权校验时 backend 写锁是否被持有
type lockCheckingFence struct {
	backend   *MemoryBackend
	unguarded int
}

func (f *lockCheckingFence) HasLeadership(model.LeadershipEpoch) bool {
	if f.backend.mu.TryRLock() {
		f.backend.mu.RUnlock()
		f.unguarded++
	}
	return true
}

func TestMemoryRegistryFenceCheckedUnderBackendLock(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	fence := &lockCheckingFence{backend: backend}
	reg, err := NewMemoryRegistryFactory(backend, fence).Create(ctx, model.NewEpoch())
	require.NoError(t, err)
	fence.unguarded = 0

	require.NoError(t, reg.PutJobDescriptor(ctx, &model.JobDescriptor{ID: "job-1"}))
	require.NoError(t, reg.RemoveJobDescriptor(ctx, "job-1"))
	assert.Zero(t, fence.unguarded, "leadership must be checked atomically with the write")
}

func TestMemoryClusterStoreConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	cs := NewMemoryClusterStore()
	require.NoError(t, cs.BindAssignment(ctx, &model.Assignment{JobID: "job-1", State: model.JobPending}))

	first, err := cs.GetAssignment(ctx, "job-1")
	require.NoError(t, err)
	second, err := cs.GetAssignment(ctx, "job-1")
	require.NoError(t, err)

	first.State = model.JobRunning
	require.NoError(t, cs.UpdateAssignment(ctx, first))

	// 基于旧版本的写入被拒绝
	second.CancelRequested = true
	assert.ErrorIs(t, cs.UpdateAssignment(ctx, second), ErrAssignmentConflict)

	got, err := ModifyAssignment(ctx, cs, "job-1", func(a *model.Assignment) bool {
		a.CancelRequested = true
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.State)
	assert.True(t, got.CancelRequested)

	require.NoError(t, cs.DeleteAssignment(ctx, "job-1"))
	assert.ErrorIs(t, cs.UpdateAssignment(ctx, got), ErrAssignmentConflict)
	_, err = ModifyAssignment(ctx, cs, "job-1", func(*model.Assignment) bool { return true })
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, DefaultPrefix, normalizePrefix(""))
	assert.Equal(t, "/cluster-a", normalizePrefix("cluster-a/"))
	assert.Equal(t, "/x/y", normalizePrefix(" /x/y "))
}
