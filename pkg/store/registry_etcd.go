package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"regent/pkg/model"
)

// EtcdRegistryFactory 基于 Etcd 的 JobRegistry 工厂
//
// 每个写操作都是一个事务: If(选举 key 的 CreateRevision == epoch.Revision) Then(Put/Delete)
// 会话过期后选举 key 随租约一起消失，比较失败，写入被 Etcd 自身拒绝
type EtcdRegistryFactory struct {
	client *clientv3.Client
	prefix string
}

var _ RegistryFactory = (*EtcdRegistryFactory)(nil)

func NewEtcdRegistryFactory(m *EtcdManager) *EtcdRegistryFactory {
	return &EtcdRegistryFactory{client: m.Client(), prefix: m.Prefix() + JobKeyDir}
}

func (f *EtcdRegistryFactory) Create(ctx context.Context, epoch model.LeadershipEpoch) (JobRegistry, error) {
	if epoch.LeaderKey == "" || epoch.Revision == 0 {
		return nil, &RegistryError{Op: OpCreate, Err: fmt.Errorf("%w: epoch %s carries no etcd fence", ErrStaleEpoch, epoch)}
	}
	resp, err := f.client.Get(ctx, epoch.LeaderKey)
	if err != nil {
		return nil, &RegistryError{Op: OpCreate, Err: err}
	}
	if len(resp.Kvs) == 0 {
		return nil, &RegistryError{Op: OpCreate, Err: ErrSessionExpired}
	}
	if resp.Kvs[0].CreateRevision != epoch.Revision {
		return nil, &RegistryError{Op: OpCreate, Err: ErrStaleEpoch}
	}
	return &etcdRegistry{client: f.client, prefix: f.prefix, epoch: epoch}, nil
}

type etcdRegistry struct {
	client *clientv3.Client
	prefix string
	epoch  model.LeadershipEpoch
	closed atomic.Bool
}

func (r *etcdRegistry) key(jobID string) string {
	return r.prefix + jobID
}

func (r *etcdRegistry) fence() clientv3.Cmp {
	return clientv3.Compare(clientv3.CreateRevision(r.epoch.LeaderKey), "=", r.epoch.Revision)
}

// guardedTxn 在 fence 成立时执行 op，否则返回 ErrStaleEpoch
func (r *etcdRegistry) guardedTxn(ctx context.Context, op clientv3.Op) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	resp, err := r.client.Txn(ctx).If(r.fence()).Then(op).Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrStaleEpoch
	}
	return nil
}

func (r *etcdRegistry) PutJobDescriptor(ctx context.Context, desc *model.JobDescriptor) error {
	b, err := json.Marshal(desc)
	if err != nil {
		return &RegistryError{Op: OpPut, JobID: desc.ID, Err: err}
	}
	if err := r.guardedTxn(ctx, clientv3.OpPut(r.key(desc.ID), string(b))); err != nil {
		return &RegistryError{Op: OpPut, JobID: desc.ID, Err: err}
	}
	return nil
}

func (r *etcdRegistry) RemoveJobDescriptor(ctx context.Context, jobID string) error {
	// 删除不存在的 key 在 Etcd 里也是成功的，天然幂等
	if err := r.guardedTxn(ctx, clientv3.OpDelete(r.key(jobID))); err != nil {
		return &RegistryError{Op: OpRemove, JobID: jobID, Err: err}
	}
	return nil
}

func (r *etcdRegistry) GetAllJobIDs(ctx context.Context) ([]string, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, &RegistryError{Op: OpList, Err: err}
	}
	ids := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ids = append(ids, strings.TrimPrefix(string(kv.Key), r.prefix))
	}
	return ids, nil
}

func (r *etcdRegistry) RecoverJobDescriptor(ctx context.Context, jobID string) (*model.JobDescriptor, error) {
	resp, err := r.client.Get(ctx, r.key(jobID))
	if err != nil {
		return nil, &RegistryError{Op: OpRecover, JobID: jobID, Err: err}
	}
	if len(resp.Kvs) == 0 {
		return nil, &RegistryError{Op: OpRecover, JobID: jobID, Err: ErrJobNotFound}
	}
	return decodeDescriptor(jobID, resp.Kvs[0].Value)
}

func (r *etcdRegistry) Close() error {
	r.closed.Store(true)
	return nil
}

func decodeDescriptor(jobID string, raw []byte) (*model.JobDescriptor, error) {
	var desc model.JobDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, &RegistryError{Op: OpRecover, JobID: jobID, Err: fmt.Errorf("%w: %v", ErrCorruptDescriptor, err)}
	}
	if desc.ID != jobID {
		return nil, &RegistryError{Op: OpRecover, JobID: jobID, Err: fmt.Errorf("%w: stored id %q", ErrCorruptDescriptor, desc.ID)}
	}
	return &desc, nil
}
