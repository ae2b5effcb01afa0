package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"regent/pkg/model"
)

// Key 的布局 (Schema Design)，都挂在 EtcdConfig.Prefix 下面
const (
	JobKeyDir        = "/jobs/"
	NodeKeyDir       = "/nodes/"
	AssignmentKeyDir = "/assignments/"
	LogKeyDir        = "/logs/"
	LeaderKeyDir     = "/leader"

	DefaultPrefix = "/regent"
)

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string
}

type EtcdManager struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

var _ ClusterStore = (*EtcdManager)(nil)

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(cfg EtcdConfig, logger *zap.Logger) (*EtcdManager, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdManager{client: cli, prefix: normalizePrefix(cfg.Prefix), logger: logger.Named("etcd")}, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		return DefaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (e *EtcdManager) Client() *clientv3.Client {
	return e.client
}

func (e *EtcdManager) Prefix() string {
	return e.prefix
}

// ElectionPrefix 选举使用的 key 前缀
func (e *EtcdManager) ElectionPrefix() string {
	return e.prefix + LeaderKeyDir
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

// RegisterNode 节点信息挂在租约上，Worker 停止心跳后会自动消失
func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node, ttl time.Duration) error {
	lease, err := e.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("grant node lease: %w", err)
	}
	key := e.prefix + NodeKeyDir + node.ID
	return e.putValue(ctx, key, node, clientv3.WithLease(lease.ID))
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, e.prefix+NodeKeyDir, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Warn("Failed to unmarshal node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// ---------------------------------------------------------
// Assignment 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) assignmentKey(jobID string) string {
	return e.prefix + AssignmentKeyDir + jobID
}

func (e *EtcdManager) BindAssignment(ctx context.Context, a *model.Assignment) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := e.assignmentKey(a.JobID)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(b))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrAssignmentExists, a.JobID)
	}
	a.Revision = resp.Header.Revision
	return nil
}

// UpdateAssignment 条件写入：key 必须仍然存在，且 ModRevision 没有变过
func (e *EtcdManager) UpdateAssignment(ctx context.Context, a *model.Assignment) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := e.assignmentKey(a.JobID)
	resp, err := e.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(key), ">", 0),
			clientv3.Compare(clientv3.ModRevision(key), "=", a.Revision),
		).
		Then(clientv3.OpPut(key, string(b))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrAssignmentConflict, a.JobID)
	}
	a.Revision = resp.Header.Revision
	return nil
}

func (e *EtcdManager) GetAssignment(ctx context.Context, jobID string) (*model.Assignment, error) {
	resp, err := e.client.Get(ctx, e.assignmentKey(jobID))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, jobID)
	}
	var a model.Assignment
	if err := json.Unmarshal(resp.Kvs[0].Value, &a); err != nil {
		return nil, fmt.Errorf("decode assignment %s: %w", jobID, err)
	}
	a.Revision = resp.Kvs[0].ModRevision
	return &a, nil
}

func (e *EtcdManager) ListAssignments(ctx context.Context) ([]*model.Assignment, error) {
	resp, err := e.client.Get(ctx, e.prefix+AssignmentKeyDir, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*model.Assignment, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var a model.Assignment
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			e.logger.Warn("Failed to unmarshal assignment", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		a.Revision = kv.ModRevision
		out = append(out, &a)
	}
	return out, nil
}

func (e *EtcdManager) DeleteAssignment(ctx context.Context, jobID string) error {
	_, err := e.client.Delete(ctx, e.assignmentKey(jobID))
	return err
}

func (e *EtcdManager) WatchAssignments(ctx context.Context) <-chan AssignmentEvent {
	return e.watchAssignments(ctx, e.prefix+AssignmentKeyDir, clientv3.WithPrefix())
}

func (e *EtcdManager) WatchAssignment(ctx context.Context, jobID string) <-chan AssignmentEvent {
	return e.watchAssignments(ctx, e.assignmentKey(jobID))
}

// watchAssignments 将 Etcd 的 Get + Watch 转换为业务 Channel
// 先回放快照，再从快照的下一个 revision 开始 Watch，中间不会漏事件。
// revision 被压缩后重新拉快照，重复的 Put 事件由消费方按状态去重。
func (e *EtcdManager) watchAssignments(ctx context.Context, key string, opts ...clientv3.OpOption) <-chan AssignmentEvent {
	eventChan := make(chan AssignmentEvent)

	go func() {
		defer close(eventChan)

		send := func(ev AssignmentEvent) bool {
			select {
			case eventChan <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for ctx.Err() == nil {
			resp, err := e.client.Get(ctx, key, opts...)
			if err != nil {
				e.logger.Warn("Failed to load assignments", zap.String("key", key), zap.Error(err))
				return
			}
			for _, kv := range resp.Kvs {
				if ev, ok := e.decodeAssignmentEvent(AssignmentPut, kv.Key, kv.Value, kv.ModRevision); ok && !send(ev) {
					return
				}
			}

			compacted := false
			watchCtx, cancel := context.WithCancel(ctx)
			watchOpts := append([]clientv3.OpOption{clientv3.WithRev(resp.Header.Revision + 1)}, opts...)
			for watchResp := range e.client.Watch(watchCtx, key, watchOpts...) {
				if err := watchResp.Err(); err != nil {
					if errors.Is(err, rpctypes.ErrCompacted) {
						e.logger.Info("Assignment watch compacted, reloading snapshot", zap.String("key", key))
						compacted = true
						break
					}
					e.logger.Warn("Assignment watch failed", zap.String("key", key), zap.Error(err))
					cancel()
					return
				}
				for _, ev := range watchResp.Events {
					eventType := AssignmentPut
					if ev.Type == clientv3.EventTypeDelete {
						eventType = AssignmentDelete
					}
					if out, ok := e.decodeAssignmentEvent(eventType, ev.Kv.Key, ev.Kv.Value, ev.Kv.ModRevision); ok && !send(out) {
						cancel()
						return
					}
				}
			}
			cancel()
			if !compacted {
				return
			}
		}
	}()

	return eventChan
}

func (e *EtcdManager) decodeAssignmentEvent(t AssignmentEventType, key, value []byte, modRev int64) (AssignmentEvent, bool) {
	jobID := strings.TrimPrefix(string(key), e.prefix+AssignmentKeyDir)
	if t == AssignmentDelete {
		return AssignmentEvent{Type: t, JobID: jobID}, true
	}
	var a model.Assignment
	if err := json.Unmarshal(value, &a); err != nil {
		e.logger.Warn("Failed to unmarshal assignment", zap.String("job_id", jobID), zap.Error(err))
		return AssignmentEvent{}, false
	}
	a.Revision = modRev
	return AssignmentEvent{Type: t, JobID: jobID, Assignment: &a}, true
}

// ---------------------------------------------------------
// Log 相关实现
// ---------------------------------------------------------

// SaveJobLog 日志挂在租约上，保留 ttl 之后自动清除
func (e *EtcdManager) SaveJobLog(ctx context.Context, jobID string, logs string, ttl time.Duration) error {
	data := map[string]string{
		"job_id":  jobID,
		"content": logs,
	}
	key := e.prefix + LogKeyDir + jobID
	if ttl <= 0 {
		return e.putValue(ctx, key, data)
	}
	lease, err := e.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("grant log lease: %w", err)
	}
	return e.putValue(ctx, key, data, clientv3.WithLease(lease.ID))
}

func (e *EtcdManager) GetJobLog(ctx context.Context, jobID string) (string, error) {
	resp, err := e.client.Get(ctx, e.prefix+LogKeyDir+jobID)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrLogNotFound, jobID)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Kvs[0].Value, &data); err != nil {
		return "", err
	}
	return data["content"], nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes), opts...)
	return err
}
