package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"regent/pkg/model"
)

// MemoryClusterStore 进程内的 ClusterStore，节点不会自动过期，用 ExpireNode 模拟租约到期
type MemoryClusterStore struct {
	mu          sync.Mutex
	nodes       map[string][]byte
	assignments map[string]memoryRecord
	logs        map[string]string
	watchers    map[*memoryWatcher]struct{}
	revision    int64 // 单调递增，模拟 etcd 的全局 revision
}

type memoryRecord struct {
	data     []byte
	revision int64
}

type memoryWatcher struct {
	jobID string // 为空表示关注全部
	ctx   context.Context
	ch    chan AssignmentEvent
}

var _ ClusterStore = (*MemoryClusterStore)(nil)

func NewMemoryClusterStore() *MemoryClusterStore {
	return &MemoryClusterStore{
		nodes:       make(map[string][]byte),
		assignments: make(map[string]memoryRecord),
		logs:        make(map[string]string),
		watchers:    make(map[*memoryWatcher]struct{}),
	}
}

func (m *MemoryClusterStore) RegisterNode(_ context.Context, node *model.Node, _ time.Duration) error {
	b, err := json.Marshal(node)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = b
	return nil
}

// ExpireNode 模拟节点租约到期
func (m *MemoryClusterStore) ExpireNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

func (m *MemoryClusterStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Node, 0, len(m.nodes))
	for _, b := range m.nodes {
		var n model.Node
		if err := json.Unmarshal(b, &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryClusterStore) BindAssignment(_ context.Context, a *model.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrAssignmentExists, a.JobID)
	}
	return m.putLocked(a)
}

func (m *MemoryClusterStore) UpdateAssignment(_ context.Context, a *model.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.assignments[a.JobID]
	if !ok || rec.revision != a.Revision {
		return fmt.Errorf("%w: %s", ErrAssignmentConflict, a.JobID)
	}
	return m.putLocked(a)
}

func (m *MemoryClusterStore) putLocked(a *model.Assignment) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	m.revision++
	m.assignments[a.JobID] = memoryRecord{data: b, revision: m.revision}
	a.Revision = m.revision

	cp, _ := decodeRecord(m.assignments[a.JobID])
	m.notifyLocked(AssignmentEvent{Type: AssignmentPut, JobID: a.JobID, Assignment: cp})
	return nil
}

func decodeRecord(rec memoryRecord) (*model.Assignment, error) {
	var a model.Assignment
	if err := json.Unmarshal(rec.data, &a); err != nil {
		return nil, err
	}
	a.Revision = rec.revision
	return &a, nil
}

func (m *MemoryClusterStore) GetAssignment(_ context.Context, jobID string) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.assignments[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, jobID)
	}
	return decodeRecord(rec)
}

func (m *MemoryClusterStore) ListAssignments(_ context.Context) ([]*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked("")
}

func (m *MemoryClusterStore) listLocked(jobID string) ([]*model.Assignment, error) {
	out := make([]*model.Assignment, 0, len(m.assignments))
	for id, rec := range m.assignments {
		if jobID != "" && id != jobID {
			continue
		}
		a, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (m *MemoryClusterStore) DeleteAssignment(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[jobID]; !ok {
		return nil
	}
	delete(m.assignments, jobID)
	m.notifyLocked(AssignmentEvent{Type: AssignmentDelete, JobID: jobID})
	return nil
}

func (m *MemoryClusterStore) WatchAssignments(ctx context.Context) <-chan AssignmentEvent {
	return m.watch(ctx, "")
}

func (m *MemoryClusterStore) WatchAssignment(ctx context.Context, jobID string) <-chan AssignmentEvent {
	return m.watch(ctx, jobID)
}

// watch 与 etcd 实现一致：先回放快照，再推送之后的变化
func (m *MemoryClusterStore) watch(ctx context.Context, jobID string) <-chan AssignmentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, _ := m.listLocked(jobID)
	w := &memoryWatcher{jobID: jobID, ctx: ctx, ch: make(chan AssignmentEvent, len(snapshot)+64)}
	for _, a := range snapshot {
		w.ch <- AssignmentEvent{Type: AssignmentPut, JobID: a.JobID, Assignment: a}
	}
	m.watchers[w] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, w)
		close(w.ch)
	}()
	return w.ch
}

func (m *MemoryClusterStore) notifyLocked(ev AssignmentEvent) {
	for w := range m.watchers {
		if w.jobID != "" && w.jobID != ev.JobID {
			continue
		}
		select {
		case w.ch <- ev:
		case <-w.ctx.Done():
		}
	}
}

func (m *MemoryClusterStore) SaveJobLog(_ context.Context, jobID string, logs string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[jobID] = logs
	return nil
}

func (m *MemoryClusterStore) GetJobLog(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs, ok := m.logs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrLogNotFound, jobID)
	}
	return logs, nil
}
