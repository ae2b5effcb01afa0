package election

import (
	"context"
	"sync"

	"regent/pkg/future"
	"regent/pkg/model"
)

// TestingService 由测试手动驱动的选举服务，同时实现 store.LeadershipFence
type TestingService struct {
	mu        sync.Mutex
	contender Contender
	epoch     model.LeadershipEpoch
	leading   bool
	confirmed *future.Future[model.LeaderInfo]
}

var _ Service = (*TestingService)(nil)

func NewTestingService() *TestingService {
	return &TestingService{}
}

func (s *TestingService) Start(_ context.Context, contender Contender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contender != nil {
		return ErrAlreadyStarted
	}
	s.contender = contender
	return nil
}

// GrantLeadership 签发新的 epoch，返回的 future 在 Contender 确认领导权后完成
func (s *TestingService) GrantLeadership() (model.LeadershipEpoch, *future.Future[model.LeaderInfo]) {
	s.mu.Lock()
	epoch := model.NewEpoch()
	s.epoch, s.leading = epoch, true
	confirmed := future.New[model.LeaderInfo]()
	s.confirmed = confirmed
	c := s.contender
	s.mu.Unlock()

	if c != nil {
		c.GrantLeadership(epoch)
	}
	return epoch, confirmed
}

// RevokeLeadership 撤销当前 epoch，之后该 epoch 的写入都会被拒绝
func (s *TestingService) RevokeLeadership() {
	s.mu.Lock()
	s.epoch, s.leading = model.LeadershipEpoch{}, false
	if s.confirmed != nil {
		s.confirmed.Fail(ErrNotLeader)
	}
	c := s.contender
	s.mu.Unlock()

	if c != nil {
		c.RevokeLeadership()
	}
}

func (s *TestingService) Epoch() model.LeadershipEpoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *TestingService) ConfirmLeadership(_ context.Context, epoch model.LeadershipEpoch, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.leading || s.epoch != epoch {
		return ErrNotLeader
	}
	s.confirmed.Complete(model.LeaderInfo{Address: address, SessionID: epoch.SessionID})
	return nil
}

func (s *TestingService) HasLeadership(epoch model.LeadershipEpoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leading && !epoch.IsZero() && s.epoch == epoch
}

func (s *TestingService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contender = nil
	return nil
}

// SettableRetriever 测试用，地址由调用方直接设置
type SettableRetriever struct {
	mu       sync.Mutex
	listener Listener
	leader   model.LeaderInfo
}

var _ Retriever = (*SettableRetriever)(nil)

func NewSettableRetriever() *SettableRetriever {
	return &SettableRetriever{}
}

func (r *SettableRetriever) Start(_ context.Context, listener Listener) error {
	r.mu.Lock()
	r.listener = listener
	leader := r.leader
	r.mu.Unlock()
	if leader.Address != "" {
		listener.NotifyLeaderAddress(leader)
	}
	return nil
}

func (r *SettableRetriever) NotifyListener(info model.LeaderInfo) {
	r.mu.Lock()
	r.leader = info
	l := r.listener
	r.mu.Unlock()
	if l != nil {
		l.NotifyLeaderAddress(info)
	}
}

func (r *SettableRetriever) Leader() model.LeaderInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader
}

func (r *SettableRetriever) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = nil
	return nil
}
