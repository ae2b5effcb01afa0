package election

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"regent/pkg/model"
)

const retryInterval = time.Second

// EtcdService 基于 concurrency.Election 的选举
// 每次 Campaign 成功都会生成新的 epoch: (uuid, leader key, create revision)
type EtcdService struct {
	client *clientv3.Client
	prefix string
	ttl    int
	logger *zap.Logger

	mu       sync.Mutex
	election *concurrency.Election
	epoch    model.LeadershipEpoch
	leading  bool
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Service = (*EtcdService)(nil)

func NewEtcdService(client *clientv3.Client, prefix string, sessionTTL time.Duration, logger *zap.Logger) *EtcdService {
	ttl := int(sessionTTL.Seconds())
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdService{client: client, prefix: prefix, ttl: ttl, logger: logger.Named("election")}
}

func (s *EtcdService) Start(ctx context.Context, contender Contender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, contender)
	return nil
}

func (s *EtcdService) run(ctx context.Context, contender Contender) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		if err := s.campaignOnce(ctx, contender); err != nil && ctx.Err() == nil {
			s.logger.Warn("Leader election round failed, retrying", zap.Error(err))
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
			}
		}
	}
}

// campaignOnce 一轮完整的选举: 建会话 -> Campaign -> 等待失去领导权 -> 通知 revoke
func (s *EtcdService) campaignOnce(ctx context.Context, contender Contender) error {
	// 会话不绑定 ctx，这样 Close 时还能撤销租约
	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(s.ttl))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	e := concurrency.NewElection(session, s.prefix)
	// 先用空值参选，确认之后再 Proclaim 地址
	if err := e.Campaign(ctx, ""); err != nil {
		return fmt.Errorf("campaign: %w", err)
	}

	epoch := model.LeadershipEpoch{
		SessionID: uuid.New().String(),
		LeaderKey: e.Key(),
		Revision:  e.Rev(),
	}
	s.mu.Lock()
	s.election, s.epoch, s.leading = e, epoch, true
	s.mu.Unlock()

	s.logger.Info("Leadership granted", zap.String("epoch", epoch.String()))
	contender.GrantLeadership(epoch)

	lost := s.watchLeaderKey(ctx, session, e.Key(), e.Rev())
	select {
	case <-lost:
		s.logger.Warn("Leadership lost", zap.String("epoch", epoch.String()))
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.election, s.epoch, s.leading = nil, model.LeadershipEpoch{}, false
	s.mu.Unlock()
	contender.RevokeLeadership()

	if ctx.Err() != nil {
		resignCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Resign(resignCtx); err != nil {
			s.logger.Debug("Resign failed", zap.Error(err))
		}
	}
	return nil
}

// watchLeaderKey 会话过期或者选举 key 被删除时关闭返回的 channel
func (s *EtcdService) watchLeaderKey(ctx context.Context, session *concurrency.Session, key string, rev int64) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		wch := s.client.Watch(watchCtx, key, clientv3.WithRev(rev))
		for {
			select {
			case <-session.Done():
				return
			case <-watchCtx.Done():
				return
			case resp, ok := <-wch:
				if !ok || resp.Err() != nil {
					return
				}
				for _, ev := range resp.Events {
					if ev.Type == clientv3.EventTypeDelete {
						return
					}
				}
			}
		}
	}()
	return lost
}

func (s *EtcdService) ConfirmLeadership(ctx context.Context, epoch model.LeadershipEpoch, address string) error {
	s.mu.Lock()
	e := s.election
	ok := s.leading && s.epoch == epoch
	s.mu.Unlock()
	if !ok || e == nil {
		return ErrNotLeader
	}

	b, err := json.Marshal(model.LeaderInfo{Address: address, SessionID: epoch.SessionID})
	if err != nil {
		return err
	}
	if err := e.Proclaim(ctx, string(b)); err != nil {
		return fmt.Errorf("proclaim leader address: %w", err)
	}
	return nil
}

func (s *EtcdService) HasLeadership(epoch model.LeadershipEpoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leading && s.epoch == epoch
}

func (s *EtcdService) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// EtcdRetriever 通过 Election.Observe 发现 Leader，忽略尚未确认的 Leader
type EtcdRetriever struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Retriever = (*EtcdRetriever)(nil)

func NewEtcdRetriever(client *clientv3.Client, prefix string, logger *zap.Logger) *EtcdRetriever {
	return &EtcdRetriever{client: client, prefix: prefix, logger: logger.Named("retriever")}
}

func (r *EtcdRetriever) Start(ctx context.Context, listener Listener) error {
	session, err := concurrency.NewSession(r.client)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer session.Close()
		e := concurrency.NewElection(session, r.prefix)
		for ctx.Err() == nil {
			for resp := range e.Observe(ctx) {
				if len(resp.Kvs) == 0 {
					continue
				}
				var info model.LeaderInfo
				if err := json.Unmarshal(resp.Kvs[0].Value, &info); err != nil || info.Address == "" {
					// 空值: Leader 还没有确认
					continue
				}
				listener.NotifyLeaderAddress(info)
			}
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
			}
		}
	}()
	return nil
}

func (r *EtcdRetriever) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}
