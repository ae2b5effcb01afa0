// Package election 封装领导选举与领导者发现
//
// Service 同一时刻只向一个注册的 Contender 推送 grant/revoke，二者严格交替；
// Retriever 供远程调用方发现当前 Leader 的地址，只有确认 (ConfirmLeadership) 之后才会被发布。
package election

import (
	"context"
	"errors"

	"regent/pkg/model"
)

var (
	ErrNotLeader      = errors.New("election: not the leader for this epoch")
	ErrAlreadyStarted = errors.New("election: contender already registered")
)

// Contender 接收领导权变化的回调
type Contender interface {
	GrantLeadership(epoch model.LeadershipEpoch)
	RevokeLeadership()
	HandleError(err error)
}

type Service interface {
	Start(ctx context.Context, contender Contender) error

	// ConfirmLeadership 在 Leader 真正可用之后发布地址
	ConfirmLeadership(ctx context.Context, epoch model.LeadershipEpoch, address string) error

	HasLeadership(epoch model.LeadershipEpoch) bool
	Stop() error
}

// Listener 接收 Leader 地址变化，零值 LeaderInfo 表示当前没有 Leader
type Listener interface {
	NotifyLeaderAddress(info model.LeaderInfo)
}

type ListenerFunc func(info model.LeaderInfo)

func (f ListenerFunc) NotifyLeaderAddress(info model.LeaderInfo) { f(info) }

type Retriever interface {
	Start(ctx context.Context, listener Listener) error
	Stop() error
}
