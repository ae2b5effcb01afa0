package model

import (
	"fmt"

	"github.com/google/uuid"
)

// LeadershipEpoch 每次授予领导权时签发的会话标识
// etcd 实现额外带上选举 key 和它的 CreateRevision，注册表写入就是用它做 fencing
type LeadershipEpoch struct {
	SessionID string `json:"session_id"`
	LeaderKey string `json:"leader_key,omitempty"`
	Revision  int64  `json:"revision,omitempty"`
}

func NewEpoch() LeadershipEpoch {
	return LeadershipEpoch{SessionID: uuid.New().String()}
}

func (e LeadershipEpoch) IsZero() bool {
	return e == LeadershipEpoch{}
}

func (e LeadershipEpoch) String() string {
	if e.LeaderKey == "" {
		return e.SessionID
	}
	return fmt.Sprintf("%s@%s#%d", e.SessionID, e.LeaderKey, e.Revision)
}

// LeaderInfo 发布给 LeaderRetrieval 的内容
type LeaderInfo struct {
	Address   string `json:"address"`
	SessionID string `json:"session_id"`
}
