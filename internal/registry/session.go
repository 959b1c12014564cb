package registry

import (
	"time"

	"github.com/google/uuid"
)

// Direction 呼叫方向
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status 会话生命周期状态
type Status string

const (
	StatusCreated Status = "created"
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusFailed  Status = "failed"
)

// IsTerminal 判断是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// rank 状态单调序，回退的状态报告只合并元数据不改状态
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusRinging:
		return 1
	case StatusActive:
		return 2
	case StatusEnded, StatusFailed:
		return 3
	default:
		return -1
	}
}

// ListeningMode 坐席监听模式，决定处理哪一方的转写
type ListeningMode string

const (
	ListenAgent    ListeningMode = "agent"
	ListenCustomer ListeningMode = "customer"
	ListenBoth     ListeningMode = "both"
)

// ShouldProcess 判断该说话人是否在监听范围内
func (m ListeningMode) ShouldProcess(role Role) bool {
	switch m {
	case ListenAgent:
		return role == RoleAgent
	case ListenCustomer:
		return role == RoleCustomer
	default:
		return true
	}
}

// Session 一通逻辑呼叫，可能跨多条服务商leg
type Session struct {
	ID           uuid.UUID
	PrimaryLegID string
	AliasLegIDs  []string

	Direction     Direction
	Status        Status
	PhoneNumber   string
	AgentID       string
	ListeningMode ListeningMode

	StartTime       time.Time
	AnswerTime      time.Time
	EndTime         time.Time
	DurationSeconds int

	CurrentSentiment    string
	SentimentConfidence float64
	SentimentUpdatedAt  time.Time

	// Metadata 历次事件载荷的last-write-wins合并，仅作审计归档
	Metadata map[string]interface{}

	CreatedAt    time.Time
	LastActivity time.Time
}

// LegIDs 返回会话的全部标识（主ID在前）
func (s *Session) LegIDs() []string {
	ids := make([]string, 0, len(s.AliasLegIDs)+1)
	ids = append(ids, s.PrimaryLegID)
	ids = append(ids, s.AliasLegIDs...)
	return ids
}

// MergeMetadata 浅合并一次事件载荷，后写覆盖
func (s *Session) MergeMetadata(raw map[string]interface{}) {
	if len(raw) == 0 {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{}, len(raw))
	}
	for k, v := range raw {
		s.Metadata[k] = v
	}
}
