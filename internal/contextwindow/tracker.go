// Package contextwindow 维护每个会话的近期话语滑动窗口
//
// 窗口同时受条数上限与时间视界约束，取两者中更紧的一个；
// 每次追加后重新裁剪。触发判定只看窗口内条数，刻意低延迟：
// 有来回对话就触发检索，而不是等呼叫结束。
package contextwindow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Utterance 窗口内的一条话语快照
type Utterance struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Speaker    string
	Text       string
	Confidence float64
	Sentiment  string
	Score      float64
	Timestamp  time.Time
	arrival    uint64 // 到达序，时间戳相同时的平局裁决
}

// Config 窗口参数
type Config struct {
	MaxItems int           // 默认10条
	Horizon  time.Duration // 默认2分钟
	MinCount int           // 触发检索的最少条数，默认2
}

// DefaultConfig 返回默认窗口参数
func DefaultConfig() Config {
	return Config{
		MaxItems: 10,
		Horizon:  2 * time.Minute,
		MinCount: 2,
	}
}

// Tracker 按会话维护窗口，各会话相互独立
type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	windows map[uuid.UUID][]Utterance
	arrival uint64
	now     func() time.Time
}

// NewTracker 创建窗口跟踪器
func NewTracker(cfg Config) *Tracker {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 2 * time.Minute
	}
	if cfg.MinCount <= 0 {
		cfg.MinCount = 2
	}
	return &Tracker{
		cfg:     cfg,
		windows: make(map[uuid.UUID][]Utterance),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append 追加一条话语并返回裁剪后的窗口快照
//
// 快照是副本，调用方可在会话锁之外安全读取。
func (t *Tracker) Append(sessionID uuid.UUID, u Utterance) []Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.arrival++
	u.arrival = t.arrival
	u.SessionID = sessionID

	win := append(t.windows[sessionID], u)

	// 时间戳非降序，相同时间戳按到达序
	sort.SliceStable(win, func(i, j int) bool {
		if win[i].Timestamp.Equal(win[j].Timestamp) {
			return win[i].arrival < win[j].arrival
		}
		return win[i].Timestamp.Before(win[j].Timestamp)
	})

	win = t.pruneLocked(win)
	t.windows[sessionID] = win

	return snapshot(win)
}

// Snapshot 返回当前窗口副本，不追加
func (t *Tracker) Snapshot(sessionID uuid.UUID) []Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()

	win := t.pruneLocked(t.windows[sessionID])
	t.windows[sessionID] = win
	return snapshot(win)
}

// ShouldTrigger 窗口内话语达到最少条数即可触发检索
func (t *Tracker) ShouldTrigger(sessionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	win := t.pruneLocked(t.windows[sessionID])
	t.windows[sessionID] = win
	return len(win) >= t.cfg.MinCount
}

// Drop 会话结束后释放窗口
func (t *Tracker) Drop(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, sessionID)
}

// pruneLocked 按时间视界与条数上限裁剪，调用方持有t.mu
func (t *Tracker) pruneLocked(win []Utterance) []Utterance {
	cutoff := t.now().Add(-t.cfg.Horizon)
	i := 0
	for i < len(win) && win[i].Timestamp.Before(cutoff) {
		i++
	}
	win = win[i:]

	if len(win) > t.cfg.MaxItems {
		win = win[len(win)-t.cfg.MaxItems:]
	}
	return win
}

func snapshot(win []Utterance) []Utterance {
	out := make([]Utterance, len(win))
	copy(out, win)
	return out
}
