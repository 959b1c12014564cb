// Package registry 维护服务商leg标识到逻辑会话的权威映射
//
// 同一通呼叫的多条leg（如WebRTC腿与PSTN腿）必须收敛到同一个
// Session，别名合并是幂等且与事件到达顺序无关的。
package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"LiveCallAssist/internal/event"
)

// ErrUnknownSession 事件标识无法归属任何会话且无活跃会话可兜底
var ErrUnknownSession = errors.New("registry: no session for event identities")

// Registry 会话注册表，进程内缓存，多事件单元并发读写安全
type Registry struct {
	mu       sync.RWMutex
	byLeg    map[string]*Session
	sessions map[uuid.UUID]*Session

	// 每会话互斥锁，事件单元串行化同一会话的身份合并与窗口追加
	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

// New 创建会话注册表
func New() *Registry {
	return &Registry{
		byLeg:    make(map[string]*Session),
		sessions: make(map[uuid.UUID]*Session),
		locks:    make(map[uuid.UUID]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve 将一次事件携带的标识集合解析为唯一会话
//
// 任一标识命中已有会话时返回它，并把本次新出现的标识并入别名集。
// 全部未命中时：事件信号会话开始（转写、录音、非终态呼叫状态）则
// 新建会话；仅终态事件兜底到最近活跃的active会话——该启发式可能
// 错误归属，命中时记录日志供审计。
//
// 会话字段一律在会话锁内读写：r.mu只保护索引映射，Resolve内部对
// 字段的触碰都经过sessionLock，锁序固定为 r.mu → 会话锁。
func (r *Registry) Resolve(ids []string, direction Direction, signalsStart bool) (*Session, bool, error) {
	ids = dedupeNonEmpty(ids)
	if len(ids) == 0 {
		return nil, false, ErrUnknownSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if sess, ok := r.byLeg[id]; ok {
			r.attachLocked(sess, ids)
			return sess, false, nil
		}
	}

	if signalsStart {
		sess := r.createLocked(ids, direction)
		return sess, true, nil
	}

	// 兜底：挂到最近活跃的会话上，可能跨并发呼叫错误归属
	if sess := r.mostRecentActiveLocked(); sess != nil {
		log.Printf("registry: unresolved identities %v attached to most-recent active session %s (heuristic)", ids, sess.ID)
		r.attachLocked(sess, ids)
		return sess, false, nil
	}

	return nil, false, ErrUnknownSession
}

// createLocked 新建会话并索引全部标识，调用方持有r.mu
func (r *Registry) createLocked(ids []string, direction Direction) *Session {
	if direction != DirectionInbound && direction != DirectionOutbound {
		direction = DirectionOutbound
	}

	now := r.now()
	sess := &Session{
		ID:            uuid.New(),
		PrimaryLegID:  ids[0],
		Direction:     direction,
		Status:        StatusCreated,
		ListeningMode: ListenBoth,
		CreatedAt:     now,
		LastActivity:  now,
	}
	for _, id := range ids {
		r.byLeg[id] = sess
		if id != sess.PrimaryLegID {
			sess.AliasLegIDs = append(sess.AliasLegIDs, id)
		}
	}
	r.sessions[sess.ID] = sess
	log.Printf("registry: created session %s primary=%s direction=%s", sess.ID, sess.PrimaryLegID, sess.Direction)
	return sess
}

// attachLocked 将本次事件新出现的标识并入会话别名集并刷新活跃时间
// （幂等）。索引映射在r.mu内改，会话字段在会话锁内改。
func (r *Registry) attachLocked(sess *Session, ids []string) {
	var fresh []string
	for _, id := range ids {
		if _, ok := r.byLeg[id]; ok {
			continue
		}
		r.byLeg[id] = sess
		fresh = append(fresh, id)
		log.Printf("registry: session %s gained alias leg %s", sess.ID, id)
	}

	mu := r.sessionLock(sess.ID)
	mu.Lock()
	sess.AliasLegIDs = append(sess.AliasLegIDs, fresh...)
	sess.LastActivity = r.now()
	mu.Unlock()
}

// Get 按会话ID查找
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// GetByLeg 按leg标识查找
func (r *Registry) GetByLeg(legID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byLeg[legID]
	return sess, ok
}

// ActiveCount 未到终态的会话数
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sess := range r.sessions {
		mu := r.sessionLock(sess.ID)
		mu.Lock()
		terminal := sess.Status.IsTerminal()
		mu.Unlock()
		if !terminal {
			n++
		}
	}
	return n
}

// mostRecentActiveLocked 最近有活动的active会话，调用方持有r.mu
func (r *Registry) mostRecentActiveLocked() *Session {
	var best *Session
	var bestAt time.Time
	for _, sess := range r.sessions {
		mu := r.sessionLock(sess.ID)
		mu.Lock()
		active := sess.Status == StatusActive
		at := sess.LastActivity
		mu.Unlock()
		if !active {
			continue
		}
		if best == nil || at.After(bestAt) {
			best, bestAt = sess, at
		}
	}
	return best
}

// sessionLock 取会话级互斥锁（只取不加锁），不存在则创建
func (r *Registry) sessionLock(id uuid.UUID) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	return mu
}

// Lock 取得会话级互斥锁并加锁，返回解锁函数
//
// Session字段的一切读写都必须持有本锁：管线的身份合并与窗口追加、
// ApplyCallState/FillIdentity这类字段变更都由调用方包在锁内。检索
// 等阻塞的外部调用只读窗口快照，不得持有此锁。
func (r *Registry) Lock(id uuid.UUID) func() {
	mu := r.sessionLock(id)
	mu.Lock()
	return mu.Unlock
}

// Snapshot 在会话锁内取字段快照，供落库等锁外读取使用
func (r *Registry) Snapshot(sess *Session) Session {
	unlock := r.Lock(sess.ID)
	defer unlock()

	cp := *sess
	cp.AliasLegIDs = append([]string(nil), sess.AliasLegIDs...)
	if sess.Metadata != nil {
		m := make(map[string]interface{}, len(sess.Metadata))
		for k, v := range sess.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}
	return cp
}

// ApplyCallState 按状态机推进会话，返回状态是否变化
//
// 状态单调推进：created→ringing→active→ended，任意非终态可直达
// failed。过期的状态报告不改状态字段，但元数据仍然合并。
// 调用方必须持有该会话的Lock。
func (r *Registry) ApplyCallState(sess *Session, ev *event.CallState) bool {
	target := stateToStatus(ev.State)
	if target == "" {
		sess.MergeMetadata(ev.Raw)
		return false
	}

	if !ev.StartTime.IsZero() && sess.StartTime.IsZero() {
		sess.StartTime = ev.StartTime
	}
	if !ev.AnswerTime.IsZero() && sess.AnswerTime.IsZero() {
		sess.AnswerTime = ev.AnswerTime
	}

	changed := false
	switch {
	case target == StatusFailed && !sess.Status.IsTerminal():
		sess.Status = StatusFailed
		sess.EndTime = r.endTimeFor(ev)
		changed = true
	case target == StatusEnded && !sess.Status.IsTerminal():
		sess.Status = StatusEnded
		sess.EndTime = r.endTimeFor(ev)
		sess.DurationSeconds = r.durationFor(sess, ev)
		changed = true
	case target.rank() > sess.Status.rank() && !sess.Status.IsTerminal():
		sess.Status = target
		changed = true
	}

	sess.MergeMetadata(ev.Raw)
	sess.LastActivity = r.now()
	return changed
}

// FillIdentity 首次出现时填充坐席与号码，已有值不覆盖
func (r *Registry) FillIdentity(sess *Session, agentID, phoneNumber string) {
	if sess.AgentID == "" && agentID != "" {
		sess.AgentID = agentID
	}
	if sess.PhoneNumber == "" && phoneNumber != "" {
		sess.PhoneNumber = phoneNumber
	}
}

// FillDirection 仅在存量方向为空时写入
func (r *Registry) FillDirection(sess *Session, direction Direction) {
	if sess.Direction == "" && (direction == DirectionInbound || direction == DirectionOutbound) {
		sess.Direction = direction
	}
}

// endTimeFor 优先使用服务商的结束时间戳
func (r *Registry) endTimeFor(ev *event.CallState) time.Time {
	if !ev.EndTime.IsZero() {
		return ev.EndTime
	}
	return r.now()
}

// durationFor 时长优先取服务商的answer/end，终点事件缺字段时补上
// 早先事件已填充的会话时间戳，都拿不到才退回本地时间
func (r *Registry) durationFor(sess *Session, ev *event.CallState) int {
	answer := ev.AnswerTime
	if answer.IsZero() {
		answer = sess.AnswerTime
	}
	end := ev.EndTime
	if end.IsZero() {
		end = sess.EndTime
	}
	if !answer.IsZero() && !end.IsZero() {
		return int(end.Sub(answer) / time.Second)
	}
	if !sess.StartTime.IsZero() && !sess.EndTime.IsZero() {
		return int(sess.EndTime.Sub(sess.StartTime) / time.Second)
	}
	return 0
}

// stateToStatus 服务商状态标签到生命周期状态
func stateToStatus(state string) Status {
	switch state {
	case "created":
		return StatusCreated
	case "ringing":
		return StatusRinging
	case "answered":
		return StatusActive
	case "ended", "completed":
		return StatusEnded
	case "failed":
		return StatusFailed
	default:
		return ""
	}
}

// dedupeNonEmpty 去重并剔除空标识，保持首现顺序
func dedupeNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
