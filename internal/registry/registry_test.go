package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveCallAssist/internal/event"
)

func TestResolveCreatesSession(t *testing.T) {
	r := New()

	sess, created, err := r.Resolve([]string{"leg-1"}, DirectionInbound, true)
	require.NoError(t, err)
	require.True(t, created)

	assert.Equal(t, "leg-1", sess.PrimaryLegID)
	assert.Equal(t, DirectionInbound, sess.Direction)
	assert.Equal(t, StatusCreated, sess.Status)
	assert.Equal(t, ListenBoth, sess.ListeningMode)
}

func TestResolveMergesAliases(t *testing.T) {
	r := New()

	sess, _, err := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)
	require.NoError(t, err)

	// 同一通呼叫的另一条leg带着已知标识和新标识到达
	merged, created, err := r.Resolve([]string{"leg-2", "leg-1"}, DirectionOutbound, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, sess, merged, "别名必须收敛到同一会话")
	assert.ElementsMatch(t, []string{"leg-1", "leg-2"}, merged.LegIDs())

	// 重复合并是幂等的
	again, _, err := r.Resolve([]string{"leg-2", "leg-1"}, DirectionOutbound, false)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Len(t, again.LegIDs(), 2)

	t.Log("✅ 别名合并幂等且与到达顺序无关")
}

func TestResolveArrivalOrderIndependent(t *testing.T) {
	// 场景一：先leg-A后leg-B引用A
	r1 := New()
	a1, _, _ := r1.Resolve([]string{"leg-A"}, DirectionOutbound, true)
	b1, _, _ := r1.Resolve([]string{"leg-B", "leg-A"}, DirectionOutbound, false)
	assert.Same(t, a1, b1)

	// 场景二：leg-B带着A的引用先到
	r2 := New()
	b2, created, _ := r2.Resolve([]string{"leg-B", "leg-A"}, DirectionOutbound, true)
	require.True(t, created)
	a2, created2, _ := r2.Resolve([]string{"leg-A"}, DirectionOutbound, false)
	assert.False(t, created2)
	assert.Same(t, b2, a2)
}

func TestResolveFallbackToMostRecentActive(t *testing.T) {
	r := New()

	sess, _, err := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)
	require.NoError(t, err)
	r.ApplyCallState(sess, &event.CallState{State: "answered"})

	// 未知标识且不信号开始：挂到最近活跃会话
	got, created, err := r.Resolve([]string{"leg-unknown"}, "", false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, sess, got)

	// 无活跃会话时报错
	empty := New()
	_, _, err = empty.Resolve([]string{"leg-x"}, "", false)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestResolveEmptyIdentities(t *testing.T) {
	r := New()
	_, _, err := r.Resolve([]string{"", ""}, DirectionOutbound, true)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestMapRole(t *testing.T) {
	tests := []struct {
		direction Direction
		tag       string
		want      Role
		mapped    bool
	}{
		{DirectionOutbound, "remote-caller", RoleAgent, true},
		{DirectionOutbound, "local-caller", RoleCustomer, true},
		{DirectionInbound, "remote-caller", RoleCustomer, true},
		{DirectionInbound, "local-caller", RoleAgent, true},
		{DirectionOutbound, "remote_caller", RoleAgent, true},
		{DirectionOutbound, " Remote-Caller ", RoleAgent, true},
		{DirectionOutbound, "observer", Role("observer"), false},
	}

	for _, tt := range tests {
		role, mapped := MapRole(tt.direction, tt.tag)
		assert.Equal(t, tt.want, role, "direction=%s tag=%q", tt.direction, tt.tag)
		assert.Equal(t, tt.mapped, mapped, "direction=%s tag=%q", tt.direction, tt.tag)
	}
}

func TestApplyCallStateMonotonic(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)

	require.True(t, r.ApplyCallState(sess, &event.CallState{State: "ringing"}))
	assert.Equal(t, StatusRinging, sess.Status)

	require.True(t, r.ApplyCallState(sess, &event.CallState{State: "answered"}))
	assert.Equal(t, StatusActive, sess.Status)

	// 迟到的ringing不回退状态
	assert.False(t, r.ApplyCallState(sess, &event.CallState{State: "ringing"}))
	assert.Equal(t, StatusActive, sess.Status)

	require.True(t, r.ApplyCallState(sess, &event.CallState{State: "ended"}))
	assert.Equal(t, StatusEnded, sess.Status)
	assert.False(t, sess.EndTime.IsZero())

	// 终态后任何状态报告都被忽略
	assert.False(t, r.ApplyCallState(sess, &event.CallState{State: "answered"}))
	assert.Equal(t, StatusEnded, sess.Status)

	t.Log("✅ 状态机单调推进")
}

func TestApplyCallStateFailed(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)

	require.True(t, r.ApplyCallState(sess, &event.CallState{State: "failed"}))
	assert.Equal(t, StatusFailed, sess.Status)
	assert.True(t, sess.Status.IsTerminal())
}

func TestApplyCallStateDuration(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)

	answer := time.UnixMilli(1700000000000).UTC()
	end := answer.Add(95 * time.Second)

	r.ApplyCallState(sess, &event.CallState{State: "answered", AnswerTime: answer})
	r.ApplyCallState(sess, &event.CallState{State: "ended", AnswerTime: answer, EndTime: end})

	assert.Equal(t, 95, sess.DurationSeconds, "时长优先取服务商时间戳")
	assert.Equal(t, end, sess.EndTime)
}

func TestDurationUsesSessionAnswerTime(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)

	answer := time.UnixMilli(1700000000000).UTC()
	r.ApplyCallState(sess, &event.CallState{State: "answered", AnswerTime: answer})

	// ended事件缺answer_time时补用会话里已填充的接通时间
	end := answer.Add(40 * time.Second)
	r.ApplyCallState(sess, &event.CallState{State: "ended", EndTime: end})

	assert.Equal(t, 40, sess.DurationSeconds)
}

func TestApplyCallStateMergesMetadata(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)
	r.ApplyCallState(sess, &event.CallState{State: "ended"})

	// 终态后的过期报告不改状态，但元数据仍合并
	r.ApplyCallState(sess, &event.CallState{
		State: "ringing",
		Raw:   map[string]interface{}{"billing_code": "X42"},
	})
	assert.Equal(t, StatusEnded, sess.Status)
	assert.Equal(t, "X42", sess.Metadata["billing_code"])
}

func TestFillIdentityAndDirection(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, "", true)
	assert.Equal(t, DirectionOutbound, sess.Direction, "未知方向默认外呼")

	r.FillIdentity(sess, "alice", "+15551111111")
	r.FillIdentity(sess, "mallory", "+15559999999")
	assert.Equal(t, "alice", sess.AgentID, "已有值不被覆盖")
	assert.Equal(t, "+15551111111", sess.PhoneNumber)
}

func TestListeningMode(t *testing.T) {
	assert.True(t, ListenBoth.ShouldProcess(RoleAgent))
	assert.True(t, ListenBoth.ShouldProcess(RoleCustomer))
	assert.True(t, ListenAgent.ShouldProcess(RoleAgent))
	assert.False(t, ListenAgent.ShouldProcess(RoleCustomer))
	assert.False(t, ListenCustomer.ShouldProcess(RoleAgent))
	assert.True(t, ListenCustomer.ShouldProcess(RoleCustomer))
}

func TestLockSerializesPerSession(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)

	counter := 0
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			unlock := r.Lock(sess.ID)
			counter++
			unlock()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 10, counter)
}

// 兜底Resolve、状态推进、快照、统计并发混跑，-race下验证
// 会话字段只在一个锁域内读写
func TestConcurrentResolveAndStateUpdates(t *testing.T) {
	r := New()
	sess, _, _ := r.Resolve([]string{"leg-1"}, DirectionOutbound, true)
	unlock := r.Lock(sess.ID)
	r.ApplyCallState(sess, &event.CallState{State: "answered"})
	unlock()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Resolve([]string{fmt.Sprintf("leg-%d-%d", g, i)}, "", false)
			}
		}(g)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				unlock := r.Lock(sess.ID)
				r.ApplyCallState(sess, &event.CallState{State: "answered"})
				r.FillIdentity(sess, "alice", "+15551111111")
				unlock()
				_ = r.Snapshot(sess)
				_ = r.ActiveCount()
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot(sess)
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, "alice", snap.AgentID)
}
