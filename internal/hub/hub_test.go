package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialPair 建立一条测试WebSocket连接并注册订阅
func dialPair(t *testing.T, h *Hub, sessionKey, agentID string) (*websocket.Conn, *Channel) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverSide := make(chan *Channel, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSide <- h.Subscribe(conn, sessionKey, agentID)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	return client, <-serverSide
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestPublishToSession(t *testing.T) {
	h := NewHub()
	client, _ := dialPair(t, h, "call-1", "")

	h.Publish("call-1", "transcription:update", map[string]string{"text": "hello"})

	env := readEnvelope(t, client)
	assert.Equal(t, "transcription:update", env.Event)
	t.Log("✅ 会话订阅者收到事件")
}

func TestPublishReachesGeneralAudience(t *testing.T) {
	h := NewHub()
	general, _ := dialPair(t, h, "", "")           // 空键视为general
	other, _ := dialPair(t, h, "call-other", "")

	h.Publish("call-1", "call:status", map[string]string{"state": "active"})

	env := readEnvelope(t, general)
	assert.Equal(t, "call:status", env.Event)

	// 其他会话的订阅者不应收到
	other.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "非目标会话不收消息")
}

func TestPublishToAgent(t *testing.T) {
	h := NewHub()
	alice, _ := dialPair(t, h, "call-1", "alice")
	bob, _ := dialPair(t, h, "call-1", "bob")

	h.PublishToAgent("alice", "ai:suggestion", map[string]string{"doc": "kb-1"})

	env := readEnvelope(t, alice)
	assert.Equal(t, "ai:suggestion", env.Event)

	bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "定向推送只到达目标坐席")
}

func TestSendToSingleChannel(t *testing.T) {
	h := NewHub()
	client, ch := dialPair(t, h, "call-1", "")

	h.Send(ch, "connection:success", map[string]string{"call_id": "call-1"})

	env := readEnvelope(t, client)
	assert.Equal(t, "connection:success", env.Event)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := NewHub()
	_, ch := dialPair(t, h, "call-1", "alice")

	h.Unsubscribe(ch)
	h.Unsubscribe(ch) // 重复摘除不恐慌

	stats := h.Stats()
	assert.Equal(t, 0, stats["total_connections"])
}

func TestDeadSubscriberPruned(t *testing.T) {
	h := NewHub()
	client, _ := dialPair(t, h, "call-1", "")
	live, _ := dialPair(t, h, "call-1", "")

	// 客户端直接断开，服务端写入将失败并摘除
	client.Close()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		h.Publish("call-1", "transcription:update", map[string]int{"seq": i})
	}

	// 存活的订阅者仍按序收到全部消息
	for i := 0; i < 5; i++ {
		env := readEnvelope(t, live)
		assert.Equal(t, "transcription:update", env.Event)
	}

	require.Eventually(t, func() bool {
		// 持续发布直到失效连接的写入报错并被摘除
		h.Publish("call-1", "transcription:update", map[string]string{"text": "x"})
		return h.Stats()["total_connections"].(int) == 1
	}, 2*time.Second, 20*time.Millisecond, "失效连接被摘除")
}

func TestStats(t *testing.T) {
	h := NewHub()
	dialPair(t, h, "call-1", "")
	dialPair(t, h, "call-1", "")
	dialPair(t, h, "call-2", "")

	stats := h.Stats()
	assert.Equal(t, 3, stats["total_connections"])
	perSession := stats["sessions"].(map[string]int)
	assert.Equal(t, 2, perSession["call-1"])
	assert.Equal(t, 1, perSession["call-2"])
}

func TestCloseAll(t *testing.T) {
	h := NewHub()
	client, _ := dialPair(t, h, "call-1", "")

	h.CloseAll()
	assert.Equal(t, 0, h.Stats()["total_connections"])

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	assert.Error(t, err, "连接已被服务端关闭")
}
