package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPushServer 记录查询参数、推送一条事件并回收客户端消息
type testPushServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	query    map[string]string
	received []map[string]interface{}
}

func newTestPushServer(t *testing.T) *testPushServer {
	t.Helper()
	ts := &testPushServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.query = map[string]string{
			"call_id":  r.URL.Query().Get("call_id"),
			"agent_id": r.URL.Query().Get("agent_id"),
			"token":    r.URL.Query().Get("token"),
		}
		ts.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		conn.WriteJSON(Envelope{Event: "connection:success", Data: json.RawMessage(`{"call_id":"leg-1"}`)})
		conn.WriteJSON(Envelope{Event: "ai:suggestion", Data: json.RawMessage(`{"suggestions":[]}`)})

		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			ts.mu.Lock()
			ts.received = append(ts.received, msg)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testPushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func TestConnectReceivesEvents(t *testing.T) {
	server := newTestPushServer(t)

	cfg := DefaultClientConfig(server.wsURL(), "tok-1")
	cfg.CallID = "leg-1"
	cfg.AgentID = "alice"
	client := New(cfg)

	events := make(chan string, 8)
	client.SetEventHandler(func(event string, data json.RawMessage) {
		events <- event
	})

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Equal(t, "connection:success", <-events)
	assert.Equal(t, "ai:suggestion", <-events)

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, "leg-1", server.query["call_id"])
	assert.Equal(t, "alice", server.query["agent_id"])
	assert.Equal(t, "tok-1", server.query["token"])

	t.Log("✅ 客户端连接并接收推送")
}

func TestSendFeedback(t *testing.T) {
	server := newTestPushServer(t)
	client := New(DefaultClientConfig(server.wsURL(), ""))

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.SendFeedback("leg-1", "kb-9", true))

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.received) == 1
	}, 2*time.Second, 20*time.Millisecond)

	server.mu.Lock()
	defer server.mu.Unlock()
	msg := server.received[0]
	assert.Equal(t, "doc:feedback", msg["action"])
	assert.Equal(t, "kb-9", msg["document_id"])
	assert.Equal(t, true, msg["helpful"])
}

func TestSendWhileDisconnected(t *testing.T) {
	client := New(DefaultClientConfig("ws://127.0.0.1:1/ws", ""))
	assert.Error(t, client.RequestSummary("leg-1"), "未连接时发送报错")
}

func TestStateTransitions(t *testing.T) {
	server := newTestPushServer(t)
	client := New(DefaultClientConfig(server.wsURL(), ""))

	var mu sync.Mutex
	var transitions []string
	client.SetStateChangeHandler(func(oldState, newState ClientState) {
		mu.Lock()
		transitions = append(transitions, oldState.String()+"->"+newState.String())
		mu.Unlock()
	})

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, "DISCONNECTED->CONNECTING")
	assert.Contains(t, transitions, "CONNECTING->CONNECTED")
	assert.Contains(t, transitions, "CONNECTED->CLOSED")
}

func TestConnectTwiceRejected(t *testing.T) {
	server := newTestPushServer(t)
	client := New(DefaultClientConfig(server.wsURL(), ""))

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Error(t, client.Connect(context.Background()), "已连接状态下再次Connect报错")
}
