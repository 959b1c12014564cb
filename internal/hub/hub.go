// Package hub WebSocket订阅分发中心
//
// 每个连接持有带缓冲的发送队列和独立的写协程，慢消费者不会
// 阻塞发布方。发布按会话键定向，"general"订阅收到全部会话的
// 事件。
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// GeneralAudience 订阅全部会话事件的会话键
	GeneralAudience = "general"

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// Envelope 推送消息的统一信封
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Channel 一个已订阅的WebSocket连接
type Channel struct {
	conn       *websocket.Conn
	sessionKey string
	agentID    string

	send      chan []byte
	stopChan  chan struct{}
	closeOnce sync.Once
}

// SessionKey 该连接订阅的会话键
func (c *Channel) SessionKey() string { return c.sessionKey }

// AgentID 该连接的坐席标识，可能为空
func (c *Channel) AgentID() string { return c.agentID }

func (c *Channel) close() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.conn.Close()
	})
}

// Hub 订阅注册表与发布中心，单实例注入各处使用
type Hub struct {
	mu        sync.RWMutex
	bySession map[string]map[*Channel]struct{}
	byAgent   map[string]map[*Channel]struct{}
}

// NewHub 创建分发中心
func NewHub() *Hub {
	return &Hub{
		bySession: make(map[string]map[*Channel]struct{}),
		byAgent:   make(map[string]map[*Channel]struct{}),
	}
}

// Subscribe 注册连接并启动写协程，sessionKey为空视为general
func (h *Hub) Subscribe(conn *websocket.Conn, sessionKey, agentID string) *Channel {
	if sessionKey == "" {
		sessionKey = GeneralAudience
	}
	ch := &Channel{
		conn:       conn,
		sessionKey: sessionKey,
		agentID:    agentID,
		send:       make(chan []byte, sendBuffer),
		stopChan:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.bySession[sessionKey] == nil {
		h.bySession[sessionKey] = make(map[*Channel]struct{})
	}
	h.bySession[sessionKey][ch] = struct{}{}
	if agentID != "" {
		if h.byAgent[agentID] == nil {
			h.byAgent[agentID] = make(map[*Channel]struct{})
		}
		h.byAgent[agentID][ch] = struct{}{}
	}
	h.mu.Unlock()

	go h.writeLoop(ch)
	log.Printf("📡 订阅建立: session=%s agent=%s", sessionKey, agentID)
	return ch
}

// Unsubscribe 摘除连接并关闭，可重复调用
func (h *Hub) Unsubscribe(ch *Channel) {
	h.mu.Lock()
	if set, ok := h.bySession[ch.sessionKey]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.bySession, ch.sessionKey)
		}
	}
	if ch.agentID != "" {
		if set, ok := h.byAgent[ch.agentID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.byAgent, ch.agentID)
			}
		}
	}
	h.mu.Unlock()
	ch.close()
}

// Publish 向会话订阅者和general订阅者推送事件
func (h *Hub) Publish(sessionKey, event string, data interface{}) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("hub: marshal %s failed: %v", event, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Channel, 0, 8)
	for ch := range h.bySession[sessionKey] {
		targets = append(targets, ch)
	}
	if sessionKey != GeneralAudience {
		for ch := range h.bySession[GeneralAudience] {
			targets = append(targets, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		h.enqueue(ch, payload)
	}
}

// PublishToAgent 向某坐席的全部连接推送事件
func (h *Hub) PublishToAgent(agentID, event string, data interface{}) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("hub: marshal %s failed: %v", event, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Channel, 0, len(h.byAgent[agentID]))
	for ch := range h.byAgent[agentID] {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		h.enqueue(ch, payload)
	}
}

// Send 向单个连接推送事件
func (h *Hub) Send(ch *Channel, event string, data interface{}) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("hub: marshal %s failed: %v", event, err)
		return
	}
	h.enqueue(ch, payload)
}

// enqueue 队列已满说明消费者停滞，摘除连接
func (h *Hub) enqueue(ch *Channel, payload []byte) {
	select {
	case ch.send <- payload:
	default:
		log.Printf("hub: send queue full, dropping subscriber session=%s", ch.sessionKey)
		h.Unsubscribe(ch)
	}
}

func (h *Hub) writeLoop(ch *Channel) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ch.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("hub: write failed session=%s: %v", ch.sessionKey, err)
				h.Unsubscribe(ch)
				return
			}
		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unsubscribe(ch)
				return
			}
		case <-ch.stopChan:
			return
		}
	}
}

// Stats 当前订阅统计
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	perSession := make(map[string]int, len(h.bySession))
	for key, set := range h.bySession {
		perSession[key] = len(set)
		total += len(set)
	}
	return map[string]interface{}{
		"total_connections": total,
		"sessions":          perSession,
	}
}

// CloseAll 关闭全部连接，服务退出时调用
func (h *Hub) CloseAll() {
	h.mu.Lock()
	channels := make([]*Channel, 0)
	for _, set := range h.bySession {
		for ch := range set {
			channels = append(channels, ch)
		}
	}
	h.bySession = make(map[string]map[*Channel]struct{})
	h.byAgent = make(map[string]map[*Channel]struct{})
	h.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
}
