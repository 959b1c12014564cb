// Package httpserver webhook入口与实时推送的HTTP层
package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"LiveCallAssist/internal/docstore"
	"LiveCallAssist/internal/event"
	"LiveCallAssist/internal/hub"
	"LiveCallAssist/internal/pipeline"
	"LiveCallAssist/internal/registry"
)

const maxWebhookBody = 1 << 20 // 1MB

// Options 服务器依赖与配置
type Options struct {
	Addr           string
	AllowedOrigins []string
	SigningToken   string // webhook签名密钥，为空则跳过校验
	WSToken        string // WebSocket接入令牌，为空则不鉴权
	Processor      *pipeline.Processor
	Hub            *hub.Hub
	Documents      DocumentAdmin // 可为nil，文档管理端点返回503
}

// DocumentAdmin 知识库文档管理接口
type DocumentAdmin interface {
	Upsert(ctx context.Context, doc docstore.Document) error
	Delete(ctx context.Context, documentID string) error
}

// APIServer HTTP API服务器
type APIServer struct {
	opts   Options
	router *mux.Router
	server *http.Server

	upgrader websocket.Upgrader

	// 统计信息
	requestCount int64
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewAPIServer 创建HTTP API服务器
func NewAPIServer(opts Options) *APIServer {
	s := &APIServer{
		opts:      opts,
		router:    mux.NewRouter(),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// 话务平台webhook
	hooks := s.router.PathPrefix("/api/webhooks").Subrouter()
	hooks.HandleFunc("/transcription", s.transcriptionHandler).Methods("POST")
	hooks.HandleFunc("/call-state", s.callStateHandler).Methods("POST")
	hooks.HandleFunc("/recording-status", s.recordingStatusHandler).Methods("POST")
	hooks.HandleFunc("/swml", s.swmlHandler).Methods("GET", "POST")

	// 管理API
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/calls/{id}/summary", s.summaryHandler).Methods("POST")
	api.HandleFunc("/feedback", s.feedbackHandler).Methods("POST")
	api.HandleFunc("/documents", s.upsertDocumentHandler).Methods("POST")
	api.HandleFunc("/documents/{id}", s.deleteDocumentHandler).Methods("DELETE")

	s.router.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	s.router.HandleFunc("/ws", s.websocketHandler).Methods("GET")
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.mu.Lock()
		s.requestCount++
		s.mu.Unlock()
	})
}

// readWebhookBody 读取请求体并校验HMAC签名
func (s *APIServer) readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return nil, false
	}

	if s.opts.SigningToken == "" {
		log.Printf("⚠️ 未配置签名密钥，跳过webhook签名校验")
		return body, true
	}

	sig := r.Header.Get("X-SignalWire-Signature")
	mac := hmac.New(sha256.New, []byte(s.opts.SigningToken))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		s.writeErrorResponse(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature mismatch")
		return nil, false
	}
	return body, true
}

// webhook处理器
func (s *APIServer) transcriptionHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}

	ev, err := event.DecodeTranscription(body)
	if err != nil {
		s.writeWebhookError(w, err)
		return
	}
	if err := s.opts.Processor.HandleTranscription(r.Context(), ev); err != nil {
		log.Printf("⚠️ 转写事件处理失败: %v", err)
		// 无法归属的事件回200，避免平台重试风暴
		s.writeSuccessResponse(w, map[string]string{"status": "ignored"})
		return
	}
	s.writeSuccessResponse(w, map[string]string{"status": "processed"})
}

func (s *APIServer) callStateHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}

	ev, err := event.DecodeCallState(body)
	if err != nil {
		s.writeWebhookError(w, err)
		return
	}
	if err := s.opts.Processor.HandleCallState(r.Context(), ev); err != nil {
		log.Printf("⚠️ 呼叫状态处理失败: %v", err)
		s.writeSuccessResponse(w, map[string]string{"status": "ignored"})
		return
	}
	s.writeSuccessResponse(w, map[string]string{"status": "processed"})
}

func (s *APIServer) recordingStatusHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWebhookBody(w, r)
	if !ok {
		return
	}

	ev, err := event.DecodeRecordingState(body)
	if err != nil {
		s.writeWebhookError(w, err)
		return
	}
	if err := s.opts.Processor.HandleRecordingState(r.Context(), ev); err != nil {
		log.Printf("⚠️ 录音状态处理失败: %v", err)
		s.writeSuccessResponse(w, map[string]string{"status": "ignored"})
		return
	}
	s.writeSuccessResponse(w, map[string]string{"status": "processed"})
}

func (s *APIServer) writeWebhookError(w http.ResponseWriter, err error) {
	var malformed *event.ErrMalformed
	if errors.As(err, &malformed) {
		s.writeErrorResponse(w, http.StatusBadRequest, "malformed_event", malformed.Error())
		return
	}
	s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
}

// swmlHandler 返回呼叫控制文档：接听、双声道录音、实时转写
func (s *APIServer) swmlHandler(w http.ResponseWriter, r *http.Request) {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	base := fmt.Sprintf("%s://%s", scheme, r.Host)

	doc := map[string]interface{}{
		"version": "1.0.0",
		"sections": map[string]interface{}{
			"main": []interface{}{
				map[string]interface{}{"answer": map[string]interface{}{}},
				map[string]interface{}{
					"record_call": map[string]interface{}{
						"format": "mp3",
						"stereo": true,
						"status_url": base + "/api/webhooks/recording-status",
					},
				},
				map[string]interface{}{
					"live_transcribe": map[string]interface{}{
						"action": map[string]interface{}{
							"start": map[string]interface{}{
								"webhook": base + "/api/webhooks/transcription",
								"lang":    "en",
								"live_events":     true,
								"speech_timeout":  60,
								"direction":       []string{"remote-caller", "local-caller"},
							},
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// websocketHandler 升级连接并注册到分发中心
func (s *APIServer) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.WSToken != "" && r.URL.Query().Get("token") != s.opts.WSToken {
		s.writeErrorResponse(w, http.StatusUnauthorized, "invalid_token", "WebSocket token mismatch")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ WebSocket升级失败: %v", err)
		return
	}

	callID := r.URL.Query().Get("call_id")
	agentID := r.URL.Query().Get("agent_id")
	ch := s.opts.Hub.Subscribe(conn, callID, agentID)

	s.opts.Hub.Send(ch, "connection:success", map[string]interface{}{
		"call_id":  ch.SessionKey(),
		"agent_id": agentID,
	})

	go s.readLoop(conn, ch, agentID)
}

// clientMessage 客户端指令
type clientMessage struct {
	Action     string `json:"action"`
	CallID     string `json:"call_id"`
	DocumentID string `json:"document_id"`
	Helpful    bool   `json:"helpful"`
}

// readLoop 客户端指令循环，连接断开时摘除订阅
func (s *APIServer) readLoop(conn *websocket.Conn, ch *hub.Channel, agentID string) {
	defer s.opts.Hub.Unsubscribe(ch)

	conn.SetReadLimit(maxWebhookBody)
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		callID := msg.CallID
		if callID == "" {
			callID = ch.SessionKey()
		}

		switch msg.Action {
		case "doc:feedback":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.opts.Processor.HandleDocumentFeedback(ctx, callID, agentID, msg.DocumentID, msg.Helpful)
			cancel()
			if err != nil {
				log.Printf("⚠️ 文档反馈记录失败 call=%s: %v", callID, err)
				continue
			}
			s.opts.Hub.Send(ch, "feedback:received", map[string]interface{}{
				"call_id":     callID,
				"document_id": msg.DocumentID,
				"helpful":     msg.Helpful,
			})
		case "conversation:summary":
			// 即席总结只回给发起的连接
			go func(callID string) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				summary, err := s.opts.Processor.SummarizeConversation(ctx, callID)
				if err != nil {
					log.Printf("⚠️ 按需总结失败 call=%s: %v", callID, err)
					return
				}
				s.opts.Hub.Send(ch, "conversation:summary", map[string]interface{}{
					"call_id":    callID,
					"summary":    summary.Summary,
					"key_topics": summary.KeyTopics,
					"sentiment":  summary.Sentiment,
				})
			}(callID)
		case "call:request_summary":
			if err := s.opts.Processor.RequestCallSummary(callID); err != nil {
				log.Printf("⚠️ 整通总结请求失败 call=%s: %v", callID, err)
			}
		case "ping":
			s.opts.Hub.Send(ch, "pong", map[string]int64{"timestamp": time.Now().UnixMilli()})
		}
	}
}

// 管理API处理器
func (s *APIServer) summaryHandler(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["id"]
	summary, err := s.opts.Processor.SummarizeConversation(r.Context(), callID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownSession) {
			s.writeErrorResponse(w, http.StatusNotFound, "call_not_found", "No session for call "+callID)
			return
		}
		s.writeErrorResponse(w, http.StatusBadGateway, "summary_failed", err.Error())
		return
	}
	s.writeSuccessResponse(w, summary)
}

func (s *APIServer) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallID     string `json:"call_id"`
		AgentID    string `json:"agent_id"`
		DocumentID string `json:"document_id"`
		Helpful    bool   `json:"helpful"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.CallID == "" || req.DocumentID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "call_id and document_id are required")
		return
	}

	if err := s.opts.Processor.HandleDocumentFeedback(r.Context(), req.CallID, req.AgentID, req.DocumentID, req.Helpful); err != nil {
		if errors.Is(err, registry.ErrUnknownSession) {
			s.writeErrorResponse(w, http.StatusNotFound, "call_not_found", "No session for call "+req.CallID)
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "feedback_failed", err.Error())
		return
	}
	s.writeSuccessResponse(w, map[string]string{"status": "recorded"})
}

func (s *APIServer) upsertDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Documents == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "documents_disabled", "Document store not configured")
		return
	}

	var doc docstore.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if doc.ID == "" || doc.Content == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "id and content are required")
		return
	}

	if err := s.opts.Documents.Upsert(r.Context(), doc); err != nil {
		s.writeErrorResponse(w, http.StatusBadGateway, "upsert_failed", err.Error())
		return
	}
	s.writeSuccessResponse(w, map[string]string{"document_id": doc.ID})
}

func (s *APIServer) deleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Documents == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "documents_disabled", "Document store not configured")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.opts.Documents.Delete(r.Context(), id); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	s.writeSuccessResponse(w, map[string]string{"document_id": id})
}

// 健康检查和指标
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	requests, errCount := s.requestCount, s.errorCount
	s.mu.RUnlock()

	stats := s.opts.Processor.Stats()
	stats["uptime_seconds"] = time.Since(s.startTime).Seconds()
	stats["total_requests"] = requests
	stats["error_count"] = errCount
	s.writeSuccessResponse(w, stats)
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Router 供测试直接挂载
func (s *APIServer) Router() http.Handler {
	return s.router
}

// Start 启动服务器
func (s *APIServer) Start() error {
	log.Printf("🚀 HTTP服务启动 %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop 优雅停止服务器
func (s *APIServer) Stop(ctx context.Context) error {
	log.Printf("HTTP服务停止中")
	return s.server.Shutdown(ctx)
}
