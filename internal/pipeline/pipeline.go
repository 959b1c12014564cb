// Package pipeline 实时事件管线
//
// webhook解码后的事件在这里完成会话归属、角色映射、窗口追加、
// 情绪打分、检索触发与推送。持久化失败记日志后继续，实时链路
// 不因数据库抖动中断。
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"LiveCallAssist/internal/contextwindow"
	"LiveCallAssist/internal/docstore"
	"LiveCallAssist/internal/event"
	"LiveCallAssist/internal/hub"
	"LiveCallAssist/internal/provider"
	"LiveCallAssist/internal/registry"
	"LiveCallAssist/internal/sentiment"
	"LiveCallAssist/internal/store"
)

// Config 管线参数
type Config struct {
	SimilarityThreshold float64       // 检索相似度下限
	SearchLimit         int           // 单次检索最多返回条数
	PersistTopN         int           // 落库的文档引用条数
	SearchCategory      string        // 可选的知识库类目过滤
	SentimentWindow     time.Duration // 呼叫级情绪回看窗口
	SentimentInterval   time.Duration // 两次情绪评估的最小间隔
	Workers             int
}

// DefaultConfig 默认管线参数
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.3,
		SearchLimit:         5,
		PersistTopN:         3,
		SentimentWindow:     60 * time.Second,
		SentimentInterval:   30 * time.Second,
		Workers:             4,
	}
}

// Processor 事件处理器
type Processor struct {
	cfg      Config
	registry *registry.Registry
	window   *contextwindow.Tracker
	store    store.Store
	searcher docstore.Searcher
	analyzer *provider.Analyzer
	scorer   *sentiment.CallScorer
	hub      *hub.Hub
	pool     *workerPool

	sentMu        sync.Mutex
	lastSentiment map[uuid.UUID]time.Time
}

// NewProcessor 组装管线
func NewProcessor(cfg Config, reg *registry.Registry, window *contextwindow.Tracker,
	st store.Store, searcher docstore.Searcher, analyzer *provider.Analyzer,
	scorer *sentiment.CallScorer, h *hub.Hub) *Processor {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}
	if cfg.PersistTopN <= 0 {
		cfg.PersistTopN = 3
	}
	if cfg.SentimentWindow <= 0 {
		cfg.SentimentWindow = 60 * time.Second
	}
	return &Processor{
		cfg:           cfg,
		registry:      reg,
		window:        window,
		store:         st,
		searcher:      searcher,
		analyzer:      analyzer,
		scorer:        scorer,
		hub:           h,
		pool:          newWorkerPool(cfg.Workers),
		lastSentiment: make(map[uuid.UUID]time.Time),
	}
}

// Shutdown 排空在途的检索与总结任务
func (p *Processor) Shutdown() {
	p.pool.shutdown()
}

// HandleTranscription 处理一条转写事件
//
// 未知leg的转写信号会话开始：客户可能在呼叫状态回调之前就开口。
// 非最终结果直接忽略。
func (p *Processor) HandleTranscription(ctx context.Context, ev *event.Transcription) error {
	if !ev.IsFinal {
		return nil
	}

	dir := registry.Direction(ev.Variables.Direction)
	sess, created, err := p.registry.Resolve([]string{ev.LegID}, dir, true)
	if err != nil {
		return fmt.Errorf("resolve transcription leg %s: %w", ev.LegID, err)
	}
	if created {
		log.Printf("📞 转写事件触发新会话 %s leg=%s", sess.ID, ev.LegID)
	}

	unlock := p.registry.Lock(sess.ID)
	p.registry.FillDirection(sess, dir)
	p.registry.FillIdentity(sess, ev.Variables.AgentUsername, phoneFor(sess.Direction, ev.Variables))
	if m := registry.ListeningMode(ev.Variables.ListeningMode); m == registry.ListenAgent || m == registry.ListenCustomer || m == registry.ListenBoth {
		sess.ListeningMode = m
	}
	direction := sess.Direction
	mode := sess.ListeningMode
	unlock()

	role, mapped := registry.MapRole(direction, ev.RoleTag)

	if !mode.ShouldProcess(role) {
		log.Printf("listening mode %s skips %s utterance on %s", mode, role, sess.PrimaryLegID)
		return nil
	}

	label, score := sentiment.Score(string(role), ev.Text)
	utterance := contextwindow.Utterance{
		ID:         uuid.New(),
		SessionID:  sess.ID,
		Speaker:    string(role),
		Text:       ev.Text,
		Confidence: ev.Confidence,
		Sentiment:  string(label),
		Score:      score,
		Timestamp:  ev.Timestamp,
	}

	unlock = p.registry.Lock(sess.ID)
	p.window.Append(sess.ID, utterance)
	trigger := p.window.ShouldTrigger(sess.ID)
	snapshot := p.window.Snapshot(sess.ID)
	agentID := sess.AgentID
	status := sess.Status
	unlock()

	p.persistCall(ctx, sess)
	if err := p.store.SaveTranscription(ctx, &store.Transcription{
		ID:             utterance.ID,
		CallID:         sess.ID,
		Speaker:        string(role),
		ProviderRole:   ev.RoleTag,
		Text:           ev.Text,
		Confidence:     ev.Confidence,
		Sentiment:      string(label),
		SentimentScore: score,
		Timestamp:      ev.Timestamp,
		Raw:            ev.Raw,
	}); err != nil {
		log.Printf("⚠️ 转写落库失败 call=%s: %v", sess.PrimaryLegID, err)
	}

	p.hub.Publish(sess.PrimaryLegID, "transcription:update", map[string]interface{}{
		"call_id":         sess.PrimaryLegID,
		"session_id":      sess.ID,
		"speaker":         role,
		"provider_role":   ev.RoleTag,
		"role_mapped":     mapped,
		"text":            ev.Text,
		"confidence":      ev.Confidence,
		"sentiment":       label,
		"sentiment_score": score,
		"timestamp":       ev.Timestamp,
	})

	if trigger {
		sessID, legID, txID := sess.ID, sess.PrimaryLegID, utterance.ID
		p.pool.submit(sess.ID.String(), func() {
			p.runRetrieval(sessID, legID, agentID, txID, snapshot)
		})
	}
	if status == registry.StatusActive {
		p.maybeScoreSentiment(sess)
	}
	return nil
}

// phoneFor 外部号码：呼入取主叫，外呼取被叫
func phoneFor(direction registry.Direction, v event.ChannelVariables) string {
	if direction == registry.DirectionInbound {
		if v.FromNumber != "" {
			return v.FromNumber
		}
		return v.DestinationNumber
	}
	if v.DestinationNumber != "" {
		return v.DestinationNumber
	}
	return v.FromNumber
}

// HandleCallState 处理呼叫状态事件
func (p *Processor) HandleCallState(ctx context.Context, ev *event.CallState) error {
	signalsStart := ev.State == "created" || ev.State == "ringing" || ev.State == "answered"
	dir := registry.Direction(ev.Direction)
	if dir == "" {
		dir = registry.Direction(ev.Variables.Direction)
	}

	ids := []string{ev.LegID, ev.ParentLegID, ev.PeerLegID}
	sess, created, err := p.registry.Resolve(ids, dir, signalsStart)
	if err != nil {
		return fmt.Errorf("resolve call state leg %s: %w", ev.LegID, err)
	}
	if created {
		log.Printf("📞 新呼叫 %s state=%s direction=%s", ev.LegID, ev.State, dir)
	}

	unlock := p.registry.Lock(sess.ID)
	p.registry.FillDirection(sess, dir)
	phone := ev.ToNumber
	if phone == "" {
		phone = phoneFor(sess.Direction, ev.Variables)
	}
	p.registry.FillIdentity(sess, ev.Variables.AgentUsername, phone)
	if m := registry.ListeningMode(ev.Variables.ListeningMode); m == registry.ListenAgent || m == registry.ListenCustomer || m == registry.ListenBoth {
		sess.ListeningMode = m
	}
	changed := p.registry.ApplyCallState(sess, ev)
	status := sess.Status
	direction := sess.Direction
	agentID := sess.AgentID
	duration := sess.DurationSeconds
	unlock()

	p.persistCall(ctx, sess)

	if changed {
		p.hub.Publish(sess.PrimaryLegID, "call:status", map[string]interface{}{
			"call_id":    sess.PrimaryLegID,
			"session_id": sess.ID,
			"state":      status,
			"direction":  direction,
			"agent_id":   agentID,
			"duration":   duration,
			"end_reason": ev.EndReason,
		})
	}

	if status.IsTerminal() {
		sessID, legID := sess.ID, sess.PrimaryLegID
		p.pool.submit(sess.ID.String(), func() {
			p.runCallSummary(sessID, legID)
			p.window.Drop(sessID)
		})
	}
	return nil
}

// HandleRecordingState 处理录音状态事件，未知leg同样信号会话开始
func (p *Processor) HandleRecordingState(ctx context.Context, ev *event.RecordingState) error {
	sess, created, err := p.registry.Resolve([]string{ev.LegID}, "", true)
	if err != nil {
		return fmt.Errorf("resolve recording leg %s: %w", ev.LegID, err)
	}
	if created {
		log.Printf("📞 录音事件触发新会话 %s leg=%s", sess.ID, ev.LegID)
		p.persistCall(ctx, sess)
	}

	changed, err := p.store.SaveRecording(ctx, &store.Recording{
		CallID:      sess.ID,
		RecordingID: ev.RecordingID,
		URL:         ev.URL,
		Format:      ev.Format,
		Stereo:      ev.Stereo,
		Direction:   ev.Direction,
		State:       ev.State,
		Raw:         ev.Raw,
	})
	if err != nil {
		log.Printf("⚠️ 录音落库失败 recording=%s: %v", ev.RecordingID, err)
	}
	if !changed {
		return nil
	}

	p.hub.Publish(sess.PrimaryLegID, "recording:available", map[string]interface{}{
		"call_id":      sess.PrimaryLegID,
		"session_id":   sess.ID,
		"recording_id": ev.RecordingID,
		"state":        ev.State,
		"url":          ev.URL,
		"format":       ev.Format,
	})
	return nil
}

// HandleDocumentFeedback 记录坐席对推荐文档的反馈
func (p *Processor) HandleDocumentFeedback(ctx context.Context, legID, agentID, documentID string, helpful bool) error {
	sess, ok := p.registry.GetByLeg(legID)
	if !ok {
		return registry.ErrUnknownSession
	}
	return p.store.SaveDocumentFeedback(ctx, &store.DocumentFeedback{
		CallID:     sess.ID,
		AgentID:    agentID,
		DocumentID: documentID,
		Helpful:    helpful,
	})
}

// SummarizeConversation 按需生成当前对话总结
//
// 结果只返回给调用方：HTTP端点放进响应体，WebSocket指令只回给
// 发起的那条连接，不向会话全体广播。
func (p *Processor) SummarizeConversation(ctx context.Context, legID string) (*provider.CallSummary, error) {
	sess, ok := p.registry.GetByLeg(legID)
	if !ok {
		return nil, registry.ErrUnknownSession
	}

	convo := p.conversationText(ctx, sess.ID)
	if convo == "" {
		return nil, fmt.Errorf("no transcript for call %s", legID)
	}
	summary, err := p.analyzer.SummarizeCall(ctx, convo)
	if err != nil {
		return nil, fmt.Errorf("summarize call %s: %w", legID, err)
	}
	return summary, nil
}

// RequestCallSummary 按需触发整通总结，结果经call:summary广播并落库
func (p *Processor) RequestCallSummary(legID string) error {
	sess, ok := p.registry.GetByLeg(legID)
	if !ok {
		return registry.ErrUnknownSession
	}
	sessID, primary := sess.ID, sess.PrimaryLegID
	p.pool.submit(sessID.String(), func() {
		p.runCallSummary(sessID, primary)
	})
	return nil
}

// runRetrieval 检索周期：总结→生成查询→向量检索→落库→推送
//
// 在工作池内执行，不持有会话锁。总结为空说明上下文还不成形，
// 静默放弃本轮。
func (p *Processor) runRetrieval(sessID uuid.UUID, legID, agentID string, transcriptionID uuid.UUID, snapshot []contextwindow.Utterance) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convo := formatConversation(snapshot)
	summary, topics := p.analyzer.AnalyzeConversationContext(ctx, convo)
	if summary == "" && len(topics) == 0 {
		return
	}

	query := p.analyzer.GenerateSearchQuery(ctx, summary, topics)
	matches, err := p.searcher.Search(ctx, query, p.cfg.SimilarityThreshold, p.cfg.SearchLimit, p.cfg.SearchCategory)
	if err != nil {
		log.Printf("⚠️ 向量检索失败 call=%s: %v", legID, err)
		return
	}
	if len(matches) == 0 {
		return
	}

	refs := make([]store.DocumentReference, 0, p.cfg.PersistTopN)
	for i, m := range matches {
		if i >= p.cfg.PersistTopN {
			break
		}
		refs = append(refs, store.DocumentReference{
			CallID:         sessID,
			DocumentID:     m.DocumentID,
			DocumentTitle:  m.Title,
			RelevanceScore: m.Similarity,
			Context:        summary,
		})
	}
	if err := p.store.SaveDocumentReferences(ctx, refs); err != nil {
		log.Printf("⚠️ 文档引用落库失败 call=%s: %v", legID, err)
	}
	if err := p.store.SaveAIInteraction(ctx, &store.AIInteraction{
		CallID:          sessID,
		TranscriptionID: transcriptionID,
		Prompt:          query,
		Response:        summary,
		SearchResults:   matches,
		RelevanceScore:  matches[0].Similarity,
	}); err != nil {
		log.Printf("⚠️ 检索审计落库失败 call=%s: %v", legID, err)
	}

	p.hub.Publish(legID, "ai:suggestion", map[string]interface{}{
		"call_id":     legID,
		"session_id":  sessID,
		"query":       query,
		"summary":     summary,
		"topics":      topics,
		"suggestions": matches,
	})
	if agentID != "" {
		p.hub.PublishToAgent(agentID, "ai:suggestion", map[string]interface{}{
			"call_id":     legID,
			"suggestions": matches,
		})
	}
	log.Printf("💡 推送%d条建议 call=%s query=%q", len(matches), legID, query)
}

// maybeScoreSentiment 节流后提交呼叫级情绪评估任务
func (p *Processor) maybeScoreSentiment(sess *registry.Session) {
	if p.scorer == nil {
		return
	}
	now := time.Now()
	p.sentMu.Lock()
	if last, ok := p.lastSentiment[sess.ID]; ok && now.Sub(last) < p.cfg.SentimentInterval {
		p.sentMu.Unlock()
		return
	}
	p.lastSentiment[sess.ID] = now
	p.sentMu.Unlock()

	sessID, legID := sess.ID, sess.PrimaryLegID
	p.pool.submit(sess.ID.String(), func() {
		p.runSentiment(sessID, legID)
	})
}

// runSentiment 评估回看窗口内的呼叫级情绪并推送变化
func (p *Processor) runSentiment(sessID uuid.UUID, legID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	since := time.Now().Add(-p.cfg.SentimentWindow)
	items, err := p.store.RecentTranscriptions(ctx, sessID, since, 50)
	if err != nil || len(items) == 0 {
		// 数据库不可用时退回内存窗口
		snapshot := p.window.Snapshot(sessID)
		if len(snapshot) == 0 {
			return
		}
		items = items[:0]
		for _, u := range snapshot {
			items = append(items, store.Transcription{Speaker: u.Speaker, Text: u.Text})
		}
	}

	var b strings.Builder
	for _, t := range items {
		fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Text)
	}
	label, confidence, err := p.scorer.ScoreCall(ctx, b.String())
	if err != nil {
		log.Printf("⚠️ 情绪评估失败 call=%s: %v", legID, err)
		return
	}

	sess, ok := p.registry.Get(sessID)
	if !ok {
		return
	}
	unlock := p.registry.Lock(sessID)
	changed := sess.CurrentSentiment != string(label)
	sess.CurrentSentiment = string(label)
	sess.SentimentConfidence = confidence
	sess.SentimentUpdatedAt = time.Now()
	unlock()

	p.persistCall(ctx, sess)
	if err := p.store.SaveSentimentHistory(ctx, &store.SentimentEntry{
		CallID:     sessID,
		Sentiment:  string(label),
		Confidence: confidence,
	}); err != nil {
		log.Printf("⚠️ 情绪历史落库失败 call=%s: %v", legID, err)
	}

	if changed {
		p.hub.Publish(legID, "sentiment:update", map[string]interface{}{
			"call_id":    legID,
			"session_id": sessID,
			"sentiment":  label,
			"confidence": confidence,
		})
	}
}

// runCallSummary 呼叫结束后生成整通总结
func (p *Processor) runCallSummary(sessID uuid.UUID, legID string) {
	if p.analyzer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convo := p.conversationText(ctx, sessID)
	if convo == "" {
		return
	}
	summary, err := p.analyzer.SummarizeCall(ctx, convo)
	if err != nil {
		log.Printf("⚠️ 呼叫总结失败 call=%s: %v", legID, err)
		return
	}

	if err := p.store.SaveCallSummary(ctx, &store.CallSummary{
		CallID:         sessID,
		Summary:        summary.Summary,
		KeyTopics:      summary.KeyTopics,
		ActionItems:    summary.ActionItems,
		Sentiment:      summary.Sentiment,
		SentimentScore: summary.SentimentScore,
	}); err != nil {
		log.Printf("⚠️ 呼叫总结落库失败 call=%s: %v", legID, err)
	}

	p.hub.Publish(legID, "call:summary", map[string]interface{}{
		"call_id":      legID,
		"session_id":   sessID,
		"summary":      summary.Summary,
		"key_topics":   summary.KeyTopics,
		"action_items": summary.ActionItems,
		"sentiment":    summary.Sentiment,
	})
	log.Printf("📝 呼叫总结完成 call=%s", legID)
}

// conversationText 优先取落库转写，退回内存窗口
func (p *Processor) conversationText(ctx context.Context, sessID uuid.UUID) string {
	items, err := p.store.AllTranscriptions(ctx, sessID)
	if err == nil && len(items) > 0 {
		var b strings.Builder
		for _, t := range items {
			fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Text)
		}
		return b.String()
	}
	return formatConversation(p.window.Snapshot(sessID))
}

// persistCall 在会话锁内取快照后落库，失败记日志不阻断实时链路
func (p *Processor) persistCall(ctx context.Context, sess *registry.Session) {
	snap := p.registry.Snapshot(sess)
	if err := p.store.SaveCall(ctx, &snap); err != nil {
		log.Printf("⚠️ 会话落库失败 call=%s: %v", snap.PrimaryLegID, err)
	}
}

func formatConversation(items []contextwindow.Utterance) string {
	var b strings.Builder
	for _, u := range items {
		fmt.Fprintf(&b, "%s: %s\n", u.Speaker, u.Text)
	}
	return b.String()
}

// Stats 管线与注册表概览
func (p *Processor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_sessions": p.registry.ActiveCount(),
		"hub":             p.hub.Stats(),
	}
}
