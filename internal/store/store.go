// Package store 会话相关数据的持久化
//
// 管线只依赖Store接口，测试用内存替身。检索结果与审计行的
// 写入失败记日志后吞掉，不阻塞实时推送。
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"LiveCallAssist/internal/registry"
)

// Transcription 一条已落库的转写
type Transcription struct {
	ID             uuid.UUID
	CallID         uuid.UUID
	Speaker        string
	ProviderRole   string
	Text           string
	Confidence     float64
	Sentiment      string
	SentimentScore float64
	Timestamp      time.Time
	Raw            map[string]interface{}
}

// Recording 一条录音记录
type Recording struct {
	ID          uuid.UUID
	CallID      uuid.UUID
	RecordingID string
	URL         string
	Format      string
	Stereo      bool
	Direction   string
	State       string
	Raw         map[string]interface{}
}

// AIInteraction 一次检索周期的审计记录
type AIInteraction struct {
	ID              uuid.UUID
	CallID          uuid.UUID
	TranscriptionID uuid.UUID
	Prompt          string
	Response        string
	SearchResults   interface{} // 完整结果列表，落JSONB
	RelevanceScore  float64
}

// DocumentReference 呼叫关联到的文档引用
type DocumentReference struct {
	ID             uuid.UUID
	CallID         uuid.UUID
	DocumentID     string
	DocumentTitle  string
	RelevanceScore float64
	Context        string
}

// CallSummary 整通呼叫总结
type CallSummary struct {
	ID             uuid.UUID
	CallID         uuid.UUID
	Summary        string
	KeyTopics      []string
	ActionItems    []string
	Sentiment      string
	SentimentScore float64
	Meta           map[string]interface{}
}

// SentimentEntry 呼叫级情绪历史记录
type SentimentEntry struct {
	ID         uuid.UUID
	CallID     uuid.UUID
	Sentiment  string
	Confidence float64
	Context    string
	Timestamp  time.Time
}

// DocumentFeedback 坐席对推荐文档的反馈
type DocumentFeedback struct {
	ID         uuid.UUID
	CallID     uuid.UUID
	AgentID    string
	DocumentID string
	Helpful    bool
}

// Store 持久化接口
type Store interface {
	// SaveCall 以provider_call_id为键upsert会话行
	SaveCall(ctx context.Context, sess *registry.Session) error

	SaveTranscription(ctx context.Context, t *Transcription) error

	// RecentTranscriptions 按时间升序返回since之后的转写，最多limit条
	RecentTranscriptions(ctx context.Context, callID uuid.UUID, since time.Time, limit int) ([]Transcription, error)

	// AllTranscriptions 按时间升序返回整通呼叫的转写
	AllTranscriptions(ctx context.Context, callID uuid.UUID) ([]Transcription, error)

	// SaveRecording 按recording_id幂等落库，已存在时返回false
	SaveRecording(ctx context.Context, r *Recording) (bool, error)

	SaveAIInteraction(ctx context.Context, a *AIInteraction) error
	SaveDocumentReferences(ctx context.Context, refs []DocumentReference) error
	SaveCallSummary(ctx context.Context, s *CallSummary) error
	SaveSentimentHistory(ctx context.Context, e *SentimentEntry) error
	SaveDocumentFeedback(ctx context.Context, f *DocumentFeedback) error
}
