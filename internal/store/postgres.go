package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"LiveCallAssist/internal/registry"
)

// 写路径SQL集中定义，与database包的建表语句保持一致
const (
	callUpsertSQL = `
		INSERT INTO calls (
			id, provider_call_id, alias_leg_ids, direction, status, listening_mode,
			phone_number, agent_id, start_time, answer_time, end_time, duration_seconds,
			current_sentiment, sentiment_confidence, sentiment_updated_at, raw_data, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (provider_call_id) DO UPDATE SET
			alias_leg_ids = EXCLUDED.alias_leg_ids,
			direction = EXCLUDED.direction,
			status = EXCLUDED.status,
			listening_mode = EXCLUDED.listening_mode,
			phone_number = EXCLUDED.phone_number,
			agent_id = EXCLUDED.agent_id,
			start_time = EXCLUDED.start_time,
			answer_time = EXCLUDED.answer_time,
			end_time = EXCLUDED.end_time,
			duration_seconds = EXCLUDED.duration_seconds,
			current_sentiment = EXCLUDED.current_sentiment,
			sentiment_confidence = EXCLUDED.sentiment_confidence,
			sentiment_updated_at = EXCLUDED.sentiment_updated_at,
			raw_data = EXCLUDED.raw_data,
			updated_at = EXCLUDED.updated_at`

	transcriptionInsertSQL = `
		INSERT INTO transcriptions (
			id, call_id, speaker, provider_role, text, confidence,
			sentiment, sentiment_score, timestamp, raw_data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	recordingUpsertSQL = `
		INSERT INTO recordings (
			id, call_id, recording_id, url, format, stereo, direction, state, raw_data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (recording_id) DO UPDATE SET
			url = EXCLUDED.url,
			state = EXCLUDED.state,
			raw_data = EXCLUDED.raw_data
		WHERE recordings.state <> EXCLUDED.state OR recordings.url <> EXCLUDED.url`

	interactionInsertSQL = `
		INSERT INTO ai_interactions (
			id, call_id, transcription_id, prompt, response, search_results, relevance_score
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	referenceInsertSQL = `
		INSERT INTO call_document_references (
			id, call_id, document_id, document_title, relevance_score, context
		) VALUES ($1,$2,$3,$4,$5,$6)`

	summaryUpsertSQL = `
		INSERT INTO call_summaries (
			id, call_id, summary, key_topics, action_items, sentiment, sentiment_score, meta_data
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (call_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			key_topics = EXCLUDED.key_topics,
			action_items = EXCLUDED.action_items,
			sentiment = EXCLUDED.sentiment,
			sentiment_score = EXCLUDED.sentiment_score,
			meta_data = EXCLUDED.meta_data`

	sentimentInsertSQL = `
		INSERT INTO sentiment_history (
			id, call_id, sentiment, confidence, transcription_context, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6)`

	feedbackInsertSQL = `
		INSERT INTO document_feedback (
			id, call_id, agent_id, document_id, helpful
		) VALUES ($1,$2,$3,$4,$5)`
)

// PostgresStore pgx连接池实现
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建Postgres存储
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// SaveCall 以provider_call_id为键upsert会话行
func (s *PostgresStore) SaveCall(ctx context.Context, sess *registry.Session) error {
	raw, err := json.Marshal(sess.Metadata)
	if err != nil {
		raw = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, callUpsertSQL,
		sess.ID, sess.PrimaryLegID, sess.AliasLegIDs, string(sess.Direction), string(sess.Status),
		string(sess.ListeningMode), sess.PhoneNumber, sess.AgentID,
		nullTime(sess.StartTime), nullTime(sess.AnswerTime), nullTime(sess.EndTime),
		sess.DurationSeconds, sess.CurrentSentiment, sess.SentimentConfidence,
		nullTime(sess.SentimentUpdatedAt), raw, sess.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", sess.PrimaryLegID, err)
	}
	return nil
}

func (s *PostgresStore) SaveTranscription(ctx context.Context, t *Transcription) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	raw, err := json.Marshal(t.Raw)
	if err != nil {
		raw = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, transcriptionInsertSQL,
		t.ID, t.CallID, t.Speaker, t.ProviderRole, t.Text, t.Confidence,
		t.Sentiment, t.SentimentScore, t.Timestamp, raw)
	if err != nil {
		return fmt.Errorf("insert transcription: %w", err)
	}
	return nil
}

// RecentTranscriptions 按时间升序返回since之后的转写，最多limit条
func (s *PostgresStore) RecentTranscriptions(ctx context.Context, callID uuid.UUID, since time.Time, limit int) ([]Transcription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, speaker, provider_role, text, confidence,
		       sentiment, sentiment_score, timestamp
		FROM transcriptions
		WHERE call_id = $1 AND timestamp >= $2
		ORDER BY timestamp ASC
		LIMIT $3`, callID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent transcriptions: %w", err)
	}
	defer rows.Close()
	return scanTranscriptions(rows)
}

// AllTranscriptions 按时间升序返回整通呼叫的转写
func (s *PostgresStore) AllTranscriptions(ctx context.Context, callID uuid.UUID) ([]Transcription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, speaker, provider_role, text, confidence,
		       sentiment, sentiment_score, timestamp
		FROM transcriptions
		WHERE call_id = $1
		ORDER BY timestamp ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("query transcriptions: %w", err)
	}
	defer rows.Close()
	return scanTranscriptions(rows)
}

func scanTranscriptions(rows pgx.Rows) ([]Transcription, error) {
	var out []Transcription
	for rows.Next() {
		var t Transcription
		if err := rows.Scan(&t.ID, &t.CallID, &t.Speaker, &t.ProviderRole, &t.Text,
			&t.Confidence, &t.Sentiment, &t.SentimentScore, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transcription: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveRecording 按recording_id幂等落库，已存在时返回false
func (s *PostgresStore) SaveRecording(ctx context.Context, r *Recording) (bool, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	raw, err := json.Marshal(r.Raw)
	if err != nil {
		raw = []byte("{}")
	}
	tag, err := s.pool.Exec(ctx, recordingUpsertSQL,
		r.ID, r.CallID, r.RecordingID, r.URL, r.Format, r.Stereo, r.Direction, r.State, raw)
	if err != nil {
		return false, fmt.Errorf("upsert recording %s: %w", r.RecordingID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SaveAIInteraction(ctx context.Context, a *AIInteraction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	results, err := json.Marshal(a.SearchResults)
	if err != nil {
		results = []byte("[]")
	}
	_, err = s.pool.Exec(ctx, interactionInsertSQL,
		a.ID, a.CallID, nullUUID(a.TranscriptionID), a.Prompt, a.Response, results, a.RelevanceScore)
	if err != nil {
		return fmt.Errorf("insert ai interaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveDocumentReferences(ctx context.Context, refs []DocumentReference) error {
	for i := range refs {
		r := &refs[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		_, err := s.pool.Exec(ctx, referenceInsertSQL,
			r.ID, r.CallID, r.DocumentID, r.DocumentTitle, r.RelevanceScore, r.Context)
		if err != nil {
			return fmt.Errorf("insert document reference %s: %w", r.DocumentID, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveCallSummary(ctx context.Context, sum *CallSummary) error {
	if sum.ID == uuid.Nil {
		sum.ID = uuid.New()
	}
	meta, err := json.Marshal(sum.Meta)
	if err != nil {
		meta = []byte("{}")
	}
	topics, _ := json.Marshal(sum.KeyTopics)
	actions, _ := json.Marshal(sum.ActionItems)
	_, err = s.pool.Exec(ctx, summaryUpsertSQL,
		sum.ID, sum.CallID, sum.Summary, topics, actions,
		sum.Sentiment, sum.SentimentScore, meta)
	if err != nil {
		return fmt.Errorf("upsert call summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSentimentHistory(ctx context.Context, e *SentimentEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, sentimentInsertSQL,
		e.ID, e.CallID, e.Sentiment, e.Confidence, e.Context, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert sentiment history: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveDocumentFeedback(ctx context.Context, f *DocumentFeedback) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, feedbackInsertSQL,
		f.ID, f.CallID, f.AgentID, f.DocumentID, f.Helpful)
	if err != nil {
		return fmt.Errorf("insert document feedback: %w", err)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullUUID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id
}
