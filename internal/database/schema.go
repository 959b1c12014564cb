package database

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements 启动时建表，幂等
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS calls (
		id UUID PRIMARY KEY,
		provider_call_id VARCHAR(255) UNIQUE NOT NULL,
		alias_leg_ids TEXT[] DEFAULT '{}',
		phone_number VARCHAR(50),
		agent_id VARCHAR(255),
		direction VARCHAR(20) DEFAULT 'outbound',
		status VARCHAR(50) DEFAULT 'created',
		listening_mode VARCHAR(20) DEFAULT 'both',
		start_time TIMESTAMPTZ,
		answer_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		duration_seconds INTEGER,
		current_sentiment VARCHAR(20) DEFAULT 'neutral',
		sentiment_confidence FLOAT DEFAULT 0.0,
		sentiment_updated_at TIMESTAMPTZ,
		raw_data JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_provider_call_id ON calls(provider_call_id)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`,

	`CREATE TABLE IF NOT EXISTS transcriptions (
		id UUID PRIMARY KEY,
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		speaker VARCHAR(50),
		provider_role VARCHAR(50),
		text TEXT NOT NULL,
		confidence FLOAT,
		sentiment VARCHAR(20) DEFAULT 'neutral',
		sentiment_score FLOAT DEFAULT 0.5,
		timestamp TIMESTAMPTZ NOT NULL,
		raw_data JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcriptions_call_id ON transcriptions(call_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transcriptions_timestamp ON transcriptions(timestamp)`,

	`CREATE TABLE IF NOT EXISTS recordings (
		id UUID PRIMARY KEY,
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		recording_id VARCHAR(255) UNIQUE NOT NULL,
		url TEXT,
		format VARCHAR(20),
		stereo BOOLEAN DEFAULT false,
		direction VARCHAR(20),
		state VARCHAR(50),
		raw_data JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ai_interactions (
		id UUID PRIMARY KEY,
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		transcription_id UUID,
		prompt TEXT,
		response TEXT,
		search_results JSONB DEFAULT '[]',
		relevance_score FLOAT,
		created_at TIMESTAMPTZ DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS call_document_references (
		id UUID PRIMARY KEY,
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		document_id VARCHAR(255) NOT NULL,
		document_title TEXT,
		relevance_score FLOAT,
		context TEXT,
		created_at TIMESTAMPTZ DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS call_summaries (
		id UUID PRIMARY KEY,
		call_id UUID UNIQUE NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		summary TEXT,
		key_topics JSONB DEFAULT '[]',
		action_items JSONB DEFAULT '[]',
		sentiment VARCHAR(20),
		sentiment_score FLOAT,
		meta_data JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sentiment_history (
		id UUID PRIMARY KEY,
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		sentiment VARCHAR(20) NOT NULL,
		confidence FLOAT NOT NULL,
		transcription_context TEXT,
		timestamp TIMESTAMPTZ DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sentiment_history_call_id ON sentiment_history(call_id)`,

	`CREATE TABLE IF NOT EXISTS document_embeddings (
		document_id VARCHAR(255) PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		category VARCHAR(100),
		meta_data JSONB DEFAULT '{}',
		embedding vector(1536),
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS document_feedback (
		id UUID PRIMARY KEY,
		call_id UUID,
		agent_id VARCHAR(255),
		document_id VARCHAR(255) NOT NULL,
		helpful BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ DEFAULT now()
	)`,
}

// Schema 返回建表语句，供存储层的SQL一致性校验使用
func Schema() []string {
	return schemaStatements
}

// InitSchema 执行全部建表语句
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	log.Println("✅ 数据库schema初始化完成")
	return nil
}
