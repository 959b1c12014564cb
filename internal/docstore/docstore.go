// Package docstore 知识库文档的向量检索
package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"LiveCallAssist/internal/provider"
)

// Match 一条检索命中
type Match struct {
	DocumentID string                 `json:"document_id"`
	Title      string                 `json:"title"`
	Content    string                 `json:"content"`
	Similarity float64                `json:"similarity"`
	Category   string                 `json:"category,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Searcher 文档检索接口，管线按相似度阈值取候选
type Searcher interface {
	Search(ctx context.Context, query string, threshold float64, limit int, category string) ([]Match, error)
}

// Document 待入库文档
type Document struct {
	ID       string
	Title    string
	Content  string
	Category string
	Metadata map[string]interface{}
}

// PgVectorStore pgvector余弦相似度检索实现
type PgVectorStore struct {
	pool     *pgxpool.Pool
	embedder provider.Embedder
}

// NewPgVectorStore 创建向量文档库
func NewPgVectorStore(pool *pgxpool.Pool, embedder provider.Embedder) *PgVectorStore {
	return &PgVectorStore{pool: pool, embedder: embedder}
}

// Search 语义检索，similarity = 1 - 余弦距离，低于threshold的行被过滤
func (d *PgVectorStore) Search(ctx context.Context, query string, threshold float64, limit int, category string) ([]Match, error) {
	vec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sql := `
		SELECT document_id, title, content, category, meta_data,
		       1 - (embedding <=> $1) AS similarity
		FROM document_embeddings
		WHERE embedding IS NOT NULL
		  AND 1 - (embedding <=> $1) >= $2`
	args := []interface{}{pgvector.NewVector(vec), threshold, limit}
	if category != "" {
		sql += ` AND category = $4`
		args = append(args, category)
	}
	sql += ` ORDER BY embedding <=> $1 LIMIT $3`

	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var meta []byte
		if err := rows.Scan(&m.DocumentID, &m.Title, &m.Content, &m.Category, &meta, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Upsert 生成嵌入并写入文档，同ID覆盖
func (d *PgVectorStore) Upsert(ctx context.Context, doc Document) error {
	vec, err := d.embedder.Embed(ctx, doc.Title+"\n"+doc.Content)
	if err != nil {
		return fmt.Errorf("embed document %s: %w", doc.ID, err)
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO document_embeddings (document_id, title, content, category, meta_data, embedding, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (document_id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			category = EXCLUDED.category,
			meta_data = EXCLUDED.meta_data,
			embedding = EXCLUDED.embedding,
			updated_at = now()`,
		doc.ID, doc.Title, doc.Content, doc.Category, meta, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// Delete 删除文档
func (d *PgVectorStore) Delete(ctx context.Context, documentID string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM document_embeddings WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}
