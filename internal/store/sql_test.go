package store

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveCallAssist/internal/database"
)

var (
	insertRe = regexp.MustCompile(`(?s)INSERT INTO (\w+)\s*\(([^)]*)\)`)
	tableRe  = regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS (\w+)\s*\((.*)\)`)
	conflRe  = regexp.MustCompile(`ON CONFLICT \(([^)]+)\)`)
	setRe    = regexp.MustCompile(`(\w+)\s*=\s*EXCLUDED\.`)
)

// schemaColumns 从建表语句提取每张表的列名集合
func schemaColumns(t *testing.T) map[string]map[string]bool {
	t.Helper()
	tables := make(map[string]map[string]bool)
	for _, stmt := range database.Schema() {
		m := tableRe.FindStringSubmatch(stmt)
		if m == nil {
			continue
		}
		cols := make(map[string]bool)
		for _, line := range strings.Split(m[2], ",") {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			cols[fields[0]] = true
		}
		tables[m[1]] = cols
	}
	return tables
}

// 写路径SQL里引用的每一列都必须存在于自建schema中，
// 否则落库静默失败、持久层整体失效
func TestWriteStatementsMatchSchema(t *testing.T) {
	tables := schemaColumns(t)
	require.NotEmpty(t, tables)

	statements := map[string]string{
		"calls":                    callUpsertSQL,
		"transcriptions":           transcriptionInsertSQL,
		"recordings":               recordingUpsertSQL,
		"ai_interactions":          interactionInsertSQL,
		"call_document_references": referenceInsertSQL,
		"call_summaries":           summaryUpsertSQL,
		"sentiment_history":        sentimentInsertSQL,
		"document_feedback":        feedbackInsertSQL,
	}

	for wantTable, sql := range statements {
		m := insertRe.FindStringSubmatch(sql)
		require.NotNil(t, m, "no INSERT in statement for %s", wantTable)
		table, colList := m[1], m[2]
		assert.Equal(t, wantTable, table)

		cols, ok := tables[table]
		require.True(t, ok, "table %s not in schema", table)

		for _, col := range strings.Split(colList, ",") {
			col = strings.TrimSpace(col)
			assert.True(t, cols[col], "table %s: insert column %q missing from schema", table, col)
		}
		if m := conflRe.FindStringSubmatch(sql); m != nil {
			target := strings.TrimSpace(m[1])
			assert.True(t, cols[target], "table %s: conflict target %q missing from schema", table, target)
		}
		for _, m := range setRe.FindAllStringSubmatch(sql, -1) {
			assert.True(t, cols[m[1]], "table %s: update column %q missing from schema", table, m[1])
		}
	}
}
