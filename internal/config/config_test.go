package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cm := NewConfigManager()
	cfg, err := cm.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 0.3, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 5, cfg.Retrieval.SearchLimit)
	assert.Equal(t, 3, cfg.Retrieval.PersistTopN)
	assert.Equal(t, 60*time.Second, cfg.Retrieval.SentimentWindow)
	assert.Equal(t, 10, cfg.Window.MaxItems)
	assert.Equal(t, 2*time.Minute, cfg.Window.Horizon)
	assert.Equal(t, 2, cfg.Window.MinCount)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
database:
  host: db.internal
  dbname: calls
retrieval:
  similarity_threshold: 0.45
  workers: 8
window:
  max_items: 6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cm := NewConfigManager(WithConfigPath(path))
	cfg, err := cm.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "calls", cfg.Database.DBName)
	assert.Equal(t, 0.45, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 8, cfg.Retrieval.Workers)
	assert.Equal(t, 6, cfg.Window.MaxItems)
	// 未覆盖的字段保持默认
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 5, cfg.Retrieval.SearchLimit)
}

func TestValidate(t *testing.T) {
	cm := NewConfigManager()
	cfg, err := cm.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Server.Port = -1
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Retrieval.SimilarityThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Database.Host = ""
	assert.Error(t, bad.Validate())
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	var reloaded *Config
	cm := NewConfigManager(
		WithConfigPath(path),
		WithReloadHook(func(c *Config) { reloaded = c }),
	)
	cfg, err := cm.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644))
	require.NoError(t, cm.Reload())

	got, err := cm.Get()
	require.NoError(t, err)
	assert.Equal(t, 9191, got.Server.Port)
	require.NotNil(t, reloaded)
	assert.Equal(t, 9191, reloaded.Server.Port)
}
