// Package config 服务配置加载与热更新
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"LiveCallAssist/internal/database"
)

// ServerConfig HTTP/WebSocket服务配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderConfig AI服务商配置
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	ChatModel      string        `mapstructure:"chat_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// SignalWireConfig webhook签名校验配置
type SignalWireConfig struct {
	SigningToken string `mapstructure:"signing_token"`
	WSToken      string `mapstructure:"ws_token"`
}

// RetrievalConfig 检索管线配置
type RetrievalConfig struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	SearchLimit         int           `mapstructure:"search_limit"`
	PersistTopN         int           `mapstructure:"persist_top_n"`
	Category            string        `mapstructure:"category"`
	SentimentWindow     time.Duration `mapstructure:"sentiment_window"`
	SentimentInterval   time.Duration `mapstructure:"sentiment_interval"`
	Workers             int           `mapstructure:"workers"`
}

// WindowConfig 上下文窗口配置
type WindowConfig struct {
	MaxItems int           `mapstructure:"max_items"`
	Horizon  time.Duration `mapstructure:"horizon"`
	MinCount int           `mapstructure:"min_count"`
}

// Config 服务总配置
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   database.Config  `mapstructure:"database"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	SignalWire SignalWireConfig `mapstructure:"signalwire"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Window     WindowConfig     `mapstructure:"window"`
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold %.2f out of [0,1]", c.Retrieval.SimilarityThreshold)
	}
	return nil
}

// loadConfigFromFile 从文件与环境变量加载配置
func loadConfigFromFile(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LCA")
	v.AutomaticEnv()

	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	return &config, v, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "livecall")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("provider.base_url", "https://api.openai.com/v1")
	v.SetDefault("provider.embedding_model", "text-embedding-3-small")
	v.SetDefault("provider.chat_model", "gpt-4o-mini")
	v.SetDefault("provider.timeout", "15s")

	v.SetDefault("retrieval.similarity_threshold", 0.3)
	v.SetDefault("retrieval.search_limit", 5)
	v.SetDefault("retrieval.persist_top_n", 3)
	v.SetDefault("retrieval.sentiment_window", "60s")
	v.SetDefault("retrieval.sentiment_interval", "30s")
	v.SetDefault("retrieval.workers", 4)

	v.SetDefault("window.max_items", 10)
	v.SetDefault("window.horizon", "2m")
	v.SetDefault("window.min_count", 2)
}
