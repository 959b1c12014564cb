package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	onReload     func(*Config)
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// WithReloadHook 配置热更新后的回调
func WithReloadHook(fn func(*Config)) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.onReload = fn
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置
func (cm *ConfigManager) Load() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	config, viperInstance, err := loadConfigFromFile(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	cm.config = config
	cm.viper = viperInstance

	if cm.watchEnabled {
		cm.watchConfig()
	}
	return config, nil
}

// Get 获取配置（未加载则自动加载）
func (cm *ConfigManager) Get() (*Config, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// Reload 重新加载配置
func (cm *ConfigManager) Reload() error {
	config, viperInstance, err := loadConfigFromFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("重新加载配置失败: %w", err)
	}

	cm.mu.Lock()
	cm.config = config
	cm.viper = viperInstance
	hook := cm.onReload
	cm.mu.Unlock()

	if hook != nil {
		hook(config)
	}
	return nil
}

// watchConfig 监控配置文件变化，调用方持有cm.mu
func (cm *ConfigManager) watchConfig() {
	if cm.viper == nil {
		return
	}

	cm.viper.WatchConfig()
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("配置文件变化: %s", e.Name)
		if err := cm.Reload(); err != nil {
			log.Printf("⚠️ 配置热更新失败: %v", err)
		}
	})
}
