package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了插件宿主守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Plugins PluginsConfig `json:"plugins"`
	Audit   AuditConfig   `json:"audit"`
	Events  EventsConfig  `json:"events"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig 控制管理 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志的级别、格式与输出目标。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// PluginsConfig 描述插件目录与加载管线的运行参数。
type PluginsConfig struct {
	Root               string      `json:"root"`
	LoadTimeoutSeconds int         `json:"load_timeout_seconds"`
	LoadConcurrency    int         `json:"load_concurrency"`
	DefaultIsolation   string      `json:"default_isolation"`
	Watch              WatchConfig `json:"watch"`
}

// WatchConfig 控制插件目录变更监听与自动重载。
type WatchConfig struct {
	Enabled    bool `json:"enabled"`
	DebounceMS int  `json:"debounce_ms"`
}

// AuditConfig 统一描述生命周期审计记录的存储后端。
type AuditConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	MaxInMemory int    `json:"max_in_memory"`
}

// EventsConfig 描述生命周期事件对外发布所使用的消息后端。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 包含访问 Redis 所需的连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RabbitMQConfig 包含访问 RabbitMQ 所需的连接信息。
type RabbitMQConfig struct {
	URL string `json:"url"`
}

// MetricsConfig 控制独立指标端口,留空则复用管理 API 的 /metrics。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	if c.Plugins.Root == "" {
		c.Plugins.Root = filepath.Join(baseDir, "plugins")
	} else if !filepath.IsAbs(c.Plugins.Root) {
		c.Plugins.Root = filepath.Join(baseDir, c.Plugins.Root)
	}
	if c.Plugins.LoadTimeoutSeconds <= 0 {
		c.Plugins.LoadTimeoutSeconds = 30
	}
	if c.Plugins.LoadConcurrency <= 0 {
		c.Plugins.LoadConcurrency = 5
	}
	if c.Plugins.DefaultIsolation == "" {
		c.Plugins.DefaultIsolation = "service"
	}
	if c.Plugins.Watch.DebounceMS <= 0 {
		c.Plugins.Watch.DebounceMS = 500
	}

	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}
	if c.Audit.MaxInMemory <= 0 {
		c.Audit.MaxInMemory = 1024
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
}
