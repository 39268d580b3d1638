package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"MCP-PluginHost/internal/api"
	"MCP-PluginHost/internal/audit"
	"MCP-PluginHost/internal/config"
	"MCP-PluginHost/internal/events"
	"MCP-PluginHost/internal/observability/metrics"
	"MCP-PluginHost/pkg/logger"
	"MCP-PluginHost/pkg/plugin"
)

// main 是插件宿主守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("pluginhostd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PLUGINHOST_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "pluginhost.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 初始化结构化日志。
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 初始化审计存储。
	auditStore, err := createAuditStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			log.Printf("关闭审计存储失败: %v", err)
		}
	}()

	// 初始化生命周期事件总线。
	bus, err := createEventBus(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Printf("关闭事件总线失败: %v", err)
		}
	}()

	// 观察者在管理器构造前声明,通过闭包捕获管理器引用。
	var manager *plugin.Manager
	observer := newLifecycleObserver(auditStore, bus, func() int {
		if manager == nil {
			return -1
		}
		return len(manager.GetActivePlugins())
	})

	manager = plugin.NewManager(plugin.ManagerConfig{
		PluginsRoot:      cfg.Plugins.Root,
		LoadTimeout:      time.Duration(cfg.Plugins.LoadTimeoutSeconds) * time.Second,
		LoadConcurrency:  cfg.Plugins.LoadConcurrency,
		DefaultIsolation: plugin.IsolationLevel(cfg.Plugins.DefaultIsolation),
	}, plugin.WithLifecycleObserver(observer))

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Cleanup(cleanupCtx)
	}()

	// 启动时加载插件目录下所有通过校验的插件。
	discovered, err := manager.Discovery().DiscoverPlugins(plugin.DiscoveryOptions{
		Concurrency: cfg.Plugins.LoadConcurrency,
	})
	if err != nil {
		return err
	}
	var names []string
	for _, candidate := range discovered {
		if candidate.IsValid {
			names = append(names, candidate.Name)
		}
	}
	for name, loadErr := range manager.LoadPlugins(ctx, names) {
		log.Printf("插件 %s 加载失败: %v", name, loadErr)
	}

	// 按需启动目录监听与自动重载。
	if cfg.Plugins.Watch.Enabled {
		watcher := plugin.NewWatcher(manager, time.Duration(cfg.Plugins.Watch.DebounceMS)*time.Millisecond)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("插件目录监听退出: %v", err)
			}
		}()
	}

	// 按需启动独立指标端口。
	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, manager, auditStore)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newLifecycleObserver 把生命周期结果写入审计存储、发布到事件总线并上报指标。
// activeCount 返回当前活跃插件数,返回负数时跳过活跃数上报。
func newLifecycleObserver(store audit.Store, bus events.Publisher, activeCount func() int) plugin.LifecycleObserver {
	return func(ctx context.Context, ev plugin.LifecycleEvent) {
		record := &audit.Record{
			ID:         ev.ID,
			Plugin:     ev.Plugin,
			Version:    ev.Version,
			Action:     string(ev.Action),
			Outcome:    ev.Outcome,
			Error:      ev.Error,
			DurationMS: ev.Duration.Milliseconds(),
			CreatedAt:  ev.At.Unix(),
		}
		if err := store.Append(ctx, record); err != nil {
			log.Printf("写入审计记录失败: %v", err)
		}
		if err := bus.Publish(ctx, events.Event{
			ID:         ev.ID,
			Plugin:     ev.Plugin,
			Version:    ev.Version,
			Action:     string(ev.Action),
			Outcome:    ev.Outcome,
			Error:      ev.Error,
			DurationMS: ev.Duration.Milliseconds(),
			Timestamp:  ev.At.Unix(),
		}); err != nil {
			log.Printf("发布生命周期事件失败: %v", err)
		}
		metrics.ObservePluginOperation(string(ev.Action), ev.Outcome, ev.Duration)
		if n := activeCount(); n >= 0 {
			metrics.SetActivePlugins(n)
		}
	}
}

// createAuditStore 根据配置选择审计存储后端。
func createAuditStore(cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Driver {
	case "", "memory":
		return audit.NewMemoryStore(cfg.Audit.MaxInMemory), nil
	case "mysql":
		return audit.NewMySQLStore(cfg.Audit.DSN)
	default:
		return nil, fmt.Errorf("未知的审计存储驱动: %s", cfg.Audit.Driver)
	}
}

// createEventBus 根据配置选择生命周期事件总线后端。
func createEventBus(cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryBus(cfg.Events.Buffer), nil
	case "redis":
		return events.NewRedisBus(events.RedisBusConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQBusConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}
}
