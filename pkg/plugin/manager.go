package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/pkg/logger"
)

// LifecycleAction names a manager operation for observers.
type LifecycleAction string

const (
	ActionLoad   LifecycleAction = "load"
	ActionUnload LifecycleAction = "unload"
	ActionReload LifecycleAction = "reload"
)

// LifecycleEvent describes the outcome of one lifecycle operation.
type LifecycleEvent struct {
	ID       string
	Plugin   string
	Version  string
	Action   LifecycleAction
	Outcome  string
	Error    string
	Duration time.Duration
	At       time.Time
}

// LifecycleObserver is notified after every load/unload/reload attempt.
// Observers run synchronously; panics are recovered.
type LifecycleObserver func(ctx context.Context, ev LifecycleEvent)

// ManagerConfig describes how the plugin manager should behave.
type ManagerConfig struct {
	// PluginsRoot is the directory holding one subdirectory per plugin.
	PluginsRoot string
	// LoadTimeout bounds each module import. Zero uses the loader default.
	LoadTimeout time.Duration
	// LoadConcurrency bounds parallel batch loads. Values below 1 mean 5.
	LoadConcurrency int
	// DefaultIsolation applies when a manifest declares no isolation
	// block. Empty means service-level isolation.
	DefaultIsolation IsolationLevel
	// Detector toggles the built-in conflict categories.
	Detector DetectorConfig
}

// Manager orchestrates discovery, loading, conflict detection, isolation
// and pre-binding into plugin lifecycle transitions. It is the only
// component holding mutable cross-plugin state.
type Manager struct {
	cfg       ManagerConfig
	discovery *Discovery
	loader    *Loader
	detector  *ConflictDetector
	injector  *FeatureInjector
	binder    *PreBinder
	metadata  *MetadataRegistry
	log       *slog.Logger

	mu         sync.RWMutex
	active     map[string]*Plugin
	instances  map[string]*IsolatedInstance
	discovered map[string]*DiscoveredPlugin
	metrics    map[string]LoadMetrics
	status     map[string]Status
	loading    map[string]struct{}
	observers  []LifecycleObserver
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerModuleLoader overrides the module import mechanism.
func WithManagerModuleLoader(ml ModuleLoader) ManagerOption {
	return func(m *Manager) {
		m.loader = NewLoader(WithModuleLoader(ml), WithLoadTimeout(m.cfg.LoadTimeout))
	}
}

// WithHostContainer sets the host scope plugins are isolated under.
func WithHostContainer(host *ServiceContainer) ManagerOption {
	return func(m *Manager) {
		m.injector = NewFeatureInjector(host)
	}
}

// WithManagerMessageSink routes bridge messages to the sink.
func WithManagerMessageSink(sink MessageSink) ManagerOption {
	return func(m *Manager) {
		m.injector = NewFeatureInjector(m.injector.HostContainer(), WithMessageSink(sink))
	}
}

// WithLifecycleObserver registers an observer for lifecycle outcomes.
func WithLifecycleObserver(obs LifecycleObserver) ManagerOption {
	return func(m *Manager) {
		if obs != nil {
			m.observers = append(m.observers, obs)
		}
	}
}

// NewManager constructs a manager over the configured plugins root.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.LoadConcurrency < 1 {
		cfg.LoadConcurrency = 5
	}
	if cfg.DefaultIsolation == "" {
		cfg.DefaultIsolation = IsolationService
	}
	metadata := NewMetadataRegistry()
	m := &Manager{
		cfg:        cfg,
		discovery:  NewDiscovery(cfg.PluginsRoot),
		loader:     NewLoader(WithLoadTimeout(cfg.LoadTimeout)),
		metadata:   metadata,
		detector:   NewConflictDetector(metadata, cfg.Detector),
		injector:   NewFeatureInjector(NewServiceContainer("host")),
		binder:     NewPreBinder(),
		log:        logger.Named("plugin.manager"),
		active:     make(map[string]*Plugin),
		instances:  make(map[string]*IsolatedInstance),
		discovered: make(map[string]*DiscoveredPlugin),
		metrics:    make(map[string]LoadMetrics),
		status:     make(map[string]Status),
		loading:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Discovery exposes the discovery component.
func (m *Manager) Discovery() *Discovery { return m.discovery }

// Detector exposes the conflict detector.
func (m *Manager) Detector() *ConflictDetector { return m.detector }

// PreBinder exposes the pre-binding cache.
func (m *Manager) PreBinder() *PreBinder { return m.binder }

// Metadata exposes the capability metadata registry.
func (m *Manager) Metadata() *MetadataRegistry { return m.metadata }

// HostContainer exposes the host dependency scope.
func (m *Manager) HostContainer() *ServiceContainer { return m.injector.HostContainer() }

// LoadPlugin discovers, loads, conflict-checks, isolates and pre-binds one
// plugin. Concurrent loads of the same name are rejected, never queued.
func (m *Manager) LoadPlugin(ctx context.Context, name string) error {
	start := time.Now()

	m.mu.Lock()
	if m.status[name] == StatusLoaded {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeAlreadyLoaded, fmt.Sprintf("plugin %s is already loaded", name))
	}
	if _, inFlight := m.loading[name]; inFlight {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeLoadInProgress, fmt.Sprintf("plugin %s is already loading", name))
	}
	m.loading[name] = struct{}{}
	m.status[name] = StatusLoading
	m.mu.Unlock()

	err := m.loadLocked(ctx, name)

	m.mu.Lock()
	delete(m.loading, name)
	if err != nil {
		m.status[name] = StatusFailed
	}
	version := ""
	if p := m.active[name]; p != nil {
		version = p.Version
	}
	m.mu.Unlock()

	m.notify(ctx, LifecycleEvent{
		ID:       uuid.NewString(),
		Plugin:   name,
		Version:  version,
		Action:   ActionLoad,
		Outcome:  outcomeOf(err),
		Error:    errString(err),
		Duration: time.Since(start),
		At:       time.Now(),
	})
	return err
}

// loadLocked runs the load pipeline for a name already marked LOADING.
func (m *Manager) loadLocked(ctx context.Context, name string) error {
	discovered, err := m.discovery.DiscoverPlugin(name)
	if err != nil {
		return err
	}
	if discovered == nil {
		return xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("plugin %s not found under %s", name, m.cfg.PluginsRoot))
	}

	result := m.loader.Load(ctx, discovered, LoadOptions{Timeout: m.cfg.LoadTimeout})
	if !result.Success {
		return result.Err
	}
	p := result.Plugin

	// Metadata collection precedes conflict detection; the detector reads
	// the registry, not the raw services.
	for _, ref := range p.Services {
		m.metadata.RegisterService(p.Name, ref.Name, ref.Capabilities)
	}

	candidates := append(m.snapshotActive(), p)
	conflicts := m.detector.DetectConflicts(candidates)
	for _, c := range conflicts {
		m.log.Warn("conflict detected",
			slog.String("type", string(c.Type)),
			slog.String("severity", string(c.Severity)),
			slog.String("identifier", c.Resource.Identifier),
		)
	}
	if HasCritical(conflicts) {
		m.metadata.UnregisterPlugin(p.Name)
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("plugin %s introduces a critical conflict", p.Key()))
	}

	level := discovered.Isolation.Level
	if level == "" {
		level = m.cfg.DefaultIsolation
	}
	instance, err := m.injector.CreateIsolatedPlugin(ctx, p, IsolationOptions{
		Level:       level,
		Permissions: discovered.Isolation.Permissions,
	})
	if err != nil {
		m.metadata.UnregisterPlugin(p.Name)
		return err
	}

	for _, ref := range p.Services {
		svc, ok := instance.Service(ref.Name)
		if !ok {
			// Tolerated partial failure: the service did not resolve and
			// its capabilities stay unbound.
			continue
		}
		if _, bindErr := m.binder.BindService(p.Name, ref, svc, m.metadata.ServiceCapabilities(p.Name, ref.Name)); bindErr != nil {
			m.log.Warn("pre-binding failed for service",
				slog.String("plugin", p.Name),
				slog.String("service", ref.Name),
				slog.Any("error", bindErr),
			)
		}
	}

	m.mu.Lock()
	m.active[name] = p
	m.instances[name] = instance
	m.discovered[name] = discovered
	m.metrics[name] = result.Metrics
	m.status[name] = StatusLoaded
	m.mu.Unlock()

	m.log.Info("plugin loaded",
		slog.String("plugin", p.Key()),
		slog.String("isolation", string(level)),
		slog.Duration("load_time", result.Metrics.LoadTime),
	)
	return nil
}

// UnloadPlugin destroys the plugin's isolation and purges every local
// reference. Unloading an inactive plugin logs a warning and succeeds.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	start := time.Now()

	m.mu.Lock()
	instance, active := m.instances[name]
	var version string
	if p := m.active[name]; p != nil {
		version = p.Version
	}
	if active {
		delete(m.active, name)
		delete(m.instances, name)
		delete(m.discovered, name)
		delete(m.metrics, name)
		m.status[name] = StatusUnloaded
	}
	m.mu.Unlock()

	if !active {
		m.log.Warn("unload requested for inactive plugin", slog.String("plugin", name))
		return nil
	}

	err := instance.Destroy(ctx)
	m.binder.UnbindPlugin(name)
	m.metadata.UnregisterPlugin(name)

	m.notify(ctx, LifecycleEvent{
		ID:       uuid.NewString(),
		Plugin:   name,
		Version:  version,
		Action:   ActionUnload,
		Outcome:  outcomeOf(err),
		Error:    errString(err),
		Duration: time.Since(start),
		At:       time.Now(),
	})
	if err != nil {
		return err
	}
	m.log.Info("plugin unloaded", slog.String("plugin", name))
	return nil
}

// ReloadPlugin unloads if loaded, invalidates the cached module and loads
// again. Not transactional: a failure in the load half leaves the plugin
// FAILED with no rollback to the previously loaded state.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) error {
	m.mu.RLock()
	discovered := m.discovered[name]
	loaded := m.status[name] == StatusLoaded
	m.mu.RUnlock()

	if loaded {
		if err := m.UnloadPlugin(ctx, name); err != nil {
			m.log.Warn("unload during reload failed, continuing",
				slog.String("plugin", name), slog.Any("error", err))
		}
	}

	if discovered == nil {
		if fresh, err := m.discovery.DiscoverPlugin(name); err == nil && fresh != nil {
			discovered = fresh
		}
	}
	if discovered != nil && discovered.EntryPoint != "" {
		m.loader.Invalidate(discovered.EntryPoint)
	}

	return m.LoadPlugin(ctx, name)
}

// LoadPlugins loads a batch with bounded concurrency. One plugin failing
// never aborts its siblings; the per-name outcomes are returned together.
func (m *Manager) LoadPlugins(ctx context.Context, names []string) map[string]error {
	results := make(map[string]error, len(names))
	var mu sync.Mutex

	g := &errgroup.Group{}
	g.SetLimit(m.cfg.LoadConcurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			err := m.LoadPlugin(ctx, name)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Cleanup unloads every active plugin best-effort and clears all manager
// state. Safe to call repeatedly.
func (m *Manager) Cleanup(ctx context.Context) error {
	for _, name := range m.GetActivePlugins() {
		if err := m.UnloadPlugin(ctx, name); err != nil {
			m.log.Warn("cleanup failed to unload plugin",
				slog.String("plugin", name), slog.Any("error", err))
		}
	}

	m.mu.Lock()
	m.active = make(map[string]*Plugin)
	m.instances = make(map[string]*IsolatedInstance)
	m.discovered = make(map[string]*DiscoveredPlugin)
	m.metrics = make(map[string]LoadMetrics)
	m.status = make(map[string]Status)
	m.mu.Unlock()

	m.loader.PurgeCache()
	return nil
}

// GetActivePlugins returns the sorted names of loaded plugins.
func (m *Manager) GetActivePlugins() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ActivePlugin returns the descriptor of a loaded plugin.
func (m *Manager) ActivePlugin(name string) (*Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.active[name]
	return p, ok
}

// IsolatedInstanceOf returns the isolation of a loaded plugin.
func (m *Manager) IsolatedInstanceOf(name string) (*IsolatedInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	return inst, ok
}

// GetPluginStatus returns the recorded status for a name; names never seen
// report UNLOADED.
func (m *Manager) GetPluginStatus(name string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.status[name]; ok {
		return s
	}
	return StatusUnloaded
}

// IsPluginLoaded reports whether the plugin is usable.
func (m *Manager) IsPluginLoaded(name string) bool {
	return m.GetPluginStatus(name) == StatusLoaded
}

// IsolationStats counts active plugins per isolation level.
type IsolationStats struct {
	None    int `json:"none"`
	Service int `json:"service"`
	Full    int `json:"full"`
}

// Info is the aggregate introspection snapshot of the manager.
type Info struct {
	Total       int                  `json:"total"`
	Loaded      int                  `json:"loaded"`
	Failed      int                  `json:"failed"`
	Loading     int                  `json:"loading"`
	Statuses    map[string]Status    `json:"statuses"`
	Isolation   IsolationStats       `json:"isolation"`
	LoadTimesMS map[string]int64     `json:"load_times_ms"`
	PreBinding  PerformanceMetrics   `json:"pre_binding"`
	Conflicts   []ConflictResolution `json:"conflict_resolutions,omitempty"`
}

// GetPluginInfo aggregates statuses, isolation stats and performance
// metrics over a consistent snapshot of the manager state.
func (m *Manager) GetPluginInfo() Info {
	m.mu.RLock()
	info := Info{
		Statuses:    make(map[string]Status, len(m.status)),
		LoadTimesMS: make(map[string]int64, len(m.metrics)),
	}
	for name, s := range m.status {
		info.Statuses[name] = s
		switch s {
		case StatusLoaded:
			info.Loaded++
		case StatusFailed:
			info.Failed++
		case StatusLoading:
			info.Loading++
		}
	}
	info.Total = len(m.status)
	for _, inst := range m.instances {
		switch inst.Level {
		case IsolationNone:
			info.Isolation.None++
		case IsolationService:
			info.Isolation.Service++
		case IsolationFull:
			info.Isolation.Full++
		}
	}
	for name, metrics := range m.metrics {
		info.LoadTimesMS[name] = metrics.LoadTime.Milliseconds()
	}
	m.mu.RUnlock()

	info.PreBinding = m.binder.GetPerformanceMetrics(10)
	info.Conflicts = m.detector.Resolutions()
	return info
}

// snapshotActive copies the active plugin set so detection iterates a
// consistent view while other loads mutate the maps.
func (m *Manager) snapshotActive() []*Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Plugin, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, p)
	}
	return out
}

func (m *Manager) notify(ctx context.Context, ev LifecycleEvent) {
	m.mu.RLock()
	observers := make([]LifecycleObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()
	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("lifecycle observer panicked", slog.Any("panic", r))
				}
			}()
			obs(ctx, ev)
		}()
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
