package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	goplugin "plugin"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/pkg/logger"
)

// Exports is the set of top-level symbols a plugin module exposes, keyed by
// symbol name.
type Exports map[string]any

// Well-known export symbol names probed during plugin resolution.
const (
	SymbolFactory = "NewPlugin"
	SymbolPlugin  = "Plugin"
	SymbolDefault = "Default"
)

// ModuleLoader imports a plugin entry point and returns its exports. The
// mechanism is deliberately open: shared objects, a compiled-in registry, or
// an out-of-process worker all fit behind this interface.
type ModuleLoader interface {
	Load(ctx context.Context, path string) (Exports, error)
}

// Factory is the constructor shape a module may export under SymbolPlugin.
type Factory interface {
	NewPlugin() (*Plugin, error)
}

// GoPluginLoader imports entry points as Go shared objects via the standard
// library plugin mechanism.
type GoPluginLoader struct{}

// Load opens the shared object and collects the well-known symbols.
func (GoPluginLoader) Load(_ context.Context, path string) (Exports, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	exports := Exports{}
	for _, name := range []string{SymbolFactory, SymbolPlugin, SymbolDefault} {
		symbol, err := so.Lookup(name)
		if err != nil {
			continue
		}
		exports[name] = deref(symbol)
	}
	if len(exports) == 0 {
		return nil, fmt.Errorf("module %s exports none of %s, %s, %s", path, SymbolFactory, SymbolPlugin, SymbolDefault)
	}
	return exports, nil
}

// deref unwraps the pointer indirection the plugin package applies to
// exported variables.
func deref(symbol any) any {
	switch v := symbol.(type) {
	case **Plugin:
		if v == nil {
			return nil
		}
		return *v
	case *Plugin:
		return v
	case *Factory:
		if v == nil {
			return nil
		}
		return *v
	case *func() (*Plugin, error):
		if v == nil {
			return nil
		}
		return *v
	case *func() *Plugin:
		if v == nil {
			return nil
		}
		return *v
	default:
		return symbol
	}
}

// RegistryLoader serves exports registered in-process. It backs static
// builds that compile their plugins in, and tests.
type RegistryLoader struct {
	mu      sync.RWMutex
	modules map[string]func() (Exports, error)
}

// NewRegistryLoader creates an empty registry loader.
func NewRegistryLoader() *RegistryLoader {
	return &RegistryLoader{modules: make(map[string]func() (Exports, error))}
}

// Register associates an entry-point path with a provider of its exports.
// The provider runs on every import so reloads observe fresh exports.
func (l *RegistryLoader) Register(path string, provider func() (Exports, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[path] = provider
}

// Load implements ModuleLoader.
func (l *RegistryLoader) Load(_ context.Context, path string) (Exports, error) {
	l.mu.RLock()
	provider, ok := l.modules[path]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %s is not registered", path)
	}
	return provider()
}

// LoadMetrics captures measurements of a single load attempt.
type LoadMetrics struct {
	LoadTime        time.Duration
	ModuleSize      int
	DependencyCount int
	ServiceCount    int
}

// LoadResult is the outcome of loading one discovered plugin. Failures are
// reported in Err; the loader never panics across a load.
type LoadResult struct {
	Success bool
	Plugin  *Plugin
	Err     error
	Metrics LoadMetrics
}

// LoadOptions tunes a single load attempt.
type LoadOptions struct {
	// Timeout bounds the module import. Zero uses the loader default.
	Timeout time.Duration
}

const (
	// DefaultLoadTimeout bounds the dynamic import of an entry point.
	DefaultLoadTimeout = 30 * time.Second

	moduleCacheSize = 128
)

// Loader imports entry-point modules, resolves them into Plugin descriptors
// and caches imported modules by entry-point path. Loads of the same
// name@version key are rejected while one is in flight.
type Loader struct {
	modules ModuleLoader
	timeout time.Duration
	log     *slog.Logger

	cache *lru.Cache[string, Exports]

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithModuleLoader overrides the import mechanism.
func WithModuleLoader(ml ModuleLoader) LoaderOption {
	return func(l *Loader) {
		if ml != nil {
			l.modules = ml
		}
	}
}

// WithLoadTimeout sets the default import timeout.
func WithLoadTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLoader creates a Loader. The default module loader imports Go shared
// objects.
func NewLoader(opts ...LoaderOption) *Loader {
	cache, _ := lru.New[string, Exports](moduleCacheSize)
	l := &Loader{
		modules:  GoPluginLoader{},
		timeout:  DefaultLoadTimeout,
		log:      logger.Named("plugin.loader"),
		cache:    cache,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load imports and resolves a discovered plugin. All failures are returned
// as a failed LoadResult, never as a panic or an uncaught fault.
func (l *Loader) Load(ctx context.Context, discovered *DiscoveredPlugin, opts LoadOptions) LoadResult {
	start := time.Now()
	fail := func(err error) LoadResult {
		return LoadResult{Err: err, Metrics: LoadMetrics{LoadTime: time.Since(start)}}
	}

	if discovered == nil {
		return fail(xerrors.New(xerrors.CodeInvalidArgument, "discovered plugin cannot be nil"))
	}
	if !discovered.IsValid {
		return fail(xerrors.New(xerrors.CodeManifestInvalid,
			fmt.Sprintf("plugin %s has an invalid manifest: %s", discovered.Name, strings.Join(discovered.ValidationErrors, "; "))))
	}

	key := discovered.Name + "@" + discovered.Version
	l.mu.Lock()
	if _, loading := l.inFlight[key]; loading {
		l.mu.Unlock()
		return fail(xerrors.New(xerrors.CodeLoadInProgress, fmt.Sprintf("plugin %s is already loading", key)))
	}
	l.inFlight[key] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.inFlight, key)
		l.mu.Unlock()
	}()

	exports, err := l.importModule(ctx, discovered.EntryPoint, opts.Timeout)
	if err != nil {
		return fail(err)
	}

	resolved, err := resolveExports(exports)
	if err != nil {
		return fail(xerrors.Wrap(xerrors.CodeLoadFailure, err, fmt.Sprintf("resolve plugin %s", key)))
	}

	enrichFromDiscovery(resolved, discovered)
	if err := validatePlugin(resolved); err != nil {
		return fail(err)
	}

	metrics := LoadMetrics{
		LoadTime:        time.Since(start),
		ModuleSize:      len(exports),
		DependencyCount: len(resolved.Dependencies),
		ServiceCount:    len(resolved.Services),
	}
	l.log.Info("plugin module loaded",
		slog.String("plugin", resolved.Key()),
		slog.Duration("load_time", metrics.LoadTime),
		slog.Int("services", metrics.ServiceCount),
	)
	return LoadResult{Success: true, Plugin: resolved, Metrics: metrics}
}

// importModule runs the module import under a timeout. The import goroutine
// keeps running after a timeout; its result is discarded and never cached.
func (l *Loader) importModule(ctx context.Context, path string, timeout time.Duration) (Exports, error) {
	if cached, ok := l.cache.Get(path); ok {
		return cached, nil
	}

	if timeout <= 0 {
		timeout = l.timeout
	}
	importCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		exports Exports
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		exports, err := l.modules.Load(importCtx, path)
		ch <- outcome{exports: exports, err: err}
	}()

	select {
	case <-importCtx.Done():
		if errors.Is(importCtx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.New(xerrors.CodeLoadTimeout, fmt.Sprintf("import of %s exceeded %s", path, timeout))
		}
		return nil, xerrors.Wrap(xerrors.CodeLoadFailure, importCtx.Err(), fmt.Sprintf("import of %s cancelled", path))
	case out := <-ch:
		if out.err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLoadFailure, out.err, fmt.Sprintf("import module %s", path))
		}
		l.cache.Add(path, out.exports)
		return out.exports, nil
	}
}

// Invalidate drops the cached module for an entry point so the next load
// re-imports it. Used by reload.
func (l *Loader) Invalidate(path string) {
	l.cache.Remove(path)
}

// PurgeCache drops every cached module.
func (l *Loader) PurgeCache() {
	l.cache.Purge()
}

// CachedModules reports how many modules are currently cached.
func (l *Loader) CachedModules() int {
	return l.cache.Len()
}

// resolveExports picks a Plugin out of a module's exports using a fixed
// precedence; the first matching pattern wins.
func resolveExports(exports Exports) (*Plugin, error) {
	// 1. Exported factory function.
	if p, ok, err := callFactory(exports[SymbolFactory]); ok {
		return p, err
	}
	// 2. Exported constructor type to instantiate.
	if factory, ok := exports[SymbolPlugin].(Factory); ok && factory != nil {
		return factory.NewPlugin()
	}
	// 3. Default export that is itself a plugin.
	if p, ok := asPlugin(exports[SymbolDefault]); ok {
		return p, nil
	}
	// 4. Default export that is a factory.
	if p, ok, err := callFactory(exports[SymbolDefault]); ok {
		return p, err
	}
	// 5. Direct top-level export shaped like a plugin.
	if p, ok := asPlugin(exports[SymbolPlugin]); ok && p.Name != "" && p.Version != "" {
		return p, nil
	}
	return nil, errors.New("no export matches a recognized plugin shape")
}

func callFactory(v any) (*Plugin, bool, error) {
	switch f := v.(type) {
	case func() (*Plugin, error):
		p, err := f()
		return p, true, err
	case func() *Plugin:
		return f(), true, nil
	default:
		return nil, false, nil
	}
}

func asPlugin(v any) (*Plugin, bool) {
	switch p := v.(type) {
	case *Plugin:
		if p != nil {
			return p, true
		}
	case Plugin:
		return &p, true
	}
	return nil, false
}

// enrichFromDiscovery fills descriptor fields the module left empty from
// the manifest metadata.
func enrichFromDiscovery(p *Plugin, discovered *DiscoveredPlugin) {
	if p.Name == "" {
		p.Name = discovered.Name
	}
	if p.Version == "" {
		p.Version = discovered.Version
	}
	if p.Description == "" {
		p.Description = discovered.Description
	}
	if p.Author == "" {
		p.Author = discovered.Author
	}
	if len(p.Dependencies) == 0 {
		p.Dependencies = append([]string(nil), discovered.Dependencies...)
	}
	if p.Priority == 0 {
		p.Priority = discovered.Priority
	}
}

// validatePlugin checks the resolved descriptor satisfies the required
// shape before it is handed to the manager.
func validatePlugin(p *Plugin) error {
	if p == nil {
		return xerrors.New(xerrors.CodeLoadFailure, "module resolved to a nil plugin")
	}
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(p.Version) == "" {
		problems = append(problems, "version is required")
	}
	for i, ref := range p.Services {
		if strings.TrimSpace(ref.Name) == "" {
			problems = append(problems, fmt.Sprintf("service %d has no name", i))
		}
		if ref.Constructor == nil {
			problems = append(problems, fmt.Sprintf("service %s has no constructor", ref.Name))
		}
		for _, cap := range ref.Capabilities {
			switch cap.Kind {
			case CapabilityTool, CapabilityResource, CapabilityPrompt:
			default:
				problems = append(problems, fmt.Sprintf("service %s capability %s has unknown kind %q", ref.Name, cap.Name, cap.Kind))
			}
			if strings.TrimSpace(cap.Name) == "" {
				problems = append(problems, fmt.Sprintf("service %s declares a capability without a name", ref.Name))
			}
			if strings.TrimSpace(cap.MethodName) == "" {
				problems = append(problems, fmt.Sprintf("service %s capability %s has no method", ref.Name, cap.Name))
			}
		}
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeLoadFailure,
			fmt.Sprintf("plugin %s failed validation: %s", p.Name, strings.Join(problems, "; ")))
	}
	return nil
}
