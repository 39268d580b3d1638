package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	xerrors "MCP-PluginHost/internal/errors"
)

type managerFixture struct {
	root     string
	registry *RegistryLoader
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	return &managerFixture{root: t.TempDir(), registry: NewRegistryLoader()}
}

// addPlugin writes a manifest and registers a module provider for it.
func (f *managerFixture) addPlugin(t *testing.T, name, version, extraManifest string, provider func() (Exports, error)) {
	t.Helper()
	manifest := "name: " + name + "\nversion: " + version + "\nentryPoint: " + name + ".so\n" + extraManifest
	writeManifest(t, f.root, name, manifest)
	f.registry.Register(filepath.Join(f.root, name, name+".so"), provider)
}

func (f *managerFixture) manager(opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{WithManagerModuleLoader(f.registry)}, opts...)
	return NewManager(ManagerConfig{PluginsRoot: f.root}, opts...)
}

func exportsFor(p *Plugin) func() (Exports, error) {
	return func() (Exports, error) {
		return Exports{SymbolFactory: func() (*Plugin, error) { return p, nil }}, nil
	}
}

func TestManagerLoadUnload(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	m := f.manager()

	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !m.IsPluginLoaded("alpha") {
		t.Fatal("plugin should be loaded")
	}
	if got := m.GetActivePlugins(); len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("unexpected active plugins: %v", got)
	}
	if _, ok := m.PreBinder().Get(CapabilityTool, "alpha", "alpha.run"); !ok {
		t.Fatal("capability was not pre-bound")
	}
	if m.Metadata().ServiceCount() != 1 {
		t.Fatalf("expected 1 registered service, got %d", m.Metadata().ServiceCount())
	}

	if err := m.UnloadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if m.GetPluginStatus("alpha") != StatusUnloaded {
		t.Fatalf("unexpected status: %s", m.GetPluginStatus("alpha"))
	}
	if _, ok := m.PreBinder().Get(CapabilityTool, "alpha", "alpha.run"); ok {
		t.Fatal("pre-bound capability survived unload")
	}
	if m.Metadata().ServiceCount() != 0 {
		t.Fatal("metadata survived unload")
	}
}

func TestManagerLoadMissingPlugin(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager()

	err := m.LoadPlugin(context.Background(), "ghost")
	if xerrors.CodeOf(err) != xerrors.CodePluginNotFound {
		t.Fatalf("expected plugin not found, got %v", err)
	}
	if m.GetPluginStatus("ghost") != StatusFailed {
		t.Fatalf("unexpected status: %s", m.GetPluginStatus("ghost"))
	}
}

func TestManagerRejectsDoubleLoad(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	m := f.manager()

	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.LoadPlugin(ctx, "alpha"); xerrors.CodeOf(err) != xerrors.CodeAlreadyLoaded {
		t.Fatalf("expected already loaded, got %v", err)
	}
}

func TestManagerUnloadInactiveSucceeds(t *testing.T) {
	f := newManagerFixture(t)
	m := f.manager()

	if err := m.UnloadPlugin(context.Background(), "ghost"); err != nil {
		t.Fatalf("unloading an inactive plugin must succeed: %v", err)
	}
}

func TestManagerCriticalConflictBlocksActivation(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	m := f.manager()

	m.Detector().AddRule(func(plugins []*Plugin) []Conflict {
		return []Conflict{{
			Type:     "CUSTOM",
			Severity: SeverityCritical,
			Plugins:  plugins,
			Resource: ConflictResource{Identifier: "forbidden", Type: "custom"},
		}}
	})

	err := m.LoadPlugin(ctx, "alpha")
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if m.GetPluginStatus("alpha") != StatusFailed {
		t.Fatalf("unexpected status: %s", m.GetPluginStatus("alpha"))
	}
	if m.Metadata().ServiceCount() != 0 {
		t.Fatal("blocked plugin must not leave metadata behind")
	}
	if len(m.GetActivePlugins()) != 0 {
		t.Fatal("blocked plugin must not activate")
	}
}

func TestManagerIsolationFromManifest(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "isolation:\n  level: full\n", exportsFor(testPlugin("alpha", "1.0.0")))
	m := f.manager()

	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load: %v", err)
	}
	inst, ok := m.IsolatedInstanceOf("alpha")
	if !ok {
		t.Fatal("expected an isolated instance")
	}
	if inst.Level != IsolationFull {
		t.Fatalf("manifest isolation not applied: %s", inst.Level)
	}
}

func TestManagerDefaultIsolation(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	m := f.manager()

	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load: %v", err)
	}
	inst, _ := m.IsolatedInstanceOf("alpha")
	if inst.Level != IsolationService {
		t.Fatalf("expected service isolation by default, got %s", inst.Level)
	}
}

func TestManagerReloadPicksUpNewModule(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	var mu sync.Mutex
	version := "1.0.0"
	f.addPlugin(t, "alpha", "1.0.0", "", func() (Exports, error) {
		mu.Lock()
		defer mu.Unlock()
		return Exports{SymbolFactory: func() (*Plugin, error) { return testPlugin("alpha", version), nil }}, nil
	})
	m := f.manager()

	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load: %v", err)
	}

	mu.Lock()
	version = "1.1.0"
	mu.Unlock()

	if err := m.ReloadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	p, ok := m.ActivePlugin("alpha")
	if !ok {
		t.Fatal("plugin should be active after reload")
	}
	if p.Version != "1.1.0" {
		t.Fatalf("reload did not re-import the module, version %s", p.Version)
	}
}

func TestManagerReloadNeverLoaded(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	m := f.manager()

	if err := m.ReloadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("reload of a never loaded plugin must behave like load: %v", err)
	}
	if !m.IsPluginLoaded("alpha") {
		t.Fatal("plugin should be loaded after reload")
	}
}

func TestManagerConcurrentLoadSameName(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.addPlugin(t, "alpha", "1.0.0", "", func() (Exports, error) {
		close(started)
		<-release
		return Exports{SymbolFactory: func() (*Plugin, error) { return testPlugin("alpha", "1.0.0"), nil }}, nil
	})
	m := f.manager()

	firstErr := make(chan error, 1)
	go func() { firstErr <- m.LoadPlugin(ctx, "alpha") }()
	<-started

	secondErr := m.LoadPlugin(ctx, "alpha")
	close(release)

	if err := <-firstErr; err != nil {
		t.Fatalf("first load: %v", err)
	}
	if xerrors.CodeOf(secondErr) != xerrors.CodeLoadInProgress {
		t.Fatalf("expected load in progress for the overlapping call, got %v", secondErr)
	}
	if got := len(m.GetActivePlugins()); got != 1 {
		t.Fatalf("expected exactly one active instance, got %d", got)
	}
}

func TestManagerLoadPluginsBatch(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	f.addPlugin(t, "beta", "1.0.0", "", exportsFor(testPlugin("beta", "1.0.0")))
	m := f.manager()

	results := m.LoadPlugins(ctx, []string{"alpha", "beta", "ghost"})
	if len(results) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(results))
	}
	if results["alpha"] != nil || results["beta"] != nil {
		t.Fatalf("healthy plugins failed: %v, %v", results["alpha"], results["beta"])
	}
	if xerrors.CodeOf(results["ghost"]) != xerrors.CodePluginNotFound {
		t.Fatalf("expected not found for ghost, got %v", results["ghost"])
	}
	if got := len(m.GetActivePlugins()); got != 2 {
		t.Fatalf("expected 2 active plugins, got %d", got)
	}
}

func TestManagerObserverSeesLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))

	var mu sync.Mutex
	var events []LifecycleEvent
	m := f.manager(WithLifecycleObserver(func(_ context.Context, ev LifecycleEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.UnloadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	_ = m.LoadPlugin(ctx, "ghost")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Action != ActionLoad || events[0].Outcome != "success" || events[0].Version != "1.0.0" {
		t.Fatalf("unexpected load event: %+v", events[0])
	}
	if events[1].Action != ActionUnload || events[1].Outcome != "success" {
		t.Fatalf("unexpected unload event: %+v", events[1])
	}
	if events[2].Outcome != "failure" || events[2].Error == "" {
		t.Fatalf("unexpected failure event: %+v", events[2])
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Fatal("events must carry distinct ids")
	}
}

func TestManagerObserverPanicIsContained(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))

	m := f.manager(WithLifecycleObserver(func(context.Context, LifecycleEvent) {
		panic("observer bug")
	}))

	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load must survive a panicking observer: %v", err)
	}
}

func TestManagerCleanup(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	f.addPlugin(t, "beta", "1.0.0", "", exportsFor(testPlugin("beta", "1.0.0")))
	m := f.manager()

	m.LoadPlugins(ctx, []string{"alpha", "beta"})
	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if got := len(m.GetActivePlugins()); got != 0 {
		t.Fatalf("cleanup left %d active plugins", got)
	}
	if m.GetPluginInfo().Total != 0 {
		t.Fatal("cleanup must reset status tracking")
	}

	// Cleanup is idempotent and the manager stays usable.
	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if err := m.LoadPlugin(ctx, "alpha"); err != nil {
		t.Fatalf("load after cleanup: %v", err)
	}
}

func TestManagerGetPluginInfo(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.addPlugin(t, "alpha", "1.0.0", "", exportsFor(testPlugin("alpha", "1.0.0")))
	f.addPlugin(t, "beta", "1.0.0", "isolation:\n  level: full\n", exportsFor(testPlugin("beta", "1.0.0")))
	m := f.manager()

	m.LoadPlugins(ctx, []string{"alpha", "beta"})
	_ = m.LoadPlugin(ctx, "ghost")

	info := m.GetPluginInfo()
	if info.Total != 3 || info.Loaded != 2 || info.Failed != 1 {
		t.Fatalf("unexpected info counts: %+v", info)
	}
	if info.Isolation.Service != 1 || info.Isolation.Full != 1 {
		t.Fatalf("unexpected isolation stats: %+v", info.Isolation)
	}
	if info.PreBinding.CachedServices != 2 {
		t.Fatalf("unexpected pre-binding stats: %+v", info.PreBinding)
	}
	if _, ok := info.LoadTimesMS["alpha"]; !ok {
		t.Fatal("load times missing for alpha")
	}
}
