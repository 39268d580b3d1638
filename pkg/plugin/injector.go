package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/pkg/logger"
)

// ServiceContainer is a named dependency-resolution scope. Resolution
// checks local bindings first; the parent scope is consulted only when the
// container was created with parent visibility.
type ServiceContainer struct {
	name        string
	parent      *ServiceContainer
	allowParent bool

	mu        sync.RWMutex
	bindings  map[string]ServiceConstructor
	values    map[string]any
	instances map[string]any
	disposed  bool
}

// NewServiceContainer creates a root scope.
func NewServiceContainer(name string) *ServiceContainer {
	return &ServiceContainer{
		name:      name,
		bindings:  make(map[string]ServiceConstructor),
		values:    make(map[string]any),
		instances: make(map[string]any),
	}
}

// Child creates a scope below this one. allowParent controls whether
// resolution may fall through to this container.
func (c *ServiceContainer) Child(name string, allowParent bool) *ServiceContainer {
	child := NewServiceContainer(name)
	child.parent = c
	child.allowParent = allowParent
	return child
}

// Name returns the scope name.
func (c *ServiceContainer) Name() string { return c.name }

// Bind registers a constructor. The instance is built once on first
// resolution and memoized for the life of the scope.
func (c *ServiceContainer) Bind(name string, ctor ServiceConstructor) error {
	if name == "" || ctor == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "binding requires a name and a constructor")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return xerrors.New(xerrors.CodeIsolationFailure, fmt.Sprintf("scope %s is disposed", c.name))
	}
	c.bindings[name] = ctor
	return nil
}

// BindValue registers an already-constructed value.
func (c *ServiceContainer) BindValue(name string, value any) error {
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "binding requires a name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return xerrors.New(xerrors.CodeIsolationFailure, fmt.Sprintf("scope %s is disposed", c.name))
	}
	c.values[name] = value
	return nil
}

// Resolve returns the binding registered under name, constructing it on
// first use. Without parent visibility a miss stays a miss.
func (c *ServiceContainer) Resolve(ctx context.Context, name string) (any, error) {
	c.mu.RLock()
	if c.disposed {
		c.mu.RUnlock()
		return nil, xerrors.New(xerrors.CodeIsolationFailure, fmt.Sprintf("scope %s is disposed", c.name))
	}
	if instance, ok := c.instances[name]; ok {
		c.mu.RUnlock()
		return instance, nil
	}
	if value, ok := c.values[name]; ok {
		c.mu.RUnlock()
		return value, nil
	}
	ctor, ok := c.bindings[name]
	c.mu.RUnlock()

	if ok {
		instance, err := ctor(ctx, c)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeIsolationFailure, err, fmt.Sprintf("construct %s in scope %s", name, c.name))
		}
		c.mu.Lock()
		// Another resolver may have won the race; the first stored
		// instance is authoritative.
		if existing, dup := c.instances[name]; dup {
			c.mu.Unlock()
			return existing, nil
		}
		c.instances[name] = instance
		c.mu.Unlock()
		return instance, nil
	}

	if c.allowParent && c.parent != nil {
		return c.parent.Resolve(ctx, name)
	}
	return nil, xerrors.New(xerrors.CodePluginNotFound, fmt.Sprintf("no binding %q in scope %s", name, c.name))
}

// Has reports whether name resolves in this scope, honoring parent
// visibility.
func (c *ServiceContainer) Has(name string) bool {
	c.mu.RLock()
	_, bound := c.bindings[name]
	_, valued := c.values[name]
	disposed := c.disposed
	c.mu.RUnlock()
	if disposed {
		return false
	}
	if bound || valued {
		return true
	}
	if c.allowParent && c.parent != nil {
		return c.parent.Has(name)
	}
	return false
}

// Dispose drops every binding and memoized instance. Idempotent.
func (c *ServiceContainer) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	c.bindings = make(map[string]ServiceConstructor)
	c.values = make(map[string]any)
	c.instances = make(map[string]any)
}

// BridgeMessage is one cross-plugin message sent through a bridge.
type BridgeMessage struct {
	From    string
	Topic   string
	Payload any
}

// MessageSink receives bridge messages, typically the host event bus.
type MessageSink func(ctx context.Context, msg BridgeMessage) error

// Bridge is the permission-gated communication channel between a plugin
// scope and the host. Unauthorized calls fail with a permission-denied
// error; they never silently degrade.
type Bridge struct {
	pluginName string
	perms      Permissions
	host       *ServiceContainer
	child      *ServiceContainer
	sink       MessageSink
}

// RequestFromParent resolves a host binding. Requires ParentServices.
func (b *Bridge) RequestFromParent(ctx context.Context, name string) (any, error) {
	if !b.perms.ParentServices {
		return nil, xerrors.New(xerrors.CodePermissionDenied,
			fmt.Sprintf("plugin %s may not request %q from the host scope", b.pluginName, name))
	}
	return b.host.Resolve(ctx, name)
}

// ProvideToParent publishes a value into the host scope. Requires
// GlobalRegistration.
func (b *Bridge) ProvideToParent(name string, value any) error {
	if !b.perms.GlobalRegistration {
		return xerrors.New(xerrors.CodePermissionDenied,
			fmt.Sprintf("plugin %s may not register %q globally", b.pluginName, name))
	}
	return b.host.BindValue(name, value)
}

// GetFromChild resolves a binding inside the plugin scope. Host-side call;
// not permission-gated.
func (b *Bridge) GetFromChild(ctx context.Context, name string) (any, error) {
	return b.child.Resolve(ctx, name)
}

// SendMessage emits a message toward other plugins. Requires
// CrossPluginAccess.
func (b *Bridge) SendMessage(ctx context.Context, topic string, payload any) error {
	if !b.perms.CrossPluginAccess {
		return xerrors.New(xerrors.CodePermissionDenied,
			fmt.Sprintf("plugin %s may not message other plugins", b.pluginName))
	}
	if b.sink == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "no message sink configured")
	}
	return b.sink(ctx, BridgeMessage{From: b.pluginName, Topic: topic, Payload: payload})
}

// IsolationOptions selects the scope shape for one plugin.
type IsolationOptions struct {
	Level       IsolationLevel
	Permissions Permissions
}

// IsolatedInstance bundles a plugin with its scope and bridge. It is owned
// by the injector until handed to the manager, and destroyed exactly once.
type IsolatedInstance struct {
	Plugin      *Plugin
	Container   *ServiceContainer
	Bridge      *Bridge
	Permissions Permissions
	Level       IsolationLevel

	mu        sync.Mutex
	services  map[string]Service
	destroyed bool
}

// Service returns an eagerly resolved service instance by name.
func (i *IsolatedInstance) Service(name string) (Service, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	svc, ok := i.services[name]
	return svc, ok
}

// Services returns the resolved service instances by name.
func (i *IsolatedInstance) Services() map[string]Service {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]Service, len(i.services))
	for k, v := range i.services {
		out[k] = v
	}
	return out
}

// Destroy runs the plugin's OnUnload hook and disposes the scope. Safe on a
// partially constructed instance and idempotent on repeat calls.
func (i *IsolatedInstance) Destroy(ctx context.Context) error {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return nil
	}
	i.destroyed = true
	i.services = nil
	i.mu.Unlock()

	var hookErr error
	if i.Plugin != nil && i.Plugin.Hooks.OnUnload != nil {
		hookErr = i.Plugin.Hooks.OnUnload(ctx)
	}
	if i.Container != nil {
		i.Container.Dispose()
	}
	if hookErr != nil {
		return xerrors.Wrap(xerrors.CodeIsolationFailure, hookErr, fmt.Sprintf("onUnload hook of %s", i.Plugin.Name))
	}
	return nil
}

// FeatureInjector builds isolated dependency-resolution scopes and their
// permission bridges.
type FeatureInjector struct {
	host *ServiceContainer
	sink MessageSink
	log  *slog.Logger
}

// InjectorOption configures a FeatureInjector.
type InjectorOption func(*FeatureInjector)

// WithMessageSink routes bridge messages to the given sink.
func WithMessageSink(sink MessageSink) InjectorOption {
	return func(f *FeatureInjector) { f.sink = sink }
}

// NewFeatureInjector creates an injector over the host scope.
func NewFeatureInjector(host *ServiceContainer, opts ...InjectorOption) *FeatureInjector {
	f := &FeatureInjector{
		host: host,
		log:  logger.Named("plugin.injector"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// HostContainer returns the host scope the injector builds under.
func (f *FeatureInjector) HostContainer() *ServiceContainer { return f.host }

// CreateIsolatedPlugin builds the scope, bridge and eagerly resolved
// services for one plugin. The OnLoad hook runs after scope construction; a
// hook failure aborts and leaves nothing behind. A single service failing
// to resolve is logged and skipped so the remaining services still
// activate.
func (f *FeatureInjector) CreateIsolatedPlugin(ctx context.Context, p *Plugin, opts IsolationOptions) (*IsolatedInstance, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin cannot be nil")
	}
	level := opts.Level
	if level == "" {
		level = IsolationService
	}

	var scope *ServiceContainer
	switch level {
	case IsolationNone:
		// Trusted system plugin: the scope sees the host unconditionally.
		scope = f.host.Child(p.Name, true)
	case IsolationService:
		scope = f.host.Child(p.Name, opts.Permissions.ParentServices)
	case IsolationFull:
		// Disjoint scope: no parent link at all, permissions cannot widen it.
		scope = NewServiceContainer(p.Name)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown isolation level %q", level))
	}

	instance := &IsolatedInstance{
		Plugin:      p,
		Container:   scope,
		Permissions: opts.Permissions,
		Level:       level,
		services:    make(map[string]Service),
	}
	instance.Bridge = &Bridge{
		pluginName: p.Name,
		perms:      opts.Permissions,
		host:       f.host,
		child:      scope,
		sink:       f.sink,
	}

	for _, ref := range p.Services {
		if err := scope.Bind(ref.Name, ref.Constructor); err != nil {
			_ = instance.Destroy(ctx)
			return nil, err
		}
	}

	if p.Hooks.OnLoad != nil {
		if err := p.Hooks.OnLoad(ctx); err != nil {
			_ = instance.Destroy(ctx)
			return nil, xerrors.Wrap(xerrors.CodeIsolationFailure, err, fmt.Sprintf("onLoad hook of %s", p.Name))
		}
	}

	// Eager resolution. Partial service failure is tolerated; total
	// construction failure is not, and was handled above.
	for _, ref := range p.Services {
		resolved, err := scope.Resolve(ctx, ref.Name)
		if err != nil {
			f.log.Warn("service failed to resolve, skipping",
				slog.String("plugin", p.Name),
				slog.String("service", ref.Name),
				slog.Any("error", err),
			)
			continue
		}
		svc, ok := resolved.(Service)
		if !ok {
			f.log.Warn("binding does not implement Service, skipping",
				slog.String("plugin", p.Name),
				slog.String("service", ref.Name),
			)
			continue
		}
		instance.mu.Lock()
		instance.services[ref.Name] = svc
		instance.mu.Unlock()
	}

	return instance, nil
}
