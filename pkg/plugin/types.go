package plugin

import (
	"context"
	"fmt"
)

// IsolationLevel describes how strongly a plugin's dependency resolution is
// separated from the host scope.
type IsolationLevel string

const (
	// IsolationNone resolves directly against the host scope. Reserved for
	// fully trusted system plugins.
	IsolationNone IsolationLevel = "none"
	// IsolationService gives the plugin a child scope holding its own
	// bindings; host bindings are reachable only with the ParentServices
	// permission. This is the default.
	IsolationService IsolationLevel = "service"
	// IsolationFull gives the plugin a disjoint scope with no visibility
	// into host bindings, regardless of granted permissions.
	IsolationFull IsolationLevel = "full"
)

// Status is the lifecycle position of a plugin, keyed by plugin name.
type Status string

const (
	StatusUnloaded Status = "unloaded"
	StatusLoading  Status = "loading"
	StatusLoaded   Status = "loaded"
	StatusFailed   Status = "failed"
)

// Permissions are the grants a plugin may hold. All default to deny.
type Permissions struct {
	// ParentServices allows resolving host bindings from the plugin scope.
	ParentServices bool `yaml:"parentServices" json:"parentServices"`
	// GlobalRegistration allows publishing bindings into the host scope.
	GlobalRegistration bool `yaml:"globalRegistration" json:"globalRegistration"`
	// CrossPluginAccess allows messaging other plugins through the bridge.
	CrossPluginAccess bool `yaml:"crossPluginAccess" json:"crossPluginAccess"`
	// CoreSystemAccess allows resolving core host internals.
	CoreSystemAccess bool `yaml:"coreSystemAccess" json:"coreSystemAccess"`
}

// Hooks are the optional lifecycle callbacks a plugin may declare.
type Hooks struct {
	OnLoad    func(ctx context.Context) error
	OnUnload  func(ctx context.Context) error
	OnEnable  func(ctx context.Context) error
	OnDisable func(ctx context.Context) error
}

// CapabilityKind distinguishes the callable surfaces a plugin contributes.
type CapabilityKind string

const (
	CapabilityTool     CapabilityKind = "tool"
	CapabilityResource CapabilityKind = "resource"
	CapabilityPrompt   CapabilityKind = "prompt"
)

// Request carries the arguments of a single capability invocation.
type Request struct {
	Capability string
	Arguments  map[string]any
}

// Handler executes one capability invocation.
type Handler func(ctx context.Context, req Request) (any, error)

// Middleware wraps a handler invocation. Implementations are supplied by
// external collaborators and invoked opaquely by bound handlers.
type Middleware func(ctx context.Context, req Request, next Handler) (any, error)

// ErrorHandler is offered a failed invocation before the error propagates.
type ErrorHandler func(ctx context.Context, req Request, err error) (any, error)

// CapabilityDescriptor is the collected metadata for one declared
// capability. Conflict detection and pre-binding consume these records,
// never reflection over service values.
type CapabilityDescriptor struct {
	Kind         CapabilityKind
	Name         string
	Description  string
	InputSchema  map[string]any
	MethodName   string
	MimeType     string
	Middleware   []string
	ErrorHandler string
}

// Service is implemented by plugin-provided service instances. Handlers
// exposes the invocable methods by name so binding needs no reflection.
type Service interface {
	Handlers() map[string]Handler
}

// ServiceConstructor builds a service instance inside the plugin's scope.
type ServiceConstructor func(ctx context.Context, scope *ServiceContainer) (Service, error)

// ServiceRef declares one service a plugin contributes, together with the
// capability metadata collected for it.
type ServiceRef struct {
	Name         string
	Constructor  ServiceConstructor
	Capabilities []CapabilityDescriptor
}

// Plugin is the immutable descriptor of a loaded plugin. Identity is
// Name@Version.
type Plugin struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Dependencies []string
	Services     []ServiceRef
	ConfigSchema map[string]any
	Hooks        Hooks
	// Priority influences conflict resolution; zero means unset.
	Priority int
}

// Key returns the name@version identity of the plugin.
func (p *Plugin) Key() string {
	return fmt.Sprintf("%s@%s", p.Name, p.Version)
}

// DiscoveredPlugin is a candidate produced by discovery and consumed by the
// loader and the manager. It is discarded on unload.
type DiscoveredPlugin struct {
	Name             string
	Version          string
	Path             string
	EntryPoint       string
	Description      string
	Author           string
	Dependencies     []string
	Priority         int
	IsValid          bool
	ValidationErrors []string
	// Isolation carries the manifest-declared isolation and permission
	// hints applied when the plugin's scope is created.
	Isolation ManifestIsolation
}

// ManifestIsolation is the optional isolation block of a plugin manifest.
type ManifestIsolation struct {
	Level       IsolationLevel `yaml:"level" json:"level"`
	Permissions Permissions    `yaml:"permissions" json:"permissions"`
}
