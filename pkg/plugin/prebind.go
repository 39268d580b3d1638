package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/pkg/logger"
)

// CorePluginName keys capabilities owned by the host itself rather than a
// plugin.
const CorePluginName = "core"

// PreBoundService is one cached capability handler closed over a single
// service instance. The cache key uniquely determines the instance: repeated
// creation requests for the same key return the same entry.
type PreBoundService struct {
	ID         string
	Kind       CapabilityKind
	PluginName string
	Instance   Service
	Descriptor CapabilityDescriptor
	Handler    Handler
	CreatedAt  time.Time

	mu           sync.Mutex
	lastAccessed time.Time
	accessCount  uint64
}

// LastAccessed returns when the handler last ran.
func (s *PreBoundService) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// AccessCount returns how many times the handler ran.
func (s *PreBoundService) AccessCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessCount
}

func (s *PreBoundService) touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.accessCount++
	s.mu.Unlock()
}

// PreBoundTool is the dispatcher-facing shape of a bound tool.
type PreBoundTool struct {
	Identifier  string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// PreBoundResource is the dispatcher-facing shape of a bound resource.
type PreBoundResource struct {
	Identifier  string
	Description string
	MimeType    string
	Handler     Handler
}

// PreBoundPrompt is the dispatcher-facing shape of a bound prompt.
type PreBoundPrompt struct {
	Identifier  string
	Description string
	Handler     Handler
}

// ServiceAccess is one row of the top-accessed report.
type ServiceAccess struct {
	ID          string
	AccessCount uint64
}

// PerformanceMetrics is the aggregate introspection of the pre-binding
// cache. Informational only; the binder never evicts.
type PerformanceMetrics struct {
	CachedServices int
	CacheHits      uint64
	CacheMisses    uint64
	HitRate        float64
	ByKind         map[CapabilityKind]int
	ByPlugin       map[string]int
	TopAccessed    []ServiceAccess
}

// PreBinder creates and caches bound handlers for declared capabilities.
type PreBinder struct {
	log *slog.Logger

	mu            sync.RWMutex
	cache         map[string]*PreBoundService
	middleware    map[string]Middleware
	errorHandlers map[string]ErrorHandler
	hits          uint64
	misses        uint64
}

// NewPreBinder creates an empty binder.
func NewPreBinder() *PreBinder {
	return &PreBinder{
		log:           logger.Named("plugin.prebind"),
		cache:         make(map[string]*PreBoundService),
		middleware:    make(map[string]Middleware),
		errorHandlers: make(map[string]ErrorHandler),
	}
}

// RegisterMiddleware makes a middleware available to capabilities that
// declare its id. Middleware execution itself is an external collaborator;
// the binder only chains the calls.
func (b *PreBinder) RegisterMiddleware(id string, mw Middleware) {
	if id == "" || mw == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware[id] = mw
}

// RegisterErrorHandler makes an error handler available by id.
func (b *PreBinder) RegisterErrorHandler(id string, eh ErrorHandler) {
	if id == "" || eh == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorHandlers[id] = eh
}

// CacheKey renders the canonical cache key for a capability.
func CacheKey(kind CapabilityKind, pluginName, logicalName string) string {
	if pluginName == "" {
		pluginName = CorePluginName
	}
	return fmt.Sprintf("%s:%s:%s", kind, pluginName, logicalName)
}

// BindService creates one PreBoundService per capability the service
// declares. A key already present in the cache is returned as-is; a second
// instance is never constructed for it.
func (b *PreBinder) BindService(pluginName string, ref ServiceRef, instance Service, caps []CapabilityDescriptor) ([]*PreBoundService, error) {
	if instance == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("service %s has no instance", ref.Name))
	}
	handlers := instance.Handlers()

	bound := make([]*PreBoundService, 0, len(caps))
	for _, desc := range caps {
		key := CacheKey(desc.Kind, pluginName, desc.Name)

		b.mu.Lock()
		if existing, ok := b.cache[key]; ok {
			b.hits++
			b.mu.Unlock()
			bound = append(bound, existing)
			continue
		}
		b.misses++
		b.mu.Unlock()

		target, ok := handlers[desc.MethodName]
		if !ok {
			return bound, xerrors.New(xerrors.CodeLoadFailure,
				fmt.Sprintf("service %s does not expose method %s for capability %s", ref.Name, desc.MethodName, desc.Name))
		}

		entry := &PreBoundService{
			ID:         key,
			Kind:       desc.Kind,
			PluginName: pluginName,
			Instance:   instance,
			Descriptor: desc,
			CreatedAt:  time.Now(),
		}
		entry.Handler = b.buildHandler(entry, desc, target)

		b.mu.Lock()
		// First writer wins if two binds race on the same key.
		if existing, ok := b.cache[key]; ok {
			b.mu.Unlock()
			bound = append(bound, existing)
			continue
		}
		b.cache[key] = entry
		b.mu.Unlock()

		b.log.Debug("capability pre-bound",
			slog.String("key", key),
			slog.String("method", desc.MethodName),
		)
		bound = append(bound, entry)
	}
	return bound, nil
}

// buildHandler stitches declared middleware ahead of the target method and
// routes failures through the declared error handler.
func (b *PreBinder) buildHandler(entry *PreBoundService, desc CapabilityDescriptor, target Handler) Handler {
	return func(ctx context.Context, req Request) (any, error) {
		entry.touch()

		chain := target
		b.mu.RLock()
		for i := len(desc.Middleware) - 1; i >= 0; i-- {
			mw, ok := b.middleware[desc.Middleware[i]]
			if !ok {
				continue
			}
			next := chain
			wrapped := mw
			chain = func(ctx context.Context, req Request) (any, error) {
				return wrapped(ctx, req, next)
			}
		}
		eh := b.errorHandlers[desc.ErrorHandler]
		b.mu.RUnlock()

		result, err := chain(ctx, req)
		if err != nil && eh != nil {
			return eh(ctx, req, err)
		}
		return result, err
	}
}

// Get returns the cached entry for a capability.
func (b *PreBinder) Get(kind CapabilityKind, pluginName, logicalName string) (*PreBoundService, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.cache[CacheKey(kind, pluginName, logicalName)]
	return entry, ok
}

// UnbindPlugin drops every cache entry owned by a plugin.
func (b *PreBinder) UnbindPlugin(pluginName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, entry := range b.cache {
		if entry.PluginName == pluginName {
			delete(b.cache, key)
			removed++
		}
	}
	return removed
}

// Tools returns the dispatcher-facing view of every bound tool.
func (b *PreBinder) Tools() []PreBoundTool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []PreBoundTool
	for _, entry := range b.cache {
		if entry.Kind != CapabilityTool {
			continue
		}
		out = append(out, PreBoundTool{
			Identifier:  entry.Descriptor.Name,
			Description: entry.Descriptor.Description,
			InputSchema: entry.Descriptor.InputSchema,
			Handler:     entry.Handler,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Resources returns the dispatcher-facing view of every bound resource.
func (b *PreBinder) Resources() []PreBoundResource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []PreBoundResource
	for _, entry := range b.cache {
		if entry.Kind != CapabilityResource {
			continue
		}
		out = append(out, PreBoundResource{
			Identifier:  entry.Descriptor.Name,
			Description: entry.Descriptor.Description,
			MimeType:    entry.Descriptor.MimeType,
			Handler:     entry.Handler,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Prompts returns the dispatcher-facing view of every bound prompt.
func (b *PreBinder) Prompts() []PreBoundPrompt {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []PreBoundPrompt
	for _, entry := range b.cache {
		if entry.Kind != CapabilityPrompt {
			continue
		}
		out = append(out, PreBoundPrompt{
			Identifier:  entry.Descriptor.Name,
			Description: entry.Descriptor.Description,
			Handler:     entry.Handler,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// GetPerformanceMetrics reports cache hit rate, per-kind and per-plugin
// counts and the topN most-accessed entries.
func (b *PreBinder) GetPerformanceMetrics(topN int) PerformanceMetrics {
	if topN <= 0 {
		topN = 10
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	m := PerformanceMetrics{
		CachedServices: len(b.cache),
		CacheHits:      b.hits,
		CacheMisses:    b.misses,
		ByKind:         make(map[CapabilityKind]int),
		ByPlugin:       make(map[string]int),
	}
	if total := b.hits + b.misses; total > 0 {
		m.HitRate = float64(b.hits) / float64(total)
	}

	accesses := make([]ServiceAccess, 0, len(b.cache))
	for _, entry := range b.cache {
		m.ByKind[entry.Kind]++
		m.ByPlugin[entry.PluginName]++
		accesses = append(accesses, ServiceAccess{ID: entry.ID, AccessCount: entry.AccessCount()})
	}
	sort.Slice(accesses, func(i, j int) bool {
		if accesses[i].AccessCount != accesses[j].AccessCount {
			return accesses[i].AccessCount > accesses[j].AccessCount
		}
		return accesses[i].ID < accesses[j].ID
	})
	if len(accesses) > topN {
		accesses = accesses[:topN]
	}
	m.TopAccessed = accesses
	return m
}
