package plugin

import (
	"context"
	"errors"
	"testing"

	xerrors "MCP-PluginHost/internal/errors"
)

func bindOne(t *testing.T, b *PreBinder, pluginName string, desc CapabilityDescriptor, svc Service) *PreBoundService {
	t.Helper()
	ref := ServiceRef{Name: pluginName + "-svc"}
	bound, err := b.BindService(pluginName, ref, svc, []CapabilityDescriptor{desc})
	if err != nil {
		t.Fatalf("bind service: %v", err)
	}
	if len(bound) != 1 {
		t.Fatalf("expected 1 bound capability, got %d", len(bound))
	}
	return bound[0]
}

func TestBindServiceCachesPerKey(t *testing.T) {
	binder := NewPreBinder()
	desc := CapabilityDescriptor{Kind: CapabilityTool, Name: "search", MethodName: "Run"}

	first := bindOne(t, binder, "alpha", desc, newStubService("Run"))
	second := bindOne(t, binder, "alpha", desc, newStubService("Run"))

	if first != second {
		t.Fatal("same cache key must return the same entry")
	}
	if first.ID != CacheKey(CapabilityTool, "alpha", "search") {
		t.Fatalf("unexpected cache key: %s", first.ID)
	}

	metrics := binder.GetPerformanceMetrics(10)
	if metrics.CachedServices != 1 {
		t.Fatalf("expected 1 cached service, got %d", metrics.CachedServices)
	}
	if metrics.CacheHits != 1 || metrics.CacheMisses != 1 {
		t.Fatalf("unexpected hit/miss counts: %d/%d", metrics.CacheHits, metrics.CacheMisses)
	}
	if metrics.HitRate != 0.5 {
		t.Fatalf("unexpected hit rate: %f", metrics.HitRate)
	}
}

func TestBindServiceDistinctKeysPerPlugin(t *testing.T) {
	binder := NewPreBinder()
	desc := CapabilityDescriptor{Kind: CapabilityTool, Name: "search", MethodName: "Run"}

	alpha := bindOne(t, binder, "alpha", desc, newStubService("Run"))
	beta := bindOne(t, binder, "beta", desc, newStubService("Run"))

	if alpha == beta {
		t.Fatal("different plugins must not share cache entries")
	}
	if _, ok := binder.Get(CapabilityTool, "alpha", "search"); !ok {
		t.Fatal("alpha entry missing")
	}
	if _, ok := binder.Get(CapabilityTool, "beta", "search"); !ok {
		t.Fatal("beta entry missing")
	}
}

func TestBindServiceMissingMethod(t *testing.T) {
	binder := NewPreBinder()
	desc := CapabilityDescriptor{Kind: CapabilityTool, Name: "search", MethodName: "Missing"}

	_, err := binder.BindService("alpha", ServiceRef{Name: "svc"}, newStubService("Run"), []CapabilityDescriptor{desc})
	if xerrors.CodeOf(err) != xerrors.CodeLoadFailure {
		t.Fatalf("expected load failure for missing method, got %v", err)
	}

	if _, err := binder.BindService("alpha", ServiceRef{Name: "svc"}, nil, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for nil instance, got %v", err)
	}
}

func TestBoundHandlerTracksAccess(t *testing.T) {
	binder := NewPreBinder()
	desc := CapabilityDescriptor{Kind: CapabilityTool, Name: "search", MethodName: "Run"}
	entry := bindOne(t, binder, "alpha", desc, newStubService("Run"))

	if entry.AccessCount() != 0 {
		t.Fatalf("fresh entry should have no accesses, got %d", entry.AccessCount())
	}
	for i := 0; i < 3; i++ {
		if _, err := entry.Handler(context.Background(), Request{Capability: "search"}); err != nil {
			t.Fatalf("handler: %v", err)
		}
	}
	if entry.AccessCount() != 3 {
		t.Fatalf("expected 3 accesses, got %d", entry.AccessCount())
	}
	if entry.LastAccessed().IsZero() {
		t.Fatal("last access time not recorded")
	}
}

func TestBoundHandlerMiddlewareChain(t *testing.T) {
	binder := NewPreBinder()
	var order []string
	binder.RegisterMiddleware("outer", func(ctx context.Context, req Request, next Handler) (any, error) {
		order = append(order, "outer")
		return next(ctx, req)
	})
	binder.RegisterMiddleware("inner", func(ctx context.Context, req Request, next Handler) (any, error) {
		order = append(order, "inner")
		return next(ctx, req)
	})

	svc := &stubService{handlers: map[string]Handler{
		"Run": func(context.Context, Request) (any, error) {
			order = append(order, "target")
			return "done", nil
		},
	}}
	desc := CapabilityDescriptor{
		Kind:       CapabilityTool,
		Name:       "search",
		MethodName: "Run",
		Middleware: []string{"outer", "inner"},
	}
	entry := bindOne(t, binder, "alpha", desc, svc)

	result, err := entry.Handler(context.Background(), Request{Capability: "search"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result != "done" {
		t.Fatalf("unexpected result: %v", result)
	}
	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "target" {
		t.Fatalf("unexpected invocation order: %v", order)
	}
}

func TestBoundHandlerErrorHandler(t *testing.T) {
	binder := NewPreBinder()
	binder.RegisterErrorHandler("recover", func(_ context.Context, _ Request, err error) (any, error) {
		return "recovered: " + err.Error(), nil
	})

	svc := &stubService{handlers: map[string]Handler{
		"Run": func(context.Context, Request) (any, error) {
			return nil, errors.New("boom")
		},
	}}
	desc := CapabilityDescriptor{
		Kind:         CapabilityTool,
		Name:         "search",
		MethodName:   "Run",
		ErrorHandler: "recover",
	}
	entry := bindOne(t, binder, "alpha", desc, svc)

	result, err := entry.Handler(context.Background(), Request{Capability: "search"})
	if err != nil {
		t.Fatalf("error handler should have recovered: %v", err)
	}
	if result != "recovered: boom" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestUnbindPlugin(t *testing.T) {
	binder := NewPreBinder()
	bindOne(t, binder, "alpha", CapabilityDescriptor{Kind: CapabilityTool, Name: "a", MethodName: "Run"}, newStubService("Run"))
	bindOne(t, binder, "alpha", CapabilityDescriptor{Kind: CapabilityPrompt, Name: "b", MethodName: "Run"}, newStubService("Run"))
	bindOne(t, binder, "beta", CapabilityDescriptor{Kind: CapabilityTool, Name: "c", MethodName: "Run"}, newStubService("Run"))

	if removed := binder.UnbindPlugin("alpha"); removed != 2 {
		t.Fatalf("expected 2 removed entries, got %d", removed)
	}
	if _, ok := binder.Get(CapabilityTool, "alpha", "a"); ok {
		t.Fatal("alpha entry survived unbind")
	}
	if _, ok := binder.Get(CapabilityTool, "beta", "c"); !ok {
		t.Fatal("beta entry must survive")
	}
}

func TestDispatcherViewsSorted(t *testing.T) {
	binder := NewPreBinder()
	bindOne(t, binder, "alpha", CapabilityDescriptor{Kind: CapabilityTool, Name: "zeta", MethodName: "Run"}, newStubService("Run"))
	bindOne(t, binder, "alpha", CapabilityDescriptor{Kind: CapabilityTool, Name: "beta", MethodName: "Run"}, newStubService("Run"))
	bindOne(t, binder, "alpha", CapabilityDescriptor{Kind: CapabilityResource, Name: "mem://r", MethodName: "Run", MimeType: "application/json"}, newStubService("Run"))
	bindOne(t, binder, "alpha", CapabilityDescriptor{Kind: CapabilityPrompt, Name: "greet", MethodName: "Run"}, newStubService("Run"))

	tools := binder.Tools()
	if len(tools) != 2 || tools[0].Identifier != "beta" || tools[1].Identifier != "zeta" {
		t.Fatalf("tools not sorted: %+v", tools)
	}
	resources := binder.Resources()
	if len(resources) != 1 || resources[0].MimeType != "application/json" {
		t.Fatalf("unexpected resources: %+v", resources)
	}
	prompts := binder.Prompts()
	if len(prompts) != 1 || prompts[0].Identifier != "greet" {
		t.Fatalf("unexpected prompts: %+v", prompts)
	}
}
