package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	xerrors "MCP-PluginHost/internal/errors"
)

func TestServiceContainerMemoizesInstances(t *testing.T) {
	var built atomic.Int32
	scope := NewServiceContainer("test")
	if err := scope.Bind("svc", func(context.Context, *ServiceContainer) (Service, error) {
		built.Add(1)
		return newStubService("Run"), nil
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	first, err := scope.Resolve(context.Background(), "svc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := scope.Resolve(context.Background(), "svc")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second {
		t.Fatal("expected the memoized instance on the second resolve")
	}
	if got := built.Load(); got != 1 {
		t.Fatalf("constructor ran %d times, want 1", got)
	}
}

func TestServiceContainerParentVisibility(t *testing.T) {
	host := NewServiceContainer("host")
	if err := host.BindValue("shared", "host-value"); err != nil {
		t.Fatalf("bind value: %v", err)
	}

	open := host.Child("open", true)
	value, err := open.Resolve(context.Background(), "shared")
	if err != nil {
		t.Fatalf("resolve through parent: %v", err)
	}
	if value != "host-value" {
		t.Fatalf("unexpected value: %v", value)
	}
	if !open.Has("shared") {
		t.Fatal("Has should see parent bindings when visibility is allowed")
	}

	closed := host.Child("closed", false)
	if _, err := closed.Resolve(context.Background(), "shared"); err == nil {
		t.Fatal("expected miss without parent visibility")
	}
	if closed.Has("shared") {
		t.Fatal("Has must not see parent bindings without visibility")
	}
}

func TestServiceContainerDispose(t *testing.T) {
	scope := NewServiceContainer("test")
	if err := scope.BindValue("v", 1); err != nil {
		t.Fatalf("bind value: %v", err)
	}

	scope.Dispose()
	scope.Dispose()

	if _, err := scope.Resolve(context.Background(), "v"); xerrors.CodeOf(err) != xerrors.CodeIsolationFailure {
		t.Fatalf("expected isolation failure after dispose, got %v", err)
	}
	if err := scope.Bind("svc", func(context.Context, *ServiceContainer) (Service, error) {
		return newStubService("Run"), nil
	}); xerrors.CodeOf(err) != xerrors.CodeIsolationFailure {
		t.Fatalf("expected isolation failure binding into disposed scope, got %v", err)
	}
	if scope.Has("v") {
		t.Fatal("disposed scope must not report bindings")
	}
}

func isolationPlugin(name string) *Plugin {
	return testPlugin(name, "1.0.0")
}

func TestCreateIsolatedPluginLevels(t *testing.T) {
	ctx := context.Background()

	newInjector := func(t *testing.T) *FeatureInjector {
		t.Helper()
		host := NewServiceContainer("host")
		if err := host.BindValue("host.db", "db"); err != nil {
			t.Fatalf("bind host value: %v", err)
		}
		return NewFeatureInjector(host)
	}

	t.Run("none sees host unconditionally", func(t *testing.T) {
		inst, err := newInjector(t).CreateIsolatedPlugin(ctx, isolationPlugin("a"), IsolationOptions{Level: IsolationNone})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := inst.Container.Resolve(ctx, "host.db"); err != nil {
			t.Fatalf("none isolation should reach host bindings: %v", err)
		}
	})

	t.Run("service without permission is closed", func(t *testing.T) {
		inst, err := newInjector(t).CreateIsolatedPlugin(ctx, isolationPlugin("b"), IsolationOptions{Level: IsolationService})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := inst.Container.Resolve(ctx, "host.db"); err == nil {
			t.Fatal("service isolation without ParentServices must not reach host bindings")
		}
	})

	t.Run("service with permission reaches host", func(t *testing.T) {
		inst, err := newInjector(t).CreateIsolatedPlugin(ctx, isolationPlugin("c"), IsolationOptions{
			Level:       IsolationService,
			Permissions: Permissions{ParentServices: true},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := inst.Container.Resolve(ctx, "host.db"); err != nil {
			t.Fatalf("service isolation with ParentServices should reach host: %v", err)
		}
	})

	t.Run("full ignores permissions", func(t *testing.T) {
		inst, err := newInjector(t).CreateIsolatedPlugin(ctx, isolationPlugin("d"), IsolationOptions{
			Level:       IsolationFull,
			Permissions: Permissions{ParentServices: true},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := inst.Container.Resolve(ctx, "host.db"); err == nil {
			t.Fatal("full isolation must never reach host bindings")
		}
	})

	t.Run("unknown level rejected", func(t *testing.T) {
		if _, err := newInjector(t).CreateIsolatedPlugin(ctx, isolationPlugin("e"), IsolationOptions{Level: "partial"}); err == nil {
			t.Fatal("expected error for unknown isolation level")
		}
	})
}

func TestBridgePermissions(t *testing.T) {
	ctx := context.Background()
	host := NewServiceContainer("host")
	if err := host.BindValue("host.db", "db"); err != nil {
		t.Fatalf("bind host value: %v", err)
	}

	var delivered []BridgeMessage
	sink := func(_ context.Context, msg BridgeMessage) error {
		delivered = append(delivered, msg)
		return nil
	}

	t.Run("denied without grants", func(t *testing.T) {
		injector := NewFeatureInjector(host, WithMessageSink(sink))
		inst, err := injector.CreateIsolatedPlugin(ctx, isolationPlugin("locked"), IsolationOptions{Level: IsolationService})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		if _, err := inst.Bridge.RequestFromParent(ctx, "host.db"); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
			t.Fatalf("expected permission denied, got %v", err)
		}
		if err := inst.Bridge.ProvideToParent("locked.svc", 1); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
			t.Fatalf("expected permission denied, got %v", err)
		}
		if err := inst.Bridge.SendMessage(ctx, "topic", nil); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
			t.Fatalf("expected permission denied, got %v", err)
		}
	})

	t.Run("granted bridge calls succeed", func(t *testing.T) {
		injector := NewFeatureInjector(host, WithMessageSink(sink))
		inst, err := injector.CreateIsolatedPlugin(ctx, isolationPlugin("open"), IsolationOptions{
			Level: IsolationFull,
			Permissions: Permissions{
				ParentServices:     true,
				GlobalRegistration: true,
				CrossPluginAccess:  true,
			},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		// Full isolation blocks scope fallthrough, but the bridge still
		// honors an explicit ParentServices grant.
		value, err := inst.Bridge.RequestFromParent(ctx, "host.db")
		if err != nil {
			t.Fatalf("request from parent: %v", err)
		}
		if value != "db" {
			t.Fatalf("unexpected value: %v", value)
		}

		if err := inst.Bridge.ProvideToParent("open.export", 42); err != nil {
			t.Fatalf("provide to parent: %v", err)
		}
		exported, err := host.Resolve(ctx, "open.export")
		if err != nil || exported != 42 {
			t.Fatalf("host did not receive exported value: %v, %v", exported, err)
		}

		if err := inst.Bridge.SendMessage(ctx, "greeting", "hello"); err != nil {
			t.Fatalf("send message: %v", err)
		}
		if len(delivered) != 1 || delivered[0].From != "open" || delivered[0].Topic != "greeting" {
			t.Fatalf("unexpected delivery: %+v", delivered)
		}

		if _, err := inst.Bridge.GetFromChild(ctx, "open-svc"); err != nil {
			t.Fatalf("host-side child access: %v", err)
		}
	})
}

func TestCreateIsolatedPluginHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("onload failure aborts", func(t *testing.T) {
		p := isolationPlugin("failing")
		p.Hooks.OnLoad = func(context.Context) error { return errors.New("boom") }

		injector := NewFeatureInjector(NewServiceContainer("host"))
		if _, err := injector.CreateIsolatedPlugin(ctx, p, IsolationOptions{Level: IsolationService}); err == nil {
			t.Fatal("expected onLoad failure to abort creation")
		}
	})

	t.Run("destroy runs onunload once", func(t *testing.T) {
		var unloads atomic.Int32
		p := isolationPlugin("victim")
		p.Hooks.OnUnload = func(context.Context) error {
			unloads.Add(1)
			return nil
		}

		injector := NewFeatureInjector(NewServiceContainer("host"))
		inst, err := injector.CreateIsolatedPlugin(ctx, p, IsolationOptions{Level: IsolationService})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		if err := inst.Destroy(ctx); err != nil {
			t.Fatalf("destroy: %v", err)
		}
		if err := inst.Destroy(ctx); err != nil {
			t.Fatalf("second destroy: %v", err)
		}
		if got := unloads.Load(); got != 1 {
			t.Fatalf("onUnload ran %d times, want 1", got)
		}
		if _, err := inst.Container.Resolve(ctx, "victim-svc"); err == nil {
			t.Fatal("scope should be disposed after destroy")
		}
	})
}

func TestCreateIsolatedPluginToleratesPartialServiceFailure(t *testing.T) {
	ctx := context.Background()
	p := &Plugin{
		Name:    "partial",
		Version: "1.0.0",
		Services: []ServiceRef{
			{
				Name: "good",
				Constructor: func(context.Context, *ServiceContainer) (Service, error) {
					return newStubService("Run"), nil
				},
			},
			{
				Name: "broken",
				Constructor: func(context.Context, *ServiceContainer) (Service, error) {
					return nil, errors.New("cannot construct")
				},
			},
		},
	}

	injector := NewFeatureInjector(NewServiceContainer("host"))
	inst, err := injector.CreateIsolatedPlugin(ctx, p, IsolationOptions{Level: IsolationService})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok := inst.Service("good"); !ok {
		t.Fatal("healthy service should still activate")
	}
	if _, ok := inst.Service("broken"); ok {
		t.Fatal("failed service must not be exposed")
	}
	if got := len(inst.Services()); got != 1 {
		t.Fatalf("expected 1 resolved service, got %d", got)
	}
}
