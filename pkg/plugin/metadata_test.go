package plugin

import "testing"

func TestMetadataRegistryLifecycle(t *testing.T) {
	registry := NewMetadataRegistry()
	caps := []CapabilityDescriptor{
		{Kind: CapabilityTool, Name: "search", MethodName: "Run"},
		{Kind: CapabilityPrompt, Name: "greet", MethodName: "Greet"},
	}

	registry.RegisterService("alpha", "search-svc", caps)
	registry.RegisterService("alpha", "extra-svc", nil)
	registry.RegisterService("beta", "beta-svc", caps[:1])

	if got := registry.ServiceCount(); got != 3 {
		t.Fatalf("expected 3 services, got %d", got)
	}
	if owners := registry.Owners("search-svc"); len(owners) != 1 || owners[0] != "alpha" {
		t.Fatalf("unexpected owners: %v", owners)
	}
	if got := registry.ServiceCapabilities("alpha", "search-svc"); len(got) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(got))
	}
	if got := registry.ServiceCapabilities("alpha", "ghost-svc"); got != nil {
		t.Fatalf("unknown service should return nil, got %v", got)
	}
	if got := registry.ServiceCapabilities("beta", "search-svc"); got != nil {
		t.Fatalf("beta never registered search-svc, got %v", got)
	}

	byService := registry.PluginCapabilities("alpha")
	if len(byService) != 2 {
		t.Fatalf("expected 2 services for alpha, got %d", len(byService))
	}

	// Re-registration replaces the descriptor set.
	registry.RegisterService("alpha", "search-svc", caps[:1])
	if got := registry.ServiceCapabilities("alpha", "search-svc"); len(got) != 1 {
		t.Fatalf("expected replacement to 1 descriptor, got %d", len(got))
	}

	registry.UnregisterPlugin("alpha")
	if got := registry.ServiceCount(); got != 1 {
		t.Fatalf("expected only beta services left, got %d", got)
	}
	if owners := registry.Owners("search-svc"); len(owners) != 0 {
		t.Fatalf("alpha services should be gone, got %v", owners)
	}
}

func TestMetadataRegistrySharedServiceName(t *testing.T) {
	registry := NewMetadataRegistry()
	alphaCaps := []CapabilityDescriptor{{Kind: CapabilityTool, Name: "alpha.search", MethodName: "Run"}}
	betaCaps := []CapabilityDescriptor{{Kind: CapabilityTool, Name: "beta.search", MethodName: "Run"}}

	registry.RegisterService("alpha", "search-svc", alphaCaps)
	registry.RegisterService("beta", "search-svc", betaCaps)

	if owners := registry.Owners("search-svc"); len(owners) != 2 || owners[0] != "alpha" || owners[1] != "beta" {
		t.Fatalf("both declarers must be tracked, got %v", owners)
	}
	if got := registry.ServiceCapabilities("alpha", "search-svc"); got[0].Name != "alpha.search" {
		t.Fatalf("beta registration clobbered alpha, got %s", got[0].Name)
	}
	if got := registry.ServiceCapabilities("beta", "search-svc"); got[0].Name != "beta.search" {
		t.Fatalf("unexpected beta descriptors: %s", got[0].Name)
	}

	// Unregistering one declarer must not drop the other's entry.
	registry.UnregisterPlugin("beta")
	if got := registry.ServiceCapabilities("alpha", "search-svc"); got == nil || got[0].Name != "alpha.search" {
		t.Fatalf("alpha registration lost after beta unregister: %v", got)
	}
	if got := registry.ServiceCapabilities("beta", "search-svc"); got != nil {
		t.Fatalf("beta registration should be gone, got %v", got)
	}
	if owners := registry.Owners("search-svc"); len(owners) != 1 || owners[0] != "alpha" {
		t.Fatalf("unexpected owners after unregister: %v", owners)
	}
}

func TestMetadataRegistryCopiesDescriptors(t *testing.T) {
	registry := NewMetadataRegistry()
	caps := []CapabilityDescriptor{{Kind: CapabilityTool, Name: "search", MethodName: "Run"}}
	registry.RegisterService("alpha", "svc", caps)

	caps[0].Name = "mutated"
	if got := registry.ServiceCapabilities("alpha", "svc"); got[0].Name != "search" {
		t.Fatalf("registry must hold its own copy, got %s", got[0].Name)
	}

	view := registry.ServiceCapabilities("alpha", "svc")
	view[0].Name = "mutated-view"
	if got := registry.ServiceCapabilities("alpha", "svc"); got[0].Name != "search" {
		t.Fatalf("returned slices must be copies, got %s", got[0].Name)
	}
}
