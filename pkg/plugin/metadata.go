package plugin

import (
	"sort"
	"sync"
)

// serviceKey identifies a registration. Two plugins may legally declare the
// same service name, so the plugin name is part of the key.
type serviceKey struct {
	plugin  string
	service string
}

// MetadataRegistry holds the collected capability descriptors for every
// registered service. It replaces runtime reflection: services declare their
// descriptors explicitly and the registry is the single source conflict
// detection and pre-binding read from.
//
// Registration must complete before conflict detection runs for the owning
// plugin; the manager enforces that ordering.
type MetadataRegistry struct {
	mu       sync.RWMutex
	services map[serviceKey][]CapabilityDescriptor
}

// NewMetadataRegistry creates an empty registry.
func NewMetadataRegistry() *MetadataRegistry {
	return &MetadataRegistry{
		services: make(map[serviceKey][]CapabilityDescriptor),
	}
}

// RegisterService records the descriptors declared by a service. Registering
// the same plugin and service name again replaces the previous set.
func (r *MetadataRegistry) RegisterService(pluginName, serviceName string, caps []CapabilityDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]CapabilityDescriptor, len(caps))
	copy(copied, caps)
	r.services[serviceKey{plugin: pluginName, service: serviceName}] = copied
}

// UnregisterPlugin removes every service registered by the named plugin.
func (r *MetadataRegistry) UnregisterPlugin(pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.services {
		if key.plugin == pluginName {
			delete(r.services, key)
		}
	}
}

// ServiceCapabilities returns the descriptors a plugin collected for one of
// its services, nil when the pair was never registered.
func (r *MetadataRegistry) ServiceCapabilities(pluginName, serviceName string) []CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.services[serviceKey{plugin: pluginName, service: serviceName}]
	if !ok {
		return nil
	}
	out := make([]CapabilityDescriptor, len(caps))
	copy(out, caps)
	return out
}

// Owners returns the sorted plugin names that registered a service name.
func (r *MetadataRegistry) Owners(serviceName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var owners []string
	for key := range r.services {
		if key.service == serviceName {
			owners = append(owners, key.plugin)
		}
	}
	sort.Strings(owners)
	return owners
}

// PluginCapabilities returns every descriptor registered by a plugin,
// grouped by service name.
func (r *MetadataRegistry) PluginCapabilities(pluginName string) map[string][]CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]CapabilityDescriptor)
	for key, caps := range r.services {
		if key.plugin != pluginName {
			continue
		}
		copied := make([]CapabilityDescriptor, len(caps))
		copy(copied, caps)
		out[key.service] = copied
	}
	return out
}

// ServiceCount reports how many registrations are currently held.
func (r *MetadataRegistry) ServiceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
