// Package plugin implements the host's plugin runtime: discovery and
// validation of plugin manifests, dynamic loading of entry-point modules,
// conflict detection across independently authored plugins, isolated
// dependency-resolution scopes with a permission-gated bridge, and a
// pre-binding cache that serves dispatch-ready capability handlers.
//
// The Manager ties the pipeline together: Discovery -> Loader ->
// ConflictDetector -> FeatureInjector -> PreBinder. Every component other
// than the Manager is invoked functionally per plugin and holds no mutable
// cross-plugin state.
package plugin
