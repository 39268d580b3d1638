// Package config provides centralized configuration management for the
// plugin host daemon, covering the management API, logging, the plugin
// loading pipeline, audit storage, and lifecycle event publishing. It reads a
// single JSON file and fills in sensible defaults for omitted fields.
package config
