package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/pkg/logger"
)

// Manifest is the on-disk declaration of a plugin, one per plugin directory.
// YAML is the primary format; JSON manifests are also accepted.
type Manifest struct {
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	Description  string             `yaml:"description" json:"description"`
	Author       string             `yaml:"author" json:"author"`
	EntryPoint   string             `yaml:"entryPoint" json:"entryPoint"`
	Dependencies []string           `yaml:"dependencies" json:"dependencies"`
	Priority     int                `yaml:"priority" json:"priority"`
	Isolation    *ManifestIsolation `yaml:"isolation" json:"isolation"`
}

// manifestFileNames are probed in order inside each plugin directory.
var manifestFileNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

// DiscoveryOptions controls a full-root scan.
type DiscoveryOptions struct {
	// Concurrency bounds how many plugin directories are examined in
	// parallel. Values below 1 fall back to 5.
	Concurrency int
}

// Discovery scans a plugins root and validates manifests into candidate
// descriptors. It holds no cross-call state and fails softly: an invalid
// manifest yields IsValid=false, an absent directory yields nil.
type Discovery struct {
	root string
	log  *slog.Logger
}

// NewDiscovery creates a Discovery over the given plugins root.
func NewDiscovery(root string) *Discovery {
	return &Discovery{root: root, log: logger.Named("plugin.discovery")}
}

// Root returns the plugins root directory.
func (d *Discovery) Root() string { return d.root }

// DiscoverPlugin reads and validates the manifest of a single plugin
// directory. A missing directory returns (nil, nil): not found is distinct
// from found-but-invalid.
func (d *Discovery) DiscoverPlugin(name string) (*DiscoveredPlugin, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin name cannot be empty")
	}
	dir := filepath.Join(d.root, name)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDiscoveryFailure, err, fmt.Sprintf("stat plugin directory %s", dir))
	}
	if !info.IsDir() {
		return nil, nil
	}
	return d.discoverDir(dir), nil
}

// DiscoverPlugins scans the whole root and returns every candidate, valid
// and invalid. Callers filter on IsValid.
func (d *Discovery) DiscoverPlugins(opts DiscoveryOptions) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(d.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDiscoveryFailure, err, fmt.Sprintf("read plugins root %s", d.root))
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 5
	}

	var (
		mu         sync.Mutex
		discovered []*DiscoveredPlugin
	)
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(d.root, entry.Name())
		g.Go(func() error {
			candidate := d.discoverDir(dir)
			if candidate == nil {
				return nil
			}
			mu.Lock()
			discovered = append(discovered, candidate)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(discovered, func(i, j int) bool { return discovered[i].Name < discovered[j].Name })
	return discovered, nil
}

// discoverDir reads the manifest in dir. A directory without any manifest
// file yields nil; a malformed or invalid manifest yields an invalid
// candidate carrying the validation errors.
func (d *Discovery) discoverDir(dir string) *DiscoveredPlugin {
	path, raw, err := readManifestFile(dir)
	if path == "" {
		return nil
	}
	candidate := &DiscoveredPlugin{
		Name: filepath.Base(dir),
		Path: dir,
	}
	if err != nil {
		candidate.ValidationErrors = append(candidate.ValidationErrors, err.Error())
		return candidate
	}

	var manifest Manifest
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(raw, &manifest)
	} else {
		err = yaml.Unmarshal(raw, &manifest)
	}
	if err != nil {
		candidate.ValidationErrors = append(candidate.ValidationErrors, fmt.Sprintf("parse %s: %v", filepath.Base(path), err))
		d.log.Warn("invalid plugin manifest", slog.String("path", path), slog.Any("error", err))
		return candidate
	}

	applyManifest(candidate, &manifest, dir)
	candidate.ValidationErrors = validateManifest(&manifest)
	candidate.IsValid = len(candidate.ValidationErrors) == 0
	if !candidate.IsValid {
		d.log.Warn("plugin manifest failed validation",
			slog.String("plugin", candidate.Name),
			slog.Any("errors", candidate.ValidationErrors),
		)
	}
	return candidate
}

func readManifestFile(dir string) (string, []byte, error) {
	for _, name := range manifestFileNames {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return path, nil, fmt.Errorf("read %s: %w", name, err)
		}
		return path, raw, nil
	}
	return "", nil, nil
}

func applyManifest(candidate *DiscoveredPlugin, m *Manifest, dir string) {
	if m.Name != "" {
		candidate.Name = m.Name
	}
	candidate.Version = m.Version
	candidate.Description = m.Description
	candidate.Author = m.Author
	candidate.Dependencies = append([]string(nil), m.Dependencies...)
	candidate.Priority = m.Priority
	if m.EntryPoint != "" {
		entry := m.EntryPoint
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(dir, entry)
		}
		candidate.EntryPoint = entry
	}
	if m.Isolation != nil {
		candidate.Isolation = *m.Isolation
	} else {
		candidate.Isolation = ManifestIsolation{Level: IsolationService}
	}
}

func validateManifest(m *Manifest) []string {
	var errs []string
	switch {
	case strings.TrimSpace(m.Name) == "":
		errs = append(errs, "name is required")
	case !namePattern.MatchString(m.Name):
		errs = append(errs, fmt.Sprintf("name %q must be lowercase alphanumeric with hyphens", m.Name))
	}
	switch {
	case strings.TrimSpace(m.Version) == "":
		errs = append(errs, "version is required")
	case !semverPattern.MatchString(m.Version):
		errs = append(errs, fmt.Sprintf("version %q must be valid semver", m.Version))
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		errs = append(errs, "entryPoint is required")
	}
	if m.Isolation != nil {
		switch m.Isolation.Level {
		case "", IsolationNone, IsolationService, IsolationFull:
		default:
			errs = append(errs, fmt.Sprintf("isolation level %q must be one of none, service, full", m.Isolation.Level))
		}
	}
	for _, dep := range m.Dependencies {
		name, version, pinned := strings.Cut(dep, "@")
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Sprintf("dependency %q is missing a name", dep))
			continue
		}
		if pinned && !semverPattern.MatchString(version) {
			errs = append(errs, fmt.Sprintf("dependency %q pins an invalid version", dep))
		}
	}
	return errs
}
