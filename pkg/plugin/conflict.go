package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/pkg/logger"
)

// ConflictType is one of the six built-in collision categories.
type ConflictType string

const (
	ConflictToolName     ConflictType = "TOOL_NAME"
	ConflictResourceURI  ConflictType = "RESOURCE_URI"
	ConflictPromptName   ConflictType = "PROMPT_NAME"
	ConflictServiceClass ConflictType = "SERVICE_CLASS"
	ConflictDependency   ConflictType = "DEPENDENCY"
	ConflictVersion      ConflictType = "VERSION"
)

// ConflictSeverity grades how dangerous a conflict is. Critical conflicts
// must block plugin activation; the manager enforces that.
type ConflictSeverity string

const (
	SeverityInfo     ConflictSeverity = "info"
	SeverityWarning  ConflictSeverity = "warning"
	SeverityError    ConflictSeverity = "error"
	SeverityCritical ConflictSeverity = "critical"
)

// ResolutionStrategy names a deterministic way out of a conflict.
type ResolutionStrategy string

const (
	StrategyFirstWins ResolutionStrategy = "FIRST_WINS"
	StrategyLastWins  ResolutionStrategy = "LAST_WINS"
	StrategyPriority  ResolutionStrategy = "PRIORITY"
	StrategyDisable   ResolutionStrategy = "DISABLE"
	StrategyRename    ResolutionStrategy = "RENAME"
	StrategyManual    ResolutionStrategy = "MANUAL"
)

// ConflictResource identifies the contested identifier.
type ConflictResource struct {
	Identifier string
	Type       string
}

// Conflict describes one collision across two or more plugins. Conflicts
// are created fresh on each detection pass.
type Conflict struct {
	ID          string
	Type        ConflictType
	Severity    ConflictSeverity
	Plugins     []*Plugin
	Resource    ConflictResource
	Recommended ResolutionStrategy
	Possible    []ResolutionStrategy
}

// ConflictResolution records the outcome of resolving one conflict.
type ConflictResolution struct {
	ConflictID string
	Strategy   ResolutionStrategy
	Action     string
	Success    bool
	ResolvedAt time.Time
}

// Rule is a custom detection function run alongside the built-in
// categories. A failing rule is logged and skipped, never aborts detection.
type Rule func(plugins []*Plugin) []Conflict

// DetectorConfig toggles the built-in categories. The zero value enables
// everything.
type DetectorConfig struct {
	DisableToolName     bool
	DisableResourceURI  bool
	DisablePromptName   bool
	DisableServiceClass bool
	DisableDependency   bool
	DisableVersion      bool
}

// ConflictDetector finds naming and version collisions across the candidate
// plugin set. Detection reads only collected capability metadata.
type ConflictDetector struct {
	cfg      DetectorConfig
	metadata *MetadataRegistry
	log      *slog.Logger

	mu          sync.Mutex
	rules       []Rule
	detected    map[string]*Conflict
	resolutions []ConflictResolution
}

// NewConflictDetector creates a detector over the given metadata registry.
func NewConflictDetector(metadata *MetadataRegistry, cfg DetectorConfig) *ConflictDetector {
	return &ConflictDetector{
		cfg:      cfg,
		metadata: metadata,
		log:      logger.Named("plugin.conflicts"),
		detected: make(map[string]*Conflict),
	}
}

// AddRule registers a custom detection rule.
func (d *ConflictDetector) AddRule(rule Rule) {
	if rule == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, rule)
}

// DetectConflicts runs every enabled category and custom rule against the
// full candidate set. Results replace those of the previous pass.
func (d *ConflictDetector) DetectConflicts(plugins []*Plugin) []Conflict {
	var conflicts []Conflict
	if !d.cfg.DisableToolName {
		conflicts = append(conflicts, d.detectCapabilityClashes(plugins, CapabilityTool, ConflictToolName)...)
	}
	if !d.cfg.DisableResourceURI {
		conflicts = append(conflicts, d.detectCapabilityClashes(plugins, CapabilityResource, ConflictResourceURI)...)
	}
	if !d.cfg.DisablePromptName {
		conflicts = append(conflicts, d.detectCapabilityClashes(plugins, CapabilityPrompt, ConflictPromptName)...)
	}
	if !d.cfg.DisableServiceClass {
		conflicts = append(conflicts, d.detectServiceClashes(plugins)...)
	}
	if !d.cfg.DisableDependency {
		conflicts = append(conflicts, d.detectDependencyClashes(plugins)...)
	}
	if !d.cfg.DisableVersion {
		conflicts = append(conflicts, d.detectVersionClashes(plugins)...)
	}
	conflicts = append(conflicts, d.runCustomRules(plugins)...)

	d.mu.Lock()
	d.detected = make(map[string]*Conflict, len(conflicts))
	for i := range conflicts {
		if conflicts[i].ID == "" {
			conflicts[i].ID = uuid.NewString()
		}
		d.detected[conflicts[i].ID] = &conflicts[i]
	}
	d.mu.Unlock()
	return conflicts
}

// HasCritical reports whether any conflict in the slice must block
// activation.
func HasCritical(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ResolveConflict executes a strategy against a previously detected
// conflict. MANUAL always records Success=false: a human has to act.
func (d *ConflictDetector) ResolveConflict(id string, strategy ResolutionStrategy) (ConflictResolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conflict, ok := d.detected[id]
	if !ok {
		return ConflictResolution{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown conflict id %s", id))
	}

	resolution := ConflictResolution{
		ConflictID: id,
		Strategy:   strategy,
		ResolvedAt: time.Now(),
	}
	switch strategy {
	case StrategyFirstWins:
		winner := conflict.Plugins[0]
		resolution.Action = fmt.Sprintf("keep %s for %s, drop later declarers", winner.Key(), conflict.Resource.Identifier)
		resolution.Success = true
	case StrategyLastWins:
		winner := conflict.Plugins[len(conflict.Plugins)-1]
		resolution.Action = fmt.Sprintf("keep %s for %s, drop earlier declarers", winner.Key(), conflict.Resource.Identifier)
		resolution.Success = true
	case StrategyPriority:
		winner := highestPriority(conflict.Plugins)
		resolution.Action = fmt.Sprintf("keep %s (priority %d) for %s", winner.Key(), winner.Priority, conflict.Resource.Identifier)
		resolution.Success = true
	case StrategyDisable:
		var losers []string
		for _, p := range conflict.Plugins[1:] {
			losers = append(losers, p.Key())
		}
		resolution.Action = fmt.Sprintf("disable %s", strings.Join(losers, ", "))
		resolution.Success = true
	case StrategyRename:
		var renames []string
		for _, p := range conflict.Plugins[1:] {
			renames = append(renames, fmt.Sprintf("%s -> %s.%s", conflict.Resource.Identifier, p.Name, conflict.Resource.Identifier))
		}
		resolution.Action = fmt.Sprintf("rename %s", strings.Join(renames, ", "))
		resolution.Success = true
	case StrategyManual:
		resolution.Action = "manual intervention required"
		resolution.Success = false
	default:
		return ConflictResolution{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown strategy %s", strategy))
	}

	if resolution.Success {
		delete(d.detected, id)
	}
	d.resolutions = append(d.resolutions, resolution)
	d.log.Info("conflict resolution recorded",
		slog.String("conflict", id),
		slog.String("strategy", string(strategy)),
		slog.Bool("success", resolution.Success),
	)
	return resolution, nil
}

// Resolutions returns every recorded resolution.
func (d *ConflictDetector) Resolutions() []ConflictResolution {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConflictResolution, len(d.resolutions))
	copy(out, d.resolutions)
	return out
}

func (d *ConflictDetector) detectCapabilityClashes(plugins []*Plugin, kind CapabilityKind, ctype ConflictType) []Conflict {
	declarers := make(map[string][]*Plugin)
	for _, p := range plugins {
		seen := make(map[string]bool)
		for _, ref := range p.Services {
			for _, cap := range d.capabilitiesOf(p, ref) {
				if cap.Kind != kind || seen[cap.Name] {
					continue
				}
				seen[cap.Name] = true
				declarers[cap.Name] = append(declarers[cap.Name], p)
			}
		}
	}
	var conflicts []Conflict
	for identifier, owners := range declarers {
		if len(owners) < 2 {
			continue
		}
		conflicts = append(conflicts, d.newConflict(ctype, SeverityError, owners, ConflictResource{
			Identifier: identifier,
			Type:       string(kind),
		}, StrategyRename))
	}
	sortConflicts(conflicts)
	return conflicts
}

// capabilitiesOf prefers the collected metadata registry; descriptors
// embedded in the service ref are the fallback for plugins whose services
// are not registered yet.
func (d *ConflictDetector) capabilitiesOf(p *Plugin, ref ServiceRef) []CapabilityDescriptor {
	if d.metadata != nil {
		if caps := d.metadata.ServiceCapabilities(p.Name, ref.Name); caps != nil {
			return caps
		}
	}
	return ref.Capabilities
}

func (d *ConflictDetector) detectServiceClashes(plugins []*Plugin) []Conflict {
	declarers := make(map[string][]*Plugin)
	for _, p := range plugins {
		for _, ref := range p.Services {
			declarers[ref.Name] = append(declarers[ref.Name], p)
		}
	}
	var conflicts []Conflict
	for name, owners := range declarers {
		if len(owners) < 2 {
			continue
		}
		conflicts = append(conflicts, d.newConflict(ConflictServiceClass, SeverityWarning, owners, ConflictResource{
			Identifier: name,
			Type:       "service",
		}, StrategyRename))
	}
	sortConflicts(conflicts)
	return conflicts
}

func (d *ConflictDetector) detectDependencyClashes(plugins []*Plugin) []Conflict {
	type pin struct {
		version string
		plugin  *Plugin
	}
	pins := make(map[string][]pin)
	for _, p := range plugins {
		for _, dep := range p.Dependencies {
			name, version, pinned := strings.Cut(dep, "@")
			if !pinned {
				continue
			}
			pins[name] = append(pins[name], pin{version: version, plugin: p})
		}
	}
	var conflicts []Conflict
	for name, entries := range pins {
		versions := make(map[string]bool)
		var owners []*Plugin
		seen := make(map[string]bool)
		for _, e := range entries {
			versions[e.version] = true
			if !seen[e.plugin.Name] {
				seen[e.plugin.Name] = true
				owners = append(owners, e.plugin)
			}
		}
		if len(versions) < 2 || len(owners) < 2 {
			continue
		}
		conflicts = append(conflicts, d.newConflict(ConflictDependency, SeverityWarning, owners, ConflictResource{
			Identifier: name,
			Type:       "dependency",
		}, StrategyManual))
	}
	sortConflicts(conflicts)
	return conflicts
}

func (d *ConflictDetector) detectVersionClashes(plugins []*Plugin) []Conflict {
	byName := make(map[string][]*Plugin)
	for _, p := range plugins {
		byName[p.Name] = append(byName[p.Name], p)
	}
	var conflicts []Conflict
	for name, group := range byName {
		versions := make(map[string]bool)
		for _, p := range group {
			versions[p.Version] = true
		}
		if len(versions) < 2 {
			continue
		}
		conflicts = append(conflicts, d.newConflict(ConflictVersion, SeverityError, group, ConflictResource{
			Identifier: name,
			Type:       "plugin",
		}, StrategyLastWins))
	}
	sortConflicts(conflicts)
	return conflicts
}

func (d *ConflictDetector) runCustomRules(plugins []*Plugin) []Conflict {
	d.mu.Lock()
	rules := make([]Rule, len(d.rules))
	copy(rules, d.rules)
	d.mu.Unlock()

	var conflicts []Conflict
	for i, rule := range rules {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("custom conflict rule panicked", slog.Int("rule", i), slog.Any("panic", r))
				}
			}()
			for _, c := range rule(plugins) {
				if c.ID == "" {
					c.ID = uuid.NewString()
				}
				if len(c.Possible) == 0 {
					c.Possible = possibleStrategies(c.Plugins)
				}
				conflicts = append(conflicts, c)
			}
		}()
	}
	return conflicts
}

// newConflict fills the common fields and picks the recommended strategy:
// any configured priority wins, otherwise the category default applies.
func (d *ConflictDetector) newConflict(ctype ConflictType, severity ConflictSeverity, owners []*Plugin, resource ConflictResource, fallback ResolutionStrategy) Conflict {
	recommended := fallback
	for _, p := range owners {
		if p.Priority != 0 {
			recommended = StrategyPriority
			break
		}
	}
	return Conflict{
		ID:          uuid.NewString(),
		Type:        ctype,
		Severity:    severity,
		Plugins:     owners,
		Resource:    resource,
		Recommended: recommended,
		Possible:    possibleStrategies(owners),
	}
}

func possibleStrategies(owners []*Plugin) []ResolutionStrategy {
	strategies := []ResolutionStrategy{StrategyFirstWins, StrategyLastWins, StrategyDisable, StrategyRename, StrategyManual}
	for _, p := range owners {
		if p.Priority != 0 {
			return append([]ResolutionStrategy{StrategyPriority}, strategies...)
		}
	}
	return strategies
}

func highestPriority(owners []*Plugin) *Plugin {
	winner := owners[0]
	for _, p := range owners[1:] {
		if p.Priority > winner.Priority {
			winner = p
		}
	}
	return winner
}

func sortConflicts(conflicts []Conflict) {
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Resource.Identifier < conflicts[j].Resource.Identifier
	})
}
