package plugin

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/pkg/logger"
)

// Watcher observes the plugins root and triggers a reload for loaded
// plugins whose directory changed. Changes are debounced so a burst of
// writes produces one reload.
type Watcher struct {
	manager  *Manager
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	fsw     *fsnotify.Watcher
}

// NewWatcher creates a watcher bound to the manager's plugins root.
func NewWatcher(manager *Manager, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		manager:  manager,
		debounce: debounce,
		log:      logger.Named("plugin.watcher"),
		pending:  make(map[string]time.Time),
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create filesystem watcher")
	}
	defer fsw.Close()
	w.fsw = fsw

	root := w.manager.Discovery().Root()
	if err := fsw.Add(root); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "watch plugins root "+root)
	}
	// Watch existing plugin subdirectories as well; the root watch only
	// reports events one level deep.
	if candidates, err := w.manager.Discovery().DiscoverPlugins(DiscoveryOptions{}); err == nil {
		for _, c := range candidates {
			_ = fsw.Add(c.Path)
		}
	}

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(root, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", slog.Any("error", err))
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) observe(root string, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "" || parts[0] == "." {
		return
	}
	name := parts[0]

	// New plugin directory: start watching inside it.
	if len(parts) == 1 && event.Op&fsnotify.Create != 0 && w.fsw != nil {
		_ = w.fsw.Add(event.Name)
	}

	w.mu.Lock()
	w.pending[name] = time.Now()
	w.mu.Unlock()
}

// flush reloads plugins whose last change is older than the debounce
// window.
func (w *Watcher) flush(ctx context.Context) {
	cutoff := time.Now().Add(-w.debounce)
	var due []string
	w.mu.Lock()
	for name, at := range w.pending {
		if at.Before(cutoff) {
			due = append(due, name)
			delete(w.pending, name)
		}
	}
	w.mu.Unlock()

	for _, name := range due {
		if !w.manager.IsPluginLoaded(name) {
			continue
		}
		w.log.Info("change detected, reloading plugin", slog.String("plugin", name))
		if err := w.manager.ReloadPlugin(ctx, name); err != nil {
			w.log.Error("hot reload failed",
				slog.String("plugin", name),
				slog.Any("error", err),
			)
		}
	}
}
