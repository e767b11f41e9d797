// Package watch implements the Plugin Watcher of spec.md §4.7: two
// fsnotify-backed loops over the volume and datapath plugin directories,
// keeping the Datapath-Plugin Registry and the set of known volume
// plugins in sync with what is actually present on disk. Grounded on the
// teacher's config.go fsnotify loop and loader.go's full-directory-scan
// reconciliation.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/xapi-storage/storage-scriptd/internal/datapath"
	"github.com/xapi-storage/storage-scriptd/internal/pathresolver"
)

// ErrWatcherClosed is returned when the underlying fsnotify event
// channel closes unexpectedly, the "Eof" case of spec.md §4.7 that the
// Daemon Supervisor treats as fatal for this loop and restarts.
var ErrWatcherClosed = errors.New("plugin watcher event channel closed")

// Watcher runs the two plugin-directory watch loops.
type Watcher struct {
	log       *slog.Logger
	resolver  pathresolver.Resolver
	datapaths *datapath.Registry
	volumes   *VolumeSet
}

// New builds a Watcher. volumes may be nil if the caller only cares about
// datapath plugin discovery (e.g. in tests).
func New(log *slog.Logger, resolver pathresolver.Resolver, datapaths *datapath.Registry, volumes *VolumeSet) *Watcher {
	if volumes == nil {
		volumes = NewVolumeSet()
	}
	return &Watcher{log: log, resolver: resolver, datapaths: datapaths, volumes: volumes}
}

// Volumes returns the watcher's volume-plugin set.
func (w *Watcher) Volumes() *VolumeSet { return w.volumes }

// RunVolumes watches <root>/volume until ctx is canceled or the watcher
// fails, per spec.md §4.7. A failure is returned to the caller (the
// Daemon Supervisor), which restarts the loop after a backoff.
func (w *Watcher) RunVolumes(ctx context.Context) error {
	return w.run(ctx, w.resolver.VolumeRoot(), func(name string) { w.volumes.Add(name) }, func(name string) { w.volumes.Remove(name) }, w.volumes.snapshot)
}

// RunDatapaths watches <root>/datapath until ctx is canceled or the
// watcher fails.
func (w *Watcher) RunDatapaths(ctx context.Context) error {
	register := func(name string) {
		if err := w.datapaths.Register(ctx, w.resolver, name); err != nil {
			w.log.Warn("datapath plugin registration failed", "plugin", name, "error", err)
		}
	}
	unregister := func(name string) { w.datapaths.Unregister(name) }
	snapshot := func() map[string]bool {
		names := make(map[string]bool)
		for _, n := range w.datapaths.Names() {
			names[n] = true
		}
		return names
	}
	return w.run(ctx, w.resolver.DatapathRoot(), register, unregister, snapshot)
}

// run watches dir, calling register/unregister as plugin directories
// appear and disappear, and reconciling the full directory listing
// against known-state whenever the watcher reports a queue overflow.
func (w *Watcher) run(ctx context.Context, dir string, register, unregister func(string), known func() map[string]bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure watch dir %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher for %s: %w", dir, err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	if err := reconcile(dir, register, unregister, known); err != nil {
		return fmt.Errorf("initial scan of %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return ErrWatcherClosed
			}
			w.handleEvent(dir, event, register, unregister, known)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			w.log.Warn("plugin watcher reported an error, reconciling", "dir", dir, "error", watchErr)
			if err := reconcile(dir, register, unregister, known); err != nil {
				return fmt.Errorf("reconcile %s after watcher error: %w", dir, err)
			}
		}
	}
}

func (w *Watcher) handleEvent(dir string, event fsnotify.Event, register, unregister func(string), known func() map[string]bool) {
	name := pluginNameFromPath(dir, event.Name)
	if name == "" {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Rename) != 0:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			register(name)
		} else {
			unregister(name)
		}
	case event.Op&fsnotify.Remove != 0:
		unregister(name)
	case event.Op&fsnotify.Write != 0:
		// Modification of a plugin's scripts does not change registration.
	}
}

// reconcile lists dir and diffs it against the known set, registering
// every directory not already known and unregistering every known name
// no longer present. This is the set-difference reconciliation spec.md
// §9 calls out as the watcher's only correctness-critical logic.
func reconcile(dir string, register, unregister func(string), known func() map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	onDisk := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		onDisk[entry.Name()] = true
	}

	for name := range onDisk {
		if !known()[name] {
			register(name)
		}
	}
	for name := range known() {
		if !onDisk[name] {
			unregister(name)
		}
	}
	return nil
}

func pluginNameFromPath(dir, path string) string {
	rel, err := relBase(dir, path)
	if err != nil {
		return ""
	}
	return rel
}
