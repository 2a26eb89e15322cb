// Package confwatch notifies the core when a project's config.json is
// edited on disk by something other than the control API (an operator's
// text editor, a dotfile sync tool), so a dashboard can prompt a refresh
// without polling.
//
// fsnotify is adopted here the way the wider retrieved corpus does
// (config/doc hot-reload watchers appear across the pack's manifests,
// e.g. conductor, gastown, docbuilder, hibernator); no single retrieved
// repo's watcher wiring was close enough to this one's shape to imitate
// directly, so the fsnotify.NewWatcher/Events/Errors loop below follows
// only the library's own documented usage.
//
// internal/project.Store already re-reads ProjectConfig from disk on
// every call, so no cache invalidation is required here: this package's
// only job is to turn a filesystem write into a published Event.
package confwatch

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/anima-dev/anima/internal/events"
)

// Watch watches <projectRoot>/.anima/config.json for writes and publishes
// a KindConfigChanged event for each one, until ctx is cancelled. A setup
// failure (for example a missing .anima directory) is returned as an
// error for the caller to report; it does not panic.
func Watch(ctx context.Context, projectID, projectRoot string, bus *events.Bus, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Join(projectRoot, ".anima")
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Join(dir, "config.json")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			bus.Publish(events.Event{ProjectID: projectID, Kind: events.KindConfigChanged})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("confwatch: watcher error", "project", projectID, "error", err)
		}
	}
}
