package worker

import (
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/b0gdan00/keywatch/internal/audit"
)

// watchDebounce coalesces the burst of fsnotify events a single editor
// save produces.
const watchDebounce = 500 * time.Millisecond

// WatchSettings reloads scanning settings when settings.json is edited
// outside the API (operators hand-edit session files). The worker's own
// saves trigger the watcher too; an unchanged reload is a no-op.
// Watcher failures are logged and leave the worker running without live
// reload — the API update path is unaffected.
func (w *Worker) WatchSettings() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("settings_watcher_failed", slog.Any("error", err))
		return
	}

	dir := filepath.Dir(w.store.Path())
	if err := watcher.Add(dir); err != nil {
		log.Warn("settings_watch_add_failed", slog.String("dir", dir), slog.Any("error", err))
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()

		var pending *time.Timer
		target := filepath.Base(w.store.Path())

		for {
			select {
			case <-w.ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(watchDebounce, w.reloadSettingsFromDisk)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("settings_watcher_error", slog.Any("error", err))
			}
		}
	}()
}

func (w *Worker) reloadSettingsFromDisk() {
	s, found, err := w.store.Load()
	if err != nil {
		w.audit.Pushf(audit.TypeError, "Settings file changed on disk but unreadable: %v", err)
		return
	}
	if !found {
		return
	}

	if reflect.DeepEqual(s, w.Settings()) {
		return
	}

	w.setSettings(s)
	w.validateDestination()
	w.audit.Pushf(audit.TypeSystem,
		"Settings reloaded from disk: sources=%d, keywords=%d, scanning %s.",
		len(s.SourceChatIDs), len(s.Keywords), activeOrInactive(w.Settings().Enabled))
}

func activeOrInactive(enabled bool) string {
	if enabled {
		return "active"
	}
	return "inactive"
}
