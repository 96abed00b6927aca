package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/stemjail/stemjail/internal/policy"
)

// WatchProfiles watches dir for create/write/remove/rename events and
// invokes reload with the freshly parsed profile set whenever the
// directory changes. Runs until stop is closed. Errors from a single
// reload are logged and do not stop the watch loop.
func WatchProfiles(dir string, stop <-chan struct{}, reload func([]policy.ProfileConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				profiles, err := LoadProfiles(dir)
				if err != nil {
					slog.Warn("profile reload failed", "error", err)
					continue
				}
				reload(profiles)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("profile watcher error", "error", err)
			}
		}
	}()
	return nil
}
