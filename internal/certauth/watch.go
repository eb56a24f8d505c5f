package certauth

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch watches cfg's cert/key files for changes and hot-reloads m in
// place, clearing cache (if non-nil) so every leaf requested afterward is
// re-minted under the new root. This lets an operator rotate their root CA
// without restarting the proxy — the same watch-the-file-and-swap-the-
// loaded-state pattern Viper uses (also over fsnotify) for the YAML config
// file. Returns a stop function that tears down the watcher.
func (m *Manager) Watch(cfg Config, cache *Cache, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("certauth: creating file watcher: %w", err)
	}
	if err := watcher.Add(cfg.CertFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("certauth: watching %s: %w", cfg.CertFile, err)
	}
	if err := watcher.Add(cfg.KeyFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("certauth: watching %s: %w", cfg.KeyFile, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Editors and `cp` often replace a file via rename rather
				// than an in-place write; watch both so a rotation isn't
				// missed depending on how the operator updates the files.
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.reload(cfg); err != nil {
					logger.Error("certauth: reloading root CA failed, keeping previous CA", "error", err)
					continue
				}
				if cache != nil {
					cache.Reset()
				}
				logger.Info("certauth: reloaded root CA", "file", ev.Name)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("certauth: file watcher error", "error", watchErr)
			case <-done:
				watcher.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
