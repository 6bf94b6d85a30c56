package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is the quiet period after the last file event before
// the channels file is reloaded.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads a channels file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(*ChannelsFile)
}

// NewWatcher creates a watcher for path. onChange is called from the
// watcher goroutine with every successfully loaded file; a file that fails
// to load is logged and the previous configuration stays in effect.
func NewWatcher(path string, logger *slog.Logger, onChange func(*ChannelsFile)) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultWatchDebounce,
		logger:   logger,
		onChange: onChange,
	}
}

// SetDebounce changes the debounce interval. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run watches the file's directory, so that editors replacing the file by
// rename are seen. It blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	w.logger.Info("watching channels file for changes", "file", w.path)

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("channels file changed", "file", event.Name, "op", event.Op.String())

			// Debounce: reset timer on each event
			debounce.Reset(w.debounce)

		case <-debounce.C:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	file, err := LoadChannels(w.path)
	if err != nil {
		w.logger.Error("channels reload failed, keeping previous configuration", "error", err)
		return
	}
	w.logger.Info("channels file reloaded", "channels", len(file.Channels))
	if w.onChange != nil {
		w.onChange(file)
	}
}
