package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/worldbox/worldbox/internal/policy"
)

// debounce window for editors that write policy files in multiple events.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the policy whenever its source file changes. Invalid policy
// content is rejected and the previous live policy stays in place. Watch
// blocks until ctx is cancelled.
func (b *Broker) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
			// Re-add after rename: editors often replace the file.
			if event.Op&fsnotify.Rename != 0 {
				_ = watcher.Add(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		case <-pending:
			pending = nil
			b.reloadFromPath(path)
		}
	}
}

func (b *Broker) reloadFromPath(path string) {
	p, err := policy.Load(path)
	if err != nil {
		slog.Error("policy reload rejected, keeping previous policy", "path", path, "error", err)
		return
	}
	if p.Commit == b.holder.Snapshot().Commit {
		return
	}
	b.Reload(p)
}
