// ABOUTME: Re-applies the seed document when its file changes
// ABOUTME: Watches the parent directory so editor rename-and-replace saves are seen

package seed

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/opamp-gateway/internal/admin"
)

const debounce = 200 * time.Millisecond

// Watcher re-applies a seed file after it changes.
type Watcher struct {
	path   string
	svc    *admin.Service
	logger *slog.Logger
	// applied receives the result of every re-application, for tests.
	applied chan Result
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, svc *admin.Service, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    filepath.Clean(path),
		svc:     svc,
		logger:  logger.With("component", "seed-watcher"),
		applied: make(chan Result, 4),
	}
}

// Start begins watching in a background goroutine until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating seed watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	go func() {
		defer fsw.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(debounce)
				fire = timer.C
			case <-fire:
				fire = nil
				w.reapply(ctx)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("seed watcher error", "error", err)
			}
		}
	}()
	w.logger.Info("watching seed file", "path", w.path)
	return nil
}

func (w *Watcher) reapply(ctx context.Context) {
	doc, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("reloading seed file", "path", w.path, "error", err)
		return
	}
	res, err := Apply(ctx, w.svc, doc, w.logger)
	if err != nil {
		w.logger.Warn("re-applying seed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("seed re-applied", "created", res.Created, "skipped", res.Skipped)
	select {
	case w.applied <- res:
	default:
	}
}
