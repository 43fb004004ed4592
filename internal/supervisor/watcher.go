package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/logging"
)

// debounceWindow lets a burst of snippet writes settle before recomposing.
const debounceWindow = 250 * time.Millisecond

// Watch recomposes when snippet or override files change on disk. Blocks
// until ctx is cancelled.
func (s *Supervisor) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range []string{s.cfg.SnippetDir, s.cfg.OverrideDir} {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".conf") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if _, err := s.Recompose(ctx); err != nil {
				logging.Warn("recompose after file change failed", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("snippet watcher error", zap.Error(err))
		}
	}
}
