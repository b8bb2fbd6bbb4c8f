// Package watch runs a source's sync when its backing file changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
)

// DefaultDebounce coalesces bursts of writes into one run.
const DefaultDebounce = 500 * time.Millisecond

// Runner is the manual trigger of a scheduler service.
type Runner interface {
	RunNow(ctx context.Context) (model.JobRunResult, error)
}

// FileTrigger calls RunNow after path is created, written or renamed into place.
type FileTrigger struct {
	path     string
	runner   Runner
	log      *zap.Logger
	Debounce time.Duration
}

// NewFileTrigger returns a trigger for path.
func NewFileTrigger(path string, runner Runner, log *zap.Logger) *FileTrigger {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return &FileTrigger{
		path:     abs,
		runner:   runner,
		log:      log.With(zap.String("file", abs)),
		Debounce: DefaultDebounce,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so atomic
// replace-by-rename saves are seen.
func (t *FileTrigger) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !t.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(t.Debounce)
			} else {
				timer.Reset(t.Debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			t.log.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			t.trigger(ctx)
		}
	}
}

func (t *FileTrigger) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != t.path {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}

func (t *FileTrigger) trigger(ctx context.Context) {
	_, err := t.runner.RunNow(ctx)
	switch {
	case err == nil:
		t.log.Debug("file change sync done")
	case errors.Is(err, errs.ErrSyncInProgress), errors.Is(err, errs.ErrDisabled):
		t.log.Debug("file change ignored", zap.Error(err))
	default:
		t.log.Warn("file change sync failed", zap.Error(err))
	}
}
