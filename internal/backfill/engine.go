// Package backfill runs one-shot, cancelable historical imports through the same
// encryption and upload path as the scheduled sync.
//
// Status goes idle -> running(loading) -> running(uploading) -> completed | cancelled | error.
// Terminal states stay until the next run.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/clock"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
	"github.com/and161185/harvester/internal/pipeline"
	"github.com/and161185/harvester/internal/source"
)

// DefaultBatchSize is the number of records per upload request.
const DefaultBatchSize = 50

// Config wires an Engine for one family.
type Config struct {
	Family     string
	Descriptor source.Descriptor
	Open       source.Opener // must return a handle independent of the scheduler's
	Pipeline   *pipeline.Pipeline
	Uploader   source.Uploader
	BatchSize  int
	Clock      clock.Clock
	Log        *zap.Logger

	// BaseContext bounds runs started with Start; defaults to context.Background.
	BaseContext context.Context
}

// Engine is the backfill singleton of one family.
type Engine struct {
	cfg       Config
	log       *zap.Logger
	cancelled atomic.Bool

	mu    sync.Mutex
	state model.BackfillState
	done  chan struct{} // closed when the current run ends
}

// New returns an idle Engine.
func New(cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:   cfg,
		log:   log.With(zap.String("family", cfg.Family)),
		state: model.BackfillState{Family: cfg.Family, Status: model.BackfillIdle},
	}
}

// Family returns the family name.
func (e *Engine) Family() string { return e.cfg.Family }

// Run imports the last days of history and blocks until a terminal state. It returns
// errs.ErrBackfillRunning when a run is already active, and errs.ErrNoEncryptionKey
// (with status=error) when no key is configured. Fetch and upload failures are
// reported through the returned state, not the error.
func (e *Engine) Run(ctx context.Context, days int) (model.BackfillState, error) {
	done, err := e.begin(days)
	if err != nil {
		return e.Progress(), err
	}
	if err := e.execute(ctx, days, done); err != nil {
		return e.Progress(), err
	}
	return e.Progress(), nil
}

// Start begins a run in the background under the engine's base context.
func (e *Engine) Start(days int) error {
	done, err := e.begin(days)
	if err != nil {
		return err
	}
	if err := e.cfg.Pipeline.Ready(); err != nil {
		e.finish(outcome{status: model.BackfillError, err: err})
		e.release(done)
		return err
	}
	go func() {
		_ = e.execute(e.cfg.BaseContext, days, done)
	}()
	return nil
}

// Cancel requests cooperative cancellation at the next batch boundary. It reports
// whether a run was active.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != model.BackfillRunning {
		return false
	}
	e.cancelled.Store(true)
	return true
}

// Progress returns a snapshot copy of the state.
func (e *Engine) Progress() model.BackfillState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Wait blocks until the active run, if any, ends or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) begin(days int) (chan struct{}, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive, got %d", errs.ErrValidation, days)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == model.BackfillRunning {
		return nil, errs.ErrBackfillRunning
	}
	e.cancelled.Store(false)
	e.state = model.BackfillState{
		Family:    e.cfg.Family,
		Status:    model.BackfillRunning,
		Phase:     model.PhaseLoading,
		StartedAt: e.cfg.Clock.Now(),
	}
	e.done = make(chan struct{})
	return e.done, nil
}

// execute runs the load and upload phases for a run begun by begin. It returns an
// error only for a missing key. The terminal state is published after the source
// handle is closed, so a caller that sees it may start the next run right away.
func (e *Engine) execute(ctx context.Context, days int, done chan struct{}) error {
	defer e.release(done)
	defer func() {
		if r := recover(); r != nil {
			e.finish(outcome{status: model.BackfillError, err: fmt.Errorf("backfill panic: %v", r)})
		}
	}()
	if err := e.cfg.Pipeline.Ready(); err != nil {
		e.finish(outcome{status: model.BackfillError, err: err})
		return err
	}

	h, err := e.cfg.Open(ctx)
	if err != nil {
		e.finish(outcome{status: model.BackfillError, err: fmt.Errorf("open source: %w", err)})
		return nil
	}
	out := e.drain(ctx, h, days)
	if err := h.Close(); err != nil {
		e.log.Warn("close source handle", zap.Error(err))
	}
	e.finish(out)
	return nil
}

// outcome is how a run ended; finish publishes it.
type outcome struct {
	status     model.BackfillStatus
	err        error
	failedPage int
}

// drain fetches the window and uploads it batch by batch through h.
func (e *Engine) drain(ctx context.Context, h source.Adapter, days int) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{status: model.BackfillError, err: fmt.Errorf("backfill panic: %v", r)}
		}
	}()

	since := e.cfg.Clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	e.log.Info("backfill loading", zap.Int("days", days), zap.Time("since", since))

	recs, err := h.Fetch(ctx, since, source.FetchOptions{})
	if err != nil {
		return outcome{status: model.BackfillError, err: fmt.Errorf("fetch: %w", err)}
	}
	d := e.cfg.Descriptor
	recs = source.FilterExcluded(recs, d.ExcludeField, d.Excluded)
	source.SortByDate(recs)

	if len(recs) == 0 {
		return outcome{status: model.BackfillCompleted}
	}

	size := e.cfg.BatchSize
	total := (len(recs) + size - 1) / size
	e.update(func(s *model.BackfillState) {
		s.Phase = model.PhaseUploading
		s.Total = total
		s.MessageCount = len(recs)
	})

	for i := 0; i < total; i++ {
		// checkpoint between batches
		if e.cancelled.Load() || ctx.Err() != nil {
			return outcome{status: model.BackfillCancelled}
		}

		page := i + 1
		chunk := recs[i*size : min((i+1)*size, len(recs))]
		n, err := e.upload(ctx, chunk)
		if err != nil {
			return outcome{status: model.BackfillError, err: err, failedPage: page}
		}
		e.update(func(s *model.BackfillState) {
			s.Current = page
			s.ItemsUploaded += n
		})
	}
	return outcome{status: model.BackfillCompleted}
}

func (e *Engine) upload(ctx context.Context, recs []model.Record) (int, error) {
	d := e.cfg.Descriptor
	enc, err := e.cfg.Pipeline.Encrypt(recs, d.Fields)
	if err != nil {
		return 0, fmt.Errorf("encrypt: %w", err)
	}
	return e.cfg.Uploader.Upload(ctx, model.UploadBatch{
		Path:      d.Path,
		BodyKey:   d.BodyKey,
		Records:   enc,
		ExtraBody: map[string]any{"source": e.cfg.Family, "backfill": true},
	}, 0)
}

// release wakes Wait callers once the run, including handle cleanup, is over.
func (e *Engine) release(done chan struct{}) {
	e.mu.Lock()
	if e.done == done {
		e.done = nil
	}
	e.mu.Unlock()
	close(done)
}

func (e *Engine) update(f func(*model.BackfillState)) {
	e.mu.Lock()
	f(&e.state)
	e.mu.Unlock()
}

func (e *Engine) finish(o outcome) {
	status, err, failedPage := o.status, o.err, o.failedPage
	e.mu.Lock()
	e.state.Status = status
	e.state.Phase = model.PhaseNone
	e.state.FailedPage = failedPage
	if err != nil {
		e.state.Error = err.Error()
	}
	e.state.FinishedAt = e.cfg.Clock.Now()
	snap := e.state
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("uploaded", snap.ItemsUploaded),
		zap.Int("batches", snap.Current),
		zap.Int("total", snap.Total),
	}
	switch {
	case status == model.BackfillError && errors.Is(err, errs.ErrNoEncryptionKey):
		e.log.Warn("backfill refused", zap.Error(err))
	case status == model.BackfillError:
		e.log.Error("backfill failed", append(fields, zap.Int("failed_page", failedPage), zap.Error(err))...)
	default:
		e.log.Info("backfill finished", fields...)
	}
}
