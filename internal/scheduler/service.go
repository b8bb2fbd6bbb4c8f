// Package scheduler turns a source's sync function into a self-rescheduling job with
// persisted resumption, manual triggering and enable/disable control.
//
// State per Service: Stopped -> (Start, enabled) -> Waiting -> (timer) -> Running -> Waiting.
// Stop is valid from any state; an in-flight sync is allowed to finish.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/clock"
	"github.com/and161185/harvester/internal/configstore"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
	"github.com/and161185/harvester/internal/uploader"
)

// SyncFunc performs one incremental export for a source.
type SyncFunc func(ctx context.Context) error

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithTeardown registers a hook run when the service stops, e.g. closing a held handle.
func WithTeardown(f func() error) Option { return func(s *Service) { s.teardown = f } }

// WithBaseContext sets the context for timer-driven runs. Cancelling it aborts
// in-flight syncs on shutdown.
func WithBaseContext(ctx context.Context) Option { return func(s *Service) { s.ctx = ctx } }

// WithResultHook registers a callback invoked after every sync.
func WithResultHook(f func(name string, r model.JobRunResult)) Option {
	return func(s *Service) { s.onResult = f }
}

// Service is the per-source scheduler handle. Exactly one exists per source.
type Service struct {
	name     string
	sync     SyncFunc
	store    configstore.Store
	clock    clock.Clock
	log      *zap.Logger
	teardown func() error
	onResult func(string, model.JobRunResult)

	mu              sync.Mutex
	running         bool
	enabled         bool
	syncing         bool
	pendingTeardown bool
	interval        time.Duration
	timer           clock.Timer
	nextRun         *time.Time
	last            model.JobRunResult
	gen             uint64          // bumped on Start/Stop; stale timers compare against it
	ctx             context.Context // timer-driven runs
}

// New constructs a stopped Service for source name.
func New(name string, fn SyncFunc, st configstore.Store, opts ...Option) *Service {
	s := &Service{
		name:     name,
		sync:     fn,
		store:    st,
		clock:    clock.Real{},
		log:      zap.NewNop(),
		interval: configstore.DefaultIntervalMinutes * time.Minute,
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.With(zap.String("source", name))
	return s
}

// Name returns the source name.
func (s *Service) Name() string { return s.name }

// Start arms the schedule. It is a no-op when already running or when the source is
// disabled. A persisted nextSyncAfter in the future is resumed exactly; otherwise a
// sync runs immediately on the caller's goroutine and the next run is scheduled one
// interval after it completes.
func (s *Service) Start(ctx context.Context) error {
	cfg, err := configstore.LoadSourceConfig(ctx, s.store, s.name)
	if err != nil {
		return fmt.Errorf("load %s config: %w", s.name, err)
	}

	s.mu.Lock()
	s.enabled = cfg.Enabled
	s.interval = cfg.Interval()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("source disabled, not scheduling")
		return nil
	}
	s.running = true
	s.pendingTeardown = false
	s.gen++
	g := s.gen

	now := s.clock.Now()
	if next := cfg.NextSyncAfter; next != nil && next.After(now) {
		s.armLocked(g, next.Sub(now), *next)
		s.mu.Unlock()
		s.log.Info("resuming schedule", zap.Time("next_run", *next))
		return nil
	}
	if s.syncing {
		// a run in flight counts as the immediate run and arms on completion
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	s.mu.Unlock()

	s.execute(ctx)
	s.rearm(ctx)
	return nil
}

// Stop cancels the armed timer and runs the teardown hook. Idempotent. The persisted
// nextSyncAfter is kept so the next Start resumes the same schedule.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextRun = nil
	if s.syncing {
		s.pendingTeardown = true
		s.mu.Unlock()
		s.log.Info("stopped, teardown deferred until sync returns")
		return nil
	}
	s.mu.Unlock()

	s.log.Info("stopped")
	return s.runTeardown()
}

// Restart is Stop followed by Start.
func (s *Service) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// RunNow runs sync out of band. It fails with errs.ErrDisabled for a disabled source and
// errs.ErrSyncInProgress while another run is in flight. When the schedule is armed it
// is reset to a full interval from completion.
func (s *Service) RunNow(ctx context.Context) (model.JobRunResult, error) {
	cfg, err := configstore.LoadSourceConfig(ctx, s.store, s.name)
	if err != nil {
		return model.JobRunResult{}, fmt.Errorf("load %s config: %w", s.name, err)
	}

	s.mu.Lock()
	s.enabled = cfg.Enabled
	s.interval = cfg.Interval()
	if !cfg.Enabled {
		s.mu.Unlock()
		return model.JobRunResult{}, errs.ErrDisabled
	}
	if s.syncing {
		s.mu.Unlock()
		return model.JobRunResult{}, errs.ErrSyncInProgress
	}
	s.syncing = true
	base := s.ctx
	s.mu.Unlock()

	res := s.execute(ctx)
	s.rearm(base)
	return res, nil
}

// SetEnabled persists the enabled flag and starts or stops the service accordingly.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	if err := configstore.SetEnabled(ctx, s.store, s.name, enabled); err != nil {
		return err
	}
	if enabled {
		return s.Start(ctx)
	}
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	return s.Stop()
}

// Status returns a read-only snapshot.
func (s *Service) Status() model.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.ServiceStatus{
		Name:           s.name,
		IsRunning:      s.running,
		IsEnabled:      s.enabled,
		Syncing:        s.syncing,
		LastSyncStatus: s.last,
	}
	if s.nextRun != nil {
		next := *s.nextRun
		st.NextRunTime = &next
		st.TimeUntilNextRun = max(next.Sub(s.clock.Now()), 0)
	}
	return st
}

// fire is the timer callback for generation g.
func (s *Service) fire(g uint64) {
	s.mu.Lock()
	if !s.running || s.gen != g {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.nextRun = nil
	if s.syncing {
		// the run holding the slot re-arms when it returns
		s.mu.Unlock()
		return
	}
	s.syncing = true
	ctx := s.ctx
	s.mu.Unlock()

	s.execute(ctx)
	s.rearm(ctx)
}

// rearm schedules the next run one interval from the completion of the run that just
// returned. It targets the current generation, so a Stop and Start during the run
// still get armed here.
func (s *Service) rearm(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.nextRun = nil
	}
	g := s.gen
	s.mu.Unlock()

	s.scheduleNext(ctx, g)
}

// scheduleNext persists nextSyncAfter and then arms the timer one interval from now.
func (s *Service) scheduleNext(ctx context.Context, g uint64) {
	cfg, err := configstore.LoadSourceConfig(ctx, s.store, s.name)

	s.mu.Lock()
	if err == nil {
		s.interval = cfg.Interval()
		s.enabled = cfg.Enabled
	}
	interval := s.interval
	live := s.running && s.gen == g
	s.mu.Unlock()
	if !live {
		return
	}

	switch {
	case err != nil:
		s.log.Warn("reload config failed, keeping previous interval", zap.Error(err))
	case !cfg.Enabled:
		s.log.Info("source disabled during run, stopping")
		if err := s.Stop(); err != nil {
			s.log.Warn("teardown failed", zap.Error(err))
		}
		return
	}

	next := s.clock.Now().Add(interval)
	if err := configstore.SetNextSyncAfter(ctx, s.store, s.name, &next); err != nil {
		s.log.Warn("persist next sync time failed", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != g || s.timer != nil {
		return
	}
	s.armLocked(g, interval, next)
}

func (s *Service) armLocked(g uint64, d time.Duration, at time.Time) {
	s.nextRun = &at
	s.timer = s.clock.AfterFunc(d, func() { s.fire(g) })
}

// execute runs sync with the syncing slot already held and releases it.
func (s *Service) execute(ctx context.Context) model.JobRunResult {
	start := s.clock.Now()
	err := s.safeSync(ctx)
	end := s.clock.Now()

	var res model.JobRunResult
	switch {
	case err == nil:
		res = model.Success(end)
		s.log.Info("sync completed", zap.Duration("took", end.Sub(start)))
	case uploader.IsConnRefused(err):
		res = model.Failure(end, err)
		s.log.Warn("server unreachable, will retry next interval")
	default:
		res = model.Failure(end, err)
		s.log.Error("sync failed", zap.Error(err))
	}

	s.mu.Lock()
	s.last = res
	s.syncing = false
	teardown := s.pendingTeardown && !s.running
	s.pendingTeardown = false
	s.mu.Unlock()

	if teardown {
		if err := s.runTeardown(); err != nil {
			s.log.Warn("teardown failed", zap.Error(err))
		}
	}
	if s.onResult != nil {
		s.onResult(s.name, res)
	}
	return res
}

func (s *Service) safeSync(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panic: %v", r)
		}
	}()
	return s.sync(ctx)
}

func (s *Service) runTeardown() error {
	if s.teardown == nil {
		return nil
	}
	return s.teardown()
}
