// Package agent assembles the sync agent from its configuration: one scheduler service,
// one backfill engine and optionally one file trigger per configured source, plus the
// local control API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"github.com/and161185/harvester/internal/backfill"
	"github.com/and161185/harvester/internal/clock"
	"github.com/and161185/harvester/internal/config"
	"github.com/and161185/harvester/internal/configstore"
	"github.com/and161185/harvester/internal/control"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/pipeline"
	"github.com/and161185/harvester/internal/scheduler"
	"github.com/and161185/harvester/internal/source"
	"github.com/and161185/harvester/internal/uploader"
	"github.com/and161185/harvester/internal/watch"
)

// DefaultShutdownGrace bounds how long Run waits for cancelled backfills to release
// their source handles.
const DefaultShutdownGrace = 30 * time.Second

// Option overrides a dependency New would otherwise build from the config.
type Option func(*deps)

type deps struct {
	store    configstore.Store
	uploader source.Uploader
	clock    clock.Clock
}

// WithStore uses st instead of opening the sqlite config store.
func WithStore(st configstore.Store) Option { return func(d *deps) { d.store = st } }

// WithUploader replaces the HTTP uploader.
func WithUploader(u source.Uploader) Option { return func(d *deps) { d.uploader = u } }

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(d *deps) { d.clock = c } }

// Agent is the running set of engines.
type Agent struct {
	cfg      *config.Config
	log      *zap.Logger
	store    configstore.Store
	closers  []func() error
	deviceID string

	services *scheduler.Registry
	fills    *backfill.Registry
	health   *health.Server
	triggers []*watch.FileTrigger

	shutdownGrace time.Duration
}

// New builds every component from cfg. Nothing is started until Run. ctx bounds
// timer-driven syncs and backfills for the agent's whole lifetime.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := deps{clock: clock.Real{}}
	for _, o := range opts {
		o(&d)
	}

	a := &Agent{
		cfg:      cfg,
		log:      log,
		services: scheduler.NewRegistry(),
		fills:    backfill.NewRegistry(),
		health:   health.NewServer(),

		shutdownGrace: DefaultShutdownGrace,
	}

	if d.store == nil {
		if err := os.MkdirAll(cfg.Data.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		st, err := configstore.OpenSQLite(ctx, cfg.ConfigStorePath())
		if err != nil {
			return nil, err
		}
		d.store = st
		a.closers = append(a.closers, st.Close)
	}
	a.store = d.store

	id, err := configstore.DeviceID(ctx, a.store, cfg.Device.ID)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("device id: %w", err)
	}
	a.deviceID = id

	key, err := cfg.Encryption.MasterKey()
	switch {
	case errors.Is(err, errs.ErrNoEncryptionKey):
		log.Warn("no encryption key configured, syncs and backfills will fail until one is set")
	case err != nil:
		_ = a.Close()
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	pipe := pipeline.New(key)

	if d.uploader == nil {
		d.uploader = uploader.New(uploader.Config{
			BaseURL:  cfg.Server.URL,
			Token:    cfg.Server.Token,
			DeviceID: id,
			Timeout:  cfg.Upload.Timeout,
		}, log)
	}

	for _, s := range cfg.Sources.Settings() {
		if err := a.addSource(ctx, s, pipe, d); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) addSource(ctx context.Context, s source.Settings, pipe *pipeline.Pipeline, d deps) error {
	name := string(s.Kind())
	sched := s.Schedule()
	if err := configstore.Seed(ctx, a.store, name, sched.Enabled, sched.IntervalMinutes); err != nil {
		return fmt.Errorf("seed %s: %w", name, err)
	}

	desc := source.Describe(s)
	job, err := source.NewJob(source.JobConfig{
		Name:       name,
		Descriptor: desc,
		Open:       source.NewOpener(s),
		Store:      a.store,
		Pipeline:   pipe,
		Uploader:   d.uploader,
		BatchSize:  a.cfg.Upload.BatchSize,
		Clock:      d.clock,
		Log:        a.log,
	})
	if err != nil {
		return err
	}
	svc := scheduler.New(name, job.Sync, a.store,
		scheduler.WithClock(d.clock),
		scheduler.WithLogger(a.log),
		scheduler.WithTeardown(job.Close),
		scheduler.WithBaseContext(ctx),
		scheduler.WithResultHook(control.ResultHook(a.health)),
	)
	if err := a.services.Add(svc); err != nil {
		return err
	}

	// backfill reads through its own handle
	eng := backfill.New(backfill.Config{
		Family:      name,
		Descriptor:  desc,
		Open:        source.NewOpener(s),
		Pipeline:    pipe,
		Uploader:    d.uploader,
		BatchSize:   a.cfg.Backfill.BatchSize,
		Clock:       d.clock,
		Log:         a.log,
		BaseContext: ctx,
	})
	if err := a.fills.Add(eng); err != nil {
		return err
	}

	if n, ok := s.(*source.NotesSettings); ok && n.Watch {
		a.triggers = append(a.triggers, watch.NewFileTrigger(n.Path, svc, a.log))
	}
	a.log.Info("source configured",
		zap.String("source", name),
		zap.Bool("enabled", sched.Enabled),
		zap.Uint("intervalMinutes", sched.IntervalMinutes),
	)
	return nil
}

// DeviceID returns the persisted device identifier.
func (a *Agent) DeviceID() string { return a.deviceID }

// Services returns the scheduler registry.
func (a *Agent) Services() *scheduler.Registry { return a.services }

// Backfills returns the backfill registry.
func (a *Agent) Backfills() *backfill.Registry { return a.fills }

// Run starts every enabled source, the file triggers and the control API, and blocks
// until ctx is done or the control API fails. Services are stopped and backfills
// cancelled and waited for, up to the shutdown grace, before it returns.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Control.Addr; addr != "" {
		ctl := control.New(a.services, a.fills, a.health, a.log)
		g.Go(func() error { return ctl.Serve(gctx, addr) })
	}
	g.Go(func() error {
		if err := a.services.StartAll(gctx); err != nil {
			a.log.Error("start sources", zap.Error(err))
		}
		return nil
	})
	for _, tr := range a.triggers {
		g.Go(func() error {
			if err := tr.Run(gctx); err != nil {
				a.log.Warn("file trigger stopped", zap.Error(err))
			}
			return nil
		})
	}

	<-gctx.Done()
	a.fills.CancelAll()
	stopErr := a.services.StopAll()
	err := g.Wait()
	if stopErr != nil {
		a.log.Warn("stop sources", zap.Error(stopErr))
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace)
	defer cancel()
	if werr := a.fills.WaitAll(waitCtx); werr != nil {
		a.log.Warn("backfills still running at shutdown", zap.Error(werr))
	}
	a.log.Info("agent stopped")
	return err
}

// Close releases the config store. Call after Run returns.
func (a *Agent) Close() error {
	var errsOut []error
	for _, c := range a.closers {
		errsOut = append(errsOut, c())
	}
	a.closers = nil
	return errors.Join(errsOut...)
}
