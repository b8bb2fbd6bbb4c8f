package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/clock"
	"github.com/and161185/harvester/internal/configstore"
	"github.com/and161185/harvester/internal/model"
	"github.com/and161185/harvester/internal/pipeline"
)

// DefaultLookback bounds the first export of a source with no watermark.
const DefaultLookback = 7 * 24 * time.Hour

const defaultPageSize = 500

// JobConfig wires a Job.
type JobConfig struct {
	Name       string
	Descriptor Descriptor
	Open       Opener
	Store      configstore.Store
	Pipeline   *pipeline.Pipeline
	Uploader   Uploader
	BatchSize  int           // records per upload request, 0 for one request
	Lookback   time.Duration // first-run window, DefaultLookback when 0
	Clock      clock.Clock
	Log        *zap.Logger
}

// Job is the incremental export for one source: fetch since the watermark, encrypt,
// upload, then advance the watermark. It owns one adapter handle, opened on first use
// and held until Close.
type Job struct {
	cfg JobConfig
	log *zap.Logger

	mu     sync.Mutex
	handle Adapter
}

// NewJob validates cfg and returns a Job.
func NewJob(cfg JobConfig) (*Job, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("job: empty name")
	case cfg.Open == nil, cfg.Store == nil, cfg.Uploader == nil:
		return nil, fmt.Errorf("job %s: opener, store and uploader are required", cfg.Name)
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{cfg: cfg, log: log.With(zap.String("source", cfg.Name))}, nil
}

// Sync runs one export. A missing encryption key fails before any read.
func (j *Job) Sync(ctx context.Context) error {
	if err := j.cfg.Pipeline.Ready(); err != nil {
		return err
	}
	h, err := j.open(ctx)
	if err != nil {
		return err
	}

	wm, err := configstore.Watermark(ctx, j.cfg.Store, j.cfg.Name)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	since := j.cfg.Clock.Now().Add(-j.cfg.Lookback)
	if wm != nil {
		since = *wm
	}

	var (
		newest time.Time
		n      int
	)
	if bf, ok := h.(BatchFetcher); ok {
		newest, n, err = j.syncPaged(ctx, bf, since)
	} else {
		newest, n, err = j.syncAll(ctx, h, since)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		j.log.Debug("nothing new", zap.Time("since", since))
		return nil
	}

	if err := configstore.SetWatermark(ctx, j.cfg.Store, j.cfg.Name, newest); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	j.log.Info("exported", zap.Int("records", n), zap.Time("watermark", newest))
	return nil
}

func (j *Job) syncAll(ctx context.Context, h Adapter, since time.Time) (time.Time, int, error) {
	recs, err := h.Fetch(ctx, since, FetchOptions{})
	if err != nil {
		j.reset()
		return time.Time{}, 0, fmt.Errorf("fetch %s: %w", h.Name(), err)
	}
	recs = j.prepare(recs, since)
	if len(recs) == 0 {
		return time.Time{}, 0, nil
	}
	n, err := j.push(ctx, recs, j.cfg.BatchSize)
	if err != nil {
		return time.Time{}, n, err
	}
	return MaxDate(recs), n, nil
}

func (j *Job) syncPaged(ctx context.Context, bf BatchFetcher, since time.Time) (time.Time, int, error) {
	limit := j.cfg.BatchSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	var (
		newest time.Time
		total  int
		cursor string
	)
	for {
		page, err := bf.FetchBatch(ctx, since, limit, cursor)
		if err != nil {
			j.reset()
			return time.Time{}, total, fmt.Errorf("fetch page: %w", err)
		}
		recs := j.prepare(page.Records, since)
		if len(recs) > 0 {
			n, err := j.push(ctx, recs, 0)
			total += n
			if err != nil {
				return time.Time{}, total, err
			}
			if d := MaxDate(recs); d.After(newest) {
				newest = d
			}
		}
		if page.NextCursor == "" {
			return newest, total, nil
		}
		cursor = page.NextCursor
	}
}

// prepare drops excluded and already-exported records and sorts the rest oldest first.
func (j *Job) prepare(recs []model.Record, since time.Time) []model.Record {
	d := j.cfg.Descriptor
	recs = FilterExcluded(recs, d.ExcludeField, d.Excluded)
	out := make([]model.Record, 0, len(recs))
	for _, r := range recs {
		if r.Date.After(since) {
			out = append(out, r)
		}
	}
	SortByDate(out)
	return out
}

func (j *Job) push(ctx context.Context, recs []model.Record, batchSize int) (int, error) {
	d := j.cfg.Descriptor
	enc, err := j.cfg.Pipeline.Encrypt(recs, d.Fields)
	if err != nil {
		return 0, fmt.Errorf("encrypt: %w", err)
	}
	return j.cfg.Uploader.Upload(ctx, model.UploadBatch{
		Path:      d.Path,
		BodyKey:   d.BodyKey,
		Records:   enc,
		ExtraBody: map[string]any{"source": j.cfg.Name},
	}, batchSize)
}

func (j *Job) open(ctx context.Context) (Adapter, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.handle != nil {
		return j.handle, nil
	}
	h, err := j.cfg.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", j.cfg.Name, err)
	}
	j.handle = h
	return h, nil
}

// reset drops a handle that failed so the next run reopens it.
func (j *Job) reset() {
	if err := j.Close(); err != nil {
		j.log.Warn("close failed handle", zap.Error(err))
	}
}

// Close releases the held adapter handle. It is the scheduler teardown hook.
func (j *Job) Close() error {
	j.mu.Lock()
	h := j.handle
	j.handle = nil
	j.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}
