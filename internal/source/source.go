// Package source defines the adapter contract both engines consume, the concrete
// adapters for each source kind and the incremental sync job.
package source

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/and161185/harvester/internal/model"
)

// FetchOptions narrows an adapter fetch.
type FetchOptions struct {
	Limit int // 0 means no limit
}

// Adapter reads records from one local data source.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string
	// Fetch returns records dated after since. Order is adapter-defined.
	Fetch(ctx context.Context, since time.Time, opts FetchOptions) ([]model.Record, error)
	// Close releases any held handle.
	Close() error
}

// Page is one cursor step of a BatchFetcher.
type Page struct {
	Records    []model.Record
	NextCursor string // empty when exhausted
}

// BatchFetcher is implemented by adapters that support cursor-based export.
// Records within and across pages are ascending by date.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, since time.Time, limit int, cursor string) (Page, error)
}

// Opener opens a fresh adapter handle.
type Opener func(ctx context.Context) (Adapter, error)

// Uploader submits encrypted batches; satisfied by *uploader.Client.
type Uploader interface {
	Upload(ctx context.Context, batch model.UploadBatch, batchSize int) (int, error)
}

// FilterExcluded drops records whose field value is one of ids. It returns a new slice.
func FilterExcluded(records []model.Record, field string, ids []string) []model.Record {
	if field == "" || len(ids) == 0 {
		return records
	}
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		if v, ok := r.Fields[field].(string); ok && slices.Contains(ids, v) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortByDate orders records oldest first; ties break on ID.
func SortByDate(records []model.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date.Equal(records[j].Date) {
			return records[i].ID < records[j].ID
		}
		return records[i].Date.Before(records[j].Date)
	})
}

// MaxDate returns the newest record date, or the zero time for no records.
func MaxDate(records []model.Record) time.Time {
	var newest time.Time
	for _, r := range records {
		if r.Date.After(newest) {
			newest = r.Date
		}
	}
	return newest
}
