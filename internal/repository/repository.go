// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/harvester/internal/model"
)

// RecordRepository stores ingested records.
type RecordRepository interface {
	// UpsertBatch writes recs atomically. Records dated at or after freshAfter refresh
	// their status on conflict; older records are inserted only when absent.
	UpsertBatch(ctx context.Context, recs []model.StoredRecord, freshAfter time.Time) (model.IngestResult, error)
	// Search returns records whose payload field equals value, newest first.
	Search(ctx context.Context, q model.SearchQuery) ([]model.StoredRecord, error)
}

// DeviceRepository tracks known devices.
type DeviceRepository interface {
	// Touch records a sync from deviceID at time at, registering the device on first sight.
	Touch(ctx context.Context, deviceID string, at time.Time) error
}
