// Package service contains the ingest server's application services: record ingestion
// and device token authentication.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
	"github.com/and161185/harvester/internal/repository"
)

// FreshWindow bounds the records whose status is refreshed on re-upload.
const FreshWindow = 60 * 24 * time.Hour

// Search limits.
const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

// statusFields are the mutable flags kept apart from the immutable payload.
var statusFields = []string{"isRead", "isDelivered", "isPinned"}

var kinds = map[string]bool{"messages": true, "contacts": true, "notes": true}

// IngestService stores uploaded batches and answers blind-index searches.
type IngestService interface {
	// Ingest validates and stores one uploaded batch of kind from deviceID.
	Ingest(ctx context.Context, kind, deviceID string, records []map[string]any) (model.IngestResult, error)
	// Search looks up records by an exact index value.
	Search(ctx context.Context, q model.SearchQuery) ([]model.StoredRecord, error)
}

type IngestServiceImpl struct {
	records  repository.RecordRepository
	devices  repository.DeviceRepository
	maxBatch int
	now      func() time.Time
}

// NewIngestService constructs IngestService with batch limits.
func NewIngestService(records repository.RecordRepository, devices repository.DeviceRepository, maxBatch int) *IngestServiceImpl {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &IngestServiceImpl{records: records, devices: devices, maxBatch: maxBatch, now: time.Now}
}

// Ingest splits each record into id, date, immutable payload and mutable status, then
// stores the batch in one transaction and marks the device as synced.
// Validation rules:
// - kind is one of messages, contacts, notes
// - deviceID not empty, batch within maxBatch
// - each record has a non-empty string id and an RFC 3339 date
func (s *IngestServiceImpl) Ingest(ctx context.Context, kind, deviceID string, records []map[string]any) (model.IngestResult, error) {
	if !kinds[kind] {
		return model.IngestResult{}, fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, kind)
	}
	if deviceID == "" {
		return model.IngestResult{}, fmt.Errorf("%w: empty device id", errs.ErrValidation)
	}
	if len(records) == 0 {
		return model.IngestResult{}, nil
	}
	if len(records) > s.maxBatch {
		return model.IngestResult{}, fmt.Errorf("%w: batch too large (%d > %d)", errs.ErrValidation, len(records), s.maxBatch)
	}

	out := make([]model.StoredRecord, 0, len(records))
	for i, raw := range records {
		rec, err := split(kind, deviceID, raw)
		if err != nil {
			return model.IngestResult{}, fmt.Errorf("%w: record[%d]: %v", errs.ErrValidation, i, err)
		}
		out = append(out, rec)
	}

	now := s.now()
	res, err := s.records.UpsertBatch(ctx, out, now.Add(-FreshWindow))
	if err != nil {
		return model.IngestResult{}, err
	}
	if err := s.devices.Touch(ctx, deviceID, now); err != nil {
		return model.IngestResult{}, fmt.Errorf("touch device: %w", err)
	}
	return res, nil
}

func split(kind, deviceID string, raw map[string]any) (model.StoredRecord, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return model.StoredRecord{}, fmt.Errorf("missing id")
	}
	ds, _ := raw["date"].(string)
	date, err := time.Parse(time.RFC3339Nano, ds)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("record %s: bad date %q", id, ds)
	}

	rec := model.StoredRecord{
		Kind:     kind,
		DeviceID: deviceID,
		RecordID: id,
		Date:     date.UTC(),
		Payload:  make(map[string]any, len(raw)),
		Status:   map[string]any{},
	}
	for k, v := range raw {
		if k == "id" || k == "date" {
			continue
		}
		rec.Payload[k] = v
	}
	for _, f := range statusFields {
		if v, ok := rec.Payload[f]; ok {
			rec.Status[f] = v
			delete(rec.Payload, f)
		}
	}
	return rec, nil
}

// Search only accepts *Index fields so plaintext-derived columns cannot be queried.
func (s *IngestServiceImpl) Search(ctx context.Context, q model.SearchQuery) ([]model.StoredRecord, error) {
	switch {
	case !kinds[q.Kind]:
		return nil, fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, q.Kind)
	case q.DeviceID == "":
		return nil, fmt.Errorf("%w: empty device id", errs.ErrValidation)
	case !strings.HasSuffix(q.Field, "Index") || q.Field == "Index":
		return nil, fmt.Errorf("%w: %q is not an index field", errs.ErrValidation, q.Field)
	case q.Value == "":
		return nil, fmt.Errorf("%w: empty value", errs.ErrValidation)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultSearchLimit
	}
	q.Limit = min(q.Limit, MaxSearchLimit)
	return s.records.Search(ctx, q)
}
