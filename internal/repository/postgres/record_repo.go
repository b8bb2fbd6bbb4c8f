package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/harvester/internal/model"
)

// RecordRepo implements RecordRepository using PostgreSQL.
type RecordRepo struct{ db *DB }

// NewRecordRepo constructs a record repository.
func NewRecordRepo(db *DB) *RecordRepo { return &RecordRepo{db: db} }

const (
	upsertFresh = `
INSERT INTO records (kind, device_id, record_id, record_date, payload, status)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (kind, device_id, record_id)
DO UPDATE SET status = records.status || EXCLUDED.status, updated_at = now()`

	insertHistorical = `
INSERT INTO records (kind, device_id, record_id, record_date, payload, status)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (kind, device_id, record_id) DO NOTHING`
)

// UpsertBatch writes all records in one transaction.
func (r *RecordRepo) UpsertBatch(
	ctx context.Context, recs []model.StoredRecord, freshAfter time.Time,
) (res model.IngestResult, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.IngestResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	for i, rec := range recs {
		status := rec.Status
		if status == nil {
			status = map[string]any{}
		}
		fresh := !rec.Date.Before(freshAfter)
		q := insertHistorical
		if fresh {
			q = upsertFresh
		}
		tag, e := tx.Exec(ctx, q, rec.Kind, rec.DeviceID, rec.RecordID, rec.Date, rec.Payload, status)
		if e != nil {
			return model.IngestResult{}, fmt.Errorf("record[%d] %s: %w", i, rec.RecordID, e)
		}
		switch {
		case fresh:
			res.Upserted++
		case tag.RowsAffected() == 1:
			res.Inserted++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// Search matches one payload field exactly, which is how blind-index lookups work.
func (r *RecordRepo) Search(ctx context.Context, q model.SearchQuery) ([]model.StoredRecord, error) {
	const sel = `
SELECT kind, device_id, record_id, record_date, payload, status
FROM records
WHERE kind=$1 AND device_id=$2 AND payload @> jsonb_build_object($3::text, $4::text)
ORDER BY record_date DESC
LIMIT $5`
	rows, err := r.db.Pool.Query(ctx, sel, q.Kind, q.DeviceID, q.Field, q.Value, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StoredRecord
	for rows.Next() {
		var (
			rec             model.StoredRecord
			payload, status []byte
		)
		if err := rows.Scan(&rec.Kind, &rec.DeviceID, &rec.RecordID, &rec.Date, &payload, &status); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("record %s payload: %w", rec.RecordID, err)
		}
		if err := json.Unmarshal(status, &rec.Status); err != nil {
			return nil, fmt.Errorf("record %s status: %w", rec.RecordID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
