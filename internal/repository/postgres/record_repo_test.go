package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/harvester/internal/model"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func stored(id string, date time.Time, status map[string]any) model.StoredRecord {
	return model.StoredRecord{
		Kind:     "messages",
		DeviceID: "dev-1",
		RecordID: id,
		Date:     date,
		Payload:  map[string]any{"text": "enc:v1:AAAA", "senderIndex": "ab12"},
		Status:   status,
	}
}

func TestRecordRepo_UpsertBatch_FreshAndHistorical(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRecordRepo(db)
	cutoff := now.Add(-60 * 24 * time.Hour)

	fresh := stored("m1", now.Add(-time.Hour), map[string]any{"isRead": true})
	oldNew := stored("m2", cutoff.Add(-time.Hour), nil)
	oldDup := stored("m3", cutoff.Add(-2*time.Hour), nil)

	mock.ExpectBegin()
	mock.ExpectExec(`DO UPDATE SET status = records\.status`).
		WithArgs("messages", "dev-1", "m1", fresh.Date, fresh.Payload, fresh.Status).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`ON CONFLICT \(kind, device_id, record_id\) DO NOTHING`).
		WithArgs("messages", "dev-1", "m2", oldNew.Date, oldNew.Payload, map[string]any{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`ON CONFLICT \(kind, device_id, record_id\) DO NOTHING`).
		WithArgs("messages", "dev-1", "m3", oldDup.Date, oldDup.Payload, map[string]any{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	res, err := r.UpsertBatch(context.Background(), []model.StoredRecord{fresh, oldNew, oldDup}, cutoff)
	require.NoError(t, err)
	require.Equal(t, model.IngestResult{Upserted: 1, Inserted: 1, Skipped: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepo_UpsertBatch_CutoffIsInclusive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRecordRepo(db)
	cutoff := now.Add(-60 * 24 * time.Hour)
	rec := stored("m1", cutoff, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`DO UPDATE SET status`).
		WithArgs("messages", "dev-1", "m1", cutoff, rec.Payload, map[string]any{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := r.UpsertBatch(context.Background(), []model.StoredRecord{rec}, cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, res.Upserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepo_UpsertBatch_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRecordRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO records`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := r.UpsertBatch(context.Background(), []model.StoredRecord{stored("m1", now, nil)}, now.Add(-time.Hour))
	require.ErrorContains(t, err, "record[0] m1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepo_Search(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRecordRepo(db)

	q := model.SearchQuery{Kind: "contacts", DeviceID: "dev-1", Field: "phoneIndex", Value: "ab12", Limit: 10}
	mock.ExpectQuery(`payload @> jsonb_build_object\(\$3::text, \$4::text\)`).
		WithArgs("contacts", "dev-1", "phoneIndex", "ab12", 10).
		WillReturnRows(pgxmock.NewRows([]string{"kind", "device_id", "record_id", "record_date", "payload", "status"}).
			AddRow("contacts", "dev-1", "c1", now, []byte(`{"phoneIndex":"ab12","name":"enc:v1:x"}`), []byte(`{}`)))

	got, err := r.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].RecordID)
	require.Equal(t, "enc:v1:x", got[0].Payload["name"])
	require.Empty(t, got[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepo_Search_BadPayload(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRecordRepo(db)

	mock.ExpectQuery(`SELECT kind, device_id, record_id`).
		WillReturnRows(pgxmock.NewRows([]string{"kind", "device_id", "record_id", "record_date", "payload", "status"}).
			AddRow("notes", "dev-1", "n1", now, []byte(`not json`), []byte(`{}`)))

	_, err := r.Search(context.Background(), model.SearchQuery{Kind: "notes", DeviceID: "dev-1", Field: "titleIndex", Value: "x", Limit: 1})
	require.ErrorContains(t, err, "record n1 payload")
}

func TestDeviceRepo_Touch(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs("dev-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Touch(context.Background(), "dev-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}
