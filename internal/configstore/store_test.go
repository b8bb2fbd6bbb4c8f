package configstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.Set(ctx, "k", "v1"))
			require.NoError(t, st.Set(ctx, "k", "v2"))
			v, ok, err := st.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v2", v)
		})
	}
}

func TestSourceConfig_Roundtrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadSourceConfig(ctx, st, "notes")
			require.NoError(t, err)
			assert.False(t, cfg.Enabled)
			assert.EqualValues(t, DefaultIntervalMinutes, cfg.IntervalMinutes)
			assert.Nil(t, cfg.NextSyncAfter)

			next := time.Date(2026, 10, 17, 9, 30, 0, 123, time.UTC)
			require.NoError(t, SetEnabled(ctx, st, "notes", true))
			require.NoError(t, SetInterval(ctx, st, "notes", 5))
			require.NoError(t, SetNextSyncAfter(ctx, st, "notes", &next))

			cfg, err = LoadSourceConfig(ctx, st, "notes")
			require.NoError(t, err)
			assert.True(t, cfg.Enabled)
			assert.EqualValues(t, 5, cfg.IntervalMinutes)
			require.NotNil(t, cfg.NextSyncAfter)
			assert.True(t, next.Equal(*cfg.NextSyncAfter))

			require.NoError(t, SetNextSyncAfter(ctx, st, "notes", nil))
			cfg, err = LoadSourceConfig(ctx, st, "notes")
			require.NoError(t, err)
			assert.Nil(t, cfg.NextSyncAfter)
		})
	}
}

func TestLoadSourceConfig_Malformed(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	require.NoError(t, st.Set(ctx, "x.enabled", "maybe"))
	_, err := LoadSourceConfig(ctx, st, "x")
	require.Error(t, err)
}

func TestSeed_KeepsExistingValues(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	require.NoError(t, SetEnabled(ctx, st, "messages", false))

	require.NoError(t, Seed(ctx, st, "messages", true, 15))
	cfg, err := LoadSourceConfig(ctx, st, "messages")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled, "persisted value wins")
	assert.EqualValues(t, 15, cfg.IntervalMinutes)
}

func TestWatermark(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	w, err := Watermark(ctx, st, "contacts")
	require.NoError(t, err)
	assert.Nil(t, w)

	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	require.NoError(t, SetWatermark(ctx, st, "contacts", at))
	w, err = Watermark(ctx, st, "contacts")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.True(t, at.Equal(*w))
}

func TestDeviceID_GeneratedOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	id, err := DeviceID(ctx, st, "")
	require.NoError(t, err)
	u, err := uuid.FromString(id)
	require.NoError(t, err)
	assert.Equal(t, byte(4), u.Version())

	again, err := DeviceID(ctx, st, "other")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestDeviceID_Preferred(t *testing.T) {
	id, err := DeviceID(context.Background(), NewMemory(), "laptop-1")
	require.NoError(t, err)
	assert.Equal(t, "laptop-1", id)
}
