package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/harvester/internal/config"
	"github.com/and161185/harvester/internal/configstore"
	"github.com/and161185/harvester/internal/crypto/clientcrypto"
	"github.com/and161185/harvester/internal/model"
)

func writeNotes(t *testing.T, dir string, dates ...time.Time) string {
	t.Helper()
	var buf bytes.Buffer
	for i, d := range dates {
		fmt.Fprintf(&buf, `{"id":"n%d","date":%q,"title":"note %d","body":"secret body"}`+"\n", i+1, d.Format(time.RFC3339), i+1)
	}
	p := filepath.Join(dir, "notes.jsonl")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o600))
	return p
}

func baseConfig(dir, url, notesPath string) *config.Config {
	return &config.Config{
		Server:     config.Server{URL: url, Token: "tok"},
		Encryption: config.Encryption{Key: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{5}, 32))},
		Data:       config.Data{Dir: dir},
		Upload:     config.Upload{BatchSize: 100, Timeout: 5 * time.Second},
		Backfill:   config.Backfill{BatchSize: 50},
		Sources: config.Sources{
			Notes: config.NotesSource{FileSource: config.FileSource{Enabled: true, IntervalMinutes: 60, Path: notesPath}},
		},
	}
}

type countingUploader struct{ calls atomic.Int32 }

func (u *countingUploader) Upload(_ context.Context, b model.UploadBatch, _ int) (int, error) {
	u.calls.Add(1)
	return len(b.Records), nil
}

func TestRun_SyncsEnabledSourceAndStops(t *testing.T) {
	dir := t.TempDir()
	recent := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	notes := writeNotes(t, dir, recent.Add(-time.Minute), recent)

	bodies := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["path"] = r.URL.Path
		body["auth"] = r.Header.Get("Authorization")
		bodies <- body
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	st := configstore.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, baseConfig(dir, srv.URL, notes), zaptest.NewLogger(t), WithStore(st))
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var body map[string]any
	select {
	case body = <-bodies:
	case <-time.After(5 * time.Second):
		t.Fatal("no upload")
	}
	assert.Equal(t, "/api/notes", body["path"])
	assert.Equal(t, "Bearer tok", body["auth"])
	assert.Equal(t, a.DeviceID(), body["deviceId"])
	assert.Equal(t, "notes", body["source"])
	recs, _ := body["notes"].([]any)
	require.Len(t, recs, 2)
	first := recs[0].(map[string]any)
	assert.Equal(t, "n1", first["id"])
	assert.True(t, clientcrypto.IsCiphertext(first["body"].(string)))
	assert.Len(t, first["titleIndex"], 64)

	require.Eventually(t, func() bool {
		wm, err := configstore.Watermark(context.Background(), st, "notes")
		return err == nil && wm != nil && wm.Equal(recent)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	st0, err := a.Services().Get("notes")
	require.NoError(t, err)
	assert.False(t, st0.Status().IsRunning)
}

// slowUploader blocks inside the first batch until ctx is done, then finishes it.
type slowUploader struct{ entered chan struct{} }

func (u *slowUploader) Upload(ctx context.Context, b model.UploadBatch, _ int) (int, error) {
	close(u.entered)
	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	return len(b.Records), nil
}

func TestRun_WaitsForBackfillsBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "http://x", writeNotes(t, dir, time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour)))
	cfg.Sources.Notes.Enabled = false
	up := &slowUploader{entered: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfg, zaptest.NewLogger(t), WithStore(configstore.NewMemory()), WithUploader(up))
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	eng, err := a.Backfills().Get("notes")
	require.NoError(t, err)
	require.NoError(t, eng.Start(7))
	select {
	case <-up.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not reach upload")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	st := eng.Progress()
	assert.True(t, st.Status.Terminal(), "backfill still %s when Run returned", st.Status)
	assert.Equal(t, 2, st.ItemsUploaded)
}

func TestNew_NoKeyFailsClosed(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "http://127.0.0.1:1", writeNotes(t, dir, time.Now().Add(-time.Hour)))
	cfg.Encryption = config.Encryption{}
	up := &countingUploader{}

	a, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithStore(configstore.NewMemory()), WithUploader(up))
	require.NoError(t, err)

	svc, err := a.Services().Get("notes")
	require.NoError(t, err)
	res, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunError, res.State)
	assert.Contains(t, res.Message, "no encryption key")

	eng, err := a.Backfills().Get("notes")
	require.NoError(t, err)
	assert.Error(t, eng.Start(7))
	assert.EqualValues(t, 0, up.calls.Load())
}

func TestNew_SeedsStoreWithoutOverwriting(t *testing.T) {
	dir := t.TempDir()
	st := configstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, configstore.SetEnabled(ctx, st, "notes", false))

	_, err := New(ctx, baseConfig(dir, "http://x", writeNotes(t, dir)), zaptest.NewLogger(t),
		WithStore(st), WithUploader(&countingUploader{}))
	require.NoError(t, err)

	cfg, err := configstore.LoadSourceConfig(ctx, st, "notes")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled, "stored value wins over file")
	assert.EqualValues(t, 60, cfg.IntervalMinutes)
}

func TestNew_DeviceIDPersistsInSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(filepath.Join(dir, "data"), "http://x", writeNotes(t, dir))
	ctx := context.Background()

	a1, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	id := a1.DeviceID()
	require.NoError(t, a1.Close())

	a2, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a2.Close()
	assert.Equal(t, id, a2.DeviceID())
	assert.FileExists(t, cfg.ConfigStorePath())
}

func TestRun_ControlListenErrorStopsAgent(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "http://x", writeNotes(t, dir))
	cfg.Sources.Notes.Enabled = false
	cfg.Control.Addr = "256.0.0.1:bad"

	a, err := New(context.Background(), cfg, zaptest.NewLogger(t),
		WithStore(configstore.NewMemory()), WithUploader(&countingUploader{}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNew_RejectsBadSalt(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "http://x", "")
	cfg.Encryption = config.Encryption{Passphrase: "pw", Salt: "!!"}

	_, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithStore(configstore.NewMemory()))
	require.Error(t, err)
}
