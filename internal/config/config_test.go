package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/harvester/internal/crypto"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/source"
)

const sample = `
server:
  url: https://store.example.com
  token: abc
upload:
  batch_size: 25
  timeout: 10s
sources:
  messages:
    enabled: true
    interval_minutes: 5
    db_path: /data/chat.db
    excluded_chats: [family, work]
  notes:
    enabled: true
    path: /data/notes.jsonl
    watch: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "https://store.example.com", c.Server.URL)
	assert.Equal(t, 25, c.Upload.BatchSize)
	assert.Equal(t, 10*time.Second, c.Upload.Timeout)
	assert.Equal(t, 50, c.Backfill.BatchSize)
	assert.Equal(t, "127.0.0.1:7465", c.Control.Addr)
	assert.Equal(t, "info", c.Log.Level)
	require.NoError(t, c.Validate())

	want := []source.Settings{
		&source.MessagesSettings{
			Common:        source.Common{Enabled: true, IntervalMinutes: 5},
			DBPath:        "/data/chat.db",
			ExcludedChats: []string{"family", "work"},
		},
		&source.NotesSettings{
			Common: source.Common{Enabled: true, IntervalMinutes: 60},
			Path:   "/data/notes.jsonl",
			Watch:  true,
		},
	}
	if diff := cmp.Diff(want, c.Sources.Settings()); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("HARVESTER_SERVER_URL", "http://localhost:8080")
	t.Setenv("HARVESTER_UPLOAD_BATCH_SIZE", "7")
	t.Setenv("HARVESTER_SOURCES_MESSAGES_ENABLED", "false")

	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.Server.URL)
	assert.Equal(t, 7, c.Upload.BatchSize)
	assert.False(t, c.Sources.Messages.Enabled)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := &Config{Backfill: Backfill{BatchSize: 0}, Encryption: Encryption{Key: "k", Passphrase: "p"}}
	err := c.Validate()
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Contains(t, err.Error(), "server.url")
	assert.Contains(t, err.Error(), "not both")
}

func TestMasterKey(t *testing.T) {
	key := bytes.Repeat([]byte{5}, crypto.KeyLen)
	got, err := Encryption{Key: crypto.EncodeKey(key)}.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	salt := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
	a, err := Encryption{Passphrase: "correct horse", Salt: salt}.MasterKey()
	require.NoError(t, err)
	b, err := Encryption{Passphrase: "correct horse", Salt: salt}.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, crypto.KeyLen)

	_, err = Encryption{Passphrase: "x", Salt: "short"}.MasterKey()
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = Encryption{}.MasterKey()
	require.ErrorIs(t, err, errs.ErrNoEncryptionKey)
}
