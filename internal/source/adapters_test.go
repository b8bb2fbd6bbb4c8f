package source

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMessageStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE messages (
		id TEXT PRIMARY KEY, chat_id TEXT, sender TEXT, text TEXT, date_ms INTEGER,
		is_read INTEGER, is_delivered INTEGER, attachments TEXT)`)
	require.NoError(t, err)

	base := now.Add(-time.Hour).UnixMilli()
	rows := []struct {
		id  string
		ms  int64
		att any
	}{
		{"a", base, `["IMG_1.jpg","IMG_2.jpg"]`},
		{"b", base + 1000, nil},
		{"c", base + 1000, nil},
		{"d", base + 2000, ""},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO messages VALUES (?, 'chat-1', '+15550001111', 'hello', ?, 1, 0, ?)`, r.id, r.ms, r.att)
		require.NoError(t, err)
	}
	return path
}

func TestSQLiteMessages_Fetch(t *testing.T) {
	ctx := context.Background()
	ad, err := OpenSQLiteMessages(ctx, seedMessageStore(t))
	require.NoError(t, err)
	defer ad.Close()

	recs, err := ad.Fetch(ctx, now.Add(-2*time.Hour), FetchOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "d", recs[0].ID, "newest first")

	last := recs[3]
	assert.Equal(t, "a", last.ID)
	assert.Equal(t, []string{"IMG_1.jpg", "IMG_2.jpg"}, last.Fields["attachments"])
	assert.Equal(t, true, last.Fields["isRead"])
	assert.Equal(t, "chat-1", last.Fields["chatId"])
	assert.True(t, now.Add(-time.Hour).Equal(last.Date))

	recs, err = ad.Fetch(ctx, now.Add(-time.Hour), FetchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d", recs[0].ID)
}

func TestSQLiteMessages_FetchBatchPages(t *testing.T) {
	ctx := context.Background()
	ad, err := OpenSQLiteMessages(ctx, seedMessageStore(t))
	require.NoError(t, err)
	defer ad.Close()

	var ids []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		p, err := ad.FetchBatch(ctx, now.Add(-2*time.Hour), 2, cursor)
		require.NoError(t, err)
		for _, r := range p.Records {
			ids = append(ids, r.ID)
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids, "ties on date break by id without loss")

	_, err = ad.FetchBatch(ctx, now, 2, "garbage")
	require.Error(t, err)
}

func TestMessageStoreDSN(t *testing.T) {
	q := url.Values{}
	q.Set("mode", "ro")
	tests := []struct {
		name string
		path string
		want string
	}{
		{"plain", "/data/chat.db", "file:/data/chat.db?mode=ro"},
		{"query char", "/data/a?b.db", "file:/data/a%3Fb.db?mode=ro"},
		{"fragment char", "/data/a#b.db", "file:/data/a%23b.db?mode=ro"},
		{"percent", "/data/100%.db", "file:/data/100%25.db?mode=ro"},
		{"space", "/data/my chat.db", "file:/data/my%20chat.db?mode=ro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messageStoreDSN(tt.path, q))
		})
	}
}

func TestSQLiteMessages_PathWithURIChars(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "store?v=1#x%41")
	require.NoError(t, os.Mkdir(dir, 0o700))
	path := filepath.Join(dir, "chat.db")
	require.NoError(t, os.Rename(seedMessageStore(t), path))

	ad, err := OpenSQLiteMessages(ctx, path)
	require.NoError(t, err)
	defer ad.Close()

	recs, err := ad.Fetch(ctx, now.Add(-2*time.Hour), FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "store"))
	assert.True(t, os.IsNotExist(err), "no stray database at the truncated path")
}

func TestSQLiteMessages_IsReadOnly(t *testing.T) {
	ctx := context.Background()
	ad, err := OpenSQLiteMessages(ctx, seedMessageStore(t))
	require.NoError(t, err)
	defer ad.Close()

	_, err = ad.db.ExecContext(ctx, `DELETE FROM messages`)
	require.Error(t, err)
}

func TestFileAdapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.jsonl")
	content := `{"id":"n1","date":"2026-10-16T10:00:00Z","title":"Groceries","body":"milk"}

{"id":"n2","date":"2026-10-17T09:00:00+02:00","title":"Trip"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	ad := NewFileAdapter("notes", path)
	recs, err := ad.Fetch(context.Background(), time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC), FetchOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "n2", recs[0].ID)
	assert.Equal(t, time.Date(2026, 10, 17, 7, 0, 0, 0, time.UTC), recs[0].Date)
	assert.Equal(t, map[string]any{"title": "Trip"}, recs[0].Fields)
}

func TestFileAdapter_MissingFileAndBadLine(t *testing.T) {
	dir := t.TempDir()
	recs, err := NewFileAdapter("notes", filepath.Join(dir, "none.jsonl")).Fetch(context.Background(), time.Time{}, FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte(`{"date":"2026-10-16T10:00:00Z"}`+"\n"), 0o600))
	_, err = NewFileAdapter("notes", bad).Fetch(context.Background(), time.Time{}, FetchOptions{})
	require.ErrorContains(t, err, "bad.jsonl:1")
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		s    Settings
		kind Kind
		path string
	}{
		{&MessagesSettings{ExcludedChats: []string{"x"}}, KindMessages, "/api/messages"},
		{&ContactsSettings{}, KindContacts, "/api/contacts"},
		{&NotesSettings{}, KindNotes, "/api/notes"},
	}
	for _, c := range cases {
		d := Describe(c.s)
		assert.Equal(t, c.kind, d.Kind)
		assert.Equal(t, c.kind, c.s.Kind())
		assert.Equal(t, c.path, d.Path)
		assert.NotEmpty(t, d.Fields.Encrypt)
	}
	assert.Equal(t, []string{"x"}, Describe(&MessagesSettings{ExcludedChats: []string{"x"}}).Excluded)
}

func TestNewOpener_FileKinds(t *testing.T) {
	ad, err := NewOpener(&NotesSettings{Path: "/nonexistent/notes.jsonl"})(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "notes", ad.Name())
	require.NoError(t, ad.Close())
}
