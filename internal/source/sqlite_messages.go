package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/and161185/harvester/internal/model"
)

const selectMessages = `SELECT id, chat_id, sender, text, date_ms, is_read, is_delivered, attachments FROM messages`

// SQLiteMessages reads a local message store through a read-only sqlite handle.
//
// Expected schema:
//
//	messages(id TEXT, chat_id TEXT, sender TEXT, text TEXT, date_ms INTEGER,
//	         is_read INTEGER, is_delivered INTEGER, attachments TEXT)
//
// attachments holds a JSON array of strings.
type SQLiteMessages struct {
	db *sql.DB
}

// OpenSQLiteMessages opens path read-only.
func OpenSQLiteMessages(ctx context.Context, path string) (*SQLiteMessages, error) {
	q := url.Values{}
	q.Set("mode", "ro")
	q.Set("_busy_timeout", "5000")
	db, err := sql.Open("sqlite3", messageStoreDSN(path, q))
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect message store: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteMessages{db: db}, nil
}

// messageStoreDSN builds a SQLite URI filename. The path is percent-encoded so
// that '?', '#' and '%' in it stay part of the filename.
func messageStoreDSN(path string, q url.Values) string {
	u := url.URL{Path: filepath.ToSlash(path)}
	return "file:" + u.EscapedPath() + "?" + q.Encode()
}

func (s *SQLiteMessages) Name() string { return string(KindMessages) }

// Fetch returns messages newer than since, newest first.
func (s *SQLiteMessages) Fetch(ctx context.Context, since time.Time, opts FetchOptions) ([]model.Record, error) {
	query := selectMessages + ` WHERE date_ms > ? ORDER BY date_ms DESC, id DESC`
	args := []any{since.UnixMilli()}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return s.query(ctx, query, args...)
}

// FetchBatch pages ascending by (date_ms, id). The cursor encodes the last row seen.
func (s *SQLiteMessages) FetchBatch(ctx context.Context, since time.Time, limit int, cursor string) (Page, error) {
	if limit <= 0 {
		limit = 500
	}
	var (
		recs []model.Record
		err  error
	)
	if cursor == "" {
		recs, err = s.query(ctx, selectMessages+`
			WHERE date_ms > ?
			ORDER BY date_ms ASC, id ASC
			LIMIT ?`, since.UnixMilli(), limit)
	} else {
		afterMs, afterID, perr := parseCursor(cursor)
		if perr != nil {
			return Page{}, perr
		}
		recs, err = s.query(ctx, selectMessages+`
			WHERE date_ms > ? OR (date_ms = ? AND id > ?)
			ORDER BY date_ms ASC, id ASC
			LIMIT ?`, afterMs, afterMs, afterID, limit)
	}
	if err != nil {
		return Page{}, err
	}
	page := Page{Records: recs}
	if len(recs) == limit {
		last := recs[len(recs)-1]
		page.NextCursor = strconv.FormatInt(last.Date.UnixMilli(), 10) + ":" + last.ID
	}
	return page, nil
}

func (s *SQLiteMessages) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessages) query(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			id, chatID          string
			sender, text, att   sql.NullString
			dateMs              int64
			isRead, isDelivered sql.NullBool
		)
		if err := rows.Scan(&id, &chatID, &sender, &text, &dateMs, &isRead, &isDelivered, &att); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		fields := map[string]any{
			"chatId":      chatID,
			"sender":      sender.String,
			"text":        text.String,
			"isRead":      isRead.Bool,
			"isDelivered": isDelivered.Bool,
		}
		if att.Valid && att.String != "" {
			var names []string
			if err := json.Unmarshal([]byte(att.String), &names); err != nil {
				return nil, fmt.Errorf("message %s attachments: %w", id, err)
			}
			fields["attachments"] = names
		}
		out = append(out, model.Record{ID: id, Date: time.UnixMilli(dateMs).UTC(), Fields: fields})
	}
	return out, rows.Err()
}

func parseCursor(c string) (int64, string, error) {
	ms, id, ok := strings.Cut(c, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed cursor %q", c)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", c, err)
	}
	return n, id, nil
}
