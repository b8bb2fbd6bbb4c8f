package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/and161185/harvester/internal/model"
)

// FileAdapter reads a JSON-lines export where every line is one record object with
// string "id" and RFC3339 "date" keys. The file is reopened on every Fetch.
type FileAdapter struct {
	name string
	path string
}

// NewFileAdapter returns an adapter over path.
func NewFileAdapter(name, path string) *FileAdapter {
	return &FileAdapter{name: name, path: path}
}

func (a *FileAdapter) Name() string { return a.name }

// Fetch returns records dated after since in file order. A missing file yields no records.
func (a *FileAdapter) Fetch(ctx context.Context, since time.Time, opts FetchOptions) ([]model.Record, error) {
	f, err := os.Open(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		rec, err := decodeLine(raw)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", a.path, line, err)
		}
		if !rec.Date.After(since) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, sc.Err()
}

func (a *FileAdapter) Close() error { return nil }

func decodeLine(raw []byte) (model.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.Record{}, err
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return model.Record{}, errors.New("missing id")
	}
	ds, _ := fields["date"].(string)
	date, err := time.Parse(time.RFC3339Nano, ds)
	if err != nil {
		return model.Record{}, fmt.Errorf("record %s date: %w", id, err)
	}
	delete(fields, "id")
	delete(fields, "date")
	return model.Record{ID: id, Date: date.UTC(), Fields: fields}, nil
}
