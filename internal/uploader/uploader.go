// Package uploader submits encrypted records to the remote store in JSON batches.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
)

// Request headers carrying device identity.
const (
	HeaderDeviceID  = "X-Device-ID"
	HeaderRequestID = "X-Request-ID"
)

const maxResponseBody = 1 << 20

// Config configures a Client.
type Config struct {
	BaseURL  string
	Token    string // bearer token, optional
	DeviceID string
	Timeout  time.Duration
}

// Client posts UploadBatches to BaseURL.
type Client struct {
	base     string
	token    string
	deviceID string
	hc       *http.Client
	log      *zap.Logger
	now      func() time.Time
}

// New constructs a Client. A nil logger is replaced with zap.NewNop.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		deviceID: cfg.DeviceID,
		hc:       &http.Client{Timeout: timeout},
		log:      log,
		now:      time.Now,
	}
}

// StatusError is a non-2xx response or a 2xx response carrying an "error" key.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// BatchError reports the first failing chunk of a multi-request upload.
type BatchError struct {
	Chunk    int // 1-based index of the failing chunk
	Uploaded int // records committed by the chunks before it
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upload chunk %d (after %d records): %v", e.Chunk, e.Uploaded, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// IsConnRefused reports whether err is the transient "server not listening" class.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Upload submits batch.Records. With batchSize <= 0 everything goes in one request;
// otherwise chunks are sent serially and the first failing chunk stops the upload.
// It returns the number of records the server accepted; on failure the error is a
// *BatchError.
func (c *Client) Upload(ctx context.Context, batch model.UploadBatch, batchSize int) (int, error) {
	if batch.BodyKey == "" {
		return 0, fmt.Errorf("%w: empty body key", errs.ErrValidation)
	}
	if len(batch.Records) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = len(batch.Records)
	}

	uploaded := 0
	for chunk, start := 1, 0; start < len(batch.Records); chunk, start = chunk+1, start+batchSize {
		end := min(start+batchSize, len(batch.Records))
		if err := c.post(ctx, batch, batch.Records[start:end]); err != nil {
			return uploaded, &BatchError{Chunk: chunk, Uploaded: uploaded, Err: err}
		}
		uploaded += end - start
	}
	return uploaded, nil
}

func (c *Client) post(ctx context.Context, batch model.UploadBatch, records []model.EncryptedRecord) error {
	body := make(map[string]any, len(batch.ExtraBody)+3)
	for k, v := range batch.ExtraBody {
		body[k] = v
	}
	body["syncTime"] = c.now().UTC().Format(time.RFC3339)
	body["deviceId"] = c.deviceID
	body[batch.BodyKey] = records

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+batch.Path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeviceID, c.deviceID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id, err := uuid.NewV4(); err == nil {
		req.Header.Set(HeaderRequestID, id.String())
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", batch.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.log.Debug("batch posted",
		zap.String("path", batch.Path),
		zap.Int("records", len(records)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	msg, hasError := errorMessage(respBody)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if !hasError {
			msg = strings.TrimSpace(string(respBody))
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if hasError {
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return nil
}

// errorMessage extracts {"error": ...} from a JSON object body. A null error is
// treated as absent.
func errorMessage(body []byte) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", false
	}
	raw, ok := obj["error"]
	if !ok || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}
