// Package httpserver exposes the ingest HTTP API used by agents to upload encrypted
// records and to search them by blind index.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
	"github.com/and161185/harvester/internal/service"
)

// Handler wires services into gin handlers.
type Handler struct {
	ingest service.IngestService
	log    *zap.Logger
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(ingest service.IngestService, auth service.AuthService, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{ingest: ingest, log: log}

	r := gin.New()
	r.Use(RecoveryMiddleware(log), LoggingMiddleware(log))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.Use(AuthMiddleware(auth))
	{
		api.POST("/:kind", h.Upload)
		api.GET("/:kind/search", h.Search)
	}
	return r
}

// Upload stores one batch.
// POST /api/:kind  {"<kind>": [...], "deviceId": "...", "syncTime": "..."}
func (h *Handler) Upload(c *gin.Context) {
	kind := c.Param("kind")
	deviceID := c.GetString(ctxDeviceID)

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if id, ok := body["deviceId"].(string); ok && id != deviceID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId does not match X-Device-ID"})
		return
	}
	records, err := recordsOf(body, kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.ingest.Ingest(c.Request.Context(), kind, deviceID, records)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"error":    nil,
		"upserted": res.Upserted,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
	})
}

// Search looks up records by an index field.
// GET /api/:kind/search?field=phoneIndex&value=<hex>&limit=50
func (h *Handler) Search(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	recs, err := h.ingest.Search(c.Request.Context(), model.SearchQuery{
		Kind:     c.Param("kind"),
		DeviceID: c.GetString(ctxDeviceID),
		Field:    c.Query("field"),
		Value:    c.Query("value"),
		Limit:    limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		item := gin.H{}
		for k, v := range r.Payload {
			item[k] = v
		}
		for k, v := range r.Status {
			item[k] = v
		}
		item["id"] = r.RecordID
		item["date"] = r.Date
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, errs.ErrValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

func recordsOf(body map[string]any, kind string) ([]map[string]any, error) {
	raw, ok := body[kind]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q must be an array", kind)
	}
	out := make([]map[string]any, 0, len(list))
	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be an object", kind, i)
		}
		out = append(out, m)
	}
	return out, nil
}
