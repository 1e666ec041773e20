// Package handlers implements the admin HTTP endpoints on top of admin.Service.
package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/off-context/off-context/internal/admin"
	"github.com/off-context/off-context/internal/api/middleware"
	"github.com/off-context/off-context/internal/buildinfo"
	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/export"
	"github.com/off-context/off-context/internal/hook"
	"github.com/off-context/off-context/internal/logging"
	"github.com/off-context/off-context/internal/search"
)

const (
	maxSearchLimit = 100
	maxLogLimit    = 500
	maxHookBody    = 8 << 20
)

// Handler serves the admin API. root is the project used when a request names
// none.
type Handler struct {
	svc          *admin.Service
	hooks        *hook.Handler
	logs         *logging.RingBuffer
	root         string
	allowOrigins []string
}

// NewHandler returns a handler. hooks and logs may be nil.
func NewHandler(svc *admin.Service, hooks *hook.Handler, logs *logging.RingBuffer, root string) *Handler {
	return &Handler{svc: svc, hooks: hooks, logs: logs, root: root}
}

type rootRequest struct {
	Root string `json:"root"`
	Path string `json:"path"`
}

func (h *Handler) rootFor(c *gin.Context) string {
	if r := strings.TrimSpace(c.Query("root")); r != "" {
		return r
	}
	return h.root
}

// bindRoot reads an optional JSON body naming the root.
func (h *Handler) bindRoot(c *gin.Context) (rootRequest, error) {
	var req rootRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, apperrors.InvalidRequest("invalid JSON body: " + err.Error())
		}
	}
	if strings.TrimSpace(req.Root) == "" {
		req.Root = h.rootFor(c)
	}
	return req, nil
}

// WriteError answers err as an AppError JSON body with the kind's status.
func WriteError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperrors.StatusCode(err), gin.H{"error": appErr})
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
		"root":    h.root,
	})
}

// Status returns the project status.
func (h *Handler) Status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context(), h.rootFor(c))
	middleware.RecordAdminOperation("status", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Search ranks stored turns against q.
func (h *Handler) Search(c *gin.Context) {
	limit := search.DefaultLimit
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(c, apperrors.InvalidRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxSearchLimit)
	}
	res, err := h.svc.Search(c.Request.Context(), h.rootFor(c), c.Query("q"), limit)
	middleware.RecordAdminOperation("search", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Export streams every stored turn in the requested format.
func (h *Handler) Export(c *gin.Context) {
	var buf bytes.Buffer
	format, err := h.svc.Export(c.Request.Context(), h.rootFor(c), c.DefaultQuery("format", export.FormatJSON), &buf)
	middleware.RecordAdminOperation("export", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	if c.Query("download") != "" {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="off-context-export.%s"`, export.Extension(format)))
	}
	c.Data(http.StatusOK, export.ContentType(format), buf.Bytes())
}

// Init initializes a project.
func (h *Handler) Init(c *gin.Context) {
	req, err := h.bindRoot(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	res, err := h.svc.Init(c.Request.Context(), req.Root)
	middleware.RecordAdminOperation("init", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// Clear removes the hook wiring.
func (h *Handler) Clear(c *gin.Context) {
	req, err := h.bindRoot(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	p, err := h.svc.Clear(c.Request.Context(), req.Root)
	middleware.RecordAdminOperation("clear", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "project": p})
}

// Reset deletes stored memory.
func (h *Handler) Reset(c *gin.Context) {
	req, err := h.bindRoot(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	p, err := h.svc.Reset(c.Request.Context(), req.Root)
	middleware.RecordAdminOperation("reset", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "project": p})
}

// Reindex rebuilds the search index.
func (h *Handler) Reindex(c *gin.Context) {
	req, err := h.bindRoot(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	n, err := h.svc.Reindex(c.Request.Context(), req.Root)
	middleware.RecordAdminOperation("reindex", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reindexed", "turns": n})
}

// Import appends transcripts found at the path named in the body.
func (h *Handler) Import(c *gin.Context) {
	req, err := h.bindRoot(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		WriteError(c, apperrors.InvalidRequest("missing path"))
		return
	}
	res, err := h.svc.Import(c.Request.Context(), req.Root, req.Path)
	middleware.RecordAdminOperation("import", err)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Hook answers a relayed hook event exactly like the hook command would.
func (h *Handler) Hook(c *gin.Context) {
	if h.hooks == nil {
		WriteError(c, apperrors.New(http.StatusNotFound, apperrors.CodeInvalidRequest, "hook relay disabled", nil))
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHookBody))
	if err != nil {
		WriteError(c, apperrors.InvalidRequest("read body: "+err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", h.hooks.Respond(c.Request.Context(), data))
}

// Logs returns the most recent in-memory log entries.
func (h *Handler) Logs(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	if h.logs == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []logging.LogEntry{}})
		return
	}
	limit := 100
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxLogLimit)
		}
	}
	entries := h.logs.Recent(limit)
	if entries == nil {
		entries = []logging.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
