// Package server exposes the ledger over HTTP for external collaborators
// (deployment tooling, orchestration, compliance reporting).
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaintrail/chaintrail/internal/entry"
	"github.com/chaintrail/chaintrail/internal/ledger"
)

// Handler wires the ledger facade to HTTP routes.
type Handler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(l *ledger.Ledger, logger *zap.Logger) *Handler {
	return &Handler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/log", h.Log)
	rg.GET("/verify", h.Verify)
	rg.GET("/logs", h.Read)
	rg.GET("/search", h.Search)
	rg.GET("/stats", h.Stats)
	rg.GET("/replication/status", h.ReplicationStatus)
	rg.POST("/replication/restore", h.Restore)
}

type logRequest struct {
	Level    string         `json:"level" binding:"required"`
	Message  string         `json:"message" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

// Log handles POST /log — appends one entry and returns the sealed block.
func (h *Handler) Log(c *gin.Context) {
	var req logRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level and message are required"})
		return
	}

	level, err := entry.ParseLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	block, err := h.ledger.Write(c.Request.Context(), level, req.Message, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, entry.ErrInvalidEntry):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ledger.ErrWriterHalted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			h.logger.Error("append failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append entry"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"index":        block.Index,
		"hash":         block.Hash,
		"previousHash": block.PrevHash,
		"timestamp":    block.Timestamp,
	})
}

// Verify handles GET /verify — walks the chain and reports integrity.
// Optional from/to query parameters bound the verified range.
func (h *Handler) Verify(c *gin.Context) {
	from := intQuery(c, "from", 0)
	to := intQuery(c, "to", -1)

	res, err := h.ledger.Verify(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("verify failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification could not complete"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Read handles GET /logs — filtered entries, most recent first.
func (h *Handler) Read(c *gin.Context) {
	filter, ok := h.parseFilter(c)
	if !ok {
		return
	}

	res, err := h.ledger.Read(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read entries"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Search handles GET /search — substring match over decoded entries.
func (h *Handler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	filter, ok := h.parseFilter(c)
	if !ok {
		return
	}

	res, err := h.ledger.Search(c.Request.Context(), query, filter)
	if err != nil {
		h.logger.Error("search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stats handles GET /stats.
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// ReplicationStatus handles GET /replication/status.
func (h *Handler) ReplicationStatus(c *gin.Context) {
	st, err := h.ledger.ReplicationStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

type restoreRequest struct {
	BlockHash string `json:"blockHash"`
}

// Restore handles POST /replication/restore — reconstructs the full chain
// (or fetches a single block) from the remote mirror.
func (h *Handler) Restore(c *gin.Context) {
	var req restoreRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	if req.BlockHash != "" {
		block, err := h.ledger.RestoreBlock(ctx, req.BlockHash)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, block)
		return
	}

	n, err := h.ledger.RestoreFromRemote(ctx)
	if err != nil {
		h.logger.Error("restore failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Restored blocks are only trusted after re-verification.
	res, err := h.ledger.Verify(ctx, 0, -1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restored chain could not be verified"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": n, "valid": res.Valid})
}

func (h *Handler) parseFilter(c *gin.Context) (ledger.ReadFilter, bool) {
	f := ledger.ReadFilter{Limit: intQuery(c, "limit", 0)}

	if lvl := c.Query("level"); lvl != "" {
		level, err := entry.ParseLevel(lvl)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return f, false
		}
		f.Level = level
	}
	for name, dst := range map[string]*time.Time{"start": &f.Start, "end": &f.End} {
		if raw := c.Query(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC 3339"})
				return f, false
			}
			*dst = t
		}
	}
	return f, true
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
