package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vornlabs/grokgate/internal/batch"
	"github.com/vornlabs/grokgate/internal/pool"
)

// PoolSnapshot implements GET /api/v1/admin/pool: a full dump of every
// tracked credential, for operator review and backup (spec.md §6).
func (b *Base) PoolSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"records": b.Pool.ListAll()})
}

// PoolImport implements POST /api/v1/admin/pool: bulk insert/overwrite.
func (b *Base) PoolImport(c *gin.Context) {
	var body struct {
		Records []*pool.Record `json:"records"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := b.Pool.Import(body.Records); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": len(body.Records)})
}

// PoolPatch implements PATCH /api/v1/admin/pool/:id: applies a partial
// update to one credential's mutable fields.
func (b *Base) PoolPatch(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Class    *pool.Class     `json:"class"`
		Tags     map[string]bool `json:"tags"`
		Disabled *bool           `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := b.Pool.ReplaceRecord(id, func(r *pool.Record) {
		if body.Class != nil {
			r.Class = *body.Class
		}
		if body.Tags != nil {
			r.Tags = body.Tags
		}
		if body.Disabled != nil {
			r.Disabled = *body.Disabled
			if !*body.Disabled {
				r.ConsecutiveFailures = 0
			}
		}
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PoolDelete implements DELETE /api/v1/admin/pool: removes a set of
// credential ids in one request.
func (b *Base) PoolDelete(c *gin.Context) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := b.Pool.Remove(body.IDs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": len(body.IDs)})
}

// batchSubmitRequest is the wire shape for submitting a new batch task.
type batchSubmitRequest struct {
	Kind         string         `json:"kind"`
	TargetTokens []string       `json:"target_tokens,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// BatchSubmit implements POST /api/v1/admin/batch: launches a fan-out task
// over a set of credentials (or every credential when target_tokens is
// omitted) and returns its task id for the caller to stream or cancel.
func (b *Base) BatchSubmit(c *gin.Context) {
	var req batchSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := batch.Kind(req.Kind)
	switch kind {
	case batch.KindRefreshUsage, batch.KindEnableContentMode, batch.KindListRemoteAssets, batch.KindPurgeRemoteAssets:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown batch kind: " + req.Kind})
		return
	}
	taskID, err := b.Batch.Submit(c.Request.Context(), kind, req.TargetTokens, req.Params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// BatchStream implements GET /api/v1/admin/batch/:id/stream: an SSE feed of
// snapshot/progress/done events for one task.
func (b *Base) BatchStream(c *gin.Context) {
	taskID := c.Param("id")
	events, unsubscribe, err := b.Batch.Stream(taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			c.SSEvent(string(ev.Type), ev)
			flusher.Flush()
			if ev.Type == batch.EventDone || ev.Type == batch.EventCancelled || ev.Type == batch.EventError {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// BatchCancel implements POST /api/v1/admin/batch/:id/cancel.
func (b *Base) BatchCancel(c *gin.Context) {
	if err := b.Batch.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BatchResult implements GET /api/v1/admin/batch/:id/result: the current
// per-item result snapshot, usable before or after completion.
func (b *Base) BatchResult(c *gin.Context) {
	results, err := b.Batch.Result(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// CacheStat implements GET /api/v1/admin/cache: a count of tracked media
// assets, for operator visibility into disk usage.
func (b *Base) CacheStat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tracked_assets": b.Cache.Stat()})
}

// CacheClear implements DELETE /api/v1/admin/cache: drops tracked media
// assets, optionally scoped to one kind via ?kind=image|video.
func (b *Base) CacheClear(c *gin.Context) {
	removed := b.Cache.Clear(c.Query("kind"))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
