package handlers

import (
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
)

// MediaFile implements GET /v1/files/:kind/:name, serving from the media
// cache with a Content-Type inferred from file magic at store time, never
// from the request (spec.md §6).
func (b *Base) MediaFile(c *gin.Context) {
	kind := c.Param("kind")
	name := c.Param("name")
	if kind != "image" && kind != "video" {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown media kind"})
		return
	}
	rc, contentType, size, err := b.Cache.Open(kind, name)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open asset"})
		return
	}
	defer rc.Close()

	c.Header("Content-Type", contentType)
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, rc)
}
