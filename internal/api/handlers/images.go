package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pipeline"
)

const (
	maxImageNStream    = 2
	maxImageNNonStream = 10
)

// ImagesGenerations implements POST /v1/images/generations.
func (b *Base) ImagesGenerations(c *gin.Context) {
	var req ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}
	if err := validateImageN(req.N, req.Stream); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}
	if req.N <= 0 {
		req.N = 1
	}
	body, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "failed to encode request", "type": "server_error"}})
		return
	}
	b.runImages(c, req.Model, req.N, req.Stream, req.ResponseFormat, body, "application/json")
}

// ImagesEdits implements POST /v1/images/edits (multipart/form-data).
func (b *Base) ImagesEdits(c *gin.Context) {
	model := c.PostForm("model")
	prompt := c.PostForm("prompt")
	responseFormat := c.DefaultPostForm("response_format", "url")
	stream := c.PostForm("stream") == "true"

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "missing image file", "type": "invalid_request_error"}})
		return
	}
	defer file.Close()

	buf, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read image file", "type": "invalid_request_error"}})
		return
	}

	payload := struct {
		Model          string `json:"model"`
		Prompt         string `json:"prompt"`
		ImageB64       string `json:"image_b64"`
		ResponseFormat string `json:"response_format,omitempty"`
		Stream         bool   `json:"stream"`
	}{Model: model, Prompt: prompt, ImageB64: base64.StdEncoding.EncodeToString(buf), ResponseFormat: responseFormat, Stream: stream}
	body, err := json.Marshal(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "failed to encode request", "type": "server_error"}})
		return
	}
	b.runImages(c, model, 1, stream, responseFormat, body, "application/json")
}

func validateImageN(n int, stream bool) error {
	if stream && n > maxImageNStream {
		return fmt.Errorf("n must be <= %d when stream is true", maxImageNStream)
	}
	if !stream && n > maxImageNNonStream {
		return fmt.Errorf("n must be <= %d", maxImageNNonStream)
	}
	return nil
}

func (b *Base) runImages(c *gin.Context, model string, n int, stream bool, responseFormat string, body []byte, contentType string) {
	pReq := pipeline.ImageRequest{
		Model: model, ClassHint: ClassFor(model, nil), Body: body, ContentType: contentType,
		UseWebSocket: b.ImageUseWebSocket, ResponseFormat: responseFormat,
	}

	if stream {
		b.streamImages(c, n, pReq)
		return
	}
	b.bufferImages(c, n, pReq)
}

func (b *Base) streamImages(c *gin.Context, n int, pReq pipeline.ImageRequest) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "streaming not supported", "type": "server_error"}})
		return
	}

	for i := 0; i < n; i++ {
		chunks, errs := b.Pipeline.RunImage(c.Request.Context(), pReq)
		for chunk := range chunks {
			data, _ := json.Marshal(gin.H{"created": time.Now().Unix(), "data": []any{chunk}})
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			flusher.Flush()
		}
		if err := drainErr(errs); err != nil {
			status, env := gatewayerr.ToEnvelope(asGatewayErr(err))
			data, _ := json.Marshal(env)
			c.Status(status)
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			flusher.Flush()
			return
		}
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

func (b *Base) bufferImages(c *gin.Context, n int, pReq pipeline.ImageRequest) {
	var results []any
	for i := 0; i < n; i++ {
		chunks, errs := b.Pipeline.RunImage(c.Request.Context(), pReq)
		for chunk := range chunks {
			results = append(results, chunk)
		}
		if err := drainErr(errs); err != nil {
			status, env := gatewayerr.ToEnvelope(asGatewayErr(err))
			c.JSON(status, env)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"created": time.Now().Unix(), "data": results})
}
