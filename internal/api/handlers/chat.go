package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pipeline"
	"github.com/vornlabs/grokgate/internal/translator"
)

// openAIChunk is the wire shape of one streamed chat.completion.chunk.
type openAIChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
}

type openAIChoice struct {
	Index        int                  `json:"index"`
	Delta        translator.ChatDelta `json:"delta"`
	FinishReason *string              `json:"finish_reason"`
}

// ChatCompletions implements POST /v1/chat/completions.
func (b *Base) ChatCompletions(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}
	canon, err := req.Canonicalize()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}
	body, err := json.Marshal(canon)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "failed to encode request", "type": "server_error"}})
		return
	}

	pReq := pipeline.ChatRequest{
		Model:       req.Model,
		ClassHint:   ClassFor(req.Model, req.VideoConfig),
		Body:        body,
		ContentType: "application/json",
		Thinking:    ThinkingRequested(req.ReasoningEffort),
	}

	chunks, errs := b.Pipeline.RunChat(c.Request.Context(), pReq)
	if req.Stream {
		b.streamChat(c, req.Model, chunks, errs)
		return
	}
	b.bufferChat(c, req.Model, chunks, errs)
}

func (b *Base) streamChat(c *gin.Context, model string, chunks <-chan translator.ChatChunk, errs <-chan error) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "streaming not supported", "type": "server_error"}})
		return
	}

	id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	for chunk := range chunks {
		finish := finishReasonPtr(chunk.FinishReason)
		wire := openAIChunk{
			ID: id, Object: "chat.completion.chunk", Created: chunk.Created, Model: model,
			Choices: []openAIChoice{{Index: 0, Delta: chunk.Delta, FinishReason: finish}},
		}
		data, _ := json.Marshal(wire)
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		flusher.Flush()
	}

	if err := drainErr(errs); err != nil {
		if gerr, ok := err.(*gatewayerr.Error); ok && gerr.Kind == gatewayerr.KindClientCancelled {
			return
		}
		status, env := gatewayerr.ToEnvelope(asGatewayErr(err))
		data, _ := json.Marshal(env)
		c.Status(status)
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		flusher.Flush()
		return
	}

	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

func (b *Base) bufferChat(c *gin.Context, model string, chunks <-chan translator.ChatChunk, errs <-chan error) {
	var content, reasoning string
	var finish string
	var created int64
	for chunk := range chunks {
		content += chunk.Delta.Content
		reasoning += chunk.Delta.ReasoningContent
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Created != 0 {
			created = chunk.Created
		}
	}
	if err := drainErr(errs); err != nil {
		status, env := gatewayerr.ToEnvelope(asGatewayErr(err))
		c.JSON(status, env)
		return
	}

	resp := gin.H{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []gin.H{{
			"index": 0,
			"message": gin.H{
				"role":              "assistant",
				"content":           content,
				"reasoning_content": reasoning,
			},
			"finish_reason": finish,
		}},
	}
	c.JSON(http.StatusOK, resp)
}

func finishReasonPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func drainErr(errs <-chan error) error {
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func asGatewayErr(err error) *gatewayerr.Error {
	if gerr, ok := err.(*gatewayerr.Error); ok {
		return gerr
	}
	return gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, err.Error())
}
