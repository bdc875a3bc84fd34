// Package handlers implements the OpenAI-compatible public surface and the
// admin surface. canonical.go owns request-body validation and the model to
// token-class mapping (spec.md §6, §9 "duck-typed request payloads" redesign
// flag): unknown fields are ignored and multimodal content blocks are
// decoded into an explicit tagged union rather than duck-typed at use time.
package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vornlabs/grokgate/internal/pool"
)

// ContentBlock is one element of a multimodal message's content array.
// Exactly one of the pointer fields is populated, selected by Type.
type ContentBlock struct {
	Type       string           `json:"type"`
	Text       string           `json:"text,omitempty"`
	ImageURL   *ImageURLBlock   `json:"image_url,omitempty"`
	InputAudio *InputAudioBlock `json:"input_audio,omitempty"`
	File       *FileBlock       `json:"file,omitempty"`
}

type ImageURLBlock struct {
	URL string `json:"url"`
}

type InputAudioBlock struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"`
}

type FileBlock struct {
	FileData string `json:"file_data"`
	Filename string `json:"filename,omitempty"`
}

// Message is one chat turn. Content is captured raw because the OpenAI
// shape allows either a bare string or an array of ContentBlock.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// VideoConfig is the optional video-generation steering block.
type VideoConfig struct {
	Resolution string  `json:"resolution,omitempty"`
	DurationS  float64 `json:"duration_seconds,omitempty"`
}

// ImageConfig is the optional image-generation steering block.
type ImageConfig struct {
	Size string `json:"size,omitempty"`
}

// ChatRequest is the wire shape accepted by POST /v1/chat/completions.
// Unknown top-level fields are ignored by encoding/json's default decode.
type ChatRequest struct {
	Model           string       `json:"model"`
	Messages        []Message    `json:"messages"`
	Stream          bool         `json:"stream"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`
	VideoConfig     *VideoConfig `json:"video_config,omitempty"`
	ImageConfig     *ImageConfig `json:"image_config,omitempty"`
}

// ImageRequest is the wire shape accepted by POST /v1/images/generations.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Stream         bool   `json:"stream"`
}

// CanonicalMessage is Message after content-block decoding.
type CanonicalMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// CanonicalChatBody is the shape re-marshaled and sent upstream, having
// dropped unrecognized fields and validated every content block.
type CanonicalChatBody struct {
	Model           string              `json:"model"`
	Messages        []CanonicalMessage  `json:"messages"`
	Stream          bool                `json:"stream"`
	ReasoningEffort string              `json:"reasoning_effort,omitempty"`
	VideoConfig     *VideoConfig        `json:"video_config,omitempty"`
	ImageConfig     *ImageConfig        `json:"image_config,omitempty"`
}

// decodeContent turns a message's raw content (string or block array) into
// an explicit []ContentBlock, validating image_url/file URIs per spec.md §6
// ("URLs must be absolute or data: URIs").
func decodeContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []ContentBlock{{Type: "text", Text: asString}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of content blocks: %w", err)
	}
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case "text":
			if b.Text == "" {
				return nil, fmt.Errorf("content block %d: text block missing text", i)
			}
		case "image_url":
			if b.ImageURL == nil || !isAbsoluteOrData(b.ImageURL.URL) {
				return nil, fmt.Errorf("content block %d: image_url must be absolute or a data: URI", i)
			}
		case "input_audio":
			if b.InputAudio == nil || b.InputAudio.Data == "" {
				return nil, fmt.Errorf("content block %d: input_audio missing data", i)
			}
		case "file":
			if b.File == nil || !isAbsoluteOrData(b.File.FileData) {
				return nil, fmt.Errorf("content block %d: file.file_data must be absolute or a data: URI", i)
			}
		default:
			// Unrecognized block type: ignored per the duck-typed-payload
			// redesign (spec.md §9), not an error.
		}
	}
	return blocks, nil
}

func isAbsoluteOrData(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:")
}

// Canonicalize validates req and produces the body sent upstream.
func (req *ChatRequest) Canonicalize() (*CanonicalChatBody, error) {
	out := &CanonicalChatBody{
		Model: req.Model, Stream: req.Stream, ReasoningEffort: req.ReasoningEffort,
		VideoConfig: req.VideoConfig, ImageConfig: req.ImageConfig,
	}
	for i, m := range req.Messages {
		blocks, err := decodeContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out.Messages = append(out.Messages, CanonicalMessage{Role: m.Role, Content: blocks})
	}
	return out, nil
}

// ClassFor implements the model → token class mapping table in spec.md §6:
// *-heavy is Super (strict); *-thinking, 720p video, or video longer than
// 6s is SuperPreferred; everything else is Basic.
func ClassFor(model string, video *VideoConfig) pool.Class {
	if strings.HasSuffix(model, "-heavy") {
		return pool.Super
	}
	if strings.HasSuffix(model, "-thinking") {
		return pool.SuperPreferred
	}
	if video != nil {
		if strings.Contains(video.Resolution, "720") || video.DurationS > 6 {
			return pool.SuperPreferred
		}
	}
	return pool.Basic
}

// ThinkingRequested reports whether reasoning_effort asks for visible
// reasoning content (spec.md §4.3 "thinking enabled" gate).
func ThinkingRequested(effort string) bool {
	return effort != "" && !strings.EqualFold(effort, "none")
}
