// Package translator turns the upstream's incremental JSON-lines or
// WebSocket frame stream into OpenAI-compatible chat/image chunks. Grounded
// on internal/translator/translator in the teacher for the byte-stream ->
// structured-event shape, and on internal/api/handlers/openai/openai-handlers.go's
// streaming loop for the chunk fan-out/keepalive pattern; tag filtering and
// the WebSocket image state machine are new domain logic the teacher has no
// equivalent of.
package translator

import "encoding/json"

// EventKind tags the variant of one parsed UpstreamEvent (spec.md §3).
type EventKind string

const (
	EventDelta     EventKind = "delta"
	EventReasoning EventKind = "reasoning"
	EventToolCard  EventKind = "tool_card"
	EventAsset     EventKind = "asset"
	EventDone      EventKind = "done"
	EventError     EventKind = "error"
)

// UpstreamEvent is one parsed line (or WS-classified frame) from the
// upstream, tagged by Kind; only the fields relevant to Kind are populated.
type UpstreamEvent struct {
	Kind EventKind

	Text string // Delta, Reasoning

	AssetKind    string // Asset: "image" | "video"
	AssetURL     string // Asset: remote URL, when the upstream didn't inline bytes
	AssetBytes   []byte // Asset: inline bytes, when provided directly
	AssetSeq     int
	AssetElapsed int64 // milliseconds

	DoneReason string // Done: "stop" | "length" | "content_filter" | ...

	ErrorKind    string
	ErrorMessage string
	ErrorStatus  int
}

// wireEvent is the upstream's raw JSON-line shape. Unknown fields are
// ignored; unrecognized "type" values are folded into EventError so the
// caller always gets a terminatable event rather than a silent drop.
type wireEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Kind    string `json:"kind"`
	URL     string `json:"url"`
	Seq     int    `json:"seq"`
	Elapsed int64  `json:"elapsed_ms"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Status  int    `json:"http_status"`
}

// parseLine decodes one newline-delimited JSON event into an UpstreamEvent.
func parseLine(line []byte) (UpstreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return UpstreamEvent{}, err
	}
	switch w.Type {
	case "delta":
		return UpstreamEvent{Kind: EventDelta, Text: w.Text}, nil
	case "reasoning":
		return UpstreamEvent{Kind: EventReasoning, Text: w.Text}, nil
	case "tool_card":
		return UpstreamEvent{Kind: EventToolCard, Text: w.Text}, nil
	case "asset":
		return UpstreamEvent{
			Kind:         EventAsset,
			AssetKind:    w.Kind,
			AssetURL:     w.URL,
			AssetSeq:     w.Seq,
			AssetElapsed: w.Elapsed,
		}, nil
	case "done":
		return UpstreamEvent{Kind: EventDone, DoneReason: w.Reason}, nil
	case "error":
		return UpstreamEvent{Kind: EventError, ErrorMessage: w.Message, ErrorStatus: w.Status}, nil
	default:
		return UpstreamEvent{Kind: EventError, ErrorMessage: "unrecognized event type: " + w.Type}, nil
	}
}
