package translator

import (
	"context"
	"strings"
	"time"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

// LineSource is anything that yields successive newline-delimited upstream
// events; upstream.LineStream satisfies this without translator importing
// upstream.
type LineSource interface {
	ReadLine(ctx context.Context) ([]byte, error)
}

// ChatDelta is the incremental content of one ChatChunk.
type ChatDelta struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChatChunk is one OpenAI-compatible chat-completion streaming chunk.
type ChatChunk struct {
	Created      int64     `json:"created"`
	Model        string    `json:"model"`
	Delta        ChatDelta `json:"delta"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// ChatOptions configures one RunChat invocation.
type ChatOptions struct {
	Model           string
	ThinkingEnabled bool
	FilteredTags    []string
	IdleTimeout     time.Duration
}

// RunChat consumes src until Done/Error/idle-timeout/cancellation, emitting
// ChatChunk values on the returned channel and at most one error on the
// error channel, mirroring the respChan/errChan shape of the teacher's
// outLoop streaming handler.
func RunChat(ctx context.Context, src LineSource, opts ChatOptions) (<-chan ChatChunk, <-chan error) {
	chunks := make(chan ChatChunk, 16)
	errs := make(chan error, 1)
	filter := NewTagFilter(opts.FilteredTags)

	go func() {
		defer close(chunks)
		defer close(errs)

		protocolErrors := 0
		for {
			readCtx, cancel := context.WithTimeout(ctx, opts.IdleTimeout)
			line, err := src.ReadLine(readCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					errs <- gatewayerr.New(gatewayerr.KindClientCancelled, "client cancelled")
					return
				}
				if isDeadlineErr(err) {
					errs <- gatewayerr.New(gatewayerr.KindUpstreamTimeout, "idle timeout waiting for upstream")
					return
				}
				if isEOF(err) {
					if tail := filter.Flush(); tail != "" {
						chunks <- ChatChunk{Created: time.Now().Unix(), Model: opts.Model, Delta: ChatDelta{Content: tail}}
					}
					chunks <- ChatChunk{Created: time.Now().Unix(), Model: opts.Model, FinishReason: "stop"}
					return
				}
				errs <- err
				return
			}

			line = []byte(strings.TrimRight(string(line), "\n"))
			if len(line) == 0 {
				continue
			}
			ev, perr := parseLine(line)
			if perr != nil {
				protocolErrors++
				if protocolErrors > 1 {
					errs <- gatewayerr.New(gatewayerr.KindProtocolError, "malformed upstream event repeated")
					return
				}
				continue
			}

			switch ev.Kind {
			case EventDelta:
				if text := filter.Feed(ev.Text); text != "" {
					chunks <- ChatChunk{Created: time.Now().Unix(), Model: opts.Model, Delta: ChatDelta{Content: text}}
				}
			case EventReasoning:
				if opts.ThinkingEnabled {
					chunks <- ChatChunk{Created: time.Now().Unix(), Model: opts.Model, Delta: ChatDelta{ReasoningContent: ev.Text}}
				}
			case EventToolCard:
				// Container markers only; body text already passed through Delta.
			case EventDone:
				if tail := filter.Flush(); tail != "" {
					chunks <- ChatChunk{Created: time.Now().Unix(), Model: opts.Model, Delta: ChatDelta{Content: tail}}
				}
				reason := ev.DoneReason
				if reason == "" {
					reason = "stop"
				}
				chunks <- ChatChunk{Created: time.Now().Unix(), Model: opts.Model, FinishReason: reason}
				return
			case EventError:
				errs <- gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, ev.ErrorMessage)
				return
			}
		}
	}()

	return chunks, errs
}

func isEOF(err error) bool {
	return err != nil && err.Error() == "EOF"
}

func isDeadlineErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "deadline exceeded")
}
