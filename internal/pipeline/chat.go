package pipeline

import (
	"bytes"
	"context"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/translator"
	"github.com/vornlabs/grokgate/internal/upstream"
)

// RunChat executes req under the retry policy from spec.md §4.2, returning a
// channel of OpenAI chat chunks and a channel carrying at most one terminal
// error. Exactly mirrors the teacher's outLoop shape: acquire, connect,
// stream; on a retryable failure before any bytes are emitted, release and
// reacquire a fresh token and loop.
func (p *Pipeline) RunChat(ctx context.Context, req ChatRequest) (<-chan translator.ChatChunk, <-chan error) {
	out := make(chan translator.ChatChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		budget := p.newBudget()
		logState := func(s State) { p.log.WithField("state", s.String()).Debug("chat pipeline state transition") }

		for {
			if budget.exhausted() {
				errs <- gatewayerr.New(gatewayerr.KindUpstreamTimeout, "retry budget exhausted")
				return
			}
			budget.attempt++

			logState(Acquiring)
			lease, err := p.acquireOrFail(req.ClassHint, "chat")
			if err != nil {
				errs <- err
				return
			}

			logState(Connecting)
			wireBody := req.Body
			if req.ContentType == "application/json" {
				if rewritten, rerr := upstream.RewriteChatBody(wireBody); rerr == nil {
					wireBody = rewritten
				}
			}
			fp := p.upstream.Fingerprint(lease.Record.ID)
			stream, err := p.upstream.Send(ctx, lease.Record.ID, &upstream.Request{
				Kind:        upstream.KindChat,
				TokenID:     lease.Record.ID,
				Fingerprint: fp,
				Body:        bytes.NewReader(wireBody),
				ContentType: req.ContentType,
			})
			if err != nil {
				retry, final := p.classifyAndRelease(lease, err, budget, false)
				if final != nil {
					errs <- final
					return
				}
				if retry {
					budget.sleepBeforeRetry(p.retry)
					continue
				}
				return
			}

			logState(Streaming)
			chunks, chunkErrs := translator.RunChat(ctx, stream, translator.ChatOptions{
				Model:           req.Model,
				ThinkingEnabled: req.Thinking,
				FilteredTags:    p.stream.FilteredTags,
				IdleTimeout:     p.idleTimeoutFor(upstream.KindChat),
			})

			emitted := false
			var streamErr error
		drain:
			for {
				select {
				case c, ok := <-chunks:
					if !ok {
						break drain
					}
					emitted = true
					out <- c
				case e, ok := <-chunkErrs:
					if ok && e != nil {
						streamErr = e
					}
				}
			}
			_ = stream.Close()

			if streamErr != nil {
				// Streaming has begun; per spec.md §4.2 any failure here is
				// terminal for the client, we do not re-stream partial
				// responses.
				_, final := p.classifyAndRelease(lease, streamErr, budget, emitted)
				logState(Failed)
				errs <- final
				return
			}

			p.pool.Release(lease, pool.SuccessOutcome(nil))
			logState(Completed)
			return
		}
	}()

	return out, errs
}
