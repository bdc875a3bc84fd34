package pipeline

import (
	"bytes"
	"context"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/translator"
	"github.com/vornlabs/grokgate/internal/upstream"
)

// VideoChunk mirrors ImageChunk for video-generation results.
type VideoChunk struct {
	B64JSON string `json:"b64_json,omitempty"`
	URL     string `json:"url,omitempty"`
}

// RunVideo executes req over HTTP, the same newline-delimited-JSON shape as
// chat, resolving the terminal Asset event through the media cache.
func (p *Pipeline) RunVideo(ctx context.Context, req VideoRequest) (<-chan VideoChunk, <-chan error) {
	out := make(chan VideoChunk, 2)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		budget := p.newBudget()
		for {
			if budget.exhausted() {
				errs <- gatewayerr.New(gatewayerr.KindUpstreamTimeout, "retry budget exhausted")
				return
			}
			budget.attempt++

			lease, err := p.acquireOrFail(req.ClassHint, "video")
			if err != nil {
				errs <- err
				return
			}

			fp := p.upstream.Fingerprint(lease.Record.ID)
			stream, err := p.upstream.Send(ctx, lease.Record.ID, &upstream.Request{
				Kind:        upstream.KindVideo,
				TokenID:     lease.Record.ID,
				Fingerprint: fp,
				Body:        bytes.NewReader(req.Body),
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

			events, evErrs := translator.RunAssetStream(ctx, stream, p.idleTimeoutFor(upstream.KindVideo))
			emitted := false
			var streamErr error
		drain:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break drain
					}
					if ev.Kind == translator.EventAsset {
						chunk, cerr := p.resolveAsset(ctx, ev, "url")
						if cerr != nil {
							streamErr = cerr
							continue
						}
						emitted = true
						out <- VideoChunk{URL: chunk.URL, B64JSON: chunk.B64JSON}
					}
					if ev.Kind == translator.EventError {
						streamErr = gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, ev.ErrorMessage)
					}
				case e, ok := <-evErrs:
					if ok && e != nil {
						streamErr = e
					}
				}
			}
			_ = stream.Close()

			if streamErr != nil {
				_, final := p.classifyAndRelease(lease, streamErr, budget, emitted)
				errs <- final
				return
			}
			p.pool.Release(lease, pool.SuccessOutcome(nil))
			return
		}
	}()

	return out, errs
}
