package pipeline

import (
	"bytes"
	"context"
	"time"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/translator"
	"github.com/vornlabs/grokgate/internal/upstream"
)

// ImageChunk is one emitted image-generation result, either inline base64
// or a gateway-local URL (spec.md §4.3 "Image/video assets").
type ImageChunk struct {
	B64JSON string `json:"b64_json,omitempty"`
	URL     string `json:"url,omitempty"`
}

// RunImage executes req, over HTTP or WebSocket depending on
// req.UseWebSocket, resolving every Asset event through the media cache so
// the client never sees an upstream URL directly.
func (p *Pipeline) RunImage(ctx context.Context, req ImageRequest) (<-chan ImageChunk, <-chan error) {
	if req.UseWebSocket {
		return p.runImageWS(ctx, req)
	}
	return p.runImageHTTP(ctx, req)
}

func (p *Pipeline) resolveAsset(ctx context.Context, ev translator.UpstreamEvent, responseFormat string) (ImageChunk, error) {
	switch {
	case len(ev.AssetBytes) > 0:
		if responseFormat == "b64_json" {
			return ImageChunk{B64JSON: base64Encode(ev.AssetBytes)}, nil
		}
		url, err := p.cache.Put(ctx, ev.AssetBytes, ev.AssetKind)
		if err != nil {
			return ImageChunk{}, err
		}
		return ImageChunk{URL: url}, nil
	case ev.AssetURL != "":
		url, err := p.cache.FetchAndStore(ctx, ev.AssetURL, ev.AssetKind)
		if err != nil {
			return ImageChunk{}, err
		}
		return ImageChunk{URL: url}, nil
	default:
		return ImageChunk{}, gatewayerr.New(gatewayerr.KindProtocolError, "asset event carried neither bytes nor url")
	}
}

func (p *Pipeline) runImageHTTP(ctx context.Context, req ImageRequest) (<-chan ImageChunk, <-chan error) {
	out := make(chan ImageChunk, 4)
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

			lease, err := p.acquireOrFail(req.ClassHint, "image")
			if err != nil {
				errs <- err
				return
			}

			fp := p.upstream.Fingerprint(lease.Record.ID)
			stream, err := p.upstream.Send(ctx, lease.Record.ID, &upstream.Request{
				Kind:        upstream.KindImage,
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

			events, evErrs := translator.RunAssetStream(ctx, stream, p.idleTimeoutFor(upstream.KindImage))
			emitted := false
			var streamErr error
		drain:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break drain
					}
					switch ev.Kind {
					case translator.EventAsset:
						chunk, cerr := p.resolveAsset(ctx, ev, req.ResponseFormat)
						if cerr != nil {
							streamErr = cerr
							continue
						}
						emitted = true
						out <- chunk
					case translator.EventError:
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

func (p *Pipeline) runImageWS(ctx context.Context, req ImageRequest) (<-chan ImageChunk, <-chan error) {
	out := make(chan ImageChunk, 4)
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

			lease, err := p.acquireOrFail(req.ClassHint, "image_ws")
			if err != nil {
				errs <- err
				return
			}

			fp := p.upstream.Fingerprint(lease.Record.ID)
			conn, err := p.upstream.DialImage(ctx, lease.Record.ID, &upstream.Request{
				Kind:        upstream.KindImage,
				TokenID:     lease.Record.ID,
				Fingerprint: fp,
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

			if werr := conn.WriteJSON(map[string]any{"prompt": string(req.Body)}); werr != nil {
				_ = conn.Close()
				retry, final := p.classifyAndRelease(lease, gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, werr.Error()), budget, false)
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

			session := translator.NewWSImageSession(p.image.MediumMinBytes, p.image.FinalMinBytes, time.Duration(p.image.FinalTimeoutSec)*time.Second)
			session.Opened()
			idle := time.Duration(p.image.StreamTimeoutSec) * time.Second

			var streamErr error
			emitted := false
		wsLoop:
			for {
				timeout := idle
				if dl := session.Deadline(); !dl.IsZero() {
					remaining := time.Until(dl)
					if remaining < timeout {
						timeout = remaining
					}
				}
				frame, rerr := conn.ReadFrame(ctx, timeout)
				if rerr != nil {
					if !session.Deadline().IsZero() && time.Now().After(session.Deadline()) {
						streamErr = session.Expire()
					} else {
						streamErr = rerr
					}
					break wsLoop
				}
				res, ferr := session.Feed(frame)
				if ferr != nil {
					streamErr = ferr
					break wsLoop
				}
				if res.Kind == translator.FrameFinal {
					chunk, cerr := p.resolveAsset(ctx, translator.UpstreamEvent{Kind: translator.EventAsset, AssetKind: "image", AssetBytes: res.Bytes}, req.ResponseFormat)
					if cerr != nil {
						streamErr = cerr
						break wsLoop
					}
					emitted = true
					out <- chunk
					break wsLoop
				}
			}
			_ = conn.Close()

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
