package translator

import (
	"context"
	"strings"
	"time"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

// RunAssetStream parses an image/video upstream line stream into
// UpstreamEvents without interpreting Asset payloads itself — the pipeline
// owns handing Asset bytes/URLs to the media cache, since that's an I/O
// concern outside the translator's parsing responsibility.
func RunAssetStream(ctx context.Context, src LineSource, idleTimeout time.Duration) (<-chan UpstreamEvent, <-chan error) {
	events := make(chan UpstreamEvent, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		for {
			readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
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
					events <- UpstreamEvent{Kind: EventDone, DoneReason: "stop"}
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
				continue
			}
			events <- ev
			if ev.Kind == EventDone || ev.Kind == EventError {
				return
			}
		}
	}()

	return events, errs
}
