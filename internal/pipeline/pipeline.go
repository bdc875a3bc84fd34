package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/translator"
	"github.com/vornlabs/grokgate/internal/upstream"
)

// MediaCache is the subset of internal/mediacache's contract the pipeline
// needs to resolve Asset events into gateway-local URLs.
type MediaCache interface {
	Put(ctx context.Context, data []byte, kind string) (url string, err error)
	FetchAndStore(ctx context.Context, remoteURL string, kind string) (url string, err error)
}

// ChatRequest is everything RunChat needs beyond token acquisition: the
// already-canonicalized upstream body and the class hint derived from the
// model name (spec.md §6 "Model → token class mapping").
type ChatRequest struct {
	Model       string
	ClassHint   pool.Class
	Body        []byte
	ContentType string
	Thinking    bool
}

// ImageRequest is the equivalent of ChatRequest for image generation.
type ImageRequest struct {
	Model          string
	ClassHint      pool.Class
	Body           []byte
	ContentType    string
	UseWebSocket   bool
	ResponseFormat string // "url" | "b64_json"
}

// VideoRequest is the equivalent of ChatRequest for video generation.
type VideoRequest struct {
	Model       string
	ClassHint   pool.Class
	Body        []byte
	ContentType string
}

// UpstreamClient is the subset of upstream.Client the pipeline depends on;
// an interface so tests can substitute a fake without a real network call.
type UpstreamClient interface {
	Fingerprint(tokenID string) string
	Send(ctx context.Context, credential string, req *upstream.Request) (upstream.Stream, error)
	DialImage(ctx context.Context, credential string, req *upstream.Request) (upstream.WSConn, error)
}

// Pipeline ties the pool, upstream client, and translator together per
// spec.md §4.2.
type Pipeline struct {
	pool     *pool.Manager
	upstream UpstreamClient
	cache    MediaCache
	retry    config.RetryConfig
	stream   config.StreamConfig
	image    config.ImageConfig
	video    config.VideoConfig
	log      *logrus.Entry
}

// New builds a Pipeline.
func New(mgr *pool.Manager, client UpstreamClient, cache MediaCache, retry config.RetryConfig, stream config.StreamConfig, image config.ImageConfig, video config.VideoConfig, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{pool: mgr, upstream: client, cache: cache, retry: retry, stream: stream, image: image, video: video, log: log.WithField("component", "pipeline")}
}

// attemptBudget tracks retry bookkeeping shared by every Run* method.
type attemptBudget struct {
	started         time.Time
	attempt         int
	distinctAuthErr int
	maxRetry        int
	budget          time.Duration
}

func (p *Pipeline) newBudget() *attemptBudget {
	return &attemptBudget{
		started:  time.Now(),
		maxRetry: p.retry.MaxRetry,
		budget:   time.Duration(p.retry.BudgetSec * float64(time.Second)),
	}
}

func (b *attemptBudget) exhausted() bool {
	return b.attempt > b.maxRetry || time.Since(b.started) > b.budget
}

func (b *attemptBudget) sleepBeforeRetry(retry config.RetryConfig) {
	time.Sleep(backoff(b.attempt, retry.BackoffBaseSec, retry.BackoffFactor, retry.BackoffMaxSec))
}

// isRetryableStatus reports whether status is in the configured retryable
// set (spec.md §4.2 rule 1).
func (p *Pipeline) isRetryableStatus(status int) bool {
	for _, s := range p.retry.RetryStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// acquireOrFail acquires a token, mapping NoToken to the pool_empty error
// kind.
func (p *Pipeline) acquireOrFail(classHint pool.Class, purpose string) (*pool.Lease, error) {
	lease, err := p.pool.Acquire(classHint, purpose)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindPoolEmpty, "no selectable token for requested class")
	}
	return lease, nil
}

// classifyAndRelease inspects err (expected to be a *gatewayerr.Error from
// the upstream package), releases lease with the matching Outcome, and
// reports whether the caller should retry with a fresh token.
func (p *Pipeline) classifyAndRelease(lease *pool.Lease, err error, b *attemptBudget, emittedBytes bool) (retry bool, final error) {
	gerr, ok := err.(*gatewayerr.Error)
	if !ok {
		p.pool.Release(lease, pool.TerminalFailureOutcome(err.Error()))
		return false, gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, err.Error())
	}

	switch gerr.Kind {
	case gatewayerr.KindQuotaExhausted:
		resetAt := gerr.ResetAt
		if resetAt.IsZero() {
			resetAt = time.Now().Add(time.Minute)
		}
		p.pool.Release(lease, pool.QuotaExhaustedOutcome(resetAt))
		if emittedBytes || b.exhausted() {
			return false, gerr
		}
		return true, nil

	case gatewayerr.KindAuthRevoked:
		p.pool.Release(lease, pool.TerminalFailureOutcome("auth_revoked"))
		b.distinctAuthErr++
		if b.distinctAuthErr >= 2 {
			return false, gatewayerr.New(gatewayerr.KindAuthRevoked, "upstream_unavailable: auth revoked on two distinct tokens")
		}
		if emittedBytes || b.exhausted() {
			return false, gerr
		}
		return true, nil

	case gatewayerr.KindUpstreamHTTP4xx, gatewayerr.KindUpstreamHTTP5xx:
		status := 500
		p.pool.Release(lease, pool.TransientFailureOutcome(status))
		if emittedBytes || b.exhausted() || !gerr.Retryable {
			return false, gerr
		}
		return true, nil

	case gatewayerr.KindUpstreamTimeout:
		p.pool.Release(lease, pool.TransientFailureOutcome(0))
		return false, gerr

	default:
		p.pool.Release(lease, pool.TerminalFailureOutcome(string(gerr.Kind)))
		return false, gerr
	}
}

func (p *Pipeline) idleTimeoutFor(kind upstream.Kind) time.Duration {
	switch kind {
	case upstream.KindVideo:
		return time.Duration(p.video.StreamTimeoutSec) * time.Second
	case upstream.KindImage:
		return time.Duration(p.image.StreamTimeoutSec) * time.Second
	default:
		return time.Duration(p.stream.StreamTimeoutSec) * time.Second
	}
}

