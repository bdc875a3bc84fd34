package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/pool/store"
	"github.com/vornlabs/grokgate/internal/upstream"
)

type fakeStream struct {
	lines [][]byte
	i     int
}

func (s *fakeStream) ReadLine(ctx context.Context) ([]byte, error) {
	if s.i >= len(s.lines) {
		return nil, errEOF
	}
	l := s.lines[s.i]
	s.i++
	return l, nil
}
func (s *fakeStream) Close() error { return nil }

var errEOF = &eofError{}

type eofError struct{}

func (*eofError) Error() string { return "EOF" }

type scriptedCall struct {
	stream *fakeStream
	err    error
}

// fakeUpstream replays a scripted sequence of Send results, one per call,
// and records which credential each call used.
type fakeUpstream struct {
	calls []scriptedCall
	used  []string
	n     int
}

func (f *fakeUpstream) Fingerprint(tokenID string) string { return "fp-" + tokenID }

func (f *fakeUpstream) Send(ctx context.Context, credential string, req *upstream.Request) (upstream.Stream, error) {
	f.used = append(f.used, credential)
	if f.n >= len(f.calls) {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, "no more scripted calls")
	}
	c := f.calls[f.n]
	f.n++
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

func (f *fakeUpstream) DialImage(ctx context.Context, credential string, req *upstream.Request) (upstream.WSConn, error) {
	return nil, gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, "not used in this test")
}

func newTestPipeline(t *testing.T, up UpstreamClient) (*Pipeline, *pool.Manager) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mgr := pool.NewManager(config.PoolConfig{FailThreshold: 5, SaveDelayMS: 1}, st, nil, nil)
	retry := config.RetryConfig{MaxRetry: 3, RetryStatusCodes: []int{401, 403, 429}, BackoffBaseSec: 0.001, BackoffFactor: 1, BackoffMaxSec: 0.01, BudgetSec: 5}
	stream := config.StreamConfig{StreamTimeoutSec: 2}
	p := New(mgr, up, nil, retry, stream, config.ImageConfig{}, config.VideoConfig{}, nil)
	return p, mgr
}

func TestRetryNeverReusesTokenOn500(t *testing.T) {
	up := &fakeUpstream{calls: []scriptedCall{
		{err: gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, "boom")},
		{stream: &fakeStream{lines: [][]byte{[]byte(`{"type":"delta","text":"ok"}` + "\n"), []byte(`{"type":"done","reason":"stop"}` + "\n")}}},
	}}
	p, mgr := newTestPipeline(t, up)
	_ = mgr.Import([]*pool.Record{{ID: "tok-a", Class: pool.Basic}, {ID: "tok-b", Class: pool.Basic}})

	chunks, errs := p.RunChat(context.Background(), ChatRequest{Model: "grok-4", ClassHint: pool.Basic, Body: []byte("{}")})
	var text string
	for c := range chunks {
		text += c.Delta.Content
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "ok" {
		t.Fatalf("expected successful content after retry, got %q", text)
	}
	if len(up.used) != 2 || up.used[0] == up.used[1] {
		t.Fatalf("expected two distinct tokens used, got %v", up.used)
	}
}

func TestQuotaExhaustedRetriesWithOtherToken(t *testing.T) {
	up := &fakeUpstream{calls: []scriptedCall{
		{err: gatewayerr.New(gatewayerr.KindQuotaExhausted, "rate limited").WithResetAt(time.Now().Add(time.Hour))},
		{stream: &fakeStream{lines: [][]byte{[]byte(`{"type":"done","reason":"stop"}` + "\n")}}},
	}}
	p, mgr := newTestPipeline(t, up)
	_ = mgr.Import([]*pool.Record{{ID: "tok-a", Class: pool.Basic}, {ID: "tok-b", Class: pool.Basic}})

	chunks, errs := p.RunChat(context.Background(), ChatRequest{Model: "grok-4", ClassHint: pool.Basic, Body: []byte("{}")})
	for range chunks {
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(up.used) != 2 || up.used[0] == up.used[1] {
		t.Fatalf("expected fallback to the other token, got %v", up.used)
	}

	all := mgr.ListAll()
	for _, r := range all {
		if r.ID == up.used[0] && r.CoolOffUntil.IsZero() {
			t.Fatalf("expected first token to carry a cool-off window")
		}
	}
}

func TestThresholdDisableAcrossRequests(t *testing.T) {
	calls := make([]scriptedCall, 5)
	for i := range calls {
		calls[i] = scriptedCall{err: gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, "boom")}
	}
	up := &fakeUpstream{calls: calls}
	p, mgr := newTestPipeline(t, up)
	_ = mgr.Import([]*pool.Record{{ID: "tok-a", Class: pool.Basic}})

	// Force retry budget to zero so each RunChat makes exactly one attempt.
	p.retry.MaxRetry = 0

	for i := 0; i < 5; i++ {
		chunks, errs := p.RunChat(context.Background(), ChatRequest{Model: "grok-4", ClassHint: pool.Basic, Body: []byte("{}")})
		for range chunks {
		}
		if err := <-errs; err == nil {
			t.Fatalf("attempt %d: expected an error", i)
		}
	}

	time.Sleep(10 * time.Millisecond)
	_, err := mgr.Acquire(pool.Basic, "chat")
	if err != pool.NoToken {
		t.Fatalf("expected token disabled after 5 consecutive failures, got err=%v", err)
	}
}
