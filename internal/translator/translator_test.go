package translator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

func TestTagFilterRoundTripsPlainText(t *testing.T) {
	texts := []string{
		"hello world",
		"no tags here, just punctuation! <3 maybe",
		"",
	}
	for _, want := range texts {
		f := NewTagFilter([]string{"xaiartifact", "xai:tool_usage_card", "grok:render"})
		got := f.Feed(want) + f.Flush()
		if got != want {
			t.Fatalf("round trip failed: want %q got %q", want, got)
		}
	}
}

func TestTagFilterSuppressesBody(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})
	out := f.Feed("before <xaiartifact>hidden</xaiartifact> after")
	if out != "before  after" {
		t.Fatalf("expected suppressed body, got %q", out)
	}
}

func TestTagFilterFlushesUnterminatedTagBody(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})
	out := f.Feed("before <xaiartifact>hidden text that never closes")
	out += f.Flush()
	if out != "before hidden text that never closes" {
		t.Fatalf("expected unterminated tag body flushed as plain text, got %q", out)
	}
}

func TestTagFilterDiscardsProperlyClosedBodyOnFlush(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})
	out := f.Feed("before <xaiartifact>hidden</xaiartifact> after")
	out += f.Flush()
	if out != "before  after" {
		t.Fatalf("expected closed body to stay suppressed after flush, got %q", out)
	}
}

func TestTagFilterHandlesNesting(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})
	out := f.Feed("<xaiartifact>a<xaiartifact>b</xaiartifact>c</xaiartifact>visible")
	if out != "visible" {
		t.Fatalf("expected nested suppression through to outer close, got %q", out)
	}
}

type fakeLineSource struct {
	lines [][]byte
	i     int
}

func (f *fakeLineSource) ReadLine(ctx context.Context) ([]byte, error) {
	if f.i >= len(f.lines) {
		return nil, io.EOF
	}
	line := f.lines[f.i]
	f.i++
	return line, nil
}

func TestRunChatEmitsDeltasThenStop(t *testing.T) {
	src := &fakeLineSource{lines: [][]byte{
		[]byte(`{"type":"delta","text":"Hello"}` + "\n"),
		[]byte(`{"type":"delta","text":" world"}` + "\n"),
		[]byte(`{"type":"done","reason":"stop"}` + "\n"),
	}}
	chunks, errs := RunChat(context.Background(), src, ChatOptions{Model: "grok-4", IdleTimeout: time.Second})

	var text string
	var finished bool
	for c := range chunks {
		text += c.Delta.Content
		if c.FinishReason != "" {
			finished = true
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("expected concatenated deltas, got %q", text)
	}
	if !finished {
		t.Fatal("expected a finish_reason chunk")
	}
}

type blockingLineSource struct{}

func (blockingLineSource) ReadLine(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, errors.New("context deadline exceeded")
}

func TestRunChatIdleTimeout(t *testing.T) {
	chunks, errs := RunChat(context.Background(), blockingLineSource{}, ChatOptions{Model: "grok-4", IdleTimeout: 20 * time.Millisecond})
	for range chunks {
	}
	err := <-errs
	gerr, ok := err.(*gatewayerr.Error)
	if !ok || gerr.Kind != gatewayerr.KindUpstreamTimeout {
		t.Fatalf("expected upstream_timeout, got %v", err)
	}
}

func TestWSImageSessionBlockedOnExpiry(t *testing.T) {
	s := NewWSImageSession(20*1024, 80*1024, 50*time.Millisecond)
	s.Opened()

	medium := make([]byte, 40*1024)
	res, err := s.Feed(medium)
	if err != nil {
		t.Fatalf("unexpected error on medium frame: %v", err)
	}
	if res.Kind != FrameMedium {
		t.Fatalf("expected medium classification, got %s", res.Kind)
	}

	time.Sleep(60 * time.Millisecond)
	if time.Now().Before(s.Deadline()) {
		t.Fatal("expected deadline to have passed")
	}
	err = s.Expire()
	gerr, ok := err.(*gatewayerr.Error)
	if !ok || gerr.Kind != gatewayerr.KindBlocked {
		t.Fatalf("expected translator_blocked, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected session closed after expiry, got %s", s.State())
	}
}

func TestWSImageSessionEmitsFinal(t *testing.T) {
	s := NewWSImageSession(20*1024, 80*1024, time.Second)
	s.Opened()

	preview := make([]byte, 1024)
	if res, err := s.Feed(preview); err != nil || res.Kind != FramePreview {
		t.Fatalf("expected preview classification, got %+v err=%v", res, err)
	}

	final := make([]byte, 90*1024)
	res, err := s.Feed(final)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != FrameFinal {
		t.Fatalf("expected final classification, got %s", res.Kind)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed after final, got %s", s.State())
	}
}
