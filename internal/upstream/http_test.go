package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

func TestStaticDeriverIsConstant(t *testing.T) {
	d := StaticDeriver{Value: "abc123"}
	if d.Derive("token-1", time.Now()) != "abc123" {
		t.Fatal("static deriver must ignore inputs")
	}
	if d.Derive("token-2", time.Now().Add(time.Hour)) != "abc123" {
		t.Fatal("static deriver must ignore inputs")
	}
}

func TestSeededDeriverDeterministic(t *testing.T) {
	d := SeededDeriver{Salt: "s"}
	now := time.Now()
	a := d.Derive("token-1", now)
	b := d.Derive("token-1", now)
	if a != b {
		t.Fatal("seeded deriver must be deterministic for the same input")
	}
}

func TestSendMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   gatewayerr.Kind
	}{
		{http.StatusTooManyRequests, gatewayerr.KindQuotaExhausted},
		{http.StatusUnauthorized, gatewayerr.KindAuthRevoked},
		{http.StatusForbidden, gatewayerr.KindUpstreamHTTP4xx},
		{http.StatusInternalServerError, gatewayerr.KindUpstreamHTTP5xx},
		{http.StatusBadRequest, gatewayerr.KindUpstreamHTTP4xx},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		cfg := config.UpstreamConfig{BaseURL: srv.URL}
		client, err := NewClient(cfg, "", 5*time.Second, StaticDeriver{Value: "fp"})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		_, err = client.Send(context.Background(), "cred", &Request{Kind: KindChat, Body: strings.NewReader("{}")})
		gerr, ok := err.(*gatewayerr.Error)
		if !ok {
			t.Fatalf("status %d: expected *gatewayerr.Error, got %v", tc.status, err)
		}
		if gerr.Kind != tc.kind {
			t.Fatalf("status %d: expected kind %s, got %s", tc.status, tc.kind, gerr.Kind)
		}
		srv.Close()
	}
}

func TestSendSuccessReturnsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cred" {
			t.Errorf("missing bearer auth header")
		}
		if r.Header.Get("X-Fingerprint") == "" {
			t.Errorf("missing fingerprint header")
		}
		_, _ = w.Write([]byte("line one\n"))
	}))
	defer srv.Close()

	cfg := config.UpstreamConfig{BaseURL: srv.URL}
	client, err := NewClient(cfg, "", 5*time.Second, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	stream, err := client.Send(context.Background(), "cred", &Request{
		Kind:        KindChat,
		Fingerprint: client.Fingerprint("cred"),
		Body:        strings.NewReader("{}"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer stream.Close()

	line, err := stream.ReadLine(context.Background())
	if err != nil && err.Error() != "EOF" {
		t.Fatalf("read line: %v", err)
	}
	if strings.TrimSpace(string(line)) != "line one" {
		t.Fatalf("unexpected line: %q", line)
	}
}
