// Package upstream builds and executes requests against the proprietary
// upstream service: HTTP for chat/video, WebSocket for image generation when
// configured. Grounded on internal/client/gemini-web/client.go's
// generateOnce (manual http.Request, per-request header loop, cookie
// injection, proxy dialing) in the teacher.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/vornlabs/grokgate/internal/config"
	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

// Kind names the upstream call shape; it selects the URL path. Every kind's
// response is read back through the same newline-delimited LineStream.
type Kind string

const (
	KindChat  Kind = "chat"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Request is everything the HTTP client needs to build one upstream call.
// Built fresh per attempt by the pipeline from a pool.Lease snapshot.
type Request struct {
	Kind        Kind
	TokenID     string
	Fingerprint string
	CFClearance string
	UserAgent   string
	Body        io.Reader
	ContentType string
}

// LineStream reads successive newline-delimited events off an open HTTP
// response body, the wire shape the chat/video upstream uses.
type LineStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// ReadLine blocks for the next complete line or returns io.EOF when the
// upstream closes the connection. Honors ctx cancellation: if ctx is done
// before a line arrives, the response body is closed and ctx.Err() is
// returned.
func (s *LineStream) ReadLine(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.r.ReadBytes('\n')
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		_ = s.body.Close()
		return nil, ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

// Close releases the underlying connection.
func (s *LineStream) Close() error { return s.body.Close() }

// Stream is what pipeline and translator consume from a completed upstream
// call: a line reader that can be closed. *LineStream satisfies this.
type Stream interface {
	ReadLine(ctx context.Context) ([]byte, error)
	Close() error
}

// Client executes upstream HTTP calls. One Client is shared across
// requests; per-call state lives entirely in Request.
type Client struct {
	cfg    config.UpstreamConfig
	http   *http.Client
	deriver Deriver
}

// NewClient builds a Client. proxyURL is optional; when set, every call is
// dialed through it. socks5 URLs are dialed via golang.org/x/net/proxy;
// http/https URLs use http.Transport.Proxy directly — grounded on the
// teacher's internal/util.SetProxy scheme switch.
func NewClient(cfg config.UpstreamConfig, proxyURL string, timeout time.Duration, deriver Deriver) (*Client, error) {
	tr := &http.Transport{}
	if proxyURL != "" {
		pu, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: parse proxy url: %w", err)
		}
		switch pu.Scheme {
		case "socks5":
			var auth *proxy.Auth
			if pu.User != nil {
				password, _ := pu.User.Password()
				auth = &proxy.Auth{User: pu.User.Username(), Password: password}
			}
			dialer, err := proxy.SOCKS5("tcp", pu.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("upstream: build socks5 dialer: %w", err)
			}
			tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		default:
			tr.Proxy = http.ProxyURL(pu)
		}
	}
	if deriver == nil {
		deriver = StaticDeriver{Value: cfg.StaticFingerprint}
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: tr},
		deriver: deriver,
	}, nil
}

func (c *Client) pathFor(kind Kind) string {
	switch kind {
	case KindChat:
		return c.cfg.BaseURL + "/chat/completions"
	case KindImage:
		return c.cfg.BaseURL + "/images/generations"
	case KindVideo:
		return c.cfg.BaseURL + "/videos/generations"
	default:
		return c.cfg.BaseURL
	}
}

// Send issues one upstream HTTP call and returns a LineStream over the
// response body. Callers must Close the stream. A non-2xx status is
// translated to a *gatewayerr.Error per spec.md §7 rather than returned raw.
func (c *Client) Send(ctx context.Context, credential string, req *Request) (Stream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pathFor(req.Kind), req.Body)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, fmt.Sprintf("build request: %v", err))
	}

	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("X-Fingerprint", req.Fingerprint)
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	} else if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	clearance := req.CFClearance
	if clearance == "" {
		clearance = c.cfg.CFClearance
	}
	if clearance != "" {
		httpReq.AddCookie(&http.Cookie{Name: "cf_clearance", Value: clearance})
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("upstream request failed: %v", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, gatewayerr.New(gatewayerr.KindQuotaExhausted, "upstream reports rate limit")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		kind := gatewayerr.KindUpstreamHTTP4xx
		if resp.StatusCode == http.StatusUnauthorized {
			kind = gatewayerr.KindAuthRevoked
		}
		return nil, gatewayerr.New(kind, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, gatewayerr.New(gatewayerr.KindUpstreamHTTP5xx, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, gatewayerr.New(gatewayerr.KindUpstreamHTTP4xx, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}

	return &LineStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

// Fingerprint derives the anti-bot header value for one attempt.
func (c *Client) Fingerprint(tokenID string) string {
	return c.deriver.Derive(tokenID, time.Now())
}
