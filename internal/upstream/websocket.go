package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

// WSStream is an open image-generation WebSocket connection. Grounded on
// internal/client/gemini-web/media.go's image download/classification flow
// in the teacher, generalized from HTTP-GET-then-save to reading successive
// binary frames, since the teacher has no WS client of its own (dialer usage
// is grounded on the pack's EternisAI-enchanted-proxy websocket.Dialer
// pattern instead).
type WSStream struct {
	conn *websocket.Conn
}

// ReadFrame blocks for the next binary frame or returns an error once the
// connection is closed, ctx is cancelled, or the read deadline trips.
func (s *WSStream) ReadFrame(ctx context.Context, idleTimeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(idleTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("upstream ws: set deadline: %w", err)
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, gatewayerr.New(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("ws read: %v", err))
	}
	return data, nil
}

// WriteJSON sends the initial generation request frame.
func (s *WSStream) WriteJSON(v any) error {
	return s.conn.WriteJSON(v)
}

// Close closes the underlying connection with a normal closure frame.
func (s *WSStream) Close() error {
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

// WSConn is what the pipeline consumes from an open image-generation
// WebSocket. *WSStream satisfies this.
type WSConn interface {
	ReadFrame(ctx context.Context, idleTimeout time.Duration) ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// DialImage opens a WebSocket connection to the image-generation endpoint,
// authenticated the same way as the HTTP client: bearer credential,
// fingerprint header, optional Cloudflare clearance cookie.
func (c *Client) DialImage(ctx context.Context, credential string, req *Request) (WSConn, error) {
	u, err := url.Parse(c.cfg.WebSocketURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse websocket url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	header.Set("X-Fingerprint", req.Fingerprint)
	ua := req.UserAgent
	if ua == "" {
		ua = c.cfg.UserAgent
	}
	if ua != "" {
		header.Set("User-Agent", ua)
	}
	clearance := req.CFClearance
	if clearance == "" {
		clearance = c.cfg.CFClearance
	}
	if clearance != "" {
		header.Add("Cookie", "cf_clearance="+clearance)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, gatewayerr.New(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("ws dial failed (status %d): %v", status, err))
	}
	return &WSStream{conn: conn}, nil
}
