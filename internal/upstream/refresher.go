package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
	"github.com/vornlabs/grokgate/internal/pool"
)

// quotaProbeResponse is the shape of the upstream's remaining-quota endpoint.
type quotaProbeResponse struct {
	Remaining     int   `json:"remaining"`
	WindowResetAt int64 `json:"window_reset_at"`
}

// RefreshQuota implements pool.Refresher by calling the upstream's quota
// endpoint with the record's own credential. Satisfies the pool package's
// refresh scheduler contract (spec.md §4.1).
func (c *Client) RefreshQuota(ctx context.Context, r *pool.Record) (pool.QuotaSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/usage", nil)
	if err != nil {
		return pool.QuotaSnapshot{}, fmt.Errorf("upstream refresh: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.ID)
	httpReq.Header.Set("X-Fingerprint", c.Fingerprint(r.ID))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return pool.QuotaSnapshot{}, gatewayerr.New(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("usage probe: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pool.QuotaSnapshot{}, gatewayerr.New(gatewayerr.KindUpstreamHTTP4xx, fmt.Sprintf("usage probe status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pool.QuotaSnapshot{}, fmt.Errorf("upstream refresh: read body: %w", err)
	}
	var parsed quotaProbeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return pool.QuotaSnapshot{}, fmt.Errorf("upstream refresh: decode body: %w", err)
	}

	return pool.QuotaSnapshot{
		Remaining:     parsed.Remaining,
		WindowResetAt: time.Unix(parsed.WindowResetAt, 0),
	}, nil
}
