package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vornlabs/grokgate/internal/gatewayerr"
)

// AssetRef is one remotely-stored generation the upstream still retains
// against a credential, surfaced by the batch engine's list_remote_assets
// task.
type AssetRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type listAssetsResponse struct {
	Assets []AssetRef `json:"assets"`
}

// ListRemoteAssets enumerates assets the upstream still retains for
// credential, grounded on RefreshQuota's GET-and-decode shape.
func (c *Client) ListRemoteAssets(ctx context.Context, credential string) ([]AssetRef, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/assets", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build list assets request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("X-Fingerprint", c.Fingerprint(credential))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("list assets: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamHTTP4xx, fmt.Sprintf("list assets status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream: read list assets body: %w", err)
	}
	var parsed listAssetsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode list assets body: %w", err)
	}
	return parsed.Assets, nil
}

// EnableContentMode flips the upstream's content-mode flag for credential
// (the account-level toggle the enable_content_mode batch task drives).
func (c *Client) EnableContentMode(ctx context.Context, credential string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/content-mode", nil)
	if err != nil {
		return fmt.Errorf("upstream: build content mode request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("X-Fingerprint", c.Fingerprint(credential))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("enable content mode: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gatewayerr.New(gatewayerr.KindUpstreamHTTP4xx, fmt.Sprintf("enable content mode status %d", resp.StatusCode))
	}
	return nil
}

// PurgeRemoteAssets deletes every asset the upstream retains for credential
// and reports how many were removed.
func (c *Client) PurgeRemoteAssets(ctx context.Context, credential string) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+"/assets", nil)
	if err != nil {
		return 0, fmt.Errorf("upstream: build purge assets request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("X-Fingerprint", c.Fingerprint(credential))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, gatewayerr.New(gatewayerr.KindUpstreamTimeout, fmt.Sprintf("purge assets: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, gatewayerr.New(gatewayerr.KindUpstreamHTTP4xx, fmt.Sprintf("purge assets status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("upstream: read purge assets body: %w", err)
	}
	var parsed struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("upstream: decode purge assets body: %w", err)
	}
	return parsed.Removed, nil
}
