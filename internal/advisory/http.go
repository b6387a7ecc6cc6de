package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quantdesk/decision-core/pkg/types"
)

// HTTPProvider scores snapshots against a remote advisory service
// speaking a plain JSON request/response protocol.
type HTTPProvider struct {
	name    string
	url     string
	client  *http.Client
	headers map[string]string
}

// NewHTTPProvider creates a provider for the given endpoint. The
// enclosing Client enforces the pipeline timeout; the HTTP client
// timeout here is a backstop for leaked contexts.
func NewHTTPProvider(name, url string, headers map[string]string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		headers: headers,
	}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

// Score implements Provider.
func (p *HTTPProvider) Score(ctx context.Context, snap types.FeatureSnapshot) (*types.Advisory, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("advisory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisory service returned %d", resp.StatusCode)
	}

	var adv types.Advisory
	if err := json.NewDecoder(resp.Body).Decode(&adv); err != nil {
		return nil, fmt.Errorf("decode advisory: %w", err)
	}

	if adv.Score < -1 || adv.Score > 1 || adv.Confidence < 0 || adv.Confidence > 1 {
		return nil, fmt.Errorf("advisory out of range: score=%f confidence=%f", adv.Score, adv.Confidence)
	}

	return &adv, nil
}
