package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSubmitter posts settlement authorizations to a facilitator endpoint.
type HTTPSubmitter struct {
	url    string
	client *http.Client
}

// NewHTTPSubmitter targets the facilitator at url. The HTTP client carries
// no timeout of its own; Settle's caller-supplied timeout bounds the call
// through the request context.
func NewHTTPSubmitter(url string) *HTTPSubmitter {
	return &HTTPSubmitter{url: url, client: &http.Client{}}
}

type submitRequest struct {
	Authorization string `json:"authorization"`
	QuoteID       string `json:"quote_id"`
}

type submitResponse struct {
	TxHash    string    `json:"tx_hash"`
	Network   string    `json:"network"`
	SettledAt time.Time `json:"settled_at"`
	Error     string    `json:"error,omitempty"`
}

// Submit implements Submitter.
func (s *HTTPSubmitter) Submit(ctx context.Context, authorization, quoteID string) (*Receipt, error) {
	body, err := json.Marshal(submitRequest{Authorization: authorization, QuoteID: quoteID})
	if err != nil {
		return nil, fmt.Errorf("facilitator: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("facilitator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facilitator: submit: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("facilitator: read response: %w", err)
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("facilitator: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = string(raw)
		}
		return nil, fmt.Errorf("facilitator: submit rejected (status %d): %s", resp.StatusCode, msg)
	}
	return &Receipt{TxHash: out.TxHash, Network: out.Network, SettledAt: out.SettledAt}, nil
}
