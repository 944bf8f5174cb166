// Package walletclient reads leg outcomes from the wallet-service for the
// reconciliation sweep.
package walletclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/resilience"
)

const settlementsPath = "/internal/settlements/"

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	gate    *resilience.Gate
}

// New returns a client for the wallet-service at baseURL. Every call goes
// through gate, so timeouts and 5xx responses are retried and count against
// its breaker.
func New(baseURL string, timeout time.Duration, gate *resilience.Gate) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		gate:    gate,
	}
}

type apiError struct {
	Error string `json:"error"`
}

// Settlements returns every leg outcome recorded for txID. A transaction the
// wallet has never seen yields an empty slice.
func (c *Client) Settlements(ctx context.Context, txID uuid.UUID) ([]domain.Settlement, error) {
	var out []domain.Settlement
	err := c.gate.Do(ctx, func(ctx context.Context) error {
		got, err := c.fetch(ctx, txID)
		if err != nil {
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read settlements for %s: %w", txID, err)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, txID uuid.UUID) ([]domain.Settlement, error) {
	endpoint := c.baseURL + settlementsPath + url.PathEscape(txID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wallet-service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return []domain.Settlement{}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, statusError(resp.StatusCode, body)
	default:
		return nil, resilience.Permanent(statusError(resp.StatusCode, body))
	}

	var settlements []domain.Settlement
	if err := json.Unmarshal(body, &settlements); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode settlements: %w", err))
	}
	if settlements == nil {
		settlements = []domain.Settlement{}
	}
	return settlements, nil
}

func statusError(code int, body []byte) error {
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("wallet-service error (%d): %s", code, e.Error)
	}
	return fmt.Errorf("wallet-service error (%d): %s", code, strings.TrimSpace(string(body)))
}
