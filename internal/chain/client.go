// Package chain provides access to the governance indexer: balance and
// delegation reads, block heads, participation data and a streaming feed of
// power change events.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sugawarayuuta/sonnet"

	"github.com/rewired-gh/govpower/internal/models"
)

// ClientConfig holds retry and connection pool settings for the HTTP client.
type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Client provides access to the indexer REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

type balanceResponse struct {
	Power     string `json:"power"`
	Delegated string `json:"delegated"`
	Received  string `json:"received"`
}

type blockResponse struct {
	Number    uint64 `json:"number"`
	Timestamp int64  `json:"timestamp"`
}

type participationRequest struct {
	Addresses []string `json:"addresses"`
}

type participationResponse struct {
	DelegationRate  float64 `json:"delegation_rate"`
	VotingFrequency float64 `json:"voting_frequency"`
	Consistency     float64 `json:"consistency"`
	Complete        bool    `json:"complete"`
}

// NewClient creates a new indexer client.
func NewClient(baseURL string, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:     cfg.IdleConnTimeout,
			},
		},
		config: cfg,
	}
}

// ReadBalance fetches the current balance and one-hop delegation totals for addr.
func (c *Client) ReadBalance(ctx context.Context, addr common.Address) (models.Balance, error) {
	var resp balanceResponse
	if err := c.getJSON(ctx, "/accounts/"+addr.Hex()+"/voting-power", &resp); err != nil {
		return models.Balance{}, err
	}

	power, err := parseAmount("power", resp.Power)
	if err != nil {
		return models.Balance{}, err
	}
	delegated, err := parseAmount("delegated", resp.Delegated)
	if err != nil {
		return models.Balance{}, err
	}
	received, err := parseAmount("received", resp.Received)
	if err != nil {
		return models.Balance{}, err
	}
	return models.Balance{Power: power, Delegated: delegated, Received: received}, nil
}

// LatestBlock fetches the indexer's current head.
func (c *Client) LatestBlock(ctx context.Context) (models.BlockRef, error) {
	var resp blockResponse
	if err := c.getJSON(ctx, "/blocks/latest", &resp); err != nil {
		return models.BlockRef{}, err
	}
	return models.BlockRef{Number: resp.Number, Time: time.Unix(resp.Timestamp, 0).UTC()}, nil
}

// Participation returns the aggregated governance behaviour of addrs.
func (c *Client) Participation(ctx context.Context, addrs []common.Address) (models.BehaviorProfile, error) {
	req := participationRequest{Addresses: make([]string, len(addrs))}
	for i, a := range addrs {
		req.Addresses[i] = a.Hex()
	}
	body, err := sonnet.Marshal(req)
	if err != nil {
		return models.BehaviorProfile{}, fmt.Errorf("failed to encode participation request: %w", err)
	}

	var resp participationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/participation", body, &resp); err != nil {
		return models.BehaviorProfile{}, err
	}
	return models.BehaviorProfile{
		DelegationRate:  resp.DelegationRate,
		VotingFrequency: resp.VotingFrequency,
		Consistency:     resp.Consistency,
		DataIncomplete:  !resp.Complete,
	}, nil
}

// Signals returns market and proposal-activity signals for addr.
func (c *Client) Signals(ctx context.Context, addr common.Address) (models.ExternalSignals, error) {
	var resp models.ExternalSignals
	if err := c.getJSON(ctx, "/accounts/"+addr.Hex()+"/signals", &resp); err != nil {
		return models.ExternalSignals{}, err
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, dst)
}

// doJSON performs a request with linear-backoff retry on transport errors and
// 5xx responses, then decodes the body into dst.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, dst any) error {
	var lastErr error

	for i := 0; i < c.config.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return upstreamErr(ctx.Err())
			case <-time.After(c.config.RetryDelayBase * time.Duration(i)):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return upstreamErr(ctx.Err())
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return models.ErrAccountNotFound
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: unexpected status %d", models.ErrUpstreamRead, resp.StatusCode)
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if err := sonnet.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("%w: failed to decode %s: %v", models.ErrUpstreamRead, path, err)
		}
		return nil
	}

	return fmt.Errorf("%w: max retries exceeded: %v", models.ErrUpstreamRead, lastErr)
}

func upstreamErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", models.ErrUpstreamRead, err)
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid %s amount %q", models.ErrUpstreamRead, field, s)
	}
	return v, nil
}
