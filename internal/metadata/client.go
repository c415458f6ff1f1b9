// Package metadata fetches short metadata proofs for the generic Substrate
// Ledger app.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yolodolo42/hwsign/internal/signing"
)

const (
	DefaultURL     = "https://api.zondax.ch/polkadot/transaction/metadata"
	DefaultTimeout = 10 * time.Second
	DefaultRPS     = 2
)

// Client talks to a metadata shortening service.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a client for the service at url.
func NewClient(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:     url,
		http:    &http.Client{Timeout: DefaultTimeout},
		limiter: rate.NewLimiter(DefaultRPS, 1),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chainRef struct {
	ID string `json:"id"`
}

type request struct {
	Chain  chainRef `json:"chain"`
	TxBlob string   `json:"txBlob"`
}

type response struct {
	TxMetadata string `json:"txMetadata"`
}

// Fetch returns the metadata proof bound to the exact extrinsic bytes. Any
// non-2xx answer or malformed body fails the signing attempt.
func (c *Client) Fetch(ctx context.Context, chain string, extrinsic []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(request{Chain: chainRef{ID: chain}, TxBlob: hexutil.Encode(extrinsic)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata request: %w", signing.ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata request: %w", signing.ErrProtocol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: metadata service returned status %d: %s", signing.ErrProtocol, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed metadata response: %w", signing.ErrProtocol, err)
	}
	proof, err := hexutil.Decode(out.TxMetadata)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed metadata proof: %w", signing.ErrProtocol, err)
	}
	c.log.Debug("fetched metadata proof", zap.String("chain", chain), zap.Int("bytes", len(proof)))
	return proof, nil
}
