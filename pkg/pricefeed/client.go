// Package pricefeed provides a client for the settlement asset price source.
package pricefeed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/resilience"
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithAsset overrides the asset and quote currency.
func WithAsset(asset, currency string) Option {
	return func(c *Client) {
		c.asset = asset
		c.currency = currency
	}
}

// WithResolution sets the bucket prices are cached at. Zero disables caching.
func WithResolution(d time.Duration) Option {
	return func(c *Client) {
		c.resolution = d
	}
}

// Client implements chain.PriceSource over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	asset      string
	currency   string
	resolution time.Duration
	http       *http.Client
	limiter    *rate.Limiter
	cache      *xsync.Map[int64, decimal.Decimal]
}

var _ chain.PriceSource = (*Client)(nil)

// NewClient creates a price source client.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		asset:      "TAO",
		currency:   "USD",
		resolution: time.Minute,
		http:       &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(5, 5),
		cache:      xsync.NewMap[int64, decimal.Decimal](),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type priceResponse struct {
	Price decimal.Decimal `json:"price"`
}

// PriceAt returns the asset price at the given time. Results are cached per
// resolution bucket.
func (c *Client) PriceAt(ctx context.Context, at time.Time) (decimal.Decimal, error) {
	at = at.UTC()
	var bucket int64
	if c.resolution > 0 {
		at = at.Truncate(c.resolution)
		bucket = at.Unix()
		if p, ok := c.cache.Load(bucket); ok {
			return p, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, eris.Wrap(err, "pricefeed: rate limit wait")
	}

	q := url.Values{}
	q.Set("asset", c.asset)
	q.Set("currency", c.currency)
	q.Set("at", at.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, eris.Wrap(err, "pricefeed: create request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, eris.Wrap(err, "pricefeed: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, eris.Wrap(err, "pricefeed: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, resilience.StatusError("pricefeed", resp.StatusCode, string(body))
	}

	var out priceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, eris.Wrap(err, "pricefeed: unmarshal response")
	}
	if !out.Price.IsPositive() {
		return decimal.Zero, eris.Errorf("pricefeed: non-positive price %s", out.Price)
	}
	if c.resolution > 0 {
		c.cache.Store(bucket, out.Price)
	}
	return out.Price, nil
}
