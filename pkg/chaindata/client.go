// Package chaindata provides an HTTP client for the chain data gateway that
// serves per-block delegation stakes, validator yield and conversions.
package chaindata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
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

// WithRateLimit caps requests per second. Zero or less disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

// Client implements chain.Gateway over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

var _ chain.Gateway = (*Client)(nil)

// NewClient creates a gateway client for baseURL. apiKey is sent as a bearer
// token when set.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(20, 20),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type headResponse struct {
	BlockNumber int64 `json:"blockNumber"`
}

type conversionsResponse struct {
	Conversions []chain.ConversionObservation `json:"conversions"`
}

// BlockStakes fetches the validator's delegations at block. A 404 means the
// gateway has no yield record for the block.
func (c *Client) BlockStakes(ctx context.Context, validator string, block int64) (*chain.BlockStakes, error) {
	path := "/validators/" + url.PathEscape(validator) + "/blocks/" + strconv.FormatInt(block, 10)
	var out chain.BlockStakes
	status, err := c.get(ctx, path, nil, &out)
	if status == http.StatusNotFound {
		return &chain.BlockStakes{Validator: validator, Block: block}, nil
	}
	if err != nil {
		return nil, err
	}
	if out.Validator == "" {
		out.Validator = validator
	}
	if out.Block == 0 {
		out.Block = block
	}
	out.BlockTime = out.BlockTime.UTC()
	return &out, nil
}

// ChainHead returns the latest finalized block.
func (c *Client) ChainHead(ctx context.Context) (int64, error) {
	var out headResponse
	if _, err := c.get(ctx, "/head", nil, &out); err != nil {
		return 0, err
	}
	return out.BlockNumber, nil
}

// Conversions lists observed conversions in [start, end].
func (c *Client) Conversions(ctx context.Context, start, end int64, validator string) ([]chain.ConversionObservation, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))
	if validator != "" {
		q.Set("validator", validator)
	}
	var out conversionsResponse
	if _, err := c.get(ctx, "/conversions", q, &out); err != nil {
		return nil, err
	}
	for i := range out.Conversions {
		out.Conversions[i].BlockTime = out.Conversions[i].BlockTime.UTC()
	}
	return out.Conversions, nil
}

// get issues one GET and decodes a 200 body into dst. Non-200 statuses are
// returned as errors together with the status.
func (c *Client) get(ctx context.Context, path string, q url.Values, dst any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, eris.Wrap(err, "chaindata: rate limit wait")
		}
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, eris.Wrap(err, "chaindata: create request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, eris.Wrapf(err, "chaindata: GET %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, eris.Wrap(err, "chaindata: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, resilience.StatusError("chaindata", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return resp.StatusCode, eris.Wrap(err, "chaindata: unmarshal response")
	}
	return resp.StatusCode, nil
}
