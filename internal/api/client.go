package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Client represents a client for the document-processing API
type Client struct {
	baseURL string
	token   string
	http    *resty.Client
	limiter *rate.Limiter
}

// Options tunes the underlying HTTP client
type Options struct {
	Timeout        time.Duration
	RetryCount     int
	RateLimitRPS   float64
	RateLimitBurst int
}

// DefaultOptions returns the settings used by the desktop app
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		RetryCount:     3,
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}

// NewClient creates a new API client authenticated with a bearer token
func NewClient(baseURL, token string, opts Options) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}

	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client.http = resty.New().
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return false
			}
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})
	if token != "" {
		client.http.SetAuthToken(token)
	}

	return client
}

// BaseURL returns the API root without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token used for requests and push channels
func (c *Client) Token() string {
	return c.token
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) (*resty.Response, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Get(c.BuildURL(endpoint))
}

// Post performs a POST request with an optional JSON body
func (c *Client) Post(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	return req.Post(c.BuildURL(endpoint))
}

// Put performs a PUT request with a JSON body
func (c *Client) Put(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	return req.
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Put(c.BuildURL(endpoint))
}

// GetJSON performs a GET and decodes a successful response into out
func (c *Client) GetJSON(ctx context.Context, endpoint string, params map[string]string, out interface{}) error {
	resp, err := c.Get(ctx, endpoint, params)
	if err != nil {
		return fmt.Errorf("failed to GET %s: %w", endpoint, err)
	}
	return decode(endpoint, resp, out)
}

// PostJSON performs a POST and decodes a successful response into out (out may be nil)
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload, out interface{}) error {
	resp, err := c.Post(ctx, endpoint, payload)
	if err != nil {
		return fmt.Errorf("failed to POST %s: %w", endpoint, err)
	}
	return decode(endpoint, resp, out)
}

// PutJSON performs a PUT and decodes a successful response into out (out may be nil)
func (c *Client) PutJSON(ctx context.Context, endpoint string, payload, out interface{}) error {
	resp, err := c.Put(ctx, endpoint, payload)
	if err != nil {
		return fmt.Errorf("failed to PUT %s: %w", endpoint, err)
	}
	return decode(endpoint, resp, out)
}

// BuildURL constructs the full URL for an endpoint
func (c *Client) BuildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.New().String()), nil
}

func decode(endpoint string, resp *resty.Response, out interface{}) error {
	if err := CheckResponse(endpoint, resp); err != nil {
		return err
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", endpoint, err)
	}
	return nil
}
