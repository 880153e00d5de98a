package upstream

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/peak1031/ppsync/internal/util"
)

const (
	apiRoute = "/api/v2"

	// DefaultBackoff429 is the fixed pause applied when the provider returns
	// 429 despite the local rate limiter (clock drift, concurrent processes).
	DefaultBackoff429 = 60 * time.Second

	maxRateLimitRetries = 3
)

// TokenSource supplies bearer tokens for outbound calls. Implemented by the
// token Manager.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	InvalidateCache()
}

// PageFetchError reports a non-429 provider error for one page fetch.
type PageFetchError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("practicepanther returned %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// Client is the sole network egress point for the sync engine. Every request
// resolves a valid bearer token, passes the rate-limit gate, and demotes
// 401/429 responses into retry behavior.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	limiter    *RateLimiter
	backoff429 time.Duration
}

// NewClient creates a PracticePanther API client.
func NewClient(baseURL string, tokens TokenSource, limiter *RateLimiter) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    baseURL,
		tokens:     tokens,
		limiter:    limiter,
		backoff429: DefaultBackoff429,
	}
}

// SetBackoff429 overrides the fixed 429 backoff (used in tests).
func (c *Client) SetBackoff429(d time.Duration) { c.backoff429 = d }

// FetchPage fetches one page of records for an entity endpoint, normalizing
// the response envelope. updatedSince scopes an incremental fetch.
func (c *Client) FetchPage(ctx context.Context, path string, page, perPage int, updatedSince *time.Time) (*Page, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	if updatedSince != nil {
		query.Set("updated_since", updatedSince.UTC().Format(time.RFC3339))
	}

	body, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return NormalizePage(body)
}

// TestConnection performs a lightweight liveness probe against the API.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	query := url.Values{}
	query.Set("per_page", "1")
	if _, err := c.get(ctx, "/users", query); err != nil {
		return false, err.Error()
	}
	return true, "practicepanther API reachable"
}

// get executes one authenticated GET, retrying once after a 401 (token
// re-resolution) and backing off on 429. All other errors propagate.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	reqURL := c.baseURL + apiRoute + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	retried401 := false
	rateRetries := 0
	for {
		accessToken, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return nil, err
		}

		if err := c.limiter.BeforeRequest(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil

		case resp.StatusCode == http.StatusUnauthorized && !retried401:
			// Token rejected; drop the cached one so the manager re-resolves
			// (refreshing if possible) and retry once.
			log.Printf("⚠️ 401 from %s, invalidating cached token and retrying", path)
			c.tokens.InvalidateCache()
			retried401 = true
			continue

		case resp.StatusCode == http.StatusTooManyRequests && rateRetries < maxRateLimitRetries:
			rateRetries++
			delay := parseRetryDelay(resp)
			if delay <= 0 {
				delay = c.backoff429
			}
			log.Printf("⏸️ 429 from %s, backing off %s (attempt %d/%d)", path, delay, rateRetries, maxRateLimitRetries)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, &PageFetchError{
				StatusCode: resp.StatusCode,
				URL:        reqURL,
				Body:       util.TruncateLog(string(body), 512),
			}
		}
	}
}

// parseRetryDelay extracts a retry duration from a 429 response's Retry-After
// header (seconds or HTTP date). Returns 0 if absent.
func parseRetryDelay(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}
	return 0
}
