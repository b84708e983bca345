// Package source implements the rate-limited, paginated fetcher against the
// CRM REST API. Every page request first acquires a token from the shared
// rate limiter; transient failures (rate-limit rejections, timeouts, 5xx)
// are retried with exponential backoff up to a bounded attempt count.
package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/crmbridge/crmsync/pkg/config"
	"github.com/crmbridge/crmsync/pkg/crm"
	"github.com/crmbridge/crmsync/pkg/errors"
	"github.com/crmbridge/crmsync/pkg/metrics"
	"github.com/crmbridge/crmsync/pkg/ratelimit"
)

// Client talks to the source CRM API. It is safe for use by a single fetch
// loop; the rate limiter it holds is shared process-wide.
type Client struct {
	endpoint   string
	pageSize   int
	httpClient *http.Client
	limiter    ratelimit.Limiter
	retry      *RetryPolicy
	logger     *zap.Logger
}

// NewClient builds a source client from configuration. The limiter is
// injected so tests can multiply-instantiate it and so a future revision
// can share one limiter across parallel fetchers.
func NewClient(cfg config.SourceConfig, rel config.ReliabilityConfig, limiter ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to configure HTTP/2 transport")
	}

	retry := NewRetryPolicy(rel.RetryAttempts, rel.RetryDelay)
	retry.Multiplier = rel.RetryMultiplier
	retry.MaxDelay = rel.MaxRetryDelay

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		pageSize: cfg.PageSize,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		limiter: limiter,
		retry:   retry,
		logger:  logger,
	}, nil
}

// listResponse mirrors the source wire shape: a result list, a total count,
// and an optional next offset when more pages remain.
type listResponse struct {
	Result           []crm.RawRecord `json:"result"`
	Total            int             `json:"total"`
	Next             *int            `json:"next,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
}

// Page is one fetched page of raw records.
type Page struct {
	Records []crm.RawRecord
	Offset  int
}

// fetchPage issues a single rate-limited list request at the given offset.
func (c *Client) fetchPage(ctx context.Context, kind crm.Kind, since *time.Time, offset int) (*listResponse, error) {
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		// Cancellation during shutdown, never a transient source failure;
		// returned unwrapped so the retry loop stops immediately.
		return nil, err
	}
	metrics.RateLimitWait.Observe(time.Since(waitStart).Seconds())

	desc := crm.Describe(kind)

	params := url.Values{}
	params.Set("start", strconv.Itoa(offset))
	for _, field := range desc.SelectFields {
		params.Add("select[]", field)
	}
	if since != nil {
		params.Set(fmt.Sprintf("filter[>%s]", desc.ModifiedField), since.UTC().Format(time.RFC3339))
	}

	reqURL := fmt.Sprintf("%s/%s.json?%s", c.endpoint, desc.ListMethod, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed").
			WithDetail("method", desc.ListMethod).
			WithDetail("offset", offset)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, errors.New(errors.ErrorTypeRateLimit, "source rejected request: rate limit exceeded").
			WithDetail("status", resp.StatusCode).
			WithDetail("method", desc.ListMethod)
	case resp.StatusCode >= 500:
		return nil, errors.New(errors.ErrorTypeConnection, "source server error").
			WithDetail("status", resp.StatusCode).
			WithDetail("method", desc.ListMethod)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.New(errors.ErrorTypeQuery, "source client error").
			WithDetail("status", resp.StatusCode).
			WithDetail("method", desc.ListMethod)
	}

	var page listResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "malformed page payload").
			WithDetail("method", desc.ListMethod).
			WithDetail("offset", offset)
	}
	if page.Error != "" {
		if page.Error == "QUERY_LIMIT_EXCEEDED" {
			return nil, errors.New(errors.ErrorTypeRateLimit, "source rejected request: query limit exceeded").
				WithDetail("method", desc.ListMethod)
		}
		return nil, errors.New(errors.ErrorTypeQuery, page.ErrorDescription).
			WithDetail("code", page.Error).
			WithDetail("method", desc.ListMethod)
	}

	return &page, nil
}
