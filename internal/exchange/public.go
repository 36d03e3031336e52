package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"futures-keeper/internal/ratelimit"
	"futures-keeper/pkg/types"
)

// PublicClient reads public market data over plain REST. Each attempt,
// retries included, is observed by the governor under the origin basis.
type PublicClient struct {
	http   *resty.Client
	settle string
	logger *slog.Logger
}

// PublicOptions configures the public client.
type PublicOptions struct {
	BaseURL string
	Settle  string
	Caller  ratelimit.Caller
	Enforce bool
	Timeout time.Duration
}

// NewPublicClient creates a public market-data client. gov may be nil.
func NewPublicClient(opts PublicOptions, gov *ratelimit.Governor, logger *slog.Logger) *PublicClient {
	logger = logger.With("component", "public_client")
	basePath := ""
	if u, err := url.Parse(opts.BaseURL); err == nil {
		basePath = strings.TrimRight(u.Path, "/")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			// Retries see the already-resolved absolute URL.
			path := basePath + r.URL
			if u, err := url.Parse(r.URL); err == nil && u.IsAbs() {
				path = u.Path
			}
			return observeCall(r.Context(), gov, opts.Enforce, r.Method, path, opts.Caller, logger)
		})

	return &PublicClient{
		http:   httpClient,
		settle: opts.Settle,
		logger: logger,
	}
}

// OrderBook fetches the top depth levels of a contract's book.
func (c *PublicClient) OrderBook(ctx context.Context, contract string, depth int) (*types.OrderBookResponse, error) {
	var result types.OrderBookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("contract", contract).
		SetQueryParam("limit", strconv.Itoa(depth)).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/futures/" + c.settle + "/order_book")
	if err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order book: status %d: %s", resp.StatusCode(), snippet(resp.String()))
	}
	return &result, nil
}

// Contract fetches contract metadata (tick size, multiplier, mark price).
func (c *PublicClient) Contract(ctx context.Context, contract string) (*types.ContractInfo, error) {
	var result types.ContractInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/futures/" + c.settle + "/contracts/" + contract)
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get contract: status %d: %s", resp.StatusCode(), snippet(resp.String()))
	}
	return &result, nil
}
