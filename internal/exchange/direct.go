package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"futures-keeper/pkg/types"
)

// DirectExecutor performs actions with signed REST calls instead of a
// browser session. UI-only actions map onto their REST equivalents:
// placeOrder posts the order, cancelAllOpenForContract deletes the
// contract's open orders, and tab clicks and session reloads are no-ops.
type DirectExecutor struct {
	http      *resty.Client
	auth      *Auth
	ordersURL string
	timeout   time.Duration
	logger    *slog.Logger
}

var _ Executor = (*DirectExecutor)(nil)

// NewDirectExecutor creates a REST executor. baseURL is the private API
// root, e.g. https://api.example.com/api/v4.
func NewDirectExecutor(baseURL, settle string, auth *Auth, timeout time.Duration, logger *slog.Logger) *DirectExecutor {
	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Never replay writes: a retried POST could double-place.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &DirectExecutor{
		http:      httpClient,
		auth:      auth,
		ordersURL: strings.TrimRight(baseURL, "/") + "/futures/" + settle + "/orders",
		timeout:   timeout,
		logger:    logger.With("component", "direct_executor"),
	}
}

func (e *DirectExecutor) Fetch(ctx context.Context, req types.FetchRequest) (types.FetchResult, error) {
	if !e.auth.HasCredentials() {
		return types.FetchResult{Error: "no api credentials"}, &ActionError{Action: KindFetch, Message: "no api credentials configured"}
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return types.FetchResult{}, fmt.Errorf("parse url: %w", err)
	}
	method := strings.ToUpper(req.Init.Method)
	if method == "" {
		method = http.MethodGet
	}
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	r := e.http.R().
		SetContext(ctx).
		SetHeaders(req.Init.Headers).
		SetHeaders(e.auth.Headers(method, u.Path, u.RawQuery, req.Init.Body))
	if req.Init.Body != "" {
		r.SetBody(req.Init.Body)
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return types.FetchResult{Error: err.Error()}, &ActionError{Action: KindFetch, Message: err.Error()}
	}
	return types.FetchResult{
		OK:       resp.StatusCode() < http.StatusBadRequest,
		Status:   resp.StatusCode(),
		BodyText: resp.String(),
	}, nil
}

func (e *DirectExecutor) PlaceOrder(ctx context.Context, _ types.UISelectors, order types.OrderRequest) (types.FetchResult, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return types.FetchResult{}, fmt.Errorf("marshal order: %w", err)
	}
	return e.Fetch(ctx, types.FetchRequest{
		URL:       e.ordersURL,
		Init:      types.FetchInit{Method: http.MethodPost, Body: string(body)},
		TimeoutMs: e.timeout.Milliseconds(),
	})
}

func (e *DirectExecutor) ClickOpenOrdersTab(context.Context) error { return nil }

func (e *DirectExecutor) CancelAllOpenForContract(ctx context.Context, contract string) (types.CancelAllResult, error) {
	res, err := e.Fetch(ctx, types.FetchRequest{
		URL:       e.ordersURL + "?contract=" + url.QueryEscape(contract),
		Init:      types.FetchInit{Method: http.MethodDelete},
		TimeoutMs: e.timeout.Milliseconds(),
	})
	if err != nil {
		return types.CancelAllResult{}, err
	}
	if !res.OK {
		return types.CancelAllResult{Error: res.BodyText}, &ActionError{
			Action:  KindCancelAll,
			Message: fmt.Sprintf("status %d: %s", res.Status, snippet(res.BodyText)),
		}
	}

	var cancelled []json.RawMessage
	if err := json.Unmarshal([]byte(res.BodyText), &cancelled); err != nil {
		e.logger.Debug("cancel response not a list", "contract", contract, "error", err)
	}
	return types.CancelAllResult{OK: true, Scanned: len(cancelled), Clicked: len(cancelled)}, nil
}

func (e *DirectExecutor) ReloadSession(context.Context, time.Duration) error {
	e.logger.Debug("session reload requested; nothing to reload for signed REST")
	return nil
}

// snippet shortens a response body for single-line error messages.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 160 {
		return s[:160] + "…"
	}
	return s
}
