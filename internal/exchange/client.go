// Package exchange implements the futures exchange clients.
//
// The private Client reads and trades through an Executor (the browser
// agent over the bridge, or signed REST in direct mode):
//   - Positions:   GET    /futures/{settle}/positions
//   - OpenOrders:  GET    /futures/{settle}/orders?status=open
//   - SetLeverage: POST   /futures/{settle}/positions/{contract}/leverage
//   - PlaceOrder:  POST   /futures/{settle}/orders (UI sequence or REST)
//   - CancelAll:   DELETE /futures/{settle}/orders?contract= (UI sequence or REST)
//
// The public client (public.go) reads order books and contract metadata.
//
// Every outbound call is first observed by the rate governor. With enforce
// enabled, a call whose bucket is over its limit waits out the window.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-keeper/internal/ratelimit"
	"futures-keeper/pkg/types"
)

// BusinessError is a response that parsed but reports failure: an HTTP
// status >= 400, a code >= 400 in the web envelope, or an error label.
type BusinessError struct {
	Status  int
	Code    int
	Label   string
	Message string
}

func (e *BusinessError) Error() string {
	var b strings.Builder
	switch {
	case e.Label != "":
		b.WriteString(e.Label)
	case e.Code != 0:
		b.WriteString("code " + strconv.Itoa(e.Code))
	default:
		b.WriteString("status " + strconv.Itoa(e.Status))
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// Placement modes.
const (
	ViaUI  = "ui"
	ViaAPI = "api"
)

// ClientOptions configures the private client.
type ClientOptions struct {
	BaseURL      string // private API root including version prefix
	Settle       string
	Via          string // ViaUI or ViaAPI
	Caller       ratelimit.Caller
	Enforce      bool
	DryRun       bool
	FetchTimeout time.Duration
}

// Client is the private futures client.
type Client struct {
	exec      Executor
	gov       *ratelimit.Governor
	opts      ClientOptions
	basePath  string // URL path of BaseURL, for rate rule matching
	selectors atomic.Pointer[types.UISelectors]
	logger    *slog.Logger
}

// NewClient creates a private client over exec. gov may be nil.
func NewClient(exec Executor, gov *ratelimit.Governor, opts ClientOptions, logger *slog.Logger) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Via == "" {
		opts.Via = ViaUI
	}
	basePath := ""
	if u, err := url.Parse(opts.BaseURL); err == nil {
		basePath = u.Path
	}
	c := &Client{
		exec:     exec,
		gov:      gov,
		opts:     opts,
		basePath: basePath,
		logger:   logger.With("component", "client"),
	}
	empty := types.UISelectors{}
	c.selectors.Store(&empty)
	return c
}

// SetSelectors replaces the selector set forwarded with UI placements.
func (c *Client) SetSelectors(s types.UISelectors) {
	cp := make(types.UISelectors, len(s))
	for k, v := range s {
		cp[k] = v
	}
	c.selectors.Store(&cp)
}

func (c *Client) futuresPath(suffix string) string {
	return "/futures/" + c.opts.Settle + suffix
}

// observe counts the call and, in enforce mode, waits out an exceeded window.
func (c *Client) observe(ctx context.Context, method, path string) error {
	return observeCall(ctx, c.gov, c.opts.Enforce, method, c.basePath+path, c.opts.Caller, c.logger)
}

func observeCall(ctx context.Context, gov *ratelimit.Governor, enforce bool, method, path string, caller ratelimit.Caller, logger *slog.Logger) error {
	if gov == nil {
		return nil
	}
	st := gov.Observe(method, path, caller)
	if st == nil || !st.Exceeded || !enforce {
		return nil
	}
	wait := st.ResetIn()
	if wait <= 0 {
		return nil
	}
	logger.Warn("rate limit exceeded, delaying call",
		"rule", st.RuleID,
		"bucket", st.BucketKey,
		"wait", wait,
	)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fetch performs one call through the executor and decodes the body into out.
func (c *Client) fetch(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.observe(ctx, method, path); err != nil {
		return err
	}

	init := types.FetchInit{
		Method:  method,
		Headers: map[string]string{"Accept": "application/json"},
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		init.Body = string(data)
		init.Headers["Content-Type"] = "application/json"
	}
	u := c.opts.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	res, err := c.exec.Fetch(ctx, types.FetchRequest{URL: u, Init: init, TimeoutMs: c.opts.FetchTimeout.Milliseconds()})
	if err != nil {
		return err
	}
	return decodeBody(res, out)
}

// decodeBody checks a raw response for business errors and decodes it.
// The web envelope {code, message, data} is unwrapped to data.
func decodeBody(res types.FetchResult, out any) error {
	body := []byte(strings.TrimSpace(res.BodyText))

	if len(body) > 0 && body[0] == '{' {
		var env struct {
			Code    *int            `json:"code"`
			Label   string          `json:"label"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		if json.Unmarshal(body, &env) == nil {
			switch {
			case env.Label != "":
				return &BusinessError{Status: res.Status, Label: env.Label, Message: env.Message}
			case env.Code != nil && *env.Code >= 400:
				return &BusinessError{Status: res.Status, Code: *env.Code, Message: env.Message}
			case env.Code != nil && len(env.Data) > 0:
				body = env.Data
			}
		}
	}
	if res.Status >= http.StatusBadRequest || !res.OK {
		msg := res.Error
		if msg == "" {
			msg = snippet(string(body))
		}
		return &BusinessError{Status: res.Status, Message: msg}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

// Positions returns every non-empty position.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	var wire []wirePosition
	if err := c.fetch(ctx, http.MethodGet, c.futuresPath("/positions"), nil, nil, &wire); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	out := make([]types.Position, 0, len(wire))
	for _, w := range wire {
		p := w.position()
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

// OpenOrders returns every resting order.
func (c *Client) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	q := url.Values{"status": {"open"}}
	var wire []wireOrder
	if err := c.fetch(ctx, http.MethodGet, c.futuresPath("/orders"), q, nil, &wire); err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	out := make([]types.OpenOrder, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.order())
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Writes
// ————————————————————————————————————————————————————————————————————————

// SetLeverage sets the contract leverage.
func (c *Client) SetLeverage(ctx context.Context, contract string, leverage int) error {
	if c.opts.DryRun {
		c.logger.Info("DRY-RUN: would set leverage", "contract", contract, "leverage", leverage)
		return nil
	}
	q := url.Values{"leverage": {strconv.Itoa(leverage)}}
	path := c.futuresPath("/positions/" + contract + "/leverage")
	if err := c.fetch(ctx, http.MethodPost, path, q, nil, nil); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// NewOrderText returns a unique client tag for an order.
func NewOrderText() string {
	// "t-" prefix required; the exchange caps text at 28 chars.
	return "t-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// PlaceOrder submits an order and returns the created order.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OpenOrder, error) {
	if req.Text == "" {
		req.Text = NewOrderText()
	}
	if req.TIF == "" {
		req.TIF = "poc"
	}
	if c.opts.DryRun {
		c.logger.Info("DRY-RUN: would place order",
			"contract", req.Contract,
			"size", req.Size,
			"price", req.Price,
			"reduce_only", req.ReduceOnly,
		)
		price, _ := decimal.NewFromString(req.Price)
		return types.OpenOrder{
			ID:           "dry-run-" + req.Text,
			Contract:     req.Contract,
			Size:         decimal.NewFromInt(req.Size),
			Price:        price,
			IsReduceOnly: req.ReduceOnly,
			Left:         decimal.NewFromInt(req.Size),
			CreateTime:   time.Now(),
			Text:         req.Text,
		}, nil
	}

	path := c.futuresPath("/orders")
	var wire wireOrder
	if c.opts.Via == ViaAPI {
		if err := c.fetch(ctx, http.MethodPost, path, nil, req, &wire); err != nil {
			return types.OpenOrder{}, fmt.Errorf("place order: %w", err)
		}
		return wire.order(), nil
	}

	if err := c.observe(ctx, http.MethodPost, path); err != nil {
		return types.OpenOrder{}, err
	}
	res, err := c.exec.PlaceOrder(ctx, *c.selectors.Load(), req)
	if err != nil {
		return types.OpenOrder{}, fmt.Errorf("place order: %w", err)
	}
	if err := decodeBody(res, &wire); err != nil {
		return types.OpenOrder{}, fmt.Errorf("place order: %w", err)
	}
	return wire.order(), nil
}

// CancelAll cancels every open order on a contract.
func (c *Client) CancelAll(ctx context.Context, contract string) (types.CancelAllResult, error) {
	if c.opts.DryRun {
		c.logger.Info("DRY-RUN: would cancel all orders", "contract", contract)
		return types.CancelAllResult{OK: true}, nil
	}

	path := c.futuresPath("/orders")
	if c.opts.Via == ViaAPI {
		var cancelled []wireOrder
		q := url.Values{"contract": {contract}}
		if err := c.fetch(ctx, http.MethodDelete, path, q, nil, &cancelled); err != nil {
			return types.CancelAllResult{}, fmt.Errorf("cancel all: %w", err)
		}
		return types.CancelAllResult{OK: true, Scanned: len(cancelled), Clicked: len(cancelled)}, nil
	}

	if err := c.exec.ClickOpenOrdersTab(ctx); err != nil {
		return types.CancelAllResult{}, fmt.Errorf("open orders tab: %w", err)
	}
	if err := c.observe(ctx, http.MethodDelete, path+"?contract="+contract); err != nil {
		return types.CancelAllResult{}, err
	}
	res, err := c.exec.CancelAllOpenForContract(ctx, contract)
	if err != nil {
		return res, fmt.Errorf("cancel all: %w", err)
	}
	return res, nil
}

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

// num decodes a JSON number or numeric string. Empty, null and unparsable
// values decode to zero so one bad field never fails the whole list; the
// decision code treats zero prices as missing.
type num struct{ decimal.Decimal }

func (n *num) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		n.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		n.Decimal = decimal.Zero
		return nil
	}
	n.Decimal = d
	return nil
}

type wirePosition struct {
	Contract   string `json:"contract"`
	Size       num    `json:"size"`
	EntryPrice num    `json:"entry_price"`
	MarkPrice  num    `json:"mark_price"`
	Leverage   num    `json:"leverage"`
	Mode       string `json:"mode"`
	OpenTime   num    `json:"open_time"`
}

func (w wirePosition) position() types.Position {
	return types.Position{
		Contract:   w.Contract,
		Size:       w.Size.Decimal,
		EntryPrice: w.EntryPrice.Decimal,
		MarkPrice:  w.MarkPrice.Decimal,
		Leverage:   w.Leverage.Decimal,
		Mode:       types.PositionMode(w.Mode),
		OpenTime:   unixTime(w.OpenTime.Decimal),
	}
}

type wireOrder struct {
	ID           num    `json:"id"`
	Contract     string `json:"contract"`
	Size         num    `json:"size"`
	Price        num    `json:"price"`
	IsReduceOnly bool   `json:"is_reduce_only"`
	Left         num    `json:"left"`
	CreateTime   num    `json:"create_time"`
	Text         string `json:"text"`
}

func (w wireOrder) order() types.OpenOrder {
	return types.OpenOrder{
		ID:           w.ID.String(),
		Contract:     w.Contract,
		Size:         w.Size.Decimal,
		Price:        w.Price.Decimal,
		IsReduceOnly: w.IsReduceOnly,
		Left:         w.Left.Decimal,
		CreateTime:   unixTime(w.CreateTime.Decimal),
		Text:         w.Text,
	}
}

// unixTime converts fractional unix seconds; zero stays the zero time.
func unixTime(sec decimal.Decimal) time.Time {
	if sec.IsZero() {
		return time.Time{}
	}
	whole := sec.IntPart()
	nanos := sec.Sub(decimal.NewFromInt(whole)).Mul(decimal.NewFromInt(int64(time.Second))).IntPart()
	return time.Unix(whole, nanos)
}
