package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"futures-keeper/internal/bridge"
	"futures-keeper/internal/ratelimit"
	"futures-keeper/pkg/types"
)

// agentServer is a scripted executor agent behind a websocket endpoint.
// handle returns the response payload for a request, or nil to stay silent.
func agentServer(t *testing.T, handle func(env bridge.Envelope) any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(bridge.Envelope{Kind: EventReady})
		for {
			var env bridge.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			out := handle(env)
			if out == nil {
				continue
			}
			payload, _ := json.Marshal(out)
			_ = conn.WriteJSON(bridge.Envelope{Kind: env.Kind + bridge.ResponseSuffix, RequestID: env.RequestID, Payload: payload})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLink runs a link against srv and waits for the agent's ready event.
func startLink(t *testing.T, srv *httptest.Server) (*Link, *bridge.Bridge) {
	t.Helper()
	link := NewLink(wsURL(srv), quietLogger())
	br := bridge.New(link, quietLogger())
	ready := make(chan struct{}, 1)
	link.Bind(br, func(ok bool) {
		if ok {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = link.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		br.Close()
	})

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never became ready")
	}
	return link, br
}

var testTimeouts = ExecutorTimeouts{
	Call:   time.Second,
	Fetch:  time.Second,
	Place:  time.Second,
	Reload: time.Second,
}

func TestBridgeExecutorOverLink(t *testing.T) {
	t.Parallel()
	srv := agentServer(t, func(env bridge.Envelope) any {
		switch env.Kind {
		case KindFetch:
			var req types.FetchRequest
			_ = json.Unmarshal(env.Payload, &req)
			return types.FetchResult{OK: true, Status: 200, BodyText: `{"echo":"` + req.URL + `"}`}
		case KindCancelAll:
			return types.CancelAllResult{OK: true, Scanned: 3, Clicked: 2, Skipped: 1}
		case KindClickOpenOrdersTab:
			return types.ActionResult{OK: false, Error: "tab missing"}
		}
		return nil
	})
	link, br := startLink(t, srv)
	if !link.Ready() {
		t.Fatal("link should report ready")
	}
	exec := NewBridgeExecutor(br, testTimeouts, 0, quietLogger())
	ctx := context.Background()

	res, err := exec.Fetch(ctx, types.FetchRequest{URL: "https://fx/api", Init: types.FetchInit{Method: "GET"}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(res.BodyText, "https://fx/api") {
		t.Errorf("body = %q", res.BodyText)
	}

	cres, err := exec.CancelAllOpenForContract(ctx, "BTC_USDT")
	if err != nil || cres.Clicked != 2 || cres.Skipped != 1 {
		t.Errorf("CancelAll = %+v, %v", cres, err)
	}

	err = exec.ClickOpenOrdersTab(ctx)
	var ae *ActionError
	if !errors.As(err, &ae) || ae.Message != "tab missing" {
		t.Errorf("ClickOpenOrdersTab err = %v, want ActionError", err)
	}
}

func TestBridgeExecutorReloadsAfterTimeouts(t *testing.T) {
	t.Parallel()
	var reloads atomic.Int32
	srv := agentServer(t, func(env bridge.Envelope) any {
		if env.Kind == KindReloadSession {
			reloads.Add(1)
			return types.ActionResult{OK: true}
		}
		return nil // every other action goes unanswered
	})
	_, br := startLink(t, srv)

	short := ExecutorTimeouts{Call: 30 * time.Millisecond, Fetch: 30 * time.Millisecond, Place: 30 * time.Millisecond, Reload: time.Second}
	exec := NewBridgeExecutor(br, short, 2, quietLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := exec.ClickOpenOrdersTab(ctx); !errors.Is(err, bridge.ErrTimeout) {
			t.Fatalf("call %d err = %v, want timeout", i, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reloads.Load() != 1 {
		t.Errorf("reloads = %d, want 1", reloads.Load())
	}
}

func TestDirectExecutorSignsAndPlaces(t *testing.T) {
	t.Parallel()
	var gotSign, gotKey, gotBody, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSign = r.Header.Get("SIGN")
		gotKey = r.Header.Get("KEY")
		gotPath = r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":1,"contract":"BTC_USDT","size":1,"price":"100"}`))
		case http.MethodDelete:
			_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
		}
	}))
	defer srv.Close()

	exec := NewDirectExecutor(srv.URL+"/api/v4", "usdt", NewAuth("k", "s"), 2*time.Second, quietLogger())
	ctx := context.Background()

	res, err := exec.PlaceOrder(ctx, nil, types.OrderRequest{Contract: "BTC_USDT", Size: 1, Price: "100", TIF: "poc"})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !res.OK || res.Status != http.StatusCreated {
		t.Errorf("result = %+v", res)
	}
	if gotKey != "k" || len(gotSign) != 128 {
		t.Errorf("auth headers KEY=%q SIGN len %d", gotKey, len(gotSign))
	}
	if gotPath != "POST /api/v4/futures/usdt/orders?" || !strings.Contains(gotBody, `"contract":"BTC_USDT"`) {
		t.Errorf("request = %s body %s", gotPath, gotBody)
	}

	cres, err := exec.CancelAllOpenForContract(ctx, "BTC_USDT")
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if cres.Clicked != 2 || gotPath != "DELETE /api/v4/futures/usdt/orders?contract=BTC_USDT" {
		t.Errorf("cancel = %+v via %s", cres, gotPath)
	}
}

func TestDirectExecutorHTTPErrorCarriesBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"label":"INVALID_PARAM_VALUE","message":"size"}`))
	}))
	defer srv.Close()

	exec := NewDirectExecutor(srv.URL, "usdt", NewAuth("k", "s"), time.Second, quietLogger())
	res, err := exec.PlaceOrder(context.Background(), nil, types.OrderRequest{Contract: "X_USDT", Size: 0, Price: "1"})
	if err != nil {
		t.Fatalf("PlaceOrder transport err: %v", err)
	}
	err = decodeBody(res, nil)
	var be *BusinessError
	if !errors.As(err, &be) || be.Label != "INVALID_PARAM_VALUE" {
		t.Errorf("decoded err = %v", err)
	}
}

func TestDirectExecutorRequiresCredentials(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	exec := NewDirectExecutor(srv.URL, "usdt", NewAuth("", ""), time.Second, quietLogger())
	_, err := exec.Fetch(context.Background(), types.FetchRequest{URL: srv.URL + "/futures/usdt/positions"})
	var ae *ActionError
	if !errors.As(err, &ae) || !strings.Contains(ae.Message, "credentials") {
		t.Errorf("err = %v, want credentials ActionError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("unsigned request reached the server %d times", hits.Load())
	}
}

func TestPublicClientObservesUnderOrigin(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Bodies are JSON whatever the declared type.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		switch {
		case strings.HasSuffix(r.URL.Path, "/order_book"):
			if r.URL.Query().Get("contract") != "BTC_USDT" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"asks":[{"p":"100.2","s":5}],"bids":[{"p":"100.1","s":7}]}`))
		case strings.HasSuffix(r.URL.Path, "/contracts/BTC_USDT"):
			_, _ = w.Write([]byte(`{"name":"BTC_USDT","order_price_round":"0.1","quanto_multiplier":"0.0001","mark_price":"100.15","last_price":"100.1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gov := newTestGovernor(t)
	pc := NewPublicClient(PublicOptions{
		BaseURL: srv.URL + "/api/v4",
		Settle:  "usdt",
		Caller:  ratelimit.Caller{Identity: "u1", Origin: "host-a"},
	}, gov, quietLogger())
	ctx := context.Background()

	book, err := pc.OrderBook(ctx, "BTC_USDT", 5)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if len(book.Bids) != 1 || !book.Bids[0].Price.Equal(d("100.1")) || !book.Asks[0].Size.Equal(d("5")) {
		t.Errorf("book = %+v", book)
	}

	info, err := pc.Contract(ctx, "BTC_USDT")
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if !info.TickSize.Equal(d("0.1")) || !info.QuantoMultiplier.Equal(d("0.0001")) || !info.LastPrice.Equal(d("100.1")) {
		t.Errorf("contract = %+v", info)
	}

	key := ratelimit.EntryKey("public", "host-a:GET /api/v4/futures/usdt/order_book")
	if gov.Entries()[key].Count != 1 {
		t.Errorf("order book not observed under origin bucket; entries = %v", gov.Entries())
	}
}
