// link.go implements the websocket transport to the executor agent.
//
// The agent lives inside the authenticated browser session and performs
// actions on our behalf. Requests and responses travel as bridge envelopes
// over one connection; responses are handed to the bridge for correlation,
// everything else is an agent event ("ready", "notReady", "log").
//
// The link auto-reconnects with exponential backoff (1s → 30s max). A read
// deadline refreshed by pongs detects a silent agent within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"futures-keeper/internal/bridge"
)

const (
	pingInterval     = 20 * time.Second // keepalive ping to the agent
	readTimeout      = 45 * time.Second // ~2 missed pongs triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing frames
)

// Agent event kinds.
const (
	EventReady    = "ready"
	EventNotReady = "notReady"
	EventLog      = "log"
)

// Receiver takes correlated responses off the link.
type Receiver interface {
	Deliver(env bridge.Envelope) bool
}

// Link is a reconnecting websocket client to the executor agent. It is the
// bridge's Sender; Bind attaches the bridge that receives responses.
type Link struct {
	url string

	connMu sync.Mutex // protects conn and writes
	conn   *websocket.Conn

	rx      Receiver
	ready   atomic.Bool
	onReady func(bool)

	logger *slog.Logger
}

var _ bridge.Sender = (*Link)(nil)

// NewLink creates a link to the agent at wsURL. Call Bind before Run.
func NewLink(wsURL string, logger *slog.Logger) *Link {
	return &Link{
		url:    wsURL,
		logger: logger.With("component", "executor_link"),
	}
}

// Bind sets the response receiver and an optional readiness callback.
func (l *Link) Bind(rx Receiver, onReady func(bool)) {
	l.rx = rx
	l.onReady = onReady
}

// Ready reports whether the agent announced it can take actions.
func (l *Link) Ready() bool { return l.ready.Load() }

// Send writes one envelope. It fails fast when the link is down; the
// caller's pending slot is released by the bridge.
func (l *Link) Send(ctx context.Context, env bridge.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("executor link not connected")
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteJSON(env)
}

// Run connects and keeps the connection alive. Blocks until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxReconnectWait
	bo.MaxElapsedTime = 0

	for {
		connected, err := l.connectAndRead(ctx)
		l.setReady(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		l.logger.Warn("executor link disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close closes the current connection, if any.
func (l *Link) Close() error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Link) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	defer func() {
		l.connMu.Lock()
		conn.Close()
		l.conn = nil
		l.connMu.Unlock()
	}()

	l.logger.Info("executor link connected", "url", l.url)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go l.pingLoop(pingCtx)

	// Unblock ReadMessage on shutdown.
	go func() {
		<-pingCtx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		l.dispatch(msg)
	}
}

func (l *Link) dispatch(data []byte) {
	var env bridge.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.logger.Debug("ignoring non-json frame", "data", string(data))
		return
	}

	if env.IsResponse() {
		if l.rx != nil {
			l.rx.Deliver(env)
		}
		return
	}

	switch env.Kind {
	case EventReady:
		l.setReady(true)
	case EventNotReady:
		l.setReady(false)
	case EventLog:
		var line struct {
			Level string `json:"level"`
			Text  string `json:"text"`
		}
		if err := json.Unmarshal(env.Payload, &line); err == nil {
			l.logger.Info("agent", "level", line.Level, "text", line.Text)
		}
	default:
		l.logger.Debug("unknown agent event", "kind", env.Kind)
	}
}

func (l *Link) setReady(ready bool) {
	if l.ready.Swap(ready) == ready {
		return
	}
	l.logger.Info("executor readiness changed", "ready", ready)
	if l.onReady != nil {
		l.onReady(ready)
	}
}

func (l *Link) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.connMu.Lock()
			var err error
			if l.conn != nil {
				err = l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			l.connMu.Unlock()
			if err != nil {
				l.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
