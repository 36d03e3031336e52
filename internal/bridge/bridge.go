// Package bridge turns a fire-and-forget message channel into awaitable
// request/response calls.
//
// The channel to the action executor is shared by many concurrent callers,
// is unordered, and may deliver a response twice or after its caller gave
// up. Every call therefore gets an id from a per-kind sequence and registers
// a pending slot before its request is sent. Responses carry kind+":res" and
// the same id; the first one to arrive settles the call, anything after that
// is dropped.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"futures-keeper/internal/metrics"
)

// ResponseSuffix marks an envelope as the answer to a request of the same kind.
const ResponseSuffix = ":res"

var (
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("rpc timeout")
	// ErrMalformedResponse is returned when a response payload cannot be decoded.
	ErrMalformedResponse = errors.New("malformed rpc response")
	// ErrClosed is returned for calls made on, or pending at, a closed bridge.
	ErrClosed = errors.New("bridge closed")
)

// TimeoutError reports a call whose response did not arrive in time.
type TimeoutError struct {
	Kind    string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc %s#%d timed out after %s", e.Kind, e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteError carries the error field of a response.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Kind, e.Message)
}

// Envelope is the wire frame for requests, responses and agent events.
type Envelope struct {
	Kind      string          `json:"kind"`
	RequestID int64           `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsResponse reports whether the envelope answers a request.
func (e Envelope) IsResponse() bool { return strings.HasSuffix(e.Kind, ResponseSuffix) }

// Sender writes one envelope to the outbound channel.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

type pendingKey struct {
	kind string
	id   int64
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// Bridge correlates outbound requests with inbound responses.
type Bridge struct {
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	seq     map[string]int64
	pending map[pendingKey]chan outcome
	closed  bool
}

// New creates a bridge writing requests through sender.
func New(sender Sender, logger *slog.Logger) *Bridge {
	return &Bridge{
		sender:  sender,
		logger:  logger.With("component", "bridge"),
		seq:     make(map[string]int64),
		pending: make(map[pendingKey]chan outcome),
	}
}

// Call sends a request of the given kind and decodes the response payload
// into T. It returns *TimeoutError when no response arrives within timeout,
// *RemoteError when the response carries an error, and an error wrapping
// ErrMalformedResponse when the payload does not decode.
func Call[T any](ctx context.Context, b *Bridge, kind string, payload any, timeout time.Duration) (T, error) {
	var zero T
	raw, err := b.Invoke(ctx, kind, payload, timeout)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.RPCCalls.WithLabelValues(kind, "malformed").Inc()
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, kind, err)
	}
	return out, nil
}

// Invoke is the untyped form of Call and returns the raw response payload.
func (b *Bridge) Invoke(ctx context.Context, kind string, payload any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.seq[kind]++
	key := pendingKey{kind: kind, id: b.seq[kind]}
	ch := make(chan outcome, 1)
	b.pending[key] = ch
	b.mu.Unlock()

	start := time.Now()
	if err := b.sender.Send(ctx, Envelope{Kind: kind, RequestID: key.id, Payload: body}); err != nil {
		b.release(key)
		metrics.RPCCalls.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("send %s: %w", kind, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return b.finish(kind, start, res)
	case <-timer.C:
		if b.release(key) {
			metrics.RPCCalls.WithLabelValues(kind, "timeout").Inc()
			return nil, &TimeoutError{Kind: kind, ID: key.id, Timeout: timeout}
		}
	case <-ctx.Done():
		if b.release(key) {
			metrics.RPCCalls.WithLabelValues(kind, "cancelled").Inc()
			return nil, ctx.Err()
		}
	}
	// Deliver or Close removed the slot first; its outcome is already on the way.
	return b.finish(kind, start, <-ch)
}

func (b *Bridge) finish(kind string, start time.Time, res outcome) (json.RawMessage, error) {
	metrics.RPCLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	switch {
	case res.err == nil:
		metrics.RPCCalls.WithLabelValues(kind, "ok").Inc()
	case errors.Is(res.err, ErrClosed):
		metrics.RPCCalls.WithLabelValues(kind, "error").Inc()
	default:
		metrics.RPCCalls.WithLabelValues(kind, "remote").Inc()
	}
	return res.payload, res.err
}

// release removes a pending slot. Only the caller that removes it may settle it.
func (b *Bridge) release(key pendingKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[key]; !ok {
		return false
	}
	delete(b.pending, key)
	return true
}

// Deliver routes an inbound response to its pending call. It reports whether
// a call was settled; late, duplicate and unknown responses return false.
func (b *Bridge) Deliver(env Envelope) bool {
	if !env.IsResponse() {
		return false
	}
	key := pendingKey{kind: strings.TrimSuffix(env.Kind, ResponseSuffix), id: env.RequestID}

	b.mu.Lock()
	ch, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping uncorrelated response", "kind", env.Kind, "id", env.RequestID)
		return false
	}

	res := outcome{payload: env.Payload}
	if env.Error != "" {
		res = outcome{err: &RemoteError{Kind: key.kind, Message: env.Error}}
	}
	ch <- res
	return true
}

// DeliverRaw decodes a frame and delivers it. Frames that are not valid
// envelopes are logged and dropped.
func (b *Bridge) DeliverRaw(data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("dropping unparsable frame", "error", err)
		return false
	}
	return b.Deliver(env)
}

// Pending returns the number of outstanding calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close rejects every pending call with ErrClosed and refuses new ones.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[pendingKey]chan outcome)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: ErrClosed}
	}
}
