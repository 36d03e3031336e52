package api

import (
	"encoding/json"
	"time"

	"futures-keeper/pkg/types"
)

// Outbound message types.
const (
	TypeHeartbeat    = "heartbeat"
	TypeLog          = "log"
	TypeStickySet    = "stickySet"
	TypeStickyRemove = "stickyRemove"
	TypeStickyClear  = "stickyClear"
	TypeIsReady      = "isReady"
)

// Inbound control message types.
const (
	TypeStart          = "start"
	TypeStop           = "stop"
	TypeSetWhitelist   = "setWhitelist"
	TypeSetSettings    = "setSettings"
	TypeSetUISelectors = "setUiSelectors"
)

// Message is the envelope of every outbound control-channel message. Only
// the fields of the given type are set.
type Message struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts,omitempty"` // unix milliseconds
	IsStart *bool  `json:"isStart,omitempty"`
	Armed   *bool  `json:"armed,omitempty"`
	Level   string `json:"level,omitempty"`
	Text    string `json:"text,omitempty"`
	Key     string `json:"key,omitempty"`
	Ready   *bool  `json:"ready,omitempty"`
}

// ControlMessage is an inbound control message.
type ControlMessage struct {
	Type      string                `json:"type"`
	Whitelist []types.WhitelistItem `json:"whitelist,omitempty"`
	Settings  json.RawMessage       `json:"settings,omitempty"`
	Selectors types.UISelectors     `json:"selectors,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func millis(t time.Time) int64 { return t.UnixMilli() }

// NewHeartbeat builds a heartbeat message.
func NewHeartbeat(ts time.Time, isStart, armed bool) Message {
	return Message{Type: TypeHeartbeat, TS: millis(ts), IsStart: boolPtr(isStart), Armed: boolPtr(armed)}
}

// NewLog builds an operator log line.
func NewLog(level, text string) Message {
	return Message{Type: TypeLog, Level: level, Text: text}
}

// NewStickySet builds a sticky advisory message.
func NewStickySet(key, text string, ts time.Time) Message {
	return Message{Type: TypeStickySet, Key: key, Text: text, TS: millis(ts)}
}

// NewStickyRemove builds a sticky removal message.
func NewStickyRemove(key string) Message {
	return Message{Type: TypeStickyRemove, Key: key}
}

// NewIsReady reports executor readiness.
func NewIsReady(ready bool) Message {
	return Message{Type: TypeIsReady, Ready: boolPtr(ready)}
}
