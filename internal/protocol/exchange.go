package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Kind discriminates exchange messages. The set is closed.
type Kind string

const (
	KindRequestSession    Kind = "REQUEST_SESSION"
	KindRequestCacheClear Kind = "REQUEST_CACHE_CLEAR"
	KindRequestPing       Kind = "REQUEST_PING"
	KindResponseSession   Kind = "RESPONSE_SESSION"
	KindResponseOK        Kind = "RESPONSE_OK"
	KindResponseFailure   Kind = "RESPONSE_FAILURE"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRequestSession, KindRequestCacheClear, KindRequestPing,
		KindResponseSession, KindResponseOK, KindResponseFailure:
		return true
	}
	return false
}

func (k Kind) IsRequest() bool {
	switch k {
	case KindRequestSession, KindRequestCacheClear, KindRequestPing:
		return true
	}
	return false
}

// ErrUnknownKind is returned by DecodeMessage for a well-formed JSON body
// whose type is outside the closed set. The decoded Message is still
// returned so callers can log the offending kind.
var ErrUnknownKind = errors.New("unknown exchange message kind")

// ErrNotExchange is returned when a frame of another type is decoded as an
// exchange message.
var ErrNotExchange = errors.New("frame is not an exchange message")

// Message is the JSON body carried by an Exchange frame.
type Message struct {
	Type    Kind   `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Session string `json:"session,omitempty"`
}

func RequestSession(reason string) Message {
	return Message{Type: KindRequestSession, Reason: reason}
}

func RequestCacheClear() Message { return Message{Type: KindRequestCacheClear} }

func RequestPing() Message { return Message{Type: KindRequestPing} }

func ResponseSession(session string) Message {
	return Message{Type: KindResponseSession, Session: session}
}

func ResponseOK() Message { return Message{Type: KindResponseOK} }

func ResponseFailure(reason string) Message {
	return Message{Type: KindResponseFailure, Reason: reason}
}

// LogValue keeps session tokens out of logs.
func (m Message) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", string(m.Type))}
	if m.Reason != "" {
		attrs = append(attrs, slog.String("reason", m.Reason))
	}
	if m.Session != "" {
		attrs = append(attrs, slog.String("session", "[REDACTED]"))
	}
	return slog.GroupValue(attrs...)
}

// EncodeMessage wraps m in an Exchange frame.
func EncodeMessage(m Message) (Frame, error) {
	if !m.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownKind, m.Type)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return Frame{}, fmt.Errorf("encode exchange message: %w", err)
	}
	return Frame{Type: Exchange, Payload: body}, nil
}

// DecodeMessage parses the JSON payload of an Exchange frame.
func DecodeMessage(f Frame) (Message, error) {
	if f.Type != Exchange {
		return Message{}, fmt.Errorf("%w: %s", ErrNotExchange, f.Type)
	}
	var m Message
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode exchange message: %w", err)
	}
	if !m.Type.Valid() {
		return m, fmt.Errorf("%w: %q", ErrUnknownKind, m.Type)
	}
	return m, nil
}
