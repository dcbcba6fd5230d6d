// Package secret holds short-lived credentials such as vault session tokens
// in byte slices that can be overwritten once the credential is retired.
package secret

import (
	"crypto/subtle"
	"log/slog"
)

const redacted = "[REDACTED]"

// String is a credential that can be zeroed. Its fmt and slog renderings are
// redacted; use Reveal to obtain the value.
type String struct {
	data []byte
}

// New copies s into a zeroable buffer.
func New(s string) *String {
	data := make([]byte, len(s))
	copy(data, s)
	return &String{data: data}
}

// FromBytes copies b; the caller keeps ownership of b.
func FromBytes(b []byte) *String {
	data := make([]byte, len(b))
	copy(data, b)
	return &String{data: data}
}

// Reveal returns the plaintext value.
func (s *String) Reveal() string {
	if s == nil || s.data == nil {
		return ""
	}
	return string(s.data)
}

// Bytes returns a copy of the underlying bytes
func (s *String) Bytes() []byte {
	if s == nil || s.data == nil {
		return nil
	}
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

func (s *String) Len() int {
	if s == nil {
		return 0
	}
	return len(s.data)
}

func (s *String) IsEmpty() bool {
	return s.Len() == 0
}

// EqualString compares against str in constant time.
func (s *String) EqualString(str string) bool {
	if s == nil || s.data == nil {
		return str == ""
	}
	return subtle.ConstantTimeCompare(s.data, []byte(str)) == 1
}

// Zero overwrites the buffer and drops it.
func (s *String) Zero() {
	if s == nil || s.data == nil {
		return
	}
	clear(s.data)
	s.data = nil
}

func (s *String) String() string {
	if s.IsEmpty() {
		return ""
	}
	return redacted
}

func (s *String) GoString() string {
	return s.String()
}

func (s *String) LogValue() slog.Value {
	return slog.StringValue(s.String())
}
