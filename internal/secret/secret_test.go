package secret

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	original := "test-secret-value"
	s := New(original)

	if s.Reveal() != original {
		t.Errorf("Expected %q, got %q", original, s.Reveal())
	}

	if s.Len() != len(original) {
		t.Errorf("Expected length %d, got %d", len(original), s.Len())
	}
}

func TestFromBytes(t *testing.T) {
	original := []byte("test-bytes")
	s := FromBytes(original)

	if string(s.Bytes()) != string(original) {
		t.Errorf("Expected %q, got %q", string(original), string(s.Bytes()))
	}

	original[0] = 'X'
	if s.Reveal()[0] == 'X' {
		t.Error("String should hold a copy, not a reference to the original bytes")
	}
}

func TestZero(t *testing.T) {
	s := New("secret-to-be-zeroed")
	if s.IsEmpty() {
		t.Fatal("String should have non-zero length before zeroing")
	}

	s.Zero()

	if s.Len() != 0 {
		t.Error("length should be 0 after zeroing")
	}
	if s.Reveal() != "" {
		t.Error("value should be empty after zeroing")
	}

	// Zeroing twice and zeroing nil must not panic.
	s.Zero()
	var nilSecret *String
	nilSecret.Zero()
}

func TestEqualString(t *testing.T) {
	s := New("test-value")

	if !s.EqualString("test-value") {
		t.Error("String should equal matching string")
	}
	if s.EqualString("different-value") {
		t.Error("String should not equal different string")
	}

	var nilSecret *String
	if !nilSecret.EqualString("") {
		t.Error("nil String should equal empty string")
	}
	if nilSecret.EqualString("non-empty") {
		t.Error("nil String should not equal non-empty string")
	}
}

func TestRedaction(t *testing.T) {
	s := New("hunter2")

	tests := []struct {
		name   string
		render string
	}{
		{"Sprint", fmt.Sprint(s)},
		{"Sprintf %v", fmt.Sprintf("%v", s)},
		{"Sprintf %#v", fmt.Sprintf("%#v", s)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if strings.Contains(tt.render, "hunter2") {
				t.Errorf("secret leaked: %s", tt.render)
			}
		})
	}

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("unlocked", "token", s)
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("secret leaked into log: %s", buf.String())
	}
	if !strings.Contains(buf.String(), redacted) {
		t.Errorf("Expected redaction marker in log: %s", buf.String())
	}
}
