// Package prompt asks the local user for confirmations and passwords.
package prompt

import (
	"context"
	"errors"
	"time"
)

// Kind selects how a question is rendered and answered.
type Kind string

const (
	KindText     Kind = "text"
	KindPassword Kind = "password"
	KindConfirm  Kind = "confirm"
)

// Confirm answers are reported as these literal strings.
const (
	Yes = "true"
	No  = "false"
)

var (
	// ErrTimeout is returned when the user did not answer in time.
	ErrTimeout = errors.New("prompt timed out")
	// ErrNoAnswer is returned when the prompt was dismissed without input.
	ErrNoAnswer = errors.New("prompt dismissed")
)

// Prompter shows a single question and waits for the answer. A zero timeout
// waits until ctx is done.
type Prompter interface {
	Ask(ctx context.Context, message string, kind Kind, timeout time.Duration) (string, error)
}

// Func adapts a function to the Prompter interface.
type Func func(ctx context.Context, message string, kind Kind, timeout time.Duration) (string, error)

func (f Func) Ask(ctx context.Context, message string, kind Kind, timeout time.Duration) (string, error) {
	return f(ctx, message, kind, timeout)
}

// Confirmed reports whether a confirm answer was affirmative.
func Confirmed(answer string) bool {
	return answer == Yes
}

// Confirm asks a yes/no question. Errors and timeouts count as no.
func Confirm(ctx context.Context, p Prompter, message string, timeout time.Duration) bool {
	answer, err := p.Ask(ctx, message, KindConfirm, timeout)
	return err == nil && Confirmed(answer)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// waitErr maps the end of a prompt context onto the package errors.
func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
