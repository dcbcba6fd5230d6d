package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Terminal asks on the controlling terminal. It is used by the command line
// client when no daemon is reachable.
type Terminal struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

// Ask blocks on input in a separate goroutine. When ctx ends first the read
// is abandoned and its result discarded.
func (t *Terminal) Ask(ctx context.Context, message string, kind Kind, timeout time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	answers := make(chan answer, 1)
	go func() {
		v, err := t.read(message, kind)
		answers <- answer{value: v, err: err}
	}()

	select {
	case a := <-answers:
		return a.value, a.err
	case <-ctx.Done():
		fmt.Fprintln(t.Out)
		return "", waitErr(ctx)
	}
}

func (t *Terminal) read(message string, kind Kind) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch kind {
	case KindConfirm:
		fmt.Fprintf(t.Out, "%s [y/N] ", message)
	default:
		fmt.Fprintf(t.Out, "%s: ", message)
	}

	if kind == KindPassword {
		if f, ok := t.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(t.Out)
			if err != nil {
				return "", err
			}
			if len(b) == 0 {
				return "", ErrNoAnswer
			}
			return string(b), nil
		}
	}

	line, err := t.line()
	if err != nil && line == "" {
		if err == io.EOF {
			return "", ErrNoAnswer
		}
		return "", err
	}

	if kind == KindConfirm {
		switch strings.ToLower(line) {
		case "y", "yes":
			return Yes, nil
		default:
			return No, nil
		}
	}
	if line == "" {
		return "", ErrNoAnswer
	}
	return line, nil
}

func (t *Terminal) line() (string, error) {
	if t.reader == nil {
		t.reader = bufio.NewReader(t.In)
	}
	s, err := t.reader.ReadString('\n')
	return strings.TrimRight(s, "\r\n"), err
}
