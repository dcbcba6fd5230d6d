package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

const passwordEnv = "BW_PASSWORD"

// BwCLI drives the Bitwarden command line client.
type BwCLI struct {
	// Command is the executable to run; defaults to "bw" on PATH.
	Command string
}

func NewBwCLI(command string) *BwCLI {
	return &BwCLI{Command: command}
}

func (b *BwCLI) Name() string { return "bw" }

func (b *BwCLI) command() string {
	if b.Command == "" {
		return "bw"
	}
	return b.Command
}

// Unlock runs `bw unlock --passwordenv BW_PASSWORD --raw`. The password is
// handed over through the child's environment so it never shows up in the
// process table.
func (b *BwCLI) Unlock(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	out, err := b.run(ctx, []string{passwordEnv + "=" + password}, "unlock", "--passwordenv", passwordEnv, "--raw")
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(out)
	if token == "" {
		return "", fmt.Errorf("%w: bw unlock returned an empty session", ErrCommandFailed)
	}
	return token, nil
}

func (b *BwCLI) Lock(ctx context.Context, token string) error {
	_, err := b.Run(ctx, token, "lock")
	return err
}

func (b *BwCLI) Sync(ctx context.Context, token string) error {
	_, err := b.Run(ctx, token, "sync")
	return err
}

func (b *BwCLI) ListKeyItems(ctx context.Context, token string) ([]Item, error) {
	out, err := b.Run(ctx, token, "list", "items")
	if err != nil {
		return nil, err
	}
	items, err := ParseItems([]byte(out))
	if err != nil {
		return nil, err
	}
	return FilterKeyItems(items), nil
}

// Run executes `bw <args> --session <token>` and returns stdout.
func (b *BwCLI) Run(ctx context.Context, token string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("no command given")
	}
	return b.run(ctx, nil, withSession(args, token)...)
}

// Exec runs bw with the caller's standard streams attached, for interactive
// passthrough commands.
func (b *BwCLI) Exec(ctx context.Context, token string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, b.command(), withSession(args, token)...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: bw %s: %w", ErrCommandFailed, subcommand(args), err)
	}
	return nil
}

func (b *BwCLI) run(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.command(), args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("bw %s: %w", subcommand(args), ctxErr)
		}
		return "", fmt.Errorf("%w: bw %s: %v; stderr=%s", ErrCommandFailed, subcommand(args), err, strings.TrimSpace(errb.String()))
	}
	return out.String(), nil
}

func withSession(args []string, token string) []string {
	out := append([]string(nil), args...)
	if token != "" {
		out = append(out, "--session", token)
	}
	return out
}

func subcommand(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
