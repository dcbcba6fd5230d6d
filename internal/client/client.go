package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	sshagent "golang.org/x/crypto/ssh/agent"

	"github.com/zach-source/vaultagent/internal/protocol"
	"github.com/zach-source/vaultagent/internal/security"
	"github.com/zach-source/vaultagent/internal/util"
)

// DefaultTimeout bounds requests whose context has no deadline. Session
// requests may wait on a prompt and pass their own context.
const DefaultTimeout = 10 * time.Second

var (
	// ErrDaemonNotRunning is returned when the socket cannot be dialed.
	ErrDaemonNotRunning = errors.New("daemon not running")
	// ErrSameProcess is returned when the socket is served by this process.
	ErrSameProcess = errors.New("socket is served by this process")
	// ErrFailure is returned when the daemon answers with a failure.
	ErrFailure = errors.New("daemon reported failure")
)

// SessionSource is the local fallback for obtaining a vault session.
type SessionSource interface {
	GetSession(ctx context.Context, reason string) (string, error)
}

type Client struct {
	sock string
	pid  func() int
}

// New returns a client for sock, or for the default socket path when empty.
func New(sock string) (*Client, error) {
	if sock == "" {
		p, err := util.SocketPath()
		if err != nil {
			return nil, err
		}
		sock = p
	}
	return &Client{sock: sock, pid: os.Getpid}, nil
}

func (c *Client) SocketPath() string { return c.sock }

// SocketExists reports whether something is present at the socket path.
func (c *Client) SocketExists() bool {
	_, err := os.Stat(c.sock)
	return err == nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.sock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// Send delivers one exchange message on a fresh connection and returns the
// reply.
func (c *Client) Send(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	defer conn.Close()
	return exchange(ctx, conn, msg)
}

func exchange(ctx context.Context, conn net.Conn, msg protocol.Message) (protocol.Message, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f, err := protocol.EncodeMessage(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := protocol.WriteFrame(conn, f); err != nil {
		return protocol.Message{}, fmt.Errorf("send %s: %w", msg.Type, contextErr(ctx, err))
	}
	reply, err := protocol.ReadFrame(conn)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("read reply to %s: %w", msg.Type, contextErr(ctx, err))
	}
	if reply.Type == protocol.Failure {
		return protocol.Message{}, ErrFailure
	}
	return protocol.DecodeMessage(reply)
}

// contextErr prefers the context's error over the I/O error it caused.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

func expect(resp protocol.Message, kind protocol.Kind) error {
	if resp.Type == kind {
		return nil
	}
	if resp.Type == protocol.KindResponseFailure {
		return fmt.Errorf("%w: %s", ErrFailure, resp.Reason)
	}
	return fmt.Errorf("unexpected reply %s", resp.Type)
}

// Ping checks that the daemon answers exchange requests.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	resp, err := c.Send(ctx, protocol.RequestPing())
	if err != nil {
		return err
	}
	return expect(resp, protocol.KindResponseOK)
}

// ClearCache asks the daemon to drop its item and key caches.
func (c *Client) ClearCache(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	resp, err := c.Send(ctx, protocol.RequestCacheClear())
	if err != nil {
		return err
	}
	return expect(resp, protocol.KindResponseOK)
}

// RequestSession asks the daemon for its vault session. Refuses to talk to a
// socket served by the calling process.
func (c *Client) RequestSession(ctx context.Context, reason string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if uc, ok := conn.(*net.UnixConn); ok {
		if peer, err := security.PeerFromUnixConn(uc); err == nil && peer.PID == c.pid() {
			return "", ErrSameProcess
		}
	}

	resp, err := exchange(ctx, conn, protocol.RequestSession(reason))
	if err != nil {
		return "", err
	}
	if err := expect(resp, protocol.KindResponseSession); err != nil {
		return "", err
	}
	return resp.Session, nil
}

// Identities lists the daemon's keys through the SSH agent protocol.
func (c *Client) Identities(ctx context.Context) ([]*sshagent.Key, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	keys, err := sshagent.NewClient(conn).List()
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", contextErr(ctx, err))
	}
	return keys, nil
}

// RequestSession obtains a vault session from the daemon when one is
// reachable and falls back to the local session source otherwise.
func RequestSession(ctx context.Context, c *Client, reason string, fallback SessionSource, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c != nil && c.SocketExists() {
		token, err := c.RequestSession(ctx, reason)
		if err == nil && token != "" {
			return token, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Debug("daemon session unavailable, falling back", "component", "client", "error", err)
	}
	return fallback.GetSession(ctx, reason)
}
