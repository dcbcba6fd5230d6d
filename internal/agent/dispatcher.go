// Package agent implements the request handling of the SSH agent and the
// exchange protocol on top of the session manager and caches.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zach-source/vaultagent/internal/audit"
	"github.com/zach-source/vaultagent/internal/cache"
	"github.com/zach-source/vaultagent/internal/metrics"
	"github.com/zach-source/vaultagent/internal/policy"
	"github.com/zach-source/vaultagent/internal/prompt"
	"github.com/zach-source/vaultagent/internal/protocol"
	"github.com/zach-source/vaultagent/internal/vault"
)

const (
	// DefaultTimeout bounds the handling of one frame, prompts included.
	DefaultTimeout = 300 * time.Second
	// NoTimeout lets a frame's handling run until it completes.
	NoTimeout time.Duration = -1
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrRequestDenied = errors.New("request denied")
	ErrUnhandledType = errors.New("unhandled message type")
	ErrPolicyDenied  = errors.New("access denied by policy")
	ErrNoSession     = errors.New("session not approved")
)

// SessionSource hands out vault session tokens.
type SessionSource interface {
	GetSession(ctx context.Context, reason string) (string, error)
}

// ItemSource is the vault item cache.
type ItemSource interface {
	Get(ctx context.Context, reason string) ([]vault.Item, error)
	GetWithToken(ctx context.Context, token string) ([]vault.Item, error)
	Clear()
}

// KeyStore is the persisted public key cache.
type KeyStore interface {
	Get() ([]cache.KeyEntry, bool)
	Set(entries []cache.KeyEntry) error
	Clear() error
}

type Options struct {
	Sessions      SessionSource
	Items         ItemSource
	Keys          KeyStore
	Prompter      prompt.Prompter
	PromptTimeout time.Duration
	// Timeout is zero for DefaultTimeout, or NoTimeout.
	Timeout       time.Duration
	Policy        policy.Policy
	PolicyPath    string
	Audit         *audit.Logger
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type request struct {
	conn   *Conn
	frame  protocol.Frame
	logger *slog.Logger
}

type handlerFunc func(ctx context.Context, req *request) (protocol.Frame, error)

type exchangeFunc func(ctx context.Context, req *request, msg protocol.Message) protocol.Message

type result struct {
	frame protocol.Frame
	err   error
}

// Dispatcher routes decoded frames to handlers. Frames are handled one at a
// time daemon-wide, except exchange pings which touch no shared state.
type Dispatcher struct {
	opts     Options
	logger   *slog.Logger
	handlers map[protocol.MessageType]handlerFunc
	exchange map[protocol.Kind]exchangeFunc

	// exclusive serializes access to the session and caches.
	exclusive *semaphore.Weighted
	wg        sync.WaitGroup
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		opts:      opts,
		logger:    opts.Logger.With("component", "agent"),
		exclusive: semaphore.NewWeighted(1),
	}
	d.handlers = map[protocol.MessageType]handlerFunc{
		protocol.RequestIdentities: d.requestIdentities,
		protocol.SignRequest:       d.signRequest,
		protocol.Exchange:          d.handleExchange,
	}
	d.exchange = map[protocol.Kind]exchangeFunc{
		protocol.KindRequestSession:    d.requestSession,
		protocol.KindRequestPing:       d.ping,
		protocol.KindRequestCacheClear: d.cacheClear,
	}
	return d
}

// Drop records a frame that was discarded before dispatch.
func (d *Dispatcher) Drop(conn *Conn, err error) {
	d.logger.Warn("dropping frame", "conn", conn.ID, "error", err)
	d.opts.Metrics.ObserveDroppedFrame()
}

// Dispatch handles f and writes exactly one reply to conn.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, f protocol.Frame) error {
	start := time.Now()
	req := &request{
		conn:  conn,
		frame: f,
		logger: d.logger.With(
			"request", uuid.NewString(),
			"conn", conn.ID,
			"type", f.Type.String(),
		),
	}
	req.logger.Debug("request received", "peer", conn.Peer)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	resp, outcome := d.run(ctx, req)
	d.opts.Metrics.ObserveRequest(label(f), outcome, time.Since(start))
	req.logger.Debug("request done", "outcome", outcome, "elapsed", time.Since(start))
	return conn.Reply(resp)
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.Timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opts.Timeout)
}

func (d *Dispatcher) run(ctx context.Context, req *request) (protocol.Frame, string) {
	exclusive := !isPing(req.frame)
	if exclusive {
		if err := d.exclusive.Acquire(ctx, 1); err != nil {
			req.logger.Warn("request timed out waiting for a previous request", "error", err)
			return d.failure(req, err), metrics.OutcomeTimeout
		}
	}

	results := make(chan result, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				results <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		f, err := d.route(ctx, req)
		results <- result{frame: f, err: err}
	}()

	select {
	case r := <-results:
		if exclusive {
			d.exclusive.Release(1)
		}
		if r.err != nil {
			req.logger.Warn("request failed", "error", r.err)
			return d.failure(req, r.err), metrics.OutcomeFailure
		}
		return r.frame, metrics.OutcomeOK
	case <-ctx.Done():
		// The late result is discarded. Shared state stays reserved until the
		// handler has observed the cancellation and returned.
		go func() {
			<-results
			if exclusive {
				d.exclusive.Release(1)
			}
			req.logger.Debug("discarded late result")
		}()
		req.logger.Warn("request timed out", "error", ctx.Err())
		return d.failure(req, ctx.Err()), metrics.OutcomeTimeout
	}
}

func (d *Dispatcher) route(ctx context.Context, req *request) (protocol.Frame, error) {
	h, ok := d.handlers[req.frame.Type]
	if !ok {
		return protocol.Frame{}, fmt.Errorf("%w: %s", ErrUnhandledType, req.frame.Type)
	}
	return h(ctx, req)
}

// failure builds the reply for a failed request. Exchange requests whose body
// parsed get the reason back; everything else gets the bare failure frame.
func (d *Dispatcher) failure(req *request, err error) protocol.Frame {
	if req.frame.Type != protocol.Exchange {
		return protocol.FailureFrame
	}
	if _, derr := protocol.DecodeMessage(req.frame); derr != nil {
		return protocol.FailureFrame
	}
	return exchangeFrame(req, protocol.ResponseFailure(err.Error()))
}

// Wait blocks until every handler goroutine, including abandoned ones, has
// returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// authorize checks action against the access policy and audits the outcome.
func (d *Dispatcher) authorize(req *request, action string) error {
	if !d.opts.Policy.Enforcing() {
		return nil
	}
	peer := req.conn.Peer
	allowed := policy.Allowed(d.opts.Policy, policy.Subject{PID: peer.PID, Path: peer.Path}, action)
	d.opts.Audit.LogAccessDecision(peer, req.conn.ID, action, allowed, d.opts.PolicyPath)
	if !allowed {
		return fmt.Errorf("%w: %s", ErrPolicyDenied, action)
	}
	return nil
}

func isPing(f protocol.Frame) bool {
	if f.Type != protocol.Exchange {
		return false
	}
	m, err := protocol.DecodeMessage(f)
	return err == nil && m.Type == protocol.KindRequestPing
}

func label(f protocol.Frame) string {
	if f.Type == protocol.Exchange {
		if m, err := protocol.DecodeMessage(f); err == nil {
			return string(m.Type)
		}
	}
	return f.Type.String()
}
