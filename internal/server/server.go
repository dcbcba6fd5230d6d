package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zach-source/vaultagent/internal/agent"
	"github.com/zach-source/vaultagent/internal/protocol"
	"github.com/zach-source/vaultagent/internal/security"
	"github.com/zach-source/vaultagent/internal/util"
)

// ErrSocketExists is returned by Listen when something already occupies the
// socket path. Stale sockets are left for the user to remove.
var ErrSocketExists = errors.New("socket path already exists")

// Server accepts agent connections on a unix socket and feeds their frames
// to the dispatcher, one frame at a time per connection.
type Server struct {
	SockPath   string
	Dispatcher *agent.Dispatcher
	Logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*trackedConn]struct{}
	closing  bool
	wg       sync.WaitGroup

	// handlerCtx outlives Serve's context so in-flight requests can finish
	// during shutdown. Shutdown cancels it once its grace period ends.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc
}

type trackedConn struct {
	net.Conn
	busy atomic.Bool
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With("component", "server")
	}
	return s.Logger.With("component", "server")
}

// Listen binds the socket. It refuses to reuse an existing path.
func (s *Server) Listen() error {
	if s.SockPath == "" {
		p, err := util.SocketPath()
		if err != nil {
			return err
		}
		s.SockPath = p
	}
	if _, err := os.Lstat(s.SockPath); err == nil {
		return fmt.Errorf("%w: %s", ErrSocketExists, s.SockPath)
	}
	if err := os.MkdirAll(filepath.Dir(s.SockPath), 0o700); err != nil {
		return err
	}

	l, err := net.Listen("unix", s.SockPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.SockPath, err)
	}
	if err := os.Chmod(s.SockPath, 0o600); err != nil {
		l.Close()
		return err
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
	}
	l := s.listener
	if s.conns == nil {
		s.conns = make(map[*trackedConn]struct{})
	}
	s.handlerCtx, s.cancelHandler = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.closeListener() })
	defer stop()

	log := s.logger()
	log.Info("listening", "socket", s.SockPath)

	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		tc := &trackedConn{Conn: c}
		if !s.track(tc) {
			c.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(tc)
			s.serveConn(tc)
		}()
	}
}

func (s *Server) serveConn(tc *trackedConn) {
	defer tc.Close()

	peer := security.PeerFromConn(tc.Conn)
	conn := agent.NewConn(tc, peer)
	log := s.logger().With("conn", conn.ID)
	if peer.PID != 0 && !peer.SameUser() {
		log.Warn("rejecting connection from another user", "peer", peer)
		return
	}
	log.Debug("client connected", "peer", peer)

	r := bufio.NewReader(tc)
	for {
		f, err := protocol.ReadFrame(r)
		if errors.Is(err, protocol.ErrFrameTooShort) {
			s.Dispatcher.Drop(conn, err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				log.Warn("closing connection", "error", err)
			}
			break
		}

		tc.busy.Store(true)
		err = s.Dispatcher.Dispatch(s.handlerCtx, conn, f)
		tc.busy.Store(false)
		if err != nil {
			log.Warn("writing reply", "error", err)
			break
		}
		if s.isClosing() {
			break
		}
	}
	log.Debug("client disconnected")
}

// Shutdown stops accepting, removes the socket, closes idle connections and
// waits for in-flight requests. When ctx ends first the remaining handlers
// are cancelled and ctx.Err is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListener()

	s.mu.Lock()
	for tc := range s.conns {
		if !tc.busy.Load() {
			tc.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if s.Dispatcher != nil {
			s.Dispatcher.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.cancelHandler != nil {
			s.cancelHandler()
		}
		for tc := range s.conns {
			tc.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	if s.SockPath != "" {
		if err := os.Remove(s.SockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger().Warn("removing socket", "socket", s.SockPath, "error", err)
		}
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(tc *trackedConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[tc] = struct{}{}
	return true
}

func (s *Server) untrack(tc *trackedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, tc)
}
