// Package watchdog supervises the daemon from a parent process, restarting
// it when it exits or stops answering pings.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"k8s.io/utils/clock"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultPingTimeout = 5 * time.Second
	DefaultKillAfter   = 5 * time.Second
)

// Process is a running daemon.
type Process interface {
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// StartFunc launches a new daemon process.
type StartFunc func() (Process, error)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Watchdog struct {
	Start  StartFunc
	Pinger Pinger
	// SocketPath is removed when the daemon died without cleaning it up, so
	// the next daemon can bind. A socket that still accepts is left alone.
	SocketPath  string
	Interval    time.Duration
	PingTimeout time.Duration
	// KillAfter is how long a stuck daemon gets to exit after SIGTERM.
	KillAfter time.Duration
	Clock     clock.WithTicker
	Logger    *slog.Logger
}

type child struct {
	proc   Process
	exited chan error
}

func (w *Watchdog) defaults() {
	if w.Interval <= 0 {
		w.Interval = DefaultInterval
	}
	if w.PingTimeout <= 0 {
		w.PingTimeout = DefaultPingTimeout
	}
	if w.KillAfter <= 0 {
		w.KillAfter = DefaultKillAfter
	}
	if w.Clock == nil {
		w.Clock = clock.RealClock{}
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	w.Logger = w.Logger.With("component", "watchdog")
}

// Run starts the daemon and supervises it until ctx ends or a forwarded
// signal makes it exit. Signals received on signals are passed to the
// daemon instead of restarting it.
func (w *Watchdog) Run(ctx context.Context, signals <-chan os.Signal) error {
	w.defaults()

	c, err := w.spawn()
	if err != nil {
		return err
	}

	ticker := w.Clock.NewTicker(w.Interval)
	defer ticker.Stop()

	stopping := false
	for {
		var exited chan error
		if c != nil {
			exited = c.exited
		}

		select {
		case <-ctx.Done():
			if c != nil {
				w.terminate(c)
			}
			return nil

		case sig := <-signals:
			if c == nil {
				return nil
			}
			w.Logger.Info("forwarding signal", "signal", sig.String())
			stopping = true
			if err := c.proc.Signal(sig); err != nil {
				w.Logger.Warn("forwarding signal failed", "error", err)
			}

		case err := <-exited:
			c = nil
			if stopping {
				w.Logger.Info("daemon stopped", "error", err)
				return nil
			}
			w.Logger.Warn("daemon is not running, restarting on next check", "error", err)
			w.removeStaleSocket()

		case <-ticker.C():
			if stopping {
				continue
			}
			if c == nil {
				c = w.restart()
				continue
			}
			if err := w.ping(ctx); err != nil {
				w.Logger.Warn("daemon did not respond to ping, restarting", "error", err)
				w.terminate(c)
				c = w.restart()
			}
		}
	}
}

func (w *Watchdog) spawn() (*child, error) {
	proc, err := w.Start()
	if err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	c := &child{proc: proc, exited: make(chan error, 1)}
	go func() { c.exited <- proc.Wait() }()
	w.Logger.Info("started daemon")
	return c, nil
}

func (w *Watchdog) restart() *child {
	c, err := w.spawn()
	if err != nil {
		w.Logger.Error("restart failed", "error", err)
		return nil
	}
	return c
}

func (w *Watchdog) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.PingTimeout)
	defer cancel()
	return w.Pinger.Ping(ctx)
}

// terminate asks the daemon to exit and kills it when it does not.
func (w *Watchdog) terminate(c *child) {
	if err := c.proc.Signal(syscall.SIGTERM); err != nil {
		w.Logger.Debug("sigterm failed", "error", err)
	}
	select {
	case <-c.exited:
		return
	case <-w.Clock.After(w.KillAfter):
	}

	w.Logger.Warn("daemon ignored SIGTERM, killing it")
	if err := c.proc.Kill(); err != nil {
		w.Logger.Warn("kill failed", "error", err)
	}
	<-c.exited
	w.removeStaleSocket()
}

// removeStaleSocket unlinks SocketPath unless something still accepts on it.
func (w *Watchdog) removeStaleSocket() {
	if w.SocketPath == "" {
		return
	}
	if _, err := os.Lstat(w.SocketPath); err != nil {
		return
	}
	conn, err := net.DialTimeout("unix", w.SocketPath, w.PingTimeout)
	if err == nil {
		conn.Close()
		w.Logger.Warn("socket is still served, leaving it", "socket", w.SocketPath)
		return
	}
	if err := os.Remove(w.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.Logger.Warn("removing stale socket", "socket", w.SocketPath, "error", err)
		return
	}
	w.Logger.Info("removed stale socket", "socket", w.SocketPath)
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p execProcess) Wait() error                { return p.cmd.Wait() }

// Command returns a StartFunc running name with args, sharing this
// process's stdio. The child runs in its own process group so terminal
// signals reach it only through the watchdog.
func Command(name string, args ...string) StartFunc {
	return func() (Process, error) {
		cmd := exec.Command(name, args...)
		cmd.Stdin = nil
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = sysProcAttr()
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return execProcess{cmd: cmd}, nil
	}
}

// ChildArgs returns args with the watchdog disabled for the child. The
// appended flag wins over any earlier --watchdog.
func ChildArgs(args []string) []string {
	return append(slices.Clone(args), "--watchdog=false")
}
