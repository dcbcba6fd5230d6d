package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zach-source/vaultagent/internal/agent"
	"github.com/zach-source/vaultagent/internal/audit"
	"github.com/zach-source/vaultagent/internal/cache"
	"github.com/zach-source/vaultagent/internal/config"
	"github.com/zach-source/vaultagent/internal/metrics"
	"github.com/zach-source/vaultagent/internal/policy"
	"github.com/zach-source/vaultagent/internal/prompt"
	"github.com/zach-source/vaultagent/internal/server"
	"github.com/zach-source/vaultagent/internal/session"
	"github.com/zach-source/vaultagent/internal/vault"
)

const lockTimeout = 10 * time.Second

type daemon struct {
	cfg      config.Config
	logger   *slog.Logger
	sessions *session.Manager
	items    *cache.Items
	metrics  *metrics.Metrics
	audit    *audit.Logger
	server   *server.Server

	// exit terminates the process on a second shutdown signal.
	exit func(code int)
}

func newVault(cfg config.Config) vault.Client {
	if cfg.Backend == config.BackendFake {
		return vault.NewFake("")
	}
	return vault.NewBwCLI(cfg.VaultCommand)
}

func newPrompter(cfg config.Config, logger *slog.Logger) prompt.Prompter {
	if cfg.Prompt == config.PromptTerminal {
		return prompt.NewTerminal()
	}
	return prompt.NewWeb(cfg.BrowserCommand, logger)
}

// ipcTimeout maps the configured request timeout, where zero disables it.
func ipcTimeout(cfg config.Config) time.Duration {
	if cfg.IPCTimeout == 0 {
		return agent.NoTimeout
	}
	return cfg.IPCTimeout
}

func newDaemon(cfg config.Config, logger *slog.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var auditLog *audit.Logger
	auditDir, err := cfg.AuditDir()
	if err != nil {
		return nil, err
	}
	if auditDir != "" {
		auditLog, err = audit.NewLogger(auditDir, audit.DefaultRollerConfig(), logger, nil)
		if err != nil {
			return nil, err
		}
	}

	pol, policyPath, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load access policy: %w", err)
	}
	if pol.Enforcing() {
		logger.Info("access policy enforced", "path", policyPath, "rules", len(pol.Allow))
	}

	v := newVault(cfg)
	p := newPrompter(cfg, logger)
	m := metrics.New()

	mgr, err := session.NewManager(cfg.SessionConfig(), v, p, session.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	items := cache.NewItems(cfg.ItemCacheTTL, mgr, v, cache.WithLogger(logger))
	keys := cache.NewKeys(cfg.KeyCachePath, cfg.KeyCacheTTL, cache.WithLogger(logger))

	mgr.SetCallbacks(items.Clear, func(success bool) {
		m.ObserveUnlock(success)
		auditLog.LogUnlock(success)
	})
	m.RegisterSession(mgr.Active, func() time.Duration {
		return mgr.Info().TimeUntilLock(time.Now())
	})
	m.RegisterItemCache(items)

	dispatcher := agent.NewDispatcher(agent.Options{
		Sessions:      mgr,
		Items:         items,
		Keys:          keys,
		Prompter:      p,
		PromptTimeout: cfg.PromptTimeout,
		Timeout:       ipcTimeout(cfg),
		Policy:        pol,
		PolicyPath:    policyPath,
		Audit:         auditLog,
		Metrics:       m,
		Logger:        logger,
	})

	return &daemon{
		cfg:      cfg,
		logger:   logger.With("component", "daemon"),
		sessions: mgr,
		items:    items,
		metrics:  m,
		audit:    auditLog,
		server:   &server.Server{SockPath: cfg.Socket, Dispatcher: dispatcher, Logger: logger},
		exit:     os.Exit,
	}, nil
}

// run serves until ctx ends or a signal arrives, then locks the vault and
// shuts down. A second signal exits immediately with status 1.
func (d *daemon) run(ctx context.Context, signals <-chan os.Signal) error {
	defer d.audit.Close()
	if err := d.server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(d.sessions.Run)
	background(func(ctx context.Context) { d.items.Run(ctx, d.cfg.CheckInterval) })
	if d.cfg.MetricsAddr != "" {
		background(func(ctx context.Context) {
			if err := d.metrics.Serve(ctx, d.cfg.MetricsAddr, d.logger); err != nil {
				d.logger.Error("metrics server failed", "error", err)
			}
		})
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(ctx) }()

	select {
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return err
	case sig := <-signals:
		d.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		d.logger.Info("shutting down")
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case sig := <-signals:
			d.logger.Error("forced exit", "signal", sig.String())
			d.exit(1)
		case <-stopped:
		}
	}()

	lockCtx, lockCancel := context.WithTimeout(context.Background(), lockTimeout)
	d.sessions.Lock(lockCtx)
	lockCancel()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer graceCancel()
	err := d.server.Shutdown(graceCtx)
	cancel()
	wg.Wait()
	if serr := <-serveErr; serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	d.logger.Info("stopped")
	return nil
}
