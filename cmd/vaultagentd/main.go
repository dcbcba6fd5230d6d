// Command vaultagentd is the SSH agent daemon backed by the password vault.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zach-source/vaultagent/internal/client"
	"github.com/zach-source/vaultagent/internal/config"
	"github.com/zach-source/vaultagent/internal/logging"
	"github.com/zach-source/vaultagent/internal/watchdog"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vaultagentd",
		Short: "SSH agent serving keys stored in the password vault",
		Long: `vaultagentd listens on the agent socket and answers SSH agent requests
with keys stored in the vault. The vault is unlocked on demand after a
password prompt and locked again once the session times out.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := config.BindFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.Load()
		if err != nil {
			return err
		}
		logger, closer, err := logging.New(logging.Options{File: cfg.LogFile, Verbose: cfg.Verbose, Silent: cfg.Silent})
		if err != nil {
			return err
		}
		defer closer.Close()

		signals := make(chan os.Signal, 2)
		signal.Notify(signals, shutdownSignals...)
		defer signal.Stop(signals)

		if cfg.Watchdog {
			return superviseDaemon(cmd.Context(), cfg, logger, signals)
		}

		d, err := newDaemon(cfg, logger)
		if err != nil {
			return err
		}
		return d.run(cmd.Context(), signals)
	}
	return cmd
}

func superviseDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger, signals <-chan os.Signal) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	c, err := client.New(cfg.Socket)
	if err != nil {
		return err
	}
	w := &watchdog.Watchdog{
		Start:      watchdog.Command(exe, watchdog.ChildArgs(os.Args[1:])...),
		Pinger:     c,
		SocketPath: c.SocketPath(),
		Interval:   cfg.WatchdogInterval,
		Logger:     logger,
	}
	return w.Run(ctx, signals)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logging.Fatal(err)
	}
}
