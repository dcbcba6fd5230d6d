// Command vaultagent talks to the vaultagentd daemon and manages its caches,
// vault sessions and access policy.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/zach-source/vaultagent/internal/client"
	"github.com/zach-source/vaultagent/internal/config"
	"github.com/zach-source/vaultagent/internal/logging"
	"github.com/zach-source/vaultagent/internal/prompt"
	"github.com/zach-source/vaultagent/internal/session"
	"github.com/zach-source/vaultagent/internal/vault"
)

type app struct {
	configPath string
	socket     string
	verbose    bool
}

func (a *app) config() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if a.socket != "" {
		cfg.Socket = a.socket
	}
	return cfg, nil
}

func (a *app) logger(cmd *cobra.Command) *slog.Logger {
	logger, _, err := logging.New(logging.Options{Verbose: a.verbose, Console: cmd.ErrOrStderr()})
	if err != nil {
		return slog.Default()
	}
	return logger
}

// requestContext bounds a daemon request that may wait on a prompt. A zero
// ipc timeout leaves it unbounded.
func requestContext(ctx context.Context, cfg config.Config) (context.Context, context.CancelFunc) {
	if cfg.IPCTimeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.IPCTimeout)
}

func newVault(cfg config.Config) vault.Client {
	if cfg.Backend == config.BackendFake {
		return vault.NewFake("")
	}
	return vault.NewBwCLI(cfg.VaultCommand)
}

// localSessions unlocks the vault in this process, asking on the terminal.
func localSessions(cmd *cobra.Command, cfg config.Config, v vault.Client, logger *slog.Logger) (*session.Manager, error) {
	term := prompt.NewTerminal()
	term.In = cmd.InOrStdin()
	term.Out = cmd.ErrOrStderr()
	return session.NewManager(cfg.SessionConfig(), v, term, session.WithLogger(logger))
}

// sessionToken obtains a vault session from the daemon, or unlocks locally
// when no daemon can provide one.
func sessionToken(cmd *cobra.Command, cfg config.Config, v vault.Client, reason string, logger *slog.Logger) (string, error) {
	c, err := client.New(cfg.Socket)
	if err != nil {
		return "", err
	}
	ctx, cancel := requestContext(cmd.Context(), cfg)
	defer cancel()
	local, err := localSessions(cmd, cfg, v, logger)
	if err != nil {
		return "", err
	}
	return client.RequestSession(ctx, c, reason, local, logger)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "vaultagent",
		Short: "Client for the vaultagentd SSH agent",
		Long: `vaultagent queries and controls the vaultagentd daemon. Commands that need
a vault session ask the daemon first and unlock the vault locally when no
daemon is running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/vaultagent/config.yaml)")
	root.PersistentFlags().StringVar(&a.socket, "socket", "", "agent socket path")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug messages")

	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newPingCmd(a))
	root.AddCommand(newSessionCmd(a))
	root.AddCommand(newBwCmd(a))
	root.AddCommand(newKeysCmd(a))
	root.AddCommand(newCacheCmd(a))
	root.AddCommand(newAuditCmd(a))
	return root
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	logging.Fatal(err)
}
