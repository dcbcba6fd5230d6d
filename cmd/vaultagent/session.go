package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zach-source/vaultagent/internal/vault"
)

func newSessionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "session [reason]",
		Short: "Print a vault session token",
		Long: `Prints a vault session token obtained from the daemon. The daemon asks for
confirmation first. Without a daemon the vault is unlocked locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			reason := strings.Join(args, " ")
			if reason == "" {
				reason = "vaultagent session"
			}
			token, err := sessionToken(cmd, cfg, newVault(cfg), reason, a.logger(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

type execer interface {
	Exec(ctx context.Context, token string, args []string, stdin io.Reader, stdout, stderr io.Writer) error
}

func newBwCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bw -- <args>...",
		Short: "Run the vault CLI with a session from the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			v := newVault(cfg)
			token, err := sessionToken(cmd, cfg, v, "bw "+args[0], a.logger(cmd))
			if err != nil {
				return err
			}

			if x, ok := v.(execer); ok {
				return x.Exec(cmd.Context(), token, args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			}
			out, err := v.Run(cmd.Context(), token, args...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

var _ execer = (*vault.BwCLI)(nil)
