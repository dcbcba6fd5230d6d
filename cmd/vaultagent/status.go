package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"

	"github.com/zach-source/vaultagent/internal/client"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon state and its keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			c, err := client.New(cfg.Socket)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			present := "missing"
			if c.SocketExists() {
				present = "present"
			}
			fmt.Fprintf(out, "socket: %s (%s)\n", c.SocketPath(), present)

			if err := c.Ping(cmd.Context()); err != nil {
				fmt.Fprintln(out, "daemon: not running")
				return err
			}
			fmt.Fprintln(out, "daemon: running")

			ctx, cancel := requestContext(cmd.Context(), cfg)
			defer cancel()
			keys, err := c.Identities(ctx)
			if err != nil {
				return err
			}
			printKeys(out, keys)
			return nil
		},
	}
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			c, err := client.New(cfg.Socket)
			if err != nil {
				return err
			}
			if err := c.Ping(cmd.Context()); err != nil {
				if errors.Is(err, client.ErrDaemonNotRunning) {
					return client.ErrDaemonNotRunning
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the keys served by the daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the daemon's keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			c, err := client.New(cfg.Socket)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd.Context(), cfg)
			defer cancel()
			keys, err := c.Identities(ctx)
			if err != nil {
				return err
			}
			printKeys(cmd.OutOrStdout(), keys)
			return nil
		},
	})
	return cmd
}

func printKeys(w io.Writer, keys []*sshagent.Key) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "no keys")
		return
	}
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s (%s)\n", ssh.FingerprintSHA256(k), k.Comment, k.Type())
	}
}
