package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/zach-source/vaultagent/internal/cache"
	"github.com/zach-source/vaultagent/internal/client"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the key cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the persisted public keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			keys := cache.NewKeys(cfg.KeyCachePath, cfg.KeyCacheTTL)
			if !keys.Enabled() {
				fmt.Fprintln(out, "key cache disabled")
				return nil
			}

			snap, err := keys.Load()
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(out, "key cache is empty")
				return nil
			}
			if err != nil {
				return err
			}

			switch {
			case !snap.Expires:
				fmt.Fprintln(out, "expires: never")
			case snap.ExpiresAt.Before(time.Now()):
				fmt.Fprintf(out, "expired: %s\n", snap.ExpiresAt.Format(time.RFC3339))
			default:
				fmt.Fprintf(out, "expires: %s\n", snap.ExpiresAt.Format(time.RFC3339))
			}
			for _, k := range snap.Keys {
				fmt.Fprintf(out, "%s %s\n", k.Key, k.Comment)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop the daemon's caches, or the key cache file without a daemon",
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

			err = c.ClearCache(cmd.Context())
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			}
			if !errors.Is(err, client.ErrDaemonNotRunning) {
				return err
			}

			if err := cache.NewKeys(cfg.KeyCachePath, cfg.KeyCacheTTL).Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon not running, key cache file removed")
			return nil
		},
	})
	return cmd
}
