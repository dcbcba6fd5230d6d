package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zach-source/vaultagent/internal/audit"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Review audit events",
	}

	var since time.Duration
	var allow int
	var pattern string
	denials := &cobra.Command{
		Use:   "denials",
		Short: "Summarise denied requests and optionally allow one",
		Long: `Lists the requests denied by the access policy. With --allow N the Nth
denial becomes an allow rule for its process; --pattern widens the allowed
actions (for example "sign:*").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			dir, err := cfg.AuditDir()
			if err != nil {
				return err
			}
			if dir == "" {
				return errors.New("audit log is disabled")
			}

			found, err := audit.ScanRecentDenials(dir, since, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if allow > 0 {
				if allow > len(found) {
					return fmt.Errorf("no denial %d (found %d)", allow, len(found))
				}
				d := found[allow-1]
				p := pattern
				if p == "" {
					p = d.Action
				}
				if err := audit.AddRule(cfg.PolicyPath, audit.RuleFromDenial(d, p)); err != nil {
					return err
				}
				fmt.Fprintf(out, "allowed %s for %s\n", p, d.Path)
				return nil
			}

			if len(found) == 0 {
				fmt.Fprintf(out, "no denials in the last %s\n", since)
				return nil
			}
			for i, d := range found {
				fmt.Fprint(out, audit.FormatDenial(i, d))
				fmt.Fprintf(out, "    Patterns: %s\n", strings.Join(audit.SuggestAllowPatterns(d.Action), ", "))
			}
			return nil
		},
	}
	denials.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	denials.Flags().IntVar(&allow, "allow", 0, "add an allow rule for the denial with this number")
	denials.Flags().StringVar(&pattern, "pattern", "", "action pattern for --allow (default: the denied action)")

	cmd.AddCommand(denials)
	return cmd
}
