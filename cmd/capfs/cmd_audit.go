package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/audit"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded filesystem events",
	Example: `  capfs audit --audit-db audit.db --denied
  capfs audit --audit-db audit.db --session cli-1234 --since 1h
  capfs audit --audit-db audit.db --prune 168h`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().String("session", "", "Only events from this session")
	auditCmd.Flags().String("op", "", "Only this operation (for example: write, unlink)")
	auditCmd.Flags().String("path-prefix", "", "Only paths under this prefix")
	auditCmd.Flags().Bool("denied", false, "Only denied operations")
	auditCmd.Flags().Duration("since", 0, "Only events newer than this")
	auditCmd.Flags().Int("limit", 100, "Maximum number of events (0: no limit)")
	auditCmd.Flags().Duration("prune", 0, "Delete events older than this instead of listing")

	viper.BindPFlag("audit.session", auditCmd.Flags().Lookup("session"))
	viper.BindPFlag("audit.op", auditCmd.Flags().Lookup("op"))
	viper.BindPFlag("audit.path-prefix", auditCmd.Flags().Lookup("path-prefix"))
	viper.BindPFlag("audit.denied", auditCmd.Flags().Lookup("denied"))
	viper.BindPFlag("audit.since", auditCmd.Flags().Lookup("since"))
	viper.BindPFlag("audit.limit", auditCmd.Flags().Lookup("limit"))
	viper.BindPFlag("audit.prune", auditCmd.Flags().Lookup("prune"))

	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Audit.Enabled() {
		return ErrAuditDisabled
	}
	store, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return errx.Wrap(ErrOpenAudit, err)
	}
	defer store.Close()

	ctx := cmd.Context()
	now := time.Now()
	if prune := viper.GetDuration("audit.prune"); prune > 0 {
		n, err := store.Prune(ctx, now.Add(-prune))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d events\n", n)
		return nil
	}

	f := audit.Filter{
		Session:    viper.GetString("audit.session"),
		Op:         vfs.HookOp(viper.GetString("audit.op")),
		PathPrefix: viper.GetString("audit.path-prefix"),
		DeniedOnly: viper.GetBool("audit.denied"),
		Limit:      viper.GetInt("audit.limit"),
	}
	if since := viper.GetDuration("audit.since"); since > 0 {
		f.Since = now.Add(-since)
	}
	return printEvents(ctx, cmd.OutOrStdout(), store, f)
}

func printEvents(ctx context.Context, w io.Writer, store *audit.Store, f audit.Filter) error {
	events, err := store.List(ctx, f)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSESSION\tOP\tPATH\tRESULT\tBYTES")
	for _, ev := range events {
		p := ev.Path
		if ev.NewPath != "" {
			p += " -> " + ev.NewPath
		}
		result := "ok"
		if ev.Errno != 0 {
			result = ev.Errno.Error()
		} else if ev.Error != "" {
			result = ev.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			ev.ID, ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Session, ev.Op, p, result, ev.Bytes)
	}
	return tw.Flush()
}
