package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"captable/internal/auth"
	"captable/internal/config"
	"captable/internal/middleware"
	"captable/internal/models"
	"captable/internal/server"
	"captable/internal/uuid"
)

// loadApp is swapped out in tests.
var loadApp = openApp

// withApp runs fn against a freshly wired service graph.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *server.App, cfg *config.Config) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, cfg, cleanup, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, app, cfg)
}

func mortgageArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if !uuid.IsValid(args[0]) {
		return fmt.Errorf("invalid mortgage id %q", args[0])
	}
	return nil
}

func ownershipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ownership",
		Short: "Inspect ownership tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "table <mortgage-id>",
		Short: "Print every owner's share of a mortgage",
		Args:  mortgageArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App, _ *config.Config) error {
				records, err := app.Ownership.GetOwnershipTable(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), records)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "OWNER\tPERCENTAGE\tUPDATED")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%.6f\t%s\n", r.OwnerID, r.Percentage, r.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "total <mortgage-id>",
		Short: "Print the ownership total of a mortgage",
		Args:  mortgageArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App, _ *config.Config) error {
				total, err := app.Ownership.GetTotalOwnership(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), total)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %.6f valid=%t\n", total.MortgageID, total.Total, total.Valid)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check that every mortgage sums to 100%",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App, _ *config.Config) error {
				invalid, err := app.Ownership.VerifyAll(ctx)
				if err != nil {
					return err
				}
				if invalid == nil {
					invalid = []models.OwnershipTotal{}
				}
				if jsonOutput(cmd) {
					if err := printJSON(cmd.OutOrStdout(), invalid); err != nil {
						return err
					}
				} else {
					for _, t := range invalid {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %.6f\n", t.MortgageID, t.Total)
					}
				}
				if len(invalid) > 0 {
					return fmt.Errorf("%d mortgages do not sum to 100%%", len(invalid))
				}
				if !jsonOutput(cmd) {
					fmt.Fprintln(cmd.OutOrStdout(), "all mortgages sum to 100%")
				}
				return nil
			})
		},
	})

	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Drive the external ledger outbox",
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Deliver due outbox tasks to the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App, cfg *config.Config) error {
				batch, _ := cmd.Flags().GetInt("batch-size")
				if batch <= 0 {
					batch = cfg.OutboxBatchSize
				}
				summary, err := app.LedgerSync.DrainOutbox(ctx, batch)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "leased=%d completed=%d failed=%d pending=%d\n",
					summary.Leased, summary.Completed, summary.Failed, summary.Pending)
				return nil
			})
		},
	}
	drain.Flags().Int("batch-size", 0, "Maximum tasks to lease (default from OUTBOX_BATCH_SIZE)")
	cmd.AddCommand(drain)

	cmd.AddCommand(&cobra.Command{
		Use:   "sync <transfer-id>",
		Short: "Post one approved transfer to the ledger now",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			if !uuid.IsValid(args[0]) {
				return fmt.Errorf("invalid transfer id %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App, _ *config.Config) error {
				transfer, err := app.LedgerSync.SyncTransfer(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), transfer)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", transfer.ID, transfer.Status)
				return nil
			})
		},
	})

	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Maintain the audit trail",
	}

	emit := &cobra.Command{
		Use:   "emit",
		Short: "Deliver unemitted audit events to the event sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App, cfg *config.Config) error {
				batch, _ := cmd.Flags().GetInt("batch-size")
				if batch <= 0 {
					batch = cfg.AuditEmitBatchSize
				}
				summary, err := app.Audit.EmitPendingEvents(ctx, batch)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d emitted=%d failed=%d\n",
					summary.Attempted, summary.Emitted, summary.Failed)
				return nil
			})
		},
	}
	emit.Flags().Int("batch-size", 0, "Maximum events to emit (default from AUDIT_EMIT_BATCH_SIZE)")
	cmd.AddCommand(emit)

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete emitted audit events past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App, cfg *config.Config) error {
				batch, _ := cmd.Flags().GetInt("batch-size")
				if batch <= 0 {
					batch = cfg.AuditPruneBatch
				}
				pruned, err := app.Audit.PruneExpired(ctx, batch)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), map[string]int64{"pruned": pruned})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned=%d\n", pruned)
				return nil
			})
		},
	}
	prune.Flags().Int("batch-size", 0, "Maximum events to delete (default from AUDIT_PRUNE_BATCH_SIZE)")
	cmd.AddCommand(prune)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roleName, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			secret, _ := cmd.Flags().GetString("secret")

			role, ok := auth.ParseRole(roleName)
			if !ok {
				return fmt.Errorf("unknown role %q", roleName)
			}
			if subject == "" {
				subject = uuid.New()
			}
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.JWTSecret
			}

			token, err := middleware.GenerateAccessToken(secret, subject, role, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]string{"subject": subject, "role": string(role), "token": token})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().String("subject", "", "Token subject (default: a new UUID)")
	cmd.Flags().String("role", string(auth.RoleInvestor), "Role: investor, broker, admin")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.Flags().String("secret", "", "Signing secret (default from JWT_SECRET)")

	return cmd
}
