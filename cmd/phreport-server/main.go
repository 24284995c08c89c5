package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/phreport/internal/config"
	"github.com/ehr/phreport/internal/platform/db"
	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/store"
	"github.com/ehr/phreport/internal/workflow"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "phreport-server",
		Short:        "Public health reporting workflow service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(subscriptionsCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(janitorCmd())
	return root
}

// withApp loads the configuration, wires the app and hands it to fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the notification server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(runServer)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	logger := a.logger
	if n, err := a.seedPlans(ctx, a.cfg.PlansDir); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	} else if n > 0 {
		logger.Info().Int("created", n).Str("dir", a.cfg.PlansDir).Msg("plans seeded")
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	if a.cfg.JanitorSchedule != "" {
		j, err := a.newJanitor()
		if err != nil {
			return err
		}
		if err := j.Start(ctx); err != nil {
			return err
		}
		defer j.Stop()
	}

	e := a.newServer()

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("store", a.cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured plan action once for a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("resource")
			file, _ := cmd.Flags().GetString("file")
			if (ref == "") == (file == "") {
				return fmt.Errorf("exactly one of --resource or --file is required")
			}
			return withApp(func(ctx context.Context, a *app) error {
				req := workflow.RunRequest{Coordinates: coordinates(cmd, a.cfg)}
				if err := a.cfg.ValidateCoordinates(); err != nil {
					return err
				}
				if ref != "" {
					rt, id, err := parseResourceRef(ref)
					if err != nil {
						return err
					}
					req.ResourceType, req.ResourceID = rt, id
				} else {
					r, err := store.LoadFile(file)
					if err != nil {
						return err
					}
					req.Resource = r
				}

				outcome, err := a.runner.Run(ctx, req)
				fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", outcome)
				return err
			})
		},
	}
	cmd.Flags().String("resource", "", "Notifying resource as Type/id, read from the store")
	cmd.Flags().String("file", "", "Notifying resource or bundle as a JSON or YAML file")
	coordinateFlags(cmd)
	return cmd
}

func subscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage plan subscriptions",
	}
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print the subscriptions a plan needs, optionally registering them",
		RunE: func(cmd *cobra.Command, args []string) error {
			register, _ := cmd.Flags().GetBool("register")
			return withApp(func(ctx context.Context, a *app) error {
				coords := coordinates(cmd, a.cfg)
				params := a.subscriptionDefaults()
				params.PlanURL, params.ReportEndpoint = coords.PlanURL, coords.ReportEndpoint
				if v, _ := cmd.Flags().GetString("notify-endpoint"); v != "" {
					params.NotifyEndpoint = v
				}
				if params.PlanURL == "" {
					return fmt.Errorf("PLAN_DEFINITION_URL or --plan is required")
				}

				plan, err := a.plans.Resolve(ctx, params.PlanURL)
				if err != nil {
					return err
				}
				subs := workflow.GenerateSubscriptions(plan, params)
				if register {
					stored, created, err := workflow.RegisterSubscriptions(ctx, a.store, subs)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "registered %d new of %d subscription(s)\n", created, len(stored))
					subs = stored
				}
				return printJSON(cmd.OutOrStdout(), subs)
			})
		},
	}
	generate.Flags().Bool("register", false, "Store the subscriptions, skipping ones that already exist")
	generate.Flags().String("notify-endpoint", "", "Channel endpoint; defaults to NOTIFY_ENDPOINT")
	coordinateFlags(generate)
	cmd.AddCommand(generate)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load PlanDefinition and ValueSet files into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withApp(func(ctx context.Context, a *app) error {
				if dir == "" {
					dir = a.cfg.PlansDir
				}
				if dir == "" {
					return fmt.Errorf("--dir or PLANS_DIR is required")
				}
				n, err := a.seedPlans(ctx, dir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d new resource(s) from %s.\n", n, dir)
				return nil
			})
		},
	}
	cmd.Flags().String("dir", "", "Directory of JSON or YAML resources; defaults to PLANS_DIR")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres store",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory; defaults to MIGRATIONS_DIR")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatuses(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory; defaults to MIGRATIONS_DIR")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir, cfg.DBSchema))
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func janitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Clean up temporary resources left by interrupted runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete run-tagged resources older than JANITOR_GRACE once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				j, err := a.newJanitor()
				if err != nil {
					return err
				}
				n, err := j.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d resource(s).\n", n)
				return err
			})
		},
	})
	return cmd
}

func coordinateFlags(cmd *cobra.Command) {
	cmd.Flags().String("plan", "", "PlanDefinition canonical URL; defaults to PLAN_DEFINITION_URL")
	cmd.Flags().String("action", "", "Action id to perform; defaults to ACTION_ID")
	cmd.Flags().String("report-endpoint", "", "Report destination; defaults to REPORT_ENDPOINT")
}

// coordinates merges the coordinate flags over the configuration and writes
// the result back to cfg.
func coordinates(cmd *cobra.Command, cfg *config.Config) workflow.Coordinates {
	for flag, dst := range map[string]*string{
		"plan":            &cfg.PlanDefinitionURL,
		"action":          &cfg.ActionID,
		"report-endpoint": &cfg.ReportEndpoint,
	} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*dst = v
		}
	}
	return workflow.Coordinates{
		PlanURL:        cfg.PlanDefinitionURL,
		ActionID:       cfg.ActionID,
		ReportEndpoint: cfg.ReportEndpoint,
	}
}

func parseResourceRef(ref string) (string, string, error) {
	rt, id := fhir.SplitReference(ref)
	if rt == "" || id == "" {
		return "", "", fmt.Errorf("resource must be Type/id, got %q", ref)
	}
	return rt, id, nil
}

func printJSON(w io.Writer, resources []map[string]interface{}) error {
	entries := make([]interface{}, len(resources))
	for i, r := range resources {
		entries[i] = map[string]interface{}{"resource": r}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        entries,
	})
}
