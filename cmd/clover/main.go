package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/app"
	"github.com/Ramsey-B/clover/pkg/batch"
	"github.com/Ramsey-B/clover/pkg/logging"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
)

var (
	version  = "dev"
	envFiles []string
)

func main() {
	root := &cobra.Command{
		Use:           "clover",
		Short:         "Identity resolution and attribute fusion engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")

	root.AddCommand(serveCmd(), batchCmd(), mergeCmd(), migrateCmd(), versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger. The returned func flushes the
// logger.
func setup() (*config.Config, ectologger.Logger, func(), error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, zapLogger, err := logging.New(logging.Config{
		AppName: cfg.AppName,
		Level:   cfg.LogLevel,
		Pretty:  cfg.PrettyLogs,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, func() { _ = zapLogger.Sync() }, nil
}

// withApp starts the process dependencies, runs fn and stops them again.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	app.Version = version
	a := app.New(cfg, logger)
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.WithoutCancel(ctx))
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			logger.WithError(err).Error("Failed to stop dependencies")
		}
	}()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the staging trigger consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func batchCmd() *cobra.Command {
	var opts batch.RunOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Resolve pending staged records once and print the run summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = models.EntityKind(kind)
			if kind != "" && !opts.Kind.Valid() {
				return fmt.Errorf("unknown entity kind %q", kind)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.RunBatch(ctx, opts)
				if summary != nil {
					printJSON(summary)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.SourceSystem, "source-system", "", "only records from this source system")
	cmd.Flags().StringVar(&opts.SourceTable, "source-table", "", "only records from this source table")
	cmd.Flags().StringVar(&kind, "kind", "", "only records of this entity kind")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to claim (0 uses BATCH_LIMIT)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent workers (0 uses BATCH_WORKERS)")
	return cmd
}

func mergeCmd() *cobra.Command {
	var req merging.MergeRequest
	var kind string
	cmd := &cobra.Command{
		Use:   "merge <loser-id> <winner-id>",
		Short: "Merge one canonical entity into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Kind = models.EntityKind(kind)
			if !req.Kind.Valid() {
				return fmt.Errorf("unknown entity kind %q", kind)
			}
			req.LoserID, req.WinnerID = args[0], args[1]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				result, err := a.Merge(ctx, req)
				if err != nil {
					return err
				}
				printJSON(result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.EntityKindPerson), "entity kind of both entities")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded on the merge decision")
	cmd.Flags().StringVar(&req.Actor, "actor", "cli", "who requested the merge")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, done, err := setup()
			if err != nil {
				return err
			}
			defer done()
			return app.New(cfg, logger).Migrate(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clover %s\n", version)
		},
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
