package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zanaka/finance-engine/api"
	"github.com/zanaka/finance-engine/config"
	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/ledger/store"
	"github.com/zanaka/finance-engine/notify"
	"github.com/zanaka/finance-engine/store/postgres"
	"github.com/zanaka/finance-engine/store/sqlite"
)

// rootOptions holds flags shared by every command. Empty values leave the
// environment configuration untouched.
type rootOptions struct {
	Driver   string
	DSN      string
	LogLevel string
	EnvFile  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "finance-server",
		Short: "School finance ledger",
		Long:  "Invoices, payments, refunds and the allocation engine behind a JSON API.",
	}

	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "store driver (sqlite|postgres|memory)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database path or connection string")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newAllocateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newImportStudentsCommand(opts))
	cmd.AddCommand(newImportFeeItemsCommand(opts))

	return cmd
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

type app struct {
	cfg        config.Config
	log        *slog.Logger
	store      ledger.TxStore
	dispatcher *notify.Dispatcher
	service    *ledger.Service
	closers    []io.Closer
}

func (o *rootOptions) load() (config.Config, error) {
	if err := config.DotEnv(o.EnvFile); err != nil {
		return config.Config{}, fmt.Errorf("failed to load %s: %w", o.EnvFile, err)
	}
	cfg := config.Load(nil)
	if o.Driver != "" {
		cfg.DBDriver = o.Driver
	}
	if o.DSN != "" {
		cfg.DatabaseDSN = o.DSN
	}
	if o.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(o.LogLevel)); err != nil {
			return cfg, fmt.Errorf("invalid --log-level %q", o.LogLevel)
		}
	}
	return cfg, nil
}

// newApp opens every dependency. Callers must call close.
func newApp(opts *rootOptions) (*app, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, log: logger}

	logger.Info("opening store", "driver", cfg.DBDriver)
	switch cfg.DBDriver {
	case config.DriverPostgres:
		st, err := postgres.Open(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, st)
	case config.DriverMemory:
		a.store = store.NewTxMemory()
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite %s: %w", cfg.DatabaseDSN, err)
		}
		a.store = st
		a.closers = append(a.closers, st)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.DBDriver)
	}

	sink, err := a.sink()
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(sink,
		notify.WithWorkers(cfg.NotifyWorkers),
		notify.WithQueueSize(cfg.NotifyQueue),
		notify.WithLogger(logger.With("component", "notify")),
	)
	a.dispatcher.Start()

	a.service = ledger.NewService(a.store,
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithNotifier(a.dispatcher),
	)
	return a, nil
}

func (a *app) sink() (notify.Sink, error) {
	if len(a.cfg.KafkaBrokers) == 0 {
		return notify.NewLogSink(a.log.With("component", "notify")), nil
	}
	k, err := notify.DialKafka(a.cfg.KafkaBrokers, a.cfg.KafkaTopicPrefix)
	if err != nil {
		return nil, err
	}
	a.log.Info("publishing notifications to kafka", "brokers", a.cfg.KafkaBrokers, "prefix", a.cfg.KafkaTopicPrefix)
	a.closers = append(a.closers, k)
	return k, nil
}

// close drains notifications and releases resources in reverse order.
func (a *app) close(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(ctx); err != nil {
			a.log.Warn("notifications not drained", "pending", a.dispatcher.Pending(), "error", err)
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCommand(root *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API and the overdue sweeper",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			if port != "" {
				a.cfg.Port = port
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP server port (overrides PORT)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	sweeper := api.NewOverdueSweeper(a.service, a.log)
	sweeper.Interval = a.cfg.SweepInterval

	handler := api.NewHandler(a.service, a.log.With("component", "api"))
	handler.Sweeper = sweeper

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      api.NewRouter(handler, a.cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", server.Addr, "api", "http://localhost:"+a.cfg.Port+"/api")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-errCh:
		serveErr = fmt.Errorf("server failed: %w", err)
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server forced to shutdown: %w", err)
	}
	sweeper.Stop()
	a.close(shutdownCtx)

	a.log.Info("server stopped")
	return serveErr
}

func newAllocateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "allocate <student-id>",
		Short:        "Apply a student's unassigned payments to their open invoices",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(root, func(ctx context.Context, a *app) error {
				run, err := a.service.AllocatePayments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			})
		},
	}
}

func newSweepCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "sweep",
		Short:        "Persist overdue invoice statuses once",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(root, func(ctx context.Context, a *app) error {
				changed, err := a.service.RefreshStatuses(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.RefreshResponse{Changed: changed, RanAt: a.service.Now()})
			})
		},
	}
}

func newImportStudentsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-students <file.json>",
		Short: "Upsert students from a JSON array",
		Long: `Upsert directory records from a JSON array such as

  [{"id": "stu-1", "reg_number": "ADM-001", "full_name": "Amina Otieno", "is_active": true}]

Invoices and payments can only be recorded for active students.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var students []ledger.Student
			if err := json.Unmarshal(raw, &students); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			return withApp(root, func(ctx context.Context, a *app) error {
				err := a.store.WithTx(ctx, func(st ledger.Store) error {
					for _, s := range students {
						if s.ID == "" {
							return fmt.Errorf("student %q has no id", s.RegNumber)
						}
						if err := st.SaveStudent(ctx, s); err != nil {
							return fmt.Errorf("save student %s: %w", s.ID, err)
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d students\n", len(students))
				return nil
			})
		},
	}
}

func newImportFeeItemsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-fee-items <file.json>",
		Short: "Upsert the fee catalog from a JSON array",
		Long: `Upsert catalog items from a JSON array such as

  [{"code": "BUS", "description": "School bus", "price": "1250.50"}]

Invoice lines that name a fee_item_code take the catalog price and
description. Existing invoices keep the prices they were created with.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var items []ledger.FeeItem
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			return withApp(root, func(ctx context.Context, a *app) error {
				n, err := a.service.ImportFeeItems(ctx, items)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d fee items\n", n)
				return nil
			})
		},
	}
}

// withApp runs fn with a fully wired app and tears it down afterwards.
func withApp(root *rootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(stopCtx)
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
