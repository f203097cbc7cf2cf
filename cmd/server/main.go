/*
main.go - Application entry point

PURPOSE:
  Command-line interface of the commission engine. Loads configuration,
  wires the components, and runs either the HTTP server or a one-shot
  operational command.

COMMANDS:
  serve             HTTP API, cron scheduler, graceful shutdown
  mature            Run one maturation sweep and exit
  reconcile         Print the reconciliation report (--strict, --as-of)
  rebuild-balances  Rebuild cached balances from the journal (--seller)
  export-treasury   Write the treasury workbook (--out)

GLOBAL FLAGS:
  --config     YAML config file (default ./ledger.yaml when present)
  --db-driver  sqlite3 | postgres
  --db         DSN or SQLite path (":memory:" for an in-memory database)
  --log-level  debug | info | warn | error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the scheduler, cancelling in-flight sweeps
  4. Close database connection

EXAMPLES:
  ./server serve --db="./data/ledger.db"
  LEDGER_ENVIRONMENT=production ./server serve --config=/etc/ledger.yaml
  ./server reconcile --strict
  ./server export-treasury --out=treasury.xlsx

SEE ALSO:
  - config/config.go: Keys and precedence
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/payout"
	"github.com/warp/commission-engine/reconcile"
	"github.com/warp/commission-engine/store/sqlstore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired components.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *sqlstore.Store
	machine   *commission.Machine
	ingestor  *commission.Ingestor
	payouts   *payout.Orchestrator
	giftCards *payout.GiftCards
	startup   *payout.StartupPayments
	reporter  *reconcile.Reporter
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var cfgPath string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Commission and wallet ledger engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML config file")
	root.PersistentFlags().String("db-driver", "", "database driver (sqlite3|postgres)")
	root.PersistentFlags().String("db", "", "database DSN or SQLite path")
	root.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")
	_ = v.BindPFlag("database.driver", root.PersistentFlags().Lookup("db-driver"))
	_ = v.BindPFlag("database.dsn", root.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	load := func() (*app, error) { return build(v, cfgPath) }

	root.AddCommand(
		newServeCommand(v, load),
		newMatureCommand(load),
		newReconcileCommand(load),
		newRebuildCommand(load),
		newExportCommand(load),
	)
	return root
}

func build(v *viper.Viper, cfgPath string) (*app, error) {
	cfg, err := config.Load(v, cfgPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	store, err := sqlstore.Open(sqlstore.Dialect(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	machine := commission.NewMachine(store,
		commission.WithLogger(logger),
		commission.WithOverrides(cfg.AllowOverrides()))
	calc := commission.NewCalculator(cfg.CommissionPolicy())
	ingestor := commission.NewIngestor(store, calc, machine, factory.NewResolver(256), logger)

	rails := map[ledger.Rail]payout.Rail{
		ledger.RailPlatform:      payout.ManualRail{},
		ledger.RailStripeConnect: payout.ManualRail{},
	}
	if cfg.Payout.RailURL != "" {
		rails[ledger.RailStripeConnect] = payout.NewHTTPRail(cfg.Payout.RailURL)
	}
	orchestrator := payout.NewOrchestrator(store, machine, rails, payout.Config{
		MinPayout:   ledger.Money(cfg.Policy.MinPayout),
		Concurrency: cfg.Payout.Concurrency,
	}, logger)

	reporter := reconcile.NewReporter(store,
		reconcile.WithTolerance(ledger.Money(cfg.Policy.ReconcileTolerance)),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(reconcile.MustNewMetrics(prometheus.DefaultRegisterer)))

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		machine:   machine,
		ingestor:  ingestor,
		payouts:   orchestrator,
		giftCards: payout.NewGiftCards(store, machine, logger),
		startup:   payout.NewStartupPayments(store, machine, logger),
		reporter:  reporter,
	}, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCommand(v *viper.Viper, load func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.store.Close()
			return a.serve()
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) serve() error {
	scenarios, err := api.NewScenarioLoader(a.store, a.ingestor, a.machine)
	if err != nil {
		return err
	}
	handler := api.NewHandler(api.Deps{
		Store:     a.store,
		Ingestor:  a.ingestor,
		Machine:   a.machine,
		Payouts:   a.payouts,
		GiftCards: a.giftCards,
		Startup:   a.startup,
		Reporter:  a.reporter,
		Scenarios: scenarios,
		Logger:    a.logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		RateLimiter:    api.NewRateLimiter(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst),
		CallbackSecret: a.cfg.HTTP.CallbackSecret,
	})

	scheduler, err := api.NewScheduler(api.SchedulerConfig{
		MaturationSpec: a.cfg.Schedule.Maturation,
		ReconcileSpec:  a.cfg.Schedule.Reconcile,
	}, a.machine, a.reporter, a.logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", a.cfg.HTTP.Addr, "environment", a.cfg.Environment,
			"database", a.cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-quit:
	}

	a.logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func newMatureCommand(load func() (*app, error)) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "mature",
		Short: "Run one maturation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.store.Close()
			res, err := a.machine.MatureDue(cmd.Context(), a.machine.Now(), batch)
			fmt.Fprintf(cmd.OutOrStdout(), "examined=%d matured=%d skipped=%d failed=%d\n",
				res.Examined, res.Matured, res.Skipped, res.Failed)
			return err
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 500, "commissions listed per query")
	return cmd
}

func newReconcileCommand(load func() (*app, error)) *cobra.Command {
	var (
		strict bool
		asOf   string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Print the reconciliation report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := reconcileOptions(strict, asOf)
			if err != nil {
				return err
			}
			a, err := load()
			if err != nil {
				return err
			}
			defer a.store.Close()
			rep, err := a.reporter.Reconcile(cmd.Context(), opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "replay the journal instead of reading cached balances")
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC 3339 instant (default now)")
	return cmd
}

func newRebuildCommand(load func() (*app, error)) *cobra.Command {
	var seller string
	cmd := &cobra.Command{
		Use:   "rebuild-balances",
		Short: "Rebuild cached seller balances from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.store.Close()

			var ids []ledger.SellerID
			if seller != "" {
				ids = append(ids, ledger.SellerID(seller))
			} else {
				sellers, err := a.store.ListSellers(cmd.Context(), "")
				if err != nil {
					return err
				}
				for _, s := range sellers {
					ids = append(ids, s.ID)
				}
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				d, err := a.machine.Projector().Rebuild(cmd.Context(), a.store, id)
				if err != nil {
					return fmt.Errorf("rebuild %s: %w", id, err)
				}
				if d.Clean() {
					fmt.Fprintf(out, "%s: clean\n", id)
					continue
				}
				fmt.Fprintf(out, "%s: repaired balance=%+d pending=%+d due=%+d paid_total=%+d\n",
					id, d.Balance, d.Pending, d.Due, d.PaidTotal)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "", "rebuild one seller only")
	return cmd
}

func newExportCommand(load func() (*app, error)) *cobra.Command {
	var (
		out    string
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "export-treasury",
		Short: "Write the treasury reconciliation workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.store.Close()
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			rep, err := a.reporter.ExportTreasury(cmd.Context(), f, reconcile.Options{Strict: strict})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (discrepancy %d, reconciled %t)\n",
				out, rep.Discrepancy, rep.IsReconciled)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "treasury.xlsx", "output file")
	cmd.Flags().BoolVar(&strict, "strict", false, "replay the journal instead of reading cached balances")
	return cmd
}

func reconcileOptions(strict bool, asOf string) (reconcile.Options, error) {
	opts := reconcile.Options{Strict: strict}
	if asOf != "" {
		t, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			return opts, fmt.Errorf("--as-of: %w", err)
		}
		opts.AsOf = t
	}
	return opts, nil
}
