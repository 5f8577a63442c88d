// Command backtest runs an options strategy backtest from a yaml config and
// reports the result as JSON, with optional journaling and a result
// dashboard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/dunder_backtester/internal/backtest"
	"github.com/eddiefleurent/dunder_backtester/internal/config"
	"github.com/eddiefleurent/dunder_backtester/internal/dashboard"
	"github.com/eddiefleurent/dunder_backtester/internal/execution"
	"github.com/eddiefleurent/dunder_backtester/internal/journal"
	"github.com/eddiefleurent/dunder_backtester/internal/marketdata"
	"github.com/eddiefleurent/dunder_backtester/internal/strategy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "backtest",
		Short:         "Options strategy backtesting engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to config file")
	cmd.AddCommand(newRunCmd(flags), newServeCmd(flags))
	return cmd
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		strategyName string
		startDate    string
		endDate      string
		days         int
		dataPath     string
		outputPath   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			// Flag overrides are re-validated so a bad flag fails the same
			// way a bad config file does.
			if strategyName != "" {
				cfg.Backtest.Strategy = strategyName
			}
			if startDate != "" {
				cfg.Backtest.StartDate = startDate
			}
			if endDate != "" {
				cfg.Backtest.EndDate = endDate
			}
			if days > 0 {
				if endDate != "" {
					return fmt.Errorf("--days and --end are mutually exclusive")
				}
				start, err := time.Parse("2006-01-02", cfg.Backtest.StartDate)
				if err != nil {
					return fmt.Errorf("backtest.start_date invalid: %w", err)
				}
				cfg.Backtest.EndDate = start.AddDate(0, 0, days).Format("2006-01-02")
			}
			if dataPath != "" {
				cfg.Data.Source = "csv"
				cfg.Data.Path = dataPath
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config after flag overrides: %w", err)
			}
			return runBacktest(cmd.Context(), cfg, outputPath)
		},
	}
	cmd.Flags().StringVar(&strategyName, "strategy", "", "override backtest.strategy")
	cmd.Flags().StringVar(&startDate, "start", "", "override backtest.start_date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end", "", "override backtest.end_date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&days, "days", 0, "set the end date this many calendar days after the start")
	cmd.Flags().StringVar(&dataPath, "data", "", "override data.path (implies csv source)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write result JSON to file instead of stdout")
	return cmd
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a backtest and serve the result over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if !cfg.Dashboard.Enabled {
				return fmt.Errorf("dashboard.enabled must be true for serve")
			}
			return serveBacktest(cmd.Context(), cfg)
		},
	}
	return cmd
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

func buildProvider(cfg *config.Config, logger *log.Logger) (marketdata.Provider, error) {
	switch cfg.Data.Source {
	case "csv":
		retry := marketdata.DefaultRetryConfig
		if cfg.Data.MaxRetries > 0 {
			retry.MaxAttempts = cfg.Data.MaxRetries
		}
		return marketdata.NewResilientProvider(marketdata.NewCSVProvider(cfg.Data.Path), retry, logger), nil
	case "fixture":
		start, end, err := cfg.Window()
		if err != nil {
			return nil, err
		}
		days := 0
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
				days++
			}
		}
		bars := marketdata.FlatSeries(start, days, 100, 0.20)
		return marketdata.NewFixtureProvider(bars), nil
	default:
		return nil, fmt.Errorf("unsupported data source %q", cfg.Data.Source)
	}
}

func executeRun(ctx context.Context, cfg *config.Config) (*backtest.Result, error) {
	engineLog := log.New(os.Stderr, "[backtest] ", log.LstdFlags)

	provider, err := buildProvider(cfg, engineLog)
	if err != nil {
		return nil, err
	}
	builder, err := strategy.NewBuilder(cfg.BuilderConfig())
	if err != nil {
		return nil, err
	}
	exec, err := execution.NewModel(cfg.CostConfig())
	if err != nil {
		return nil, err
	}
	runnerCfg, err := cfg.RunnerConfig()
	if err != nil {
		return nil, err
	}
	runner, err := backtest.NewRunner(runnerCfg, provider,
		marketdata.ConstantRate(cfg.RiskFreeRate()), builder, exec, engineLog)
	if err != nil {
		return nil, err
	}

	result, err := runner.Run(ctx)
	if err != nil {
		return result, err
	}

	if cfg.Journal.Enabled {
		if err := journalResult(ctx, cfg.Journal.Path, result, engineLog); err != nil {
			// Journaling failures do not invalidate the run itself.
			engineLog.Printf("journaling failed: %v", err)
		}
	}
	return result, nil
}

func journalResult(ctx context.Context, path string, result *backtest.Result, logger *log.Logger) error {
	jnl, err := journal.NewSQLite(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := jnl.Close(); cerr != nil {
			logger.Printf("closing journal: %v", cerr)
		}
	}()

	runID := journal.NewRunID()
	if err := jnl.RecordRun(ctx, runID, result); err != nil {
		return err
	}
	logger.Printf("journaled run %s", runID)
	return nil
}

func runBacktest(ctx context.Context, cfg *config.Config, outputPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := executeRun(ctx, cfg)
	if err != nil {
		return err
	}
	if result.EarlyStopped {
		fmt.Fprintf(os.Stderr, "run stopped early: %s\n", result.StopReason)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if outputPath != "" {
		return os.WriteFile(outputPath, append(out, '\n'), 0o600)
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

func serveBacktest(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := executeRun(ctx, cfg)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Environment.LogLevel)

	var jnl *journal.SQLite
	if cfg.Journal.Enabled {
		if jnl, err = journal.NewSQLite(cfg.Journal.Path); err != nil {
			return err
		}
		defer jnl.Close()
	}

	srv := dashboard.NewServer(dashboard.Config{Addr: cfg.Dashboard.Addr}, result, jnl, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
