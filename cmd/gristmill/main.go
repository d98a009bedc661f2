package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gristmill/gristmill/pkg/config"
	"github.com/gristmill/gristmill/pkg/logger"
	"github.com/gristmill/gristmill/pkg/pipeline"
	"github.com/gristmill/gristmill/pkg/report"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRISTMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "gristmill",
		Short: "Gristmill - concurrent batch ETL engine",
		Long: `Gristmill runs batch extract-transform-load pipelines over file-based data.
It discovers input files from a glob, extracts them concurrently, transforms
partitions through a named strategy, and writes loaded data plus aggregated
reports in one or more output formats.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Flags beat environment (GRISTMILL_LOG_LEVEL, ...) beat defaults.
			if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
				return err
			}
			return logger.Init(logger.Config{
				Level:    v.GetString("log-level"),
				Encoding: v.GetString("log-format"),
			})
		},
	}
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "json", "Log encoding (json or console)")
	root.PersistentFlags().String("metrics-listen", "", "Address to serve Prometheus metrics on, e.g. :9090 (disabled when empty)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Gristmill v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// Run command
	var (
		configFile    string
		modeFlag      string
		partitions    int
		timeout       time.Duration
		skipTransform bool
		skipLoad      bool
		skipOutput    bool
		allOrNothing  bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		Long: `Run a pipeline from a YAML configuration.

Example:
  gristmill run --config run.yaml --mode concurrent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if modeFlag != "" {
				mode, err := config.ParseMode(modeFlag)
				if err != nil {
					return err
				}
				cfg.Mode = mode
			}
			if cmd.Flags().Changed("partitions") {
				cfg.Partitions = partitions
			}
			cfg.SkipTransform = cfg.SkipTransform || skipTransform
			cfg.SkipLoad = cfg.SkipLoad || skipLoad
			cfg.SkipOutput = cfg.SkipOutput || skipOutput
			cfg.AllOrNothing = cfg.AllOrNothing || allOrNothing

			log := logger.Get()
			if addr := v.GetString("metrics-listen"); addr != "" {
				stop := serveMetrics(addr, log)
				defer stop()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}

			pctx, err := pipeline.NewContext(cfg, log)
			if err != nil {
				return err
			}
			result := pipeline.NewOrchestrator(pctx).Run(ctx)
			printSummary(cmd.OutOrStdout(), result)
			_ = logger.Sync()

			if result.State == pipeline.StateFailed {
				return fmt.Errorf("run %s failed during %s: %w", result.Name, result.FailedDuring, result.Err)
			}
			return nil
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to run configuration YAML file (required)")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "Override execution mode (sequential or concurrent)")
	runCmd.Flags().IntVar(&partitions, "partitions", 0, "Override transform partition count (0 = derive from data)")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this long (0 = no timeout)")
	runCmd.Flags().BoolVar(&skipTransform, "skip-transform", false, "Skip the transform stage")
	runCmd.Flags().BoolVar(&skipLoad, "skip-load", false, "Skip the load stage")
	runCmd.Flags().BoolVar(&skipOutput, "skip-output", false, "Skip the output stage")
	runCmd.Flags().BoolVar(&allOrNothing, "all-or-nothing", false, "Fail a stage on its first item error")
	root.AddCommand(runCmd)

	// Compare command
	var compareConfigFile string
	compareCmd := &cobra.Command{
		Use:   "compare",
		Short: "Run both execution modes and compare them",
		Long: `Run the configured pipeline twice, sequential then concurrent, each under
its own output subdirectory, and report the speedup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(compareConfigFile)
			if err != nil {
				return err
			}

			log := logger.Get()
			if addr := v.GetString("metrics-listen"); addr != "" {
				stop := serveMetrics(addr, log)
				defer stop()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			comparison, err := pipeline.NewComparator(cfg, log).Compare(ctx)
			if err != nil {
				return err
			}
			printComparison(cmd.OutOrStdout(), comparison)
			_ = logger.Sync()

			if comparison.Sequential.Result.State == pipeline.StateFailed ||
				comparison.Concurrent.Result.State == pipeline.StateFailed {
				return fmt.Errorf("comparison had failed runs")
			}
			return nil
		},
	}
	compareCmd.Flags().StringVarP(&compareConfigFile, "config", "c", "", "Path to run configuration YAML file (required)")
	_ = compareCmd.MarkFlagRequired("config")
	root.AddCommand(compareCmd)

	// Init command
	var initOutput string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(initOutput); err == nil {
				return fmt.Errorf("%s already exists", initOutput)
			}
			if err := config.Save(initOutput, starterConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", initOutput)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "run.yaml", "Where to write the starter configuration")
	root.AddCommand(initCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveMetrics exposes /metrics on addr until the returned stop function
// is called.
func serveMetrics(addr string, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printSummary(w io.Writer, result *pipeline.RunResult) {
	fmt.Fprintf(w, "\nRun %s (%s): %s\n", result.Name, result.RunID, result.State)
	fmt.Fprintf(w, "  Mode:    %s\n", result.Mode)
	fmt.Fprintf(w, "  Rows:    %d\n", result.Report.TotalRows)
	fmt.Fprintf(w, "  Errors:  %d\n", result.Report.TotalErrors)
	fmt.Fprintf(w, "  Elapsed: %s\n", result.Report.Elapsed.Round(time.Millisecond))

	if len(result.Report.Stages) > 0 {
		fmt.Fprintln(w, "  Stages:")
		for _, stage := range []string{pipeline.StageExtract, pipeline.StageTransform, pipeline.StageLoad, pipeline.StageOutput} {
			st, ok := result.Report.Stages[stage]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "    %-9s items=%d ok=%d failed=%d rows=%d elapsed=%s\n",
				stage, st.Items, st.Succeeded, st.Failed, st.Rows, st.Elapsed.Round(time.Millisecond))
		}
	}

	if len(result.Report.ErrorsByKind) > 0 {
		kinds := make([]string, 0, len(result.Report.ErrorsByKind))
		for kind := range result.Report.ErrorsByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		fmt.Fprintln(w, "  Errors by kind:")
		for _, kind := range kinds {
			fmt.Fprintf(w, "    %-16s %d\n", kind, result.Report.ErrorsByKind[kind])
		}
	}

	if result.Error != "" {
		fmt.Fprintf(w, "  Failure: %s\n", result.Error)
	}
}

func printComparison(w io.Writer, cmp *pipeline.Comparison) {
	fmt.Fprintf(w, "\nSequential: %-7s elapsed=%s rows=%d\n",
		cmp.Sequential.Result.State,
		cmp.Sequential.Elapsed.Round(time.Millisecond),
		cmp.Sequential.Result.Report.TotalRows)
	fmt.Fprintf(w, "Concurrent: %-7s elapsed=%s rows=%d\n",
		cmp.Concurrent.Result.State,
		cmp.Concurrent.Elapsed.Round(time.Millisecond),
		cmp.Concurrent.Result.Report.TotalRows)
	fmt.Fprintf(w, "Speedup:    %.2fx (consistent: %v)\n", cmp.Speedup, cmp.Consistent)
}

// starterConfig is what gristmill init writes: a sales pipeline with one
// revenue report, ready to edit.
func starterConfig() *config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.Name = "sales-daily"
	cfg.Strategy = "sales"
	cfg.Source = config.SourceConfig{Dir: "./data/in", Pattern: "*.csv"}
	cfg.OutputDir = "./data/out"
	cfg.Reports = []report.Spec{{
		Name:      "revenue_by_product",
		Dimension: "product",
		Aggregates: map[string]report.Op{
			"revenue":  report.OpSum,
			"quantity": report.OpSum,
		},
	}}
	return cfg
}
