package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/logging"
	"github.com/configcat/proxyload/internal/metrics"
	"github.com/configcat/proxyload/internal/output"
	"github.com/configcat/proxyload/internal/runner"
	"github.com/configcat/proxyload/internal/threshold"
	"github.com/configcat/proxyload/internal/tracing"
	"github.com/configcat/proxyload/internal/workload"
)

const (
	exitOK         = 0
	exitThresholds = 1
	exitError      = 2

	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
	baseSetupDelay   = 100 * time.Millisecond
	maxSetupDelay    = 2 * time.Second
	setupAttempts    = 3
)

var errThresholdsFailed = errors.New("thresholds failed")

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps its result onto the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errThresholdsFailed):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitThresholds
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "proxyload",
		Short:         "Load generator for flag evaluation services and their proxies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCommand(stdout, stderr), newValidateCommand(stdout))
	return root
}

type runFlags struct {
	json          bool
	yaml          bool
	html          string
	summaryExport string
	metricsAddr   string
	logLevel      string
	logJSON       bool
	progress      bool
}

func newRunCommand(stdout, stderr io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Run the scenarios of a JSON or YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runScenarios(ctx, cmd, args[0], f, stdout, stderr)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&f.json, "json", false, "Print the summary as JSON")
	flags.BoolVar(&f.yaml, "yaml", false, "Print the summary as YAML")
	flags.StringVar(&f.html, "html", "", "Write an HTML report to this file")
	flags.StringVar(&f.summaryExport, "summary-export", "", "Write the JSON summary to this file")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	flags.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&f.logJSON, "log-json", false, "Emit logs as JSON")
	flags.BoolVar(&f.progress, "progress", true, "Show a live progress line on stderr")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")
	config.RegisterFlags(cmd)
	return cmd
}

func newValidateCommand(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario-file>",
		Short: "Check a scenario document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, args[0])
			if err != nil {
				return err
			}
			for _, sc := range cfg.Scenarios {
				fmt.Fprintf(stdout, "%s: %s, %d VUs, %d targets, %s\n",
					sc.Name, sc.Executor, sc.Concurrency(), len(sc.Targets), sc.TotalDuration())
			}
			return nil
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}

// loadConfig reads, overrides and validates the document, and parses its
// thresholds so that a bad expression fails before any load is generated.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, []threshold.Threshold, error) {
	cfg, err := config.NewLoader(cmd.Flags()).Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	thresholds, err := threshold.ParseAll(cfg.Thresholds)
	if err != nil {
		return nil, nil, err
	}
	return cfg, thresholds, nil
}

func runScenarios(ctx context.Context, cmd *cobra.Command, path string, f runFlags, stdout, stderr io.Writer) error {
	cfg, thresholds, err := loadConfig(cmd, path)
	if err != nil {
		return err
	}

	logger, err := logging.New(stderr, f.logLevel, f.logJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	startedAt := time.Now()
	runID := output.NewRunID(startedAt)
	logger = logger.With(zap.String("run_id", runID))

	provider, err := tracing.Init(ctx, cfg.Tracing, runID)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	var runners []*runner.Runner
	activeVUs := func() int {
		n := 0
		for _, r := range runners {
			n += r.ActiveVUs()
		}
		return n
	}

	var (
		sinks []metrics.Sink
		prom  *metrics.PrometheusSink
	)
	if f.metricsAddr != "" {
		prom = metrics.NewPrometheusSink(func() float64 { return float64(activeVUs()) })
		sinks = append(sinks, prom)
	}
	collector := metrics.NewRunCollector(cfg.MaxDuration(), sinks...)

	for _, sc := range cfg.Scenarios {
		factory, err := workload.NewFactory(cfg, sc, workload.Options{
			Tracer:    provider.Tracer(),
			Propagate: provider.ShouldPropagate(),
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		runners = append(runners, runner.New(runner.Options{
			Scenario:   sc,
			Factory:    factory,
			Recorder:   collector,
			Logger:     logger,
			SetupRetry: setupRetryPolicy(),
		}))
	}

	// runners is complete from here on; the gauge and progress line read it.
	if prom != nil {
		stop, err := serveMetrics(f.metricsAddr, prom.Handler(), logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	var progress *output.ProgressReporter
	if f.progress && !f.json && !f.yaml {
		progress = output.NewProgressReporter(collector, activeVUs, progressInterval, stderr)
		progress.Start()
	}

	collector.Start()
	results, runErr := runner.RunAll(ctx, runners...)
	if progress != nil {
		progress.Stop()
	}
	if runErr != nil {
		return runErr
	}

	summary := collector.Summary(collector.Elapsed())
	verdict := threshold.NewEvaluator(thresholds).Evaluate(summary)
	report := output.NewReport(runID, cfg.Source, startedAt, results, summary, verdict)

	switch {
	case f.json:
		err = output.PrintJSONReport(stdout, report)
	case f.yaml:
		err = output.PrintYAMLReport(stdout, report)
	default:
		output.PrintReport(stdout, report)
	}
	if err != nil {
		return err
	}

	if f.html != "" {
		if err := writeHTML(f.html, report); err != nil {
			return err
		}
	}
	if f.summaryExport != "" {
		if err := output.ExportSummary(context.WithoutCancel(ctx), f.summaryExport, report); err != nil {
			return err
		}
		logger.Info("summary exported", zap.String("path", f.summaryExport))
	}

	if !verdict.Pass {
		return fmt.Errorf("%w: %d of %d", errThresholdsFailed, len(verdict.Failed()), len(verdict.Results))
	}
	return nil
}

func serveMetrics(addr string, handler http.Handler, logger *zap.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", lis.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func writeHTML(path string, r output.Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	if err := output.GenerateHTMLReport(file, r); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// setupRetryPolicy retries VU setup with exponential backoff. Cancellation
// is never retried.
func setupRetryPolicy() runner.RetryPolicy {
	return runner.RetryPolicy{
		MaxAttempts: setupAttempts,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		DelayFunc: func(attempt int, _ error) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			backoff := time.Duration(1<<uint(attempt-1)) * baseSetupDelay
			if backoff > maxSetupDelay {
				backoff = maxSetupDelay
			}
			return backoff
		},
	}
}
