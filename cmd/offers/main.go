package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-offers/config"
	"github.com/aluiziolira/go-scrape-offers/models"
	"github.com/aluiziolira/go-scrape-offers/pipeline"
	"github.com/aluiziolira/go-scrape-offers/proxy"
	"github.com/aluiziolira/go-scrape-offers/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var version = "dev"

const (
	exitOK            = 0
	exitFailure       = 1
	exitPoolExhausted = 2
	exitRetryLater    = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	cfg := config.DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(exitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(cfg, os.Stdout).ExecuteContext(ctx)
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		stop()
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, err)
	stop()
	os.Exit(exitFailure)
}

func newRootCmd(cfg *config.Config, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "offers [flags] <product>",
		Short:   "List shop prices for a product on the marketplace",
		Version: version,
		Long: `offers searches the marketplace for a product by name, walks every page
of its offers listing and prints the price each shop asks. Anti-bot
challenges and broken proxies are handled by rotating the client identity
and the egress proxy.`,
		Example: `  offers "iphone 15"
  offers --proxy-file proxies.txt --proxy-first "iphone 15"
  offers -o prices.csv -f dual "galaxy s24"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, args[0], out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Marketplace base URL")
	flags.StringSliceVarP(&cfg.Proxies, "proxy", "p", cfg.Proxies, "Proxy address, repeatable or comma separated")
	flags.StringVar(&cfg.ProxyFile, "proxy-file", cfg.ProxyFile, "File with one proxy per line")
	flags.BoolVar(&cfg.ProxyFirst, "proxy-first", cfg.ProxyFirst, "Route the first request through a proxy")
	flags.DurationVarP(&cfg.Timeout, "timeout", "t", cfg.Timeout, "Per-request timeout")
	flags.DurationVar(&cfg.RateLimitCooldown, "cooldown", cfg.RateLimitCooldown, "Pause after a 429 response")
	flags.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Attempts per request before giving up (0 for no limit)")
	flags.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial pause between rotation retries")
	flags.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum pause between rotation retries")
	flags.IntVar(&cfg.MaxPages, "max-pages", cfg.MaxPages, "Maximum offers pages to fetch")
	flags.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Delay between requests")
	flags.DurationVar(&cfg.RandomDelay, "random-delay", cfg.RandomDelay, "Random jitter added to delay")
	flags.StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "Export the shop prices to this file")
	flags.StringVarP(&cfg.OutputFormat, "format", "f", cfg.OutputFormat, "Export format: csv, json, or dual")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging")

	return cmd
}

// applyEnv overlays SCRAPER_* variables on cfg. Flags registered afterwards
// use these values as their defaults.
func applyEnv(cfg *config.Config) error {
	if value, ok := config.EnvString("SCRAPER_BASE_URL"); ok {
		cfg.BaseURL = value
	}
	if value, ok := config.EnvList("SCRAPER_PROXIES"); ok {
		cfg.Proxies = value
	}
	if value, ok := config.EnvString("SCRAPER_PROXY_FILE"); ok {
		cfg.ProxyFile = value
	}
	if value, ok := config.EnvList("SCRAPER_USER_AGENTS"); ok {
		cfg.UserAgents = value
	}
	if value, ok, err := config.EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.Timeout = value
	}
	if value, ok, err := config.EnvDuration("SCRAPER_COOLDOWN"); err != nil {
		return err
	} else if ok {
		cfg.RateLimitCooldown = value
	}
	if value, ok, err := config.EnvInt("SCRAPER_MAX_ATTEMPTS"); err != nil {
		return err
	} else if ok {
		cfg.MaxAttempts = value
	}
	if value, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		cfg.OutputFile = value
	}
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, product string, out io.Writer) error {
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return &exitError{code: exitFailure, err: err}
	}

	proxies, err := collectProxies(cfg)
	if err != nil {
		slog.Error("loading proxies", slog.Any("error", err))
		return &exitError{code: exitFailure, err: err}
	}
	pool, err := proxy.NewPool(proxies, cfg.ProxyBurnCacheSize)
	if err != nil {
		slog.Error("initialising proxy pool", slog.Any("error", err))
		return &exitError{code: exitFailure, err: err}
	}
	if pool.Len() == 0 {
		slog.Warn("no proxies configured, the first proxy fault will end the run")
	}
	identities, err := proxy.NewRotator(cfg.UserAgents)
	if err != nil {
		slog.Error("initialising identities", slog.Any("error", err))
		return &exitError{code: exitFailure, err: err}
	}

	s, err := scraper.NewScraper(cfg, pool, identities, logger)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return &exitError{code: exitFailure, err: err}
	}
	logger = logger.With(slog.String("run_id", s.RunID()))

	var export pipeline.Exporter
	if cfg.OutputFile != "" {
		export, err = createExporter(cfg.OutputFormat, cfg.OutputFile)
		if err != nil {
			logger.Error("creating exporter", slog.Any("error", err))
			return &exitError{code: exitFailure, err: err}
		}
	}

	metricsServer := startMetricsServer(logger, cfg.MetricsAddr, s.Metrics)

	p := pipeline.NewPipeline(export)
	p.Start()
	if cfg.Verbose {
		p.StartMetricsReporting(logger, 10*time.Second)
	}

	logger.Info("starting scrape",
		slog.String("product", product),
		slog.String("base_url", cfg.BaseURL),
		slog.Int("proxies", pool.Len()),
		slog.Int("identities", identities.Len()),
	)

	result, runErr := s.Run(ctx, product, p)
	closeErr := p.Close()
	result.Shops = p.Shops()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if runErr != nil {
		return report(out, logger, s, result, runErr)
	}
	if closeErr != nil {
		logger.Error("pipeline shutdown failed", slog.Any("error", closeErr))
		return &exitError{code: exitFailure, err: closeErr}
	}

	printOffers(out, result)
	printSummary(os.Stderr, result, p.GetMetrics(), cfg.OutputFile)
	return nil
}

func report(out io.Writer, logger *slog.Logger, s *scraper.Scraper, result *models.ScrapeResult, err error) error {
	code := exitCode(err)
	switch code {
	case exitOK:
		logger.Error("product not found", slog.String("product", result.Product), slog.Any("error", err))
		fmt.Fprintln(out, "product not found")
		return nil
	case exitPoolExhausted:
		logger.Error("proxy pool exhausted", slog.Any("error", err))
	case exitRetryLater:
		logger.Error("marketplace is refusing requests, try again later", slog.Any("error", err))
	default:
		lastURL, _ := s.LastPage()
		logger.Error("scraping failed", slog.Any("error", err), slog.String("last_url", lastURL))
	}
	if len(result.Shops) > 0 {
		printOffers(out, result)
	}
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, proxy.ErrPoolExhausted):
		return exitPoolExhausted
	case scraper.IsTransient(err):
		return exitRetryLater
	case errors.Is(err, scraper.ErrProductNotFound), errors.Is(err, scraper.ErrNoPagination):
		return exitOK
	default:
		return exitFailure
	}
}

func collectProxies(cfg *config.Config) ([]string, error) {
	proxies := append([]string(nil), cfg.Proxies...)
	if cfg.ProxyFile != "" {
		fromFile, err := proxy.LoadFile(cfg.ProxyFile)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, fromFile...)
	}
	return proxies, nil
}

func startMetricsServer(logger *slog.Logger, addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func createExporter(format, filename string) (pipeline.Exporter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONLExporter(filename)
	case "csv":
		return pipeline.NewCSVExporter(filename)
	case "dual":
		csvExport, err := pipeline.NewCSVExporter(filename)
		if err != nil {
			return nil, err
		}
		jsonExport, err := pipeline.NewJSONLExporter(strings.TrimSuffix(filename, ".csv") + ".jsonl")
		if err != nil {
			csvExport.Close()
			return nil, err
		}
		return pipeline.MultiExporter{csvExport, jsonExport}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printOffers(w io.Writer, result *models.ScrapeResult) {
	fmt.Fprintf(w, "offers found: %d\n", result.CardCount)
	for _, shop := range result.Shops {
		fmt.Fprintf(w, "shop '%s', price '%s'\n", shop.Shop, models.FormatPrice(shop.Price))
	}
}

func printSummary(w io.Writer, result *models.ScrapeResult, metrics map[string]interface{}, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w, "Scrape complete")
	fmt.Fprintf(w, "  Run:           %s\n", result.RunID)
	fmt.Fprintf(w, "  Shops:         %d\n", len(result.Shops))
	fmt.Fprintf(w, "  Pages:         %d of %d\n", result.PageCount, result.DeclaredPages)
	if len(result.SkippedPages) > 0 {
		fmt.Fprintf(w, "  Skipped pages: %v\n", result.SkippedPages)
	}
	fmt.Fprintf(w, "  Requests:      %d\n", result.RequestCount)
	fmt.Fprintf(w, "  Retries:       %d\n", result.RetryCount)
	fmt.Fprintf(w, "  Rotations:     %d\n", result.RotationCount)
	if result.ParseErrors > 0 {
		fmt.Fprintf(w, "  Parse errors:  %d\n", result.ParseErrors)
	}
	if len(result.ErrorsByType) > 0 {
		fmt.Fprintf(w, "  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Fprintf(w, "  Validation:    %v\n", valErrors)
	}
	fmt.Fprintf(w, "  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	if outputFile != "" {
		fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	}
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
