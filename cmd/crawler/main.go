// Command crawler walks the demo book catalog, normalizes each record and
// upserts it into the configured relational store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mila1515/bookcrawl/config"
	"github.com/mila1515/bookcrawl/models"
	"github.com/mila1515/bookcrawl/pipeline"
	"github.com/mila1515/bookcrawl/scraper"
	"github.com/mila1515/bookcrawl/storage"
)

func main() {
	// Optional .env next to the binary; real env vars win.
	_ = godotenv.Load()

	defaultCfg := config.DefaultConfig()
	pagesDefault := envIntOrExit("CRAWLER_PAGES", defaultCfg.MaxPages)
	parallelDefault := envIntOrExit("CRAWLER_PARALLEL", defaultCfg.Parallelism)
	dbDriverDefault := envStringOr("CRAWLER_DB_DRIVER", defaultCfg.DBDriver)
	dbDSNDefault := envStringOr("CRAWLER_DB_DSN", defaultCfg.DBDSN)
	metricsDefault := envStringOr("CRAWLER_METRICS_ADDR", defaultCfg.MetricsAddr)

	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Base URL to crawl")
	category := flag.String("category", "", "Restrict the crawl to one category")
	maxPages := flag.Int("pages", pagesDefault, "Maximum catalog pages to crawl")
	parallelism := flag.Int("parallel", parallelDefault, "Number of concurrent requests")
	delayMs := flag.Int("delay", int(defaultCfg.Delay/time.Millisecond), "Delay between requests (milliseconds)")
	randomDelayMs := flag.Int("random-delay", 0, "Random jitter added to delay (milliseconds)")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per URL")
	retryBackoffMs := flag.Int("retry-backoff", 200, "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", 2000, "Maximum retry backoff (milliseconds)")
	respectRobots := flag.Bool("respect-robots", false, "Respect robots.txt directives")
	dbDriver := flag.String("db-driver", dbDriverDefault, "Database driver: sqlite3 or pgx")
	dbDSN := flag.String("db-dsn", dbDSNDefault, "Database DSN (file path for sqlite3)")
	batchSize := flag.Int("batch-size", defaultCfg.BatchSize, "Records per storage commit")
	exportFile := flag.String("export", "", "Optional export file path")
	exportFormat := flag.String("export-format", "", "Export format: csv, json, or dual")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.BaseURL = *baseURL
	cfg.Category = *category
	cfg.MaxPages = *maxPages
	cfg.Parallelism = *parallelism
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.RespectRobotsTxt = *respectRobots
	cfg.DBDriver = *dbDriver
	cfg.DBDSN = *dbDSN
	cfg.BatchSize = *batchSize
	cfg.ExportFile = *exportFile
	cfg.ExportFormat = strings.ToLower(*exportFormat)
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting crawl",
		slog.String("base_url", cfg.BaseURL),
		slog.String("db_driver", cfg.DBDriver),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.Parallelism),
	)

	// No store, no run: persistence failures at open are fatal.
	store, err := storage.Open(cfg)
	if err != nil {
		slog.Error("opening storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("close storage", slog.Any("error", err))
		}
	}()

	writer, err := buildWriter(store, cfg)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewPipeline(ctx, writer, cfg)
	p.Start(cfg.Parallelism)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	result, err := s.Run(ctx, p)
	if err != nil {
		slog.Error("crawl failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Close flushes batched records even after a cancellation, so the
	// run-summary counters below see everything that was accepted.
	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := writer.Validate(); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
	}

	status := "completed"
	if result.ErrorCount > 0 || store.DatabaseErrors() > 0 {
		status = "completed_with_errors"
	}
	if err := store.RecordRun(startTime, result.TotalCount, status); err != nil {
		slog.Error("recording run summary", slog.Any("error", err))
	}

	if err := writer.Close(); err != nil {
		slog.Error("close writer", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, p.GetMetrics(), store, time.Since(startTime))
}

func buildWriter(store *storage.Store, cfg *config.Config) (pipeline.OutputWriter, error) {
	if cfg.ExportFormat == "" {
		return store, nil
	}

	switch cfg.ExportFormat {
	case "csv":
		export, err := pipeline.NewCSVWriter(cfg.ExportFile)
		if err != nil {
			return nil, err
		}
		return pipeline.NewMultiWriter(store, export)
	case "json":
		export, err := pipeline.NewJSONWriter(cfg.ExportFile)
		if err != nil {
			return nil, err
		}
		return pipeline.NewMultiWriter(store, export)
	case "dual":
		csvExport, err := pipeline.NewCSVWriter(cfg.ExportFile)
		if err != nil {
			return nil, err
		}
		jsonFile := strings.TrimSuffix(cfg.ExportFile, ".csv") + ".json"
		jsonExport, err := pipeline.NewJSONWriter(jsonFile)
		if err != nil {
			csvExport.Close()
			return nil, err
		}
		return pipeline.NewMultiWriter(store, csvExport, jsonExport)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", cfg.ExportFormat)
	}
}

func printSummary(result *models.CrawlResult, snapshot map[string]interface{}, store *storage.Store, duration time.Duration) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Crawl complete")

	totalItems := int64(0)
	if processed, ok := snapshot["processed_books"].(int64); ok {
		totalItems = processed
	}
	duplicates := int64(0)
	if count, ok := snapshot["duplicate_urls"].(int64); ok {
		duplicates = count
	}

	fmt.Printf("  Items stored:  %d\n", totalItems)
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Duplicates:    %d\n", duplicates)
	fmt.Printf("  DB errors:     %d\n", store.DatabaseErrors())
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := snapshot["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	if duration > 0 {
		fmt.Printf("  Items/sec:     %.2f\n", float64(totalItems)/duration.Seconds())
	}
	fmt.Println(separator)
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
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
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

func envIntOrExit(key string, fallback int) int {
	value, ok, err := config.EnvInt(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	if !ok {
		return fallback
	}
	return value
}

func envStringOr(key, fallback string) string {
	if value, ok := config.EnvString(key); ok {
		return value
	}
	return fallback
}
