package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/saperet/photoset/internal/config"
	"github.com/saperet/photoset/internal/domain"
	"github.com/saperet/photoset/internal/repository/disk"
	"github.com/saperet/photoset/internal/repository/sqlite"
	"github.com/saperet/photoset/internal/service"
)

const usage = `usage: photoset [-config file] <command> [flags]

commands:
  fetch    -query <term> [-pages N] [-per-page N]   acquire images from the photo API
  process  [-workers N]                             preprocess and dedup pending raw images
  enrich                                            caption and classify accepted images
  export   [-formats csv,json,parquet] [-require-caption]
  stats                                             record counts by status and type
  purge                                             delete rejected records
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Store unavailability is fatal: never run the pipeline without a place
	// to persist transitions.
	db, err := sqlite.New(cfg.Storage.DatabasePath)
	if err != nil {
		slog.Error("failed to open metadata store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	layout, err := disk.NewLayout(cfg.Storage.DataDir)
	if err != nil {
		slog.Error("failed to prepare storage areas", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, db, layout, flag.Arg(0), flag.Args()[1:]); err != nil {
		slog.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "config.yaml" {
		slog.Info("no config file, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, db *sqlite.DB, layout *disk.Layout, command string, args []string) error {
	records := db.Records()

	switch command {
	case "fetch":
		fs := flag.NewFlagSet("fetch", flag.ExitOnError)
		query := fs.String("query", "", "search term")
		pages := fs.Int("pages", 1, "number of result pages")
		perPage := fs.Int("per-page", 10, "results per page")
		fs.Parse(args)
		if *query == "" {
			return fmt.Errorf("fetch requires -query")
		}

		budget := service.NewBudget(cfg.Budget.RequestsPerHour, time.Hour, cfg.BudgetMaxWait())
		api := service.NewAPIClient(cfg.API.BaseURL, cfg.API.AccessKey, cfg.APITimeout(),
			cfg.API.MaxRetries, budget, slog.Default())
		fetcher := service.NewFetcher(api, records, layout.Raw, slog.Default())

		_, err := fetcher.Fetch(ctx, *query, *pages, *perPage)
		return err

	case "process":
		fs := flag.NewFlagSet("process", flag.ExitOnError)
		workers := fs.Int("workers", cfg.Preprocess.Workers, "parallel preprocessing workers")
		fs.Parse(args)

		pre := service.NewPreprocessor(service.ProcessConfig{
			TargetWidth:     cfg.Preprocess.TargetWidth,
			OutputFormat:    cfg.Preprocess.OutputFormat,
			JPEGQuality:     cfg.Preprocess.JPEGQuality,
			Enhance:         cfg.Preprocess.Enhance,
			RemoveWatermark: cfg.Preprocess.RemoveWatermark,
			MinWidth:        cfg.Preprocess.MinWidth,
			MinHeight:       cfg.Preprocess.MinHeight,
		})
		engine := service.NewDedupEngine(records, cfg.Dedup.HammingThreshold,
			[]service.QualityPredicate{
				service.ContrastPredicate(cfg.Dedup.MinContrast),
				service.SharpnessPredicate(cfg.Dedup.MinSharpness),
			}, slog.Default())
		pipeline := service.NewPipeline(records, layout.Processed, pre, engine, slog.Default())

		_, err := pipeline.ProcessPending(ctx, *workers)
		return err

	case "enrich":
		if cfg.Enrich.Endpoint == "" {
			return fmt.Errorf("enrich requires enrich.endpoint in the config")
		}
		model := service.NewModelClient(cfg.Enrich.Endpoint, cfg.EnrichTimeout())
		enricher := service.NewEnricher(model, model, records, layout.Processed,
			cfg.EnrichTimeout(), slog.Default())
		_, err := enricher.EnrichPending(ctx)
		return err

	case "export":
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		formats := fs.String("formats", strings.Join(cfg.Export.Formats, ","), "comma-separated formats")
		requireCaption := fs.Bool("require-caption", cfg.Export.RequireCaption, "skip records without a caption")
		fs.Parse(args)

		exporter := service.NewExporter(records, layout.Final, slog.Default())
		manifest, err := exporter.Export(ctx, service.ExportRequest{
			Formats:        strings.Split(*formats, ","),
			RequireCaption: *requireCaption,
		})
		if err != nil {
			return err
		}
		for format, path := range manifest.Files {
			fmt.Printf("%-8s %s\n", format, path)
		}
		fmt.Printf("rows: %d, skipped: %d\n", manifest.Rows, len(manifest.Skipped))
		return nil

	case "stats":
		return printStats(ctx, records)

	case "purge":
		n, err := records.PurgeRejected(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d rejected records\n", n)
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printStats(ctx context.Context, records domain.RecordRepository) error {
	byStatus, err := records.CountByStatus(ctx)
	if err != nil {
		return err
	}
	byType, err := records.CountByType(ctx)
	if err != nil {
		return err
	}

	fmt.Println("by status:")
	for _, s := range []domain.Status{domain.StatusRaw, domain.StatusProcessed,
		domain.StatusAccepted, domain.StatusRejected, domain.StatusExported} {
		if n := byStatus[s]; n > 0 {
			fmt.Printf("  %-10s %d\n", s, n)
		}
	}

	labels := make([]string, 0, len(byType))
	for label := range byType {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	fmt.Println("by type:")
	for _, label := range labels {
		fmt.Printf("  %-14s %d\n", label, byType[label])
	}
	return nil
}
