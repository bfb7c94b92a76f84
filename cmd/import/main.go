package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"compsense/server/config"
	"compsense/server/internal/database"
	"compsense/server/internal/importer"
	"compsense/server/internal/models"
	"compsense/server/internal/processor"
	"compsense/server/internal/queue"
)

type options struct {
	dbPath      string
	batchSize   int
	concurrency int
	dryRun      bool
	verbose     bool
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if err := newRootCmd(cfg, logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config, logger *logrus.Logger) *cobra.Command {
	opts := options{
		dbPath:      cfg.Database.Path,
		batchSize:   cfg.BatchProcessing.MaxBatchSize,
		concurrency: 4,
	}

	cmd := &cobra.Command{
		Use:   "import [csv files...]",
		Short: "Import recorded sales from CSV exports",
		Long: `Reads MLS or county recorder CSV exports and stores their sales.
Column names and value formats are recognised loosely. Rows that cannot be
read are reported and skipped. A sale already stored for the same address
and date is replaced.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				logger.SetLevel(logrus.DebugLevel)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runImport(ctx, cmd, cfg, opts, args, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dbPath, "db", opts.dbPath, "path to the sales database")
	flags.IntVar(&opts.batchSize, "batch-size", opts.batchSize, "sales per database transaction")
	flags.IntVarP(&opts.concurrency, "concurrency", "j", opts.concurrency, "files read in parallel")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "read and validate without writing")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log every rejected row")

	return cmd
}

func runImport(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts options, paths []string, logger *logrus.Logger) error {
	if opts.batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", opts.batchSize)
	}

	results, err := importer.ReadFiles(ctx, paths, importer.DefaultResolver(), opts.concurrency, logger)
	if err != nil {
		return err
	}

	var records []*models.SaleRecord
	rejected := 0
	for _, r := range results {
		records = append(records, r.Records...)
		rejected += len(r.Errors)
		for _, rowErr := range r.Errors {
			logger.WithField("file", r.Path).WithError(rowErr).Debug("Skipped row")
		}
		cmd.Printf("%s: %d rows, %d accepted, %d rejected\n", r.Path, r.Rows, len(r.Records), len(r.Errors))
	}

	if opts.dryRun || len(records) == 0 {
		cmd.Printf("Nothing written: %d sales read, %d rows rejected\n", len(records), rejected)
		return nil
	}

	store, err := database.NewStore(opts.dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	batchCfg := cfg.BatchProcessing
	batchCfg.MaxBatchSize = opts.batchSize
	saleQueue := queue.NewSaleQueue(batchCfg.QueueSize, logger)
	batchProcessor := processor.NewBatchProcessor(store.DB(), saleQueue, batchCfg, logger)
	batchProcessor.Start()
	saleQueue.Start()
	defer saleQueue.Close()
	defer batchProcessor.Stop()

	started := time.Now()
	batches, err := saleQueue.PushChunks(ctx, records, opts.batchSize)
	if err != nil {
		return fmt.Errorf("failed to queue sales after %d batches: %w", batches, err)
	}
	if err := saleQueue.Flush(ctx); err != nil {
		return fmt.Errorf("import interrupted: %w", err)
	}

	stats := batchProcessor.Stats()
	version, err := store.CorpusVersion(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to read corpus version")
	}
	logger.WithFields(logrus.Fields{
		"records":        stats.Records,
		"batches":        stats.Batches,
		"failed_batches": stats.FailedBatches,
		"corpus_version": version,
		"duration":       time.Since(started).String(),
	}).Info("Import finished")

	cmd.Printf("Stored %d sales in %d batches, %d rows rejected\n", stats.Records, stats.Batches, rejected)
	if stats.FailedBatches > 0 {
		return errors.New("some batches could not be stored, see log for details")
	}
	return nil
}
