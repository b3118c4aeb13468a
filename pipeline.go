package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/debts_backend/batchimport"
	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/events"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/provider"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/workflow"
	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type jobRequeuer interface {
	Requeue(ctx context.Context, id int64) (*models.JobRecord, error)
}

// pipeline is everything the service runs: the queue with both workers registered, the sweep,
// and the operator-facing pieces the HTTP routes call into.
type pipeline struct {
	queue      queue.Queue
	requeuer   jobRequeuer
	publisher  events.Publisher
	reconciler *workflow.Reconciler
	importer   *batchimport.Importer
	files      *models.FileMetadataRepo
	gcs        *storage.Client
}

func buildPipeline(ctx context.Context, db *gorm.DB, cfg config.PipelineConfig, logger *logrus.Logger) (*pipeline, error) {
	q, requeuer, err := newQueue(db, cfg, logger)
	if err != nil {
		return nil, err
	}
	prov, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	publisher, err := events.NewPublisherFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}

	rows := models.NewFileRowRepo(db)
	debts := models.NewDebtRepo(db)
	files := models.NewFileMetadataRepo(db)

	invoices := workflow.NewInvoiceService(debts, prov, publisher, cfg)
	workflow.NewRowIngestionWorker(rows, q, publisher).Register(q)
	workflow.NewDebitsWorker(rows, debts, invoices, publisher).Register(q)

	var gcs *storage.Client
	if config.EnvBool("GCS_IMPORT_ENABLED", false) {
		gcs, err = config.NewStorageClient(ctx)
		if err != nil {
			_ = publisher.Close()
			return nil, fmt.Errorf("storage client: %w", err)
		}
	}

	// Imports triggered over HTTP may only read local files under IMPORT_DIR.
	importer := batchimport.NewImporter(files, q, gcs)
	importer.LocalDir = strings.TrimSpace(os.Getenv("IMPORT_DIR"))
	importer.RemoteOnly = importer.LocalDir == ""

	return &pipeline{
		queue:      q,
		requeuer:   requeuer,
		publisher:  publisher,
		reconciler: workflow.NewReconciler(rows, q, cfg),
		importer:   importer,
		files:      files,
		gcs:        gcs,
	}, nil
}

func (p *pipeline) Close() {
	if p.publisher != nil {
		_ = p.publisher.Close()
	}
	if p.gcs != nil {
		_ = p.gcs.Close()
	}
}

func newQueue(db *gorm.DB, cfg config.PipelineConfig, logger *logrus.Logger) (queue.Queue, jobRequeuer, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverDB:
		q := queue.NewDBQueue(db, logger, cfg)
		return q, q, nil
	case config.QueueDriverMemory:
		q := queue.NewMemoryQueue(logger, queue.Defaults{
			MaxAttempts: cfg.JobMaxAttempts,
			Backoff:     queue.Backoff{Base: cfg.JobBaseBackoff, Max: cfg.JobMaxBackoff},
		})
		q.Concurrency = cfg.QueueConcurrency
		q.PollInterval = cfg.QueuePollInterval
		q.SetJobTimeout(cfg.JobTimeout)
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}
}

func newProvider(cfg config.PipelineConfig) (provider.BoletoProvider, error) {
	switch cfg.ProviderMode {
	case config.ProviderModeHTTP:
		return provider.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	case config.ProviderModeSandbox:
		return provider.NewSandboxProvider(), nil
	default:
		return nil, fmt.Errorf("unknown PROVIDER_MODE %q", cfg.ProviderMode)
	}
}
