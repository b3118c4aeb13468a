package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/debts_backend/batchimport"
	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"cloud.google.com/go/storage"
)

func main() {
	source := flag.String("source", "", "Required: local .csv/.xlsx path or gs://bucket/object")
	correlationId := flag.String("correlation-id", "", "Correlation id stamped on every row job (generated when empty)")
	flag.Parse()

	if strings.TrimSpace(*source) == "" {
		fmt.Fprintln(os.Stderr, "--source is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *correlationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, *correlationId)
	}

	config.ConnectDatabaseWithRetry()
	defer config.CloseDatabase()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var gcs *storage.Client
	if strings.HasPrefix(*source, "gs://") {
		var err error
		gcs, err = config.NewStorageClient(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "storage client: %v\n", err)
			os.Exit(1)
		}
		defer gcs.Close()
	}

	// Rows always go through the durable queue so the service workers pick them up.
	q := queue.NewDBQueue(db, config.GetLogger(), config.LoadPipelineConfig())
	importer := batchimport.NewImporter(models.NewFileMetadataRepo(db), q, gcs)

	res, err := importer.ImportPath(ctx, strings.TrimSpace(*source))
	if res != nil {
		fmt.Printf("file_metadata_id=%d filename=%s rows=%d enqueued=%d correlation_id=%s\n",
			res.FileMetadataId, res.Filename, res.Rows, res.Enqueued, res.CorrelationId)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}
}
