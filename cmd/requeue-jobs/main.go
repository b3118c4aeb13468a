package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
)

func main() {
	jobId := flag.Int64("id", 0, "Requeue a single job by id")
	jobType := flag.String("type", "", "Job type filter when requeueing in bulk (empty = all types)")
	status := flag.String("status", string(models.JobStatusDead), "DEAD or FAILED")
	limit := flag.Int("limit", 100, "Max jobs to requeue in bulk mode")
	dryRun := flag.Bool("dry-run", true, "List matching jobs only (no writes)")
	flag.Parse()

	st := models.JobStatus(strings.ToUpper(strings.TrimSpace(*status)))
	if st != models.JobStatusDead && st != models.JobStatusFailed {
		fmt.Fprintln(os.Stderr, "--status must be DEAD or FAILED")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	defer config.CloseDatabase()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	q := queue.NewDBQueue(db, config.GetLogger(), config.LoadPipelineConfig())

	var jobs []models.JobRecord
	if *jobId > 0 {
		rec, err := q.Get(ctx, *jobId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "job %d: %v\n", *jobId, err)
			os.Exit(1)
		}
		jobs = append(jobs, *rec)
	} else {
		var err error
		jobs, err = q.ListByStatus(ctx, strings.TrimSpace(*jobType), st, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
			os.Exit(1)
		}
	}

	failed := 0
	for _, job := range jobs {
		printJob(job)
		if *dryRun {
			continue
		}
		if _, err := q.Requeue(ctx, job.ID); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "requeue %d: %v\n", job.ID, err)
		}
	}
	if *dryRun {
		fmt.Printf("%d job(s) match; rerun with --dry-run=false to requeue\n", len(jobs))
		return
	}
	fmt.Printf("requeued %d of %d job(s)\n", len(jobs)-failed, len(jobs))
	if failed > 0 {
		os.Exit(1)
	}
}

func printJob(job models.JobRecord) {
	key := ""
	if job.JobKey != nil {
		key = *job.JobKey
	}
	lastError := ""
	if job.LastError != nil {
		lastError = *job.LastError
	}
	if len(lastError) > 200 {
		lastError = lastError[:200] + "..."
	}
	fmt.Printf("id=%d type=%s key=%s status=%s attempts=%d/%d correlation_id=%s last_error=%q\n",
		job.ID, job.JobType, key, job.Status, job.Attempts, job.MaxAttempts, job.CorrelationId, lastError)
}
