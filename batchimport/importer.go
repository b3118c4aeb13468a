// Package batchimport turns an uploaded debts file into a FileMetadata batch and one
// process-csv-row job per data row.
package batchimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"bitbucket.org/mmdatafocus/debts_backend/workflow"
	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
)

type FileMetadataStore interface {
	Create(ctx context.Context, originalFilename string, totalRows int) (*models.FileMetadata, error)
}

var _ FileMetadataStore = (*models.FileMetadataRepo)(nil)

type Result struct {
	FileMetadataId int    `json:"fileMetadataId"`
	Filename       string `json:"filename"`
	Rows           int    `json:"rows"`
	Enqueued       int    `json:"enqueued"`
	CorrelationId  string `json:"correlationId"`
}

type Importer struct {
	Files FileMetadataStore
	Queue queue.Enqueuer
	// Storage opens gs:// sources; nil means only local paths are accepted.
	Storage *storage.Client
	Logger  *logrus.Logger
	// LocalDir confines local sources to one directory tree. Empty allows any path.
	LocalDir string
	// RemoteOnly rejects local paths altogether.
	RemoteOnly bool
}

// ErrLocalSourceNotAllowed is returned for a local path outside LocalDir, or any local path when
// the importer is RemoteOnly.
var ErrLocalSourceNotAllowed = errors.New("local source not allowed")

func NewImporter(files FileMetadataStore, q queue.Enqueuer, gcs *storage.Client) *Importer {
	return &Importer{
		Files:   files,
		Queue:   q,
		Storage: gcs,
		Logger:  config.GetLogger(),
	}
}

// ImportPath reads a local path or a gs://bucket/object URI.
func (im *Importer) ImportPath(ctx context.Context, source string) (*Result, error) {
	rc, name, err := im.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return im.Import(ctx, name, rc)
}

// Import registers the batch and enqueues its rows. The whole file is parsed before anything is
// written, so a malformed file leaves no half-registered batch behind.
func (im *Importer) Import(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	format, err := FormatFromName(filename)
	if err != nil {
		return nil, err
	}
	records, err := ReadRecords(r, format)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("parse %s: no data rows", filename)
	}

	meta, err := im.Files.Create(ctx, filename, len(records))
	if err != nil {
		return nil, fmt.Errorf("register batch %s: %w", filename, err)
	}

	correlationId := utils.CorrelationIdFromContextOrNew(ctx)
	ctx = utils.SetFileMetadataIdInContext(ctx, meta.ID)

	result := &Result{
		FileMetadataId: meta.ID,
		Filename:       filename,
		Rows:           len(records),
		CorrelationId:  correlationId,
	}
	for _, rec := range records {
		_, err := im.Queue.Enqueue(ctx, workflow.JobTypeProcessCsvRow, workflow.CsvRowJob{
			Row:          rec.Row,
			FileMetadata: workflow.FileMetadataRef{Id: meta.ID, OriginalFilename: filename},
			LineNumber:   rec.LineNumber,
		}, queue.EnqueueOptions{
			Key:           workflow.CsvRowJobKey(meta.ID, rec.LineNumber),
			CorrelationId: correlationId,
		})
		if err != nil {
			// Rows enqueued so far stay queued; Enqueued tells the operator where it stopped.
			return result, fmt.Errorf("enqueue line %d of batch %d: %w", rec.LineNumber, meta.ID, err)
		}
		result.Enqueued++
	}

	im.log().WithFields(logrus.Fields{
		"field":            "BatchImport",
		"file_metadata_id": meta.ID,
		"filename":         filename,
		"rows":             result.Rows,
		"correlation_id":   correlationId,
	}).Info("batch imported")
	return result, nil
}

func (im *Importer) open(ctx context.Context, source string) (io.ReadCloser, string, error) {
	if bucket, object, ok := parseGCSURI(source); ok {
		if im.Storage == nil {
			return nil, "", errors.New("gs:// sources need a storage client")
		}
		rc, err := im.Storage.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", source, err)
		}
		return rc, path.Base(object), nil
	}
	local, err := im.localPath(source)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, "", err
	}
	return f, path.Base(strings.ReplaceAll(source, "\\", "/")), nil
}

func (im *Importer) localPath(source string) (string, error) {
	if im.RemoteOnly {
		return "", fmt.Errorf("%w: %s", ErrLocalSourceNotAllowed, source)
	}
	if strings.TrimSpace(im.LocalDir) == "" {
		return source, nil
	}
	base, err := filepath.Abs(im.LocalDir)
	if err != nil {
		return "", err
	}
	target := source
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)
	// Resolve links so a symlink inside LocalDir cannot point outside it.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}
	if resolvedBase, err := filepath.EvalSymlinks(base); err == nil {
		base = resolvedBase
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrLocalSourceNotAllowed, source, im.LocalDir)
	}
	return target, nil
}

func parseGCSURI(source string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(source, "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

func (im *Importer) log() *logrus.Logger {
	if im.Logger != nil {
		return im.Logger
	}
	return config.GetLogger()
}
