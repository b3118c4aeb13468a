package batchimport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/debts_backend/models"
	"bitbucket.org/mmdatafocus/debts_backend/queue"
	"bitbucket.org/mmdatafocus/debts_backend/utils"
	"bitbucket.org/mmdatafocus/debts_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const sampleCSV = `name,governmentId,email,debtAmount,debtDueDate,debtId
John Doe,11111111111,johndoe@kanastra.com.br,1000000.00,2022-10-12,1adb6ccf-ff16-467f-bea7-5f05d494280f

Jane Roe,22222222222,janeroe@kanastra.com.br,250.50,2022-11-01,2bdb6ccf-ff16-467f-bea7-5f05d494280f
`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeFiles struct {
	created []models.FileMetadata
}

func (f *fakeFiles) Create(ctx context.Context, originalFilename string, totalRows int) (*models.FileMetadata, error) {
	meta := models.FileMetadata{ID: len(f.created) + 1, OriginalFilename: originalFilename, TotalRows: totalRows}
	f.created = append(f.created, meta)
	return &meta, nil
}

func TestReadRecordsCSV(t *testing.T) {
	records, err := ReadRecords(strings.NewReader(sampleCSV), FormatCSV)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 (blank line skipped)", len(records))
	}
	first := records[0]
	if first.LineNumber != 1 || first.Row.Name != "John Doe" || first.Row.DebtAmount.Text != "1000000.00" {
		t.Fatalf("first = %+v", first)
	}
	if records[1].LineNumber != 2 || records[1].Row.DebtId != "2bdb6ccf-ff16-467f-bea7-5f05d494280f" {
		t.Fatalf("second = %+v", records[1])
	}
}

func TestReadRecordsSemicolonAndHeaderCase(t *testing.T) {
	input := "\ufeffDebtId;Name;GovernmentId;Email;DebtAmount;DebtDueDate\n" +
		"abc;Maria Silva;123.456.789-09;maria@example.com;1.234,56;31/12/2023\n"
	records, err := ReadRecords(strings.NewReader(input), FormatCSV)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	row := records[0].Row
	if row.DebtId != "abc" || row.DebtAmount.Text != "1.234,56" || row.GovernmentId != "123.456.789-09" {
		t.Fatalf("row = %+v", row)
	}
}

func TestReadRecordsMissingColumns(t *testing.T) {
	_, err := ReadRecords(strings.NewReader("name,email\nJohn,j@x.com\n"), FormatCSV)
	if err == nil || !strings.Contains(err.Error(), "debtamount") {
		t.Fatalf("err = %v, want missing column error", err)
	}
	if _, err := ReadRecords(strings.NewReader(""), FormatCSV); err == nil {
		t.Fatalf("empty file must fail")
	}
}

func TestReadRecordsXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"name", "governmentId", "email", "debtAmount", "debtDueDate", "debtId"},
		{"John Doe", "11111111111", "johndoe@kanastra.com.br", "100", "2023-12-31", "1"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	records, err := ReadRecords(&buf, FormatXLSX)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 1 || records[0].Row.DebtId != "1" || records[0].Row.Name != "John Doe" {
		t.Fatalf("records = %+v", records)
	}
}

func TestFormatFromName(t *testing.T) {
	for name, want := range map[string]string{"debts.csv": FormatCSV, "DEBTS.XLSX": FormatXLSX} {
		got, err := FormatFromName(name)
		if err != nil || got != want {
			t.Fatalf("FormatFromName(%s) = %s, %v", name, got, err)
		}
	}
	if _, err := FormatFromName("debts.pdf"); err == nil {
		t.Fatalf("pdf must be rejected")
	}
}

func TestImportEnqueuesOneJobPerRow(t *testing.T) {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "upload-1")
	files := &fakeFiles{}
	q := queue.NewMemoryQueue(quietLogger(), queue.Defaults{MaxAttempts: 3})
	im := &Importer{Files: files, Queue: q, Logger: quietLogger()}

	res, err := im.Import(ctx, "debts.csv", strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Rows != 2 || res.Enqueued != 2 || res.CorrelationId != "upload-1" {
		t.Fatalf("result = %+v", res)
	}
	if len(files.created) != 1 || files.created[0].TotalRows != 2 || files.created[0].OriginalFilename != "debts.csv" {
		t.Fatalf("file metadata = %+v", files.created)
	}

	jobs := q.Jobs(workflow.JobTypeProcessCsvRow)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	var payload workflow.CsvRowJob
	if err := json.Unmarshal(jobs[1].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.FileMetadata.Id != res.FileMetadataId || payload.LineNumber != 2 || payload.Row.Name != "Jane Roe" {
		t.Fatalf("payload = %+v", payload)
	}
	if jobs[1].JobKey == nil || *jobs[1].JobKey != workflow.CsvRowJobKey(res.FileMetadataId, 2) {
		t.Fatalf("job key = %v", jobs[1].JobKey)
	}
	if jobs[1].CorrelationId != "upload-1" {
		t.Fatalf("correlation id = %s", jobs[1].CorrelationId)
	}
}

func TestImportRejectsBadFileWithoutRegistering(t *testing.T) {
	files := &fakeFiles{}
	im := &Importer{Files: files, Queue: queue.NewMemoryQueue(quietLogger(), queue.Defaults{}), Logger: quietLogger()}

	if _, err := im.Import(context.Background(), "debts.csv", strings.NewReader("name\nJohn\n")); err == nil {
		t.Fatalf("expected header error")
	}
	if _, err := im.Import(context.Background(), "debts.csv", strings.NewReader(strings.SplitN(sampleCSV, "\n", 2)[0]+"\n")); err == nil {
		t.Fatalf("expected no-data error")
	}
	if len(files.created) != 0 {
		t.Fatalf("batch registered for a bad file")
	}
}

func TestImportPathLocalFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "batch.csv")
	if err := os.WriteFile(p, []byte(sampleCSV), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	files := &fakeFiles{}
	im := &Importer{Files: files, Queue: queue.NewMemoryQueue(quietLogger(), queue.Defaults{}), Logger: quietLogger()}

	res, err := im.ImportPath(context.Background(), p)
	if err != nil {
		t.Fatalf("ImportPath: %v", err)
	}
	if res.Filename != "batch.csv" || res.Enqueued != 2 {
		t.Fatalf("result = %+v", res)
	}

	if _, err := im.ImportPath(context.Background(), "gs://bucket/debts.csv"); err == nil {
		t.Fatalf("gs:// without storage client must fail")
	}
}

func TestImportPathConfinedToLocalDir(t *testing.T) {
	dir := t.TempDir()
	inside := filepath.Join(dir, "batch.csv")
	if err := os.WriteFile(inside, []byte(sampleCSV), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	outsideDir := t.TempDir()
	outside := filepath.Join(outsideDir, "secrets.csv")
	if err := os.WriteFile(outside, []byte(sampleCSV), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	link := filepath.Join(dir, "link.csv")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	im := &Importer{Files: &fakeFiles{}, Queue: queue.NewMemoryQueue(quietLogger(), queue.Defaults{}), Logger: quietLogger(), LocalDir: dir}

	if res, err := im.ImportPath(context.Background(), "batch.csv"); err != nil || res.Enqueued != 2 {
		t.Fatalf("relative path inside dir = %+v, %v", res, err)
	}
	if _, err := im.ImportPath(context.Background(), inside); err != nil {
		t.Fatalf("absolute path inside dir: %v", err)
	}
	for _, source := range []string{outside, "../" + filepath.Base(outsideDir) + "/secrets.csv", "/etc/passwd", "link.csv"} {
		if _, err := im.ImportPath(context.Background(), source); !errors.Is(err, ErrLocalSourceNotAllowed) {
			t.Fatalf("ImportPath(%q) = %v, want ErrLocalSourceNotAllowed", source, err)
		}
	}

	remote := &Importer{Files: &fakeFiles{}, Queue: queue.NewMemoryQueue(quietLogger(), queue.Defaults{}), Logger: quietLogger(), RemoteOnly: true}
	if _, err := remote.ImportPath(context.Background(), inside); !errors.Is(err, ErrLocalSourceNotAllowed) {
		t.Fatalf("remote-only importer read a local file: %v", err)
	}
}

func TestParseGCSURI(t *testing.T) {
	bucket, object, ok := parseGCSURI("gs://uploads/2024/debts.csv")
	if !ok || bucket != "uploads" || object != "2024/debts.csv" {
		t.Fatalf("parseGCSURI = %s %s %v", bucket, object, ok)
	}
	for _, bad := range []string{"/tmp/debts.csv", "gs://", "gs://bucket", "gs://bucket/"} {
		if _, _, ok := parseGCSURI(bad); ok {
			t.Fatalf("parseGCSURI(%q) accepted", bad)
		}
	}
}
