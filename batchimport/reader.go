package batchimport

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"bitbucket.org/mmdatafocus/debts_backend/workflow"
	"github.com/xuri/excelize/v2"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

var requiredColumns = []string{"name", "governmentid", "email", "debtamount", "debtduedate", "debtid"}

// Record is one data row of a batch. LineNumber counts data rows from 1, header excluded.
type Record struct {
	LineNumber int
	Row        workflow.CsvRow
}

// FormatFromName picks the reader from the file extension.
func FormatFromName(name string) (string, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported batch file %q: only .csv and .xlsx are allowed", name)
	}
}

func ReadRecords(r io.Reader, format string) ([]Record, error) {
	var rows [][]string
	var err error
	switch format {
	case FormatCSV:
		rows, err = readCSV(r)
	case FormatXLSX:
		rows, err = readXLSX(r)
	default:
		return nil, fmt.Errorf("unsupported batch format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return toRecords(rows)
}

// readCSV accepts ',' or ';' separated files; the separator is taken from the header line.
func readCSV(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}

	reader := csv.NewReader(br)
	reader.Comma = ','
	if bytes.Count(head, []byte{';'}) > bytes.Count(head, []byte{','}) {
		reader.Comma = ';'
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet: %v", err)
	}
	return rows, nil
}

func toRecords(rows [][]string) ([]Record, error) {
	if len(rows) == 0 {
		return nil, errors.New("batch file is empty")
	}

	index := map[string]int{}
	for i, col := range rows[0] {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("batch header is missing columns: %s", strings.Join(missing, ", "))
	}

	cell := func(row []string, col string) string {
		i := index[col]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	records := make([]Record, 0, len(rows)-1)
	line := 0
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		line++
		records = append(records, Record{
			LineNumber: line,
			Row: workflow.CsvRow{
				Name:         cell(row, "name"),
				GovernmentId: workflow.FlexString(cell(row, "governmentid")),
				Email:        cell(row, "email"),
				DebtAmount:   workflow.TextAmount(cell(row, "debtamount")),
				DebtDueDate:  cell(row, "debtduedate"),
				DebtId:       workflow.FlexString(cell(row, "debtid")),
			},
		})
	}
	return records, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
