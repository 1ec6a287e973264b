package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/cellclient"
	"go.uber.org/zap"
)

// ImportError represents an error that occurred while importing a single CSV row.
type ImportError struct {
	RowNumber int    // CSV row number (1-based, including header)
	CSVColumn string // CSV column name that caused the error
	RawValue  string // Original CSV value
	Reason    string // Error description
}

func (e *ImportError) Error() string {
	if e.CSVColumn == "" {
		return fmt.Sprintf("row %d: %s", e.RowNumber, e.Reason)
	}
	return fmt.Sprintf("row %d, column %q: value %q - %s", e.RowNumber, e.CSVColumn, e.RawValue, e.Reason)
}

// ImportResult contains the results of a CSV import operation.
type ImportResult struct {
	TotalRows    int
	SuccessCount int
	FailedCount  int
	Errors       []*ImportError
	Duration     time.Duration
}

// Summary returns a human-readable summary of the import result.
func (r *ImportResult) Summary() string {
	return fmt.Sprintf("Import completed: %d/%d rows successful, %d failed, duration: %v",
		r.SuccessCount, r.TotalRows, r.FailedCount, r.Duration)
}

// CSVImporter loads CSV rows into a cell as records. Column values are typed
// by inference: integers, floats and booleans become JSON numbers and booleans.
type CSVImporter struct {
	client   celldb.CellClient
	idColumn string
	rename   map[string]string
	required map[string]bool
}

func NewCSVImporter(client celldb.CellClient) *CSVImporter {
	return &CSVImporter{client: client, rename: map[string]string{}, required: map[string]bool{}}
}

// WithID makes column the record id.
func (i *CSVImporter) WithID(column string) *CSVImporter {
	i.idColumn = column
	return i
}

// Map stores column under field instead of its header name.
func (i *CSVImporter) Map(column, field string) *CSVImporter {
	i.rename[column] = field
	return i
}

// Require fails rows where column is empty.
func (i *CSVImporter) Require(column string) *CSVImporter {
	i.required[column] = true
	return i
}

// ImportFromReader imports CSV data from an io.Reader. Row failures are
// collected in the result; only a missing header is returned as an error.
func (i *CSVImporter) ImportFromReader(ctx context.Context, reader io.Reader) (*ImportResult, error) {
	startTime := time.Now()

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	header, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	result := &ImportResult{Errors: make([]*ImportError, 0)}
	rowNum := 1 // Header is row 1
	for {
		rowNum++
		row, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		result.TotalRows++
		if err != nil {
			result.fail(&ImportError{RowNumber: rowNum, Reason: fmt.Sprintf("CSV parsing error: %v", err)})
			continue
		}

		rec, importErr := i.mapRow(header, row, rowNum)
		if importErr != nil {
			result.fail(importErr)
			continue
		}
		if _, err := i.client.Insert(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.fail(&ImportError{RowNumber: rowNum, Reason: fmt.Sprintf("insert failed: %v", err)})
			continue
		}
		result.SuccessCount++
	}

	result.Duration = time.Since(startTime)
	zap.S().Infow(result.Summary(), "failed", result.FailedCount)
	return result, nil
}

func (r *ImportResult) fail(err *ImportError) {
	zap.S().Warnw("import row failed", "error", err.Error())
	r.FailedCount++
	r.Errors = append(r.Errors, err)
}

func (i *CSVImporter) mapRow(header, row []string, rowNum int) (celldb.Record, *ImportError) {
	rec := celldb.Record{}
	for idx, col := range header {
		raw := ""
		if idx < len(row) {
			raw = strings.TrimSpace(row[idx])
		}
		if raw == "" {
			if i.required[col] {
				return nil, &ImportError{RowNumber: rowNum, CSVColumn: col, Reason: "required value is empty"}
			}
			continue
		}
		if col == i.idColumn {
			rec[celldb.RecordIDField] = raw
			continue
		}
		field := col
		if renamed, ok := i.rename[col]; ok {
			field = renamed
		}
		rec[field] = inferValue(raw)
	}
	return rec, nil
}

func inferValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func runImportCSV(args []string) error {
	flags := flag.NewFlagSet("import-csv", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: celldb-tools import-csv -file <path> -endpoint <cell endpoint> [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	var (
		file, endpoint, cellID, idColumn, mapping, required string
	)
	flags.StringVar(&file, "file", "", "CSV file to import")
	flags.StringVar(&endpoint, "endpoint", getenvDefault("CELL_ENDPOINT", ""), "cell endpoint (postgres://, duckdb://, s3://)")
	flags.StringVar(&cellID, "cell", "import", "cell id used for logging and memory:// endpoints")
	flags.StringVar(&idColumn, "id-column", "", "column holding the record id (generated when empty)")
	flags.StringVar(&mapping, "map", "", "comma-separated column:field renames")
	flags.StringVar(&required, "required", "", "comma-separated columns that must be non-empty")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if file == "" || endpoint == "" {
		return fmt.Errorf("-file and -endpoint are required")
	}

	ctx := context.Background()
	client, err := cellclient.NewDialer().Dial(ctx, celldb.CellRegistration{CellID: cellID, Endpoint: endpoint})
	if err != nil {
		return err
	}
	defer client.Close()

	importer := NewCSVImporter(client).WithID(idColumn)
	for _, pair := range splitFields(mapping) {
		col, field, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("invalid -map entry %q, want column:field", pair)
		}
		importer.Map(col, field)
	}
	for _, col := range splitFields(required) {
		importer.Require(col)
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	result, err := importer.ImportFromReader(ctx, f)
	if err != nil {
		return err
	}
	if result.FailedCount > 0 {
		return fmt.Errorf("%d of %d rows failed", result.FailedCount, result.TotalRows)
	}
	return nil
}
