// Package export serializes a completed job's results as JSON, CSV or an
// Excel workbook.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// Format names an export encoding.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
)

// ListDelimiter joins list values inside a single tabular cell.
const ListDelimiter = ";"

const sheetName = "Results"

// truncatedMarker ends workbook cells cut to the per-cell character limit.
const truncatedMarker = "...[truncated]"

// selectorPrefix disambiguates selector columns that share a fixed column's
// name.
const selectorPrefix = "data."

// ErrNotCompleted is wrapped by ExportError when the job has not completed.
var ErrNotCompleted = errors.New("job is not completed")

var baseColumns = []string{
	"index", "url", "timestamp", "success", "error", "statusCode", "responseTimeMs", "pageTitle",
}

// Artifact is an encoded export ready to be downloaded.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ParseFormat validates a caller-supplied format. Empty means JSON; "xlsx"
// is accepted for Excel.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "excel", "xlsx":
		return FormatExcel, nil
	default:
		return "", &extract.ValidationError{Field: "format", Msg: fmt.Sprintf("unsupported format %q", s)}
	}
}

// Extension returns the filename extension for f.
func (f Format) Extension() string {
	if f == FormatExcel {
		return "xlsx"
	}
	return string(f)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Filename returns job-<jobID>-results.<ext>.
func Filename(jobID string, f Format) string {
	return fmt.Sprintf("job-%s-results.%s", jobID, f.Extension())
}

// Export encodes job's results. Only completed jobs can be exported.
func Export(job extract.Job, format Format) (Artifact, error) {
	if job.Status != extract.JobStatusCompleted {
		return Artifact{}, &extract.ExportError{
			JobID:  job.ID,
			Format: string(format),
			Err:    fmt.Errorf("%w: status is %s", ErrNotCompleted, job.Status),
		}
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = JSON(job.Results)
	case FormatCSV:
		data, err = CSV(job)
	case FormatExcel:
		data, err = Excel(job)
	default:
		_, err = ParseFormat(string(format))
		return Artifact{}, err
	}
	if err != nil {
		return Artifact{}, &extract.ExportError{JobID: job.ID, Format: string(format), Err: err}
	}
	return Artifact{
		Filename:    Filename(job.ID, format),
		ContentType: format.ContentType(),
		Data:        data,
	}, nil
}

// JSON serializes results as they are stored.
func JSON(results []extract.Result) ([]byte, error) {
	if results == nil {
		results = []extract.Result{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	return data, nil
}

// CSV renders one header row followed by one row per result.
func CSV(job extract.Job) ([]byte, error) {
	header, rows := Table(job)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for i, h := range header {
		header[i] = escapeFormula(h)
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, cell := range row {
			if text, ok := cell.(string); ok {
				record[i] = escapeFormula(text)
				continue
			}
			record[i] = cellString(cell)
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Excel renders the same table as CSV into a single-sheet workbook.
func Excel(job extract.Job) ([]byte, error) {
	header, rows := Table(job)

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return nil, fmt.Errorf("header range: %w", err)
	}
	if err := f.SetCellStyle(sheetName, "A1", lastHeader, bold); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}

	for i, row := range rows {
		for j, v := range row {
			if text, ok := v.(string); ok {
				row[j] = truncateCell(text)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Table flattens results into a header and rows ordered by result index.
// Cells are typed so the workbook keeps numbers and booleans; nil is an
// empty cell. A selector whose id matches a fixed column is headed
// "data.<id>".
func Table(job extract.Job) ([]string, [][]any) {
	columns := selectorColumns(job)
	header := make([]string, 0, len(baseColumns)+len(columns))
	header = append(header, baseColumns...)
	taken := make(map[string]struct{}, cap(header))
	for _, name := range baseColumns {
		taken[name] = struct{}{}
	}
	for _, id := range columns {
		name := id
		for {
			if _, clash := taken[name]; !clash {
				break
			}
			name = selectorPrefix + name
		}
		taken[name] = struct{}{}
		header = append(header, name)
	}

	results := append([]extract.Result(nil), job.Results...)
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Index != results[j].Index {
			return results[i].Index < results[j].Index
		}
		return results[i].URL < results[j].URL
	})

	rows := make([][]any, 0, len(results))
	for _, r := range results {
		row := make([]any, 0, len(header))
		row = append(row,
			r.Index,
			r.URL,
			timestamp(r.Timestamp),
			r.Success,
			r.Error,
			optionalInt(int64(r.Metadata.StatusCode)),
			optionalInt(r.Metadata.ResponseTimeMs),
			r.Metadata.PageTitle,
		)
		for _, col := range columns {
			v, ok := r.Data[col]
			if !ok || v.IsNull() {
				row = append(row, nil)
				continue
			}
			row = append(row, v.Flatten(ListDelimiter))
		}
		rows = append(rows, row)
	}
	return header, rows
}

// selectorColumns lists selector ids in first-seen target order, then any
// result keys no target declared, sorted.
func selectorColumns(job extract.Job) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, target := range job.Targets {
		for _, rule := range target.Selectors {
			if _, ok := seen[rule.ID]; ok {
				continue
			}
			seen[rule.ID] = struct{}{}
			columns = append(columns, rule.ID)
		}
	}
	var extra []string
	for _, r := range job.Results {
		for key := range r.Data {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	return append(columns, extra...)
}

func timestamp(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func optionalInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// escapeFormula keeps spreadsheet applications from evaluating a CSV cell
// that starts with a formula trigger.
func escapeFormula(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// truncateCell cuts s to the workbook's per-cell limit, ending it with a
// visible marker.
func truncateCell(s string) string {
	if utf8.RuneCountInString(s) <= excelize.TotalCellChars {
		return s
	}
	keep := excelize.TotalCellChars - utf8.RuneCountInString(truncatedMarker)
	return string([]rune(s)[:keep]) + truncatedMarker
}

func cellString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case bool:
		return strconv.FormatBool(c)
	case int:
		return strconv.Itoa(c)
	case int64:
		return strconv.FormatInt(c, 10)
	default:
		return fmt.Sprint(c)
	}
}
