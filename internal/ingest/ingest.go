// Package ingest converts uploaded tabular files into rows.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned for unknown file extensions.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrRaggedRow is returned when a row has more values than the header.
	ErrRaggedRow = errors.New("row has more values than header columns")

	// ErrDuplicateColumn is returned when two header cells normalize to the
	// same name.
	ErrDuplicateColumn = errors.New("duplicate column")
)

// Format is a supported input format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatText Format = "txt"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// FormatFor picks the format from a file name's extension.
func FormatFor(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv":
		return FormatTSV, nil
	case ".txt":
		return FormatText, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// ReadPath opens and reads a file from disk.
func ReadPath(path string) ([]domain.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	return ReadFile(filepath.Base(path), f)
}

// ReadFile parses r according to the extension of name.
func ReadFile(name string, r io.Reader) ([]domain.Row, error) {
	format, err := FormatFor(name)
	if err != nil {
		return nil, err
	}

	var rows []domain.Row
	switch format {
	case FormatCSV:
		rows, err = readDelimited(r, ',')
	case FormatTSV:
		rows, err = readDelimited(r, '\t')
	case FormatText:
		rows, err = readText(r)
	case FormatXLSX:
		rows, err = readXLSX(r)
	case FormatJSON:
		rows, err = readJSON(r)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return rows, nil
}

// NormalizeHeader applies NFKC normalization, strips a byte-order mark and
// control characters, and trims whitespace.
func NormalizeHeader(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\uFEFF' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func readDelimited(r io.Reader, comma rune) ([]domain.Row, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	return fromTable(records)
}

// readText sniffs the delimiter from the first non-blank line.
func readText(r io.Reader) ([]domain.Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	comma := ','
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.Count(line, "\t") > strings.Count(line, ",") {
			comma = '\t'
		} else if strings.Count(line, ";") > strings.Count(line, ",") {
			comma = ';'
		}
		break
	}
	return readDelimited(bytes.NewReader(data), comma)
}

// readXLSX reads the active sheet of a workbook.
func readXLSX(r io.Reader) ([]domain.Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("sheet %s: %w", sheet, err)
	}
	return fromTable(records)
}

// readJSON reads an array of flat objects. Nested values are kept as their
// JSON text.
func readJSON(r io.Reader) ([]domain.Row, error) {
	var raw []map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("expected an array of objects: %w", err)
	}

	rows := make([]domain.Row, 0, len(raw))
	for _, obj := range raw {
		row := make(domain.Row, len(obj))
		for k, v := range obj {
			col := NormalizeHeader(k)
			if col == "" {
				continue
			}
			if _, dup := row[col]; dup {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, col)
			}
			switch v.(type) {
			case map[string]any, []any:
				b, _ := json.Marshal(v)
				row[col] = string(b)
			case bool:
				row[col] = fmt.Sprint(v)
			default:
				row[col] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// fromTable turns a header row plus data rows into Rows. Blank rows are
// skipped and short rows are padded with nil.
func fromTable(records [][]string) ([]domain.Row, error) {
	start := -1
	for i, rec := range records {
		if !blank(rec) {
			start = i
			break
		}
	}
	if start < 0 {
		return []domain.Row{}, nil
	}

	header := make([]string, len(records[start]))
	seen := make(map[string]bool, len(header))
	for i, cell := range records[start] {
		col := NormalizeHeader(cell)
		if col != "" && seen[col] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, col)
		}
		seen[col] = true
		header[i] = col
	}

	rows := make([]domain.Row, 0, len(records)-start-1)
	for lineNo, rec := range records[start+1:] {
		if blank(rec) {
			continue
		}
		for j := len(header); j < len(rec); j++ {
			if strings.TrimSpace(rec[j]) != "" {
				return nil, fmt.Errorf("%w: line %d has %d values for %d columns", ErrRaggedRow, start+lineNo+2, len(rec), len(header))
			}
		}

		row := make(domain.Row, len(header))
		for j, col := range header {
			if col == "" {
				continue
			}
			if j < len(rec) {
				row[col] = rec[j]
			} else {
				row[col] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, cell := range rec {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
