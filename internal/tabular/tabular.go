package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for batch files that are neither
// spreadsheets nor CSV.
var ErrUnsupportedFormat = errors.New("unsupported batch format")

// ErrEmptyBatch is returned when a batch has no header row.
var ErrEmptyBatch = errors.New("batch has no header row")

// ColumnType is the inferred storage type of a column
type ColumnType int

const (
	Text ColumnType = iota
	Number
)

func (t ColumnType) String() string {
	if t == Number {
		return "number"
	}
	return "text"
}

type Column struct {
	Name string
	Type ColumnType
}

// Table is a parsed batch. Cells hold float64 for Number columns, string
// for Text columns and nil for empty cells.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
}

// Index returns the position of the named column or -1
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Float returns a numeric cell
func (t *Table) Float(row, col int) (float64, bool) {
	if col < 0 || col >= len(t.Rows[row]) {
		return 0, false
	}
	v, ok := t.Rows[row][col].(float64)
	return v, ok
}

// String returns a cell rendered as text
func (t *Table) String(row, col int) string {
	if col < 0 || col >= len(t.Rows[row]) {
		return ""
	}
	switch v := t.Rows[row][col].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// TableName derives the destination table from a batch path: the file stem,
// lower-cased, with anything outside [a-z0-9_] replaced by an underscore.
func TableName(path string) string {
	base := filepath.Base(path)
	stem := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))

	var b strings.Builder
	for i, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Qualifies reports whether path has one of the given extensions
func Qualifies(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Load parses a batch file into a Table named after the file.
func Load(path string) (*Table, error) {
	var (
		records [][]string
		err     error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		records, err = readSpreadsheet(path)
	case ".csv":
		records, err = readCSV(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	return build(TableName(path), records)
}

func readSpreadsheet(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyBatch
	}
	// Raw values: number formats such as #,##0.00 would otherwise turn
	// numeric columns into text
	return f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
}

func readCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return parseCSV(file)
}

func parseCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

func build(name string, records [][]string) (*Table, error) {
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, ErrEmptyBatch
	}

	header := records[0]
	cols := make([]Column, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" || seen[strings.ToLower(h)] {
			h = fmt.Sprintf("column_%d", i+1)
		}
		seen[strings.ToLower(h)] = true
		cols[i] = Column{Name: h, Type: Number}
	}

	body := records[1:]

	// A column is numeric when every non-empty cell parses as a float
	for i := range cols {
		for _, rec := range body {
			if i >= len(rec) {
				continue
			}
			cell := strings.TrimSpace(rec[i])
			if cell == "" {
				continue
			}
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				cols[i].Type = Text
				break
			}
		}
	}

	rows := make([][]any, 0, len(body))
	for _, rec := range body {
		if blank(rec) {
			continue
		}
		row := make([]any, len(cols))
		for i := range cols {
			if i >= len(rec) {
				continue
			}
			cell := strings.TrimSpace(rec[i])
			if cell == "" {
				continue
			}
			if cols[i].Type == Number {
				v, _ := strconv.ParseFloat(cell, 64)
				row[i] = v
			} else {
				row[i] = cell
			}
		}
		rows = append(rows, row)
	}

	return &Table{Name: name, Columns: cols, Rows: rows}, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
