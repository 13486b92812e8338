package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"graze/internal/apperr"
)

// Table is the neutral shape of a history result: column names and rows
// in fetch order, the bucket timestamp first.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Formats recognized by the history endpoints. Arrow, feather and avro
// are declared but not implemented; requesting one is a user error.
const (
	FormatJSONRow    = "json:row"
	FormatJSONColumn = "json:column"
	FormatCSV        = "csv"
	FormatTSV        = "tsv"
	FormatPSV        = "psv"
	FormatParquet    = "parquet"
)

var unsupportedFormats = map[string]bool{
	"arrow": true, "feather": true, "avro": true, "orc": true,
}

// FormatTable serializes a table into the requested format, returning
// the payload and its content type.
func FormatTable(t Table, format string) ([]byte, string, error) {
	switch format {
	case "", "json", FormatJSONRow:
		return formatJSONRow(t)
	case FormatJSONColumn:
		return formatJSONColumn(t)
	case FormatCSV:
		return formatSeparated(t, ',', "text/csv")
	case FormatTSV:
		return formatSeparated(t, '\t', "text/tab-separated-values")
	case FormatPSV:
		return formatSeparated(t, '|', "text/psv")
	case FormatParquet:
		return formatParquet(t)
	}
	if unsupportedFormats[format] {
		return nil, "", fmt.Errorf("%w: format %q not supported", apperr.ErrUser, format)
	}
	return nil, "", fmt.Errorf("%w: unknown format %q", apperr.ErrUser, format)
}

// ParseTable inverts FormatTable for the text formats. Separated-value
// input comes back with string cells; JSON input keeps JSON types.
func ParseTable(data []byte, format string) (Table, error) {
	switch format {
	case "", "json", FormatJSONRow:
		return parseJSONRow(data)
	case FormatJSONColumn:
		return parseJSONColumn(data)
	case FormatCSV:
		return parseSeparated(data, ',')
	case FormatTSV:
		return parseSeparated(data, '\t')
	case FormatPSV:
		return parseSeparated(data, '|')
	}
	return Table{}, fmt.Errorf("%w: cannot parse format %q", apperr.ErrUser, format)
}

func formatJSONRow(t Table) ([]byte, string, error) {
	out := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		for j, col := range t.Columns {
			if j < len(row) {
				m[col] = row[j]
			}
		}
		out[i] = m
	}
	b, err := json.Marshal(out)
	return b, "application/json", err
}

func parseJSONRow(data []byte) (Table, error) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return Table{}, fmt.Errorf("%w: %v", apperr.ErrUser, err)
	}
	cols := columnOrder(rows)
	t := Table{Columns: cols, Rows: make([][]any, len(rows))}
	for i, m := range rows {
		row := make([]any, len(cols))
		for j, col := range cols {
			row[j] = m[col]
		}
		t.Rows[i] = row
	}
	return t, nil
}

// columnOrder returns the union of keys, "ts" first, the rest sorted.
func columnOrder(rows []map[string]any) []string {
	seen := map[string]bool{}
	hasTS := false
	var cols []string
	for _, m := range rows {
		for k := range m {
			if seen[k] {
				continue
			}
			seen[k] = true
			if k == "ts" {
				hasTS = true
				continue
			}
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	if hasTS {
		cols = append([]string{"ts"}, cols...)
	}
	return cols
}

func formatJSONColumn(t Table) ([]byte, string, error) {
	out := make(map[string][]any, len(t.Columns))
	for j, col := range t.Columns {
		vals := make([]any, len(t.Rows))
		for i, row := range t.Rows {
			if j < len(row) {
				vals[i] = row[j]
			}
		}
		out[col] = vals
	}
	b, err := json.Marshal(out)
	return b, "application/json", err
}

func parseJSONColumn(data []byte) (Table, error) {
	var cols map[string][]any
	if err := json.Unmarshal(data, &cols); err != nil {
		return Table{}, fmt.Errorf("%w: %v", apperr.ErrUser, err)
	}
	t := Table{}
	rows := 0
	hasTS := false
	for col, vals := range cols {
		if col == "ts" {
			hasTS = true
		} else {
			t.Columns = append(t.Columns, col)
		}
		if len(vals) > rows {
			rows = len(vals)
		}
	}
	sort.Strings(t.Columns)
	if hasTS {
		t.Columns = append([]string{"ts"}, t.Columns...)
	}
	t.Rows = make([][]any, rows)
	for i := range t.Rows {
		row := make([]any, len(t.Columns))
		for j, col := range t.Columns {
			if vals := cols[col]; i < len(vals) {
				row[j] = vals[i]
			}
		}
		t.Rows[i] = row
	}
	return t, nil
}

func formatSeparated(t Table, comma rune, contentType string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma
	if err := w.Write(t.Columns); err != nil {
		return nil, "", err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for j := range t.Columns {
			if j < len(row) {
				record[j] = formatCell(row[j])
			} else {
				record[j] = ""
			}
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	return buf.Bytes(), contentType, w.Error()
}

func parseSeparated(data []byte, comma rune) (Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	records, err := r.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", apperr.ErrUser, err)
	}
	if len(records) == 0 {
		return Table{}, nil
	}
	t := Table{Columns: records[0], Rows: make([][]any, 0, len(records)-1)}
	for _, rec := range records[1:] {
		row := make([]any, len(rec))
		for j, cell := range rec {
			row[j] = cell
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// formatParquet writes the table through the generic writer with a
// per-column schema inferred from the first non-nil cell. Every column
// is optional since bucket aggregation leaves holes.
func formatParquet(t Table) ([]byte, string, error) {
	group := parquet.Group{}
	for j, col := range t.Columns {
		group[col] = parquet.Optional(parquetNode(t.Rows, j))
	}
	schema := parquet.NewSchema("history", group)

	rows := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		for j, col := range t.Columns {
			if j >= len(row) || row[j] == nil {
				continue
			}
			if ts, ok := row[j].(time.Time); ok {
				m[col] = ts.UnixMilli()
			} else {
				m[col] = row[j]
			}
		}
		rows[i] = m
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[map[string]any](&buf, schema)
	if _, err := w.Write(rows); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "application/vnd.apache.parquet", nil
}

func parquetNode(rows [][]any, col int) parquet.Node {
	for _, row := range rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		switch row[col].(type) {
		case time.Time:
			return parquet.Timestamp(parquet.Millisecond)
		case float64, float32:
			return parquet.Leaf(parquet.DoubleType)
		case int, int32, int64:
			return parquet.Int(64)
		case uint, uint32, uint64:
			return parquet.Uint(64)
		case bool:
			return parquet.Leaf(parquet.BooleanType)
		default:
			return parquet.String()
		}
	}
	return parquet.String()
}
