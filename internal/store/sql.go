package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"graze/internal/model"
)

// fetchBatch fans out one Fetch per table concurrently and merges the
// windows on bucket starts. Both adapters share it.
func fetchBatch(ctx context.Context, a Adapter, tables []string, from, to time.Time, interval model.Interval, columns []string) ([]string, [][]any, error) {
	results := make([]fetchResult, len(tables))
	g, ctx := errgroup.WithContext(ctx)
	for i, table := range tables {
		g.Go(func() error {
			cols, rows, err := a.Fetch(ctx, table, from, to, interval, columns, false)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", table, err)
			}
			results[i] = fetchResult{table: table, columns: cols, rows: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	cols, rows := mergeBatch(results)
	return cols, rows, nil
}

// ErrOverflow rejects unsigned values the back-end cannot represent
// without silent wraparound.
var ErrOverflow = errors.New("unsigned value overflows backend integer range")

// quoteIdent double-quotes an SQL identifier, doubling embedded quotes.
// Both SQLite and Postgres accept this form.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// insertColumns resolves the ordered column list and current values for
// one row from the ingester's persistent fields.
func insertColumns(ing *model.Ingester) ([]string, []any) {
	fields := ing.PersistentFields()
	names := make([]string, 0, len(fields))
	values := make([]any, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
		values = append(values, f.Value)
	}
	return names, values
}

// rowFromMap orders a row map by the given column list.
func rowFromMap(columns []string, row map[string]any) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = row[c]
	}
	return out
}

// normalizeTimestamp coerces the supported timestamp encodings to UTC.
func normalizeTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case int64:
		// epoch milliseconds
		return time.UnixMilli(x).UTC(), nil
	case float64:
		// epoch seconds, possibly fractional
		return time.UnixMilli(int64(x * 1000)).UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q: %w", x, err)
		}
		return t.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("nil timestamp")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// checkedUint64 rejects unsigned values beyond the signed 64-bit range.
func checkedUint64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrOverflow, v)
	}
	return int64(v), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", x)
		}
		return f, nil
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("not numeric: %T", v)
}

// placeholders renders "?, ?, ?" or "$1, $2, $3" depending on style.
func placeholders(n int, numbered bool) string {
	parts := make([]string, n)
	for i := range parts {
		if numbered {
			parts[i] = "$" + strconv.Itoa(i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

// fetchResult is one table's bucketed window, used by the batch merge.
type fetchResult struct {
	table   string
	columns []string
	rows    [][]any
}

// mergeBatch aligns per-table results on bucket starts into one unified
// column set: [ts, table1.col..., table2.col...]. Missing buckets leave
// nil cells.
func mergeBatch(results []fetchResult) ([]string, [][]any) {
	columns := []string{model.TimestampField}
	offsets := make([]int, len(results))
	for i, res := range results {
		offsets[i] = len(columns)
		// Column 0 of each result is its own timestamp column.
		for _, c := range res.columns[1:] {
			columns = append(columns, res.table+"."+c)
		}
	}

	width := len(columns)
	byBucket := make(map[int64][]any)
	for i, res := range results {
		for _, row := range res.rows {
			ts, err := normalizeTimestamp(row[0])
			if err != nil {
				continue
			}
			key := ts.UnixMilli()
			merged, ok := byBucket[key]
			if !ok {
				merged = make([]any, width)
				merged[0] = ts
				byBucket[key] = merged
			}
			for j, v := range row[1:] {
				merged[offsets[i]+j] = v
			}
		}
	}

	keys := make([]int64, 0, len(byBucket))
	for k := range byBucket {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	rows := make([][]any, len(keys))
	for i, k := range keys {
		rows[i] = byBucket[k]
	}
	return columns, rows
}

// resolveColumns picks the requested persistent columns, or all of them
// when the request is empty. The timestamp/uid system column is always
// excluded here; fetch queries add it themselves.
func resolveColumns(ing *model.Ingester, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	var out []string
	for _, f := range ing.PersistentFields() {
		if f.Name == model.TimestampField || f.Name == model.UIDField {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}
