package store

import (
	"errors"
	"testing"
	"time"
)

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("price"); got != `"price"` {
		t.Errorf("quoteIdent = %s", got)
	}
	if got := quoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("embedded quote = %s", got)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3, false); got != "?, ?, ?" {
		t.Errorf("sqlite style = %q", got)
	}
	if got := placeholders(3, true); got != "$1, $2, $3" {
		t.Errorf("pg style = %q", got)
	}
}

func TestCheckedUint64(t *testing.T) {
	if v, err := checkedUint64(42); err != nil || v != 42 {
		t.Errorf("small value: %v, %v", v, err)
	}
	if _, err := checkedUint64(1 << 63); !errors.Is(err, ErrOverflow) {
		t.Errorf("overflow must be rejected, got %v", err)
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got, err := normalizeTimestamp(want); err != nil || !got.Equal(want) {
		t.Errorf("time.Time: %v, %v", got, err)
	}
	if got, err := normalizeTimestamp(want.UnixMilli()); err != nil || !got.Equal(want) {
		t.Errorf("epoch ms: %v, %v", got, err)
	}
	if got, err := normalizeTimestamp(float64(want.Unix())); err != nil || !got.Equal(want) {
		t.Errorf("epoch sec: %v, %v", got, err)
	}
	if got, err := normalizeTimestamp("2026-03-01T12:00:00Z"); err != nil || !got.Equal(want) {
		t.Errorf("rfc3339: %v, %v", got, err)
	}
	if _, err := normalizeTimestamp(nil); err == nil {
		t.Error("nil must fail")
	}
}

func TestMergeBatch(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Minute)

	cols, rows := mergeBatch([]fetchResult{
		{
			table:   "A",
			columns: []string{"ts", "price"},
			rows:    [][]any{{t0, 1.0}, {t1, 2.0}},
		},
		{
			table:   "B",
			columns: []string{"ts", "price"},
			rows:    [][]any{{t1, 20.0}},
		},
	})

	wantCols := []string{"ts", "A.price", "B.price"}
	if len(cols) != len(wantCols) {
		t.Fatalf("columns = %v", cols)
	}
	for i := range wantCols {
		if cols[i] != wantCols[i] {
			t.Fatalf("columns = %v, want %v", cols, wantCols)
		}
	}

	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	// First bucket: only A has data.
	if rows[0][1] != 1.0 || rows[0][2] != nil {
		t.Errorf("bucket t0 = %v", rows[0])
	}
	// Second bucket: both.
	if rows[1][1] != 2.0 || rows[1][2] != 20.0 {
		t.Errorf("bucket t1 = %v", rows[1])
	}
}
