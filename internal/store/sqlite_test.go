package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"graze/internal/apperr"
	"graze/internal/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tsIngester(t *testing.T) *model.Ingester {
	t.Helper()
	ing := &model.Ingester{
		Name:         "BTCUSD",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields: []model.Field{
			{Name: "price", Type: model.TypeFloat64},
			{Name: "note", Type: model.TypeString, Transient: true},
		},
	}
	ing.ApplyDefaults()
	if err := ing.Validate(); err != nil {
		t.Fatal(err)
	}
	return ing
}

func setValues(ing *model.Ingester, ts time.Time, price float64) {
	ing.FieldByName(model.TimestampField).Value = ts
	ing.FieldByName("price").Value = price
}

func TestSQLiteInsertCreatesTable(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	ing := tsIngester(t)

	setValues(ing, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 40000)
	// No CreateTable call: Insert must create and retry once.
	if err := s.Insert(ctx, ing, ""); err != nil {
		t.Fatal(err)
	}

	tables, err := s.ListTables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0] != "BTCUSD" {
		t.Errorf("tables = %v", tables)
	}

	cols, err := s.GetColumns(ctx, "BTCUSD")
	if err != nil {
		t.Fatal(err)
	}
	// ts first, transient excluded.
	if len(cols) != 2 || cols[0].Name != "ts" || cols[1].Name != "price" {
		t.Errorf("columns = %#v", cols)
	}
}

func TestSQLiteCreateTableIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	ing := tsIngester(t)

	if err := s.CreateTable(ctx, ing, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable(ctx, ing, ""); err != nil {
		t.Fatalf("second create: %v", err)
	}
}

func TestSQLiteFetchBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	ing := tsIngester(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Two rows in the first m5 bucket, one in the second.
	rows := []map[string]any{
		{"ts": base, "price": 1.0},
		{"ts": base.Add(2 * time.Minute), "price": 2.0},
		{"ts": base.Add(6 * time.Minute), "price": 3.0},
	}
	if err := s.InsertMany(ctx, ing, rows, ""); err != nil {
		t.Fatal(err)
	}

	cols, out, err := s.Fetch(ctx, "BTCUSD", base, base.Add(10*time.Minute), "m5", []string{"price"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 2 || cols[0] != "ts" || cols[1] != "price" {
		t.Fatalf("columns = %v", cols)
	}
	if len(out) != 2 {
		t.Fatalf("rows = %v", out)
	}
	// Last value per bucket; bucket start timestamps.
	if got := out[0][0].(time.Time); !got.Equal(base) {
		t.Errorf("bucket 0 start = %v", got)
	}
	if p, _ := toFloat(out[0][1]); p != 2.0 {
		t.Errorf("bucket 0 last = %v", out[0][1])
	}
	if got := out[1][0].(time.Time); !got.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("bucket 1 start = %v", got)
	}

	// useFirst flips the pick.
	_, out, err = s.Fetch(ctx, "BTCUSD", base, base.Add(10*time.Minute), "m5", []string{"price"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := toFloat(out[0][1]); p != 1.0 {
		t.Errorf("bucket 0 first = %v", out[0][1])
	}
}

func TestSQLiteFetchSkipsNullsPerColumn(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	ing := &model.Ingester{
		Name:         "BTCUSD",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields: []model.Field{
			{Name: "price", Type: model.TypeFloat64},
			{Name: "volume", Type: model.TypeFloat64},
		},
	}
	ing.ApplyDefaults()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Same m5 bucket: the later row has no price, the earlier one does.
	rows := []map[string]any{
		{"ts": base, "price": 1.0, "volume": 100.0},
		{"ts": base.Add(2 * time.Minute), "price": nil, "volume": 200.0},
	}
	if err := s.InsertMany(ctx, ing, rows, ""); err != nil {
		t.Fatal(err)
	}

	_, out, err := s.Fetch(ctx, "BTCUSD", base, base.Add(5*time.Minute), "m5", []string{"price", "volume"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("rows = %v", out)
	}
	if p, _ := toFloat(out[0][1]); p != 1.0 {
		t.Errorf("price = %v, want the last non-null value", out[0][1])
	}
	if v, _ := toFloat(out[0][2]); v != 200.0 {
		t.Errorf("volume = %v, want 200", out[0][2])
	}

	// useFirst mirrors the pick.
	_, out, err = s.Fetch(ctx, "BTCUSD", base, base.Add(5*time.Minute), "m5", []string{"price", "volume"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := toFloat(out[0][2]); v != 100.0 {
		t.Errorf("first volume = %v, want 100", out[0][2])
	}
}

func TestSQLiteUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	ing := &model.Ingester{
		Name:         "sys.users",
		ResourceType: model.ResourceUpdate,
		IngesterType: model.TypeProcessor,
		Interval:     "m5",
		Fields: []model.Field{
			{Name: "status", Type: model.TypeString},
		},
	}
	ing.ApplyDefaults()

	ing.FieldByName(model.UIDField).Value = "u1"
	ing.FieldByName("status").Value = "public"
	if err := s.Upsert(ctx, ing, ""); err != nil {
		t.Fatal(err)
	}

	ing.FieldByName("status").Value = "admin"
	if err := s.Upsert(ctx, ing, ""); err != nil {
		t.Fatal(err)
	}

	rec, err := s.FetchByID(ctx, "sys.users", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec["status"] != "admin" {
		t.Errorf("upserted status = %v", rec["status"])
	}

	recs, err := s.FetchBatchByIDs(ctx, "sys.users", []string{"u1", "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("batch = %v", recs)
	}

	if _, err := s.FetchByID(ctx, "sys.users", "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing uid: %v", err)
	}
}

func TestSQLiteUnsignedOverflowRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	ing := &model.Ingester{
		Name:         "counters",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields: []model.Field{
			{Name: "total", Type: model.TypeUint64},
		},
	}
	ing.ApplyDefaults()

	ing.FieldByName(model.TimestampField).Value = time.Now().UTC()
	ing.FieldByName("total").Value = uint64(1) << 63
	if err := s.Insert(ctx, ing, ""); !errors.Is(err, ErrOverflow) {
		t.Errorf("want overflow rejection, got %v", err)
	}
}

func TestSQLiteAlterTable(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	ing := tsIngester(t)

	if err := s.CreateTable(ctx, ing, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.AlterTable(ctx, "BTCUSD", []model.Field{{Name: "volume", Type: model.TypeFloat64}}, nil); err != nil {
		t.Fatal(err)
	}
	cols, err := s.GetColumns(ctx, "BTCUSD")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 3 || cols[2].Name != "volume" {
		t.Errorf("columns = %#v", cols)
	}

	if err := s.AlterTable(ctx, "BTCUSD", nil, []string{"volume"}); err != nil {
		t.Fatal(err)
	}
	cols, _ = s.GetColumns(ctx, "BTCUSD")
	if len(cols) != 2 {
		t.Errorf("after drop = %#v", cols)
	}
}

func TestSQLiteFetchBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, name := range []string{"A", "B"} {
		ing := &model.Ingester{
			Name:         name,
			ResourceType: model.ResourceTimeSeries,
			IngesterType: model.TypeHTTPAPI,
			Interval:     "m5",
			Fields:       []model.Field{{Name: "price", Type: model.TypeFloat64}},
		}
		ing.ApplyDefaults()
		rows := []map[string]any{{"ts": base, "price": 7.0}}
		if err := s.InsertMany(ctx, ing, rows, ""); err != nil {
			t.Fatal(err)
		}
	}

	cols, rows, err := s.FetchBatch(ctx, []string{"A", "B"}, base, base.Add(5*time.Minute), "m5", []string{"price"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 3 || cols[1] != "A.price" || cols[2] != "B.price" {
		t.Fatalf("columns = %v", cols)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	a, _ := toFloat(rows[0][1])
	b, _ := toFloat(rows[0][2])
	if a != 7.0 || b != 7.0 {
		t.Errorf("merged row = %v", rows[0])
	}
}

func TestSeriesReader(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	ing := tsIngester(t)

	base := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	var rows []map[string]any
	for i := 1; i <= 5; i++ {
		rows = append(rows, map[string]any{
			"ts":    base.Add(time.Duration(i) * 10 * time.Minute),
			"price": float64(i),
		})
	}
	if err := s.InsertMany(ctx, ing, rows, ""); err != nil {
		t.Fatal(err)
	}

	reader := SeriesReader{Adapter: s}
	values, err := reader.FetchColumn(ctx, ing, "price", base, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 5 {
		t.Fatalf("values = %v", values)
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	if sum/float64(len(values)) != 3.0 {
		t.Errorf("mean = %v, want 3", sum/5)
	}
}
