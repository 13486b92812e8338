package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"graze/internal/apperr"
	"graze/internal/model"
	"graze/internal/registry"
	"graze/internal/scheduler"
	"graze/internal/store"
)

// fakeAdapter records writes and serves uid-keyed reads from memory.
type fakeAdapter struct {
	mu      sync.Mutex
	tables  map[string]bool
	inserts []map[string]any
	rows    map[string]map[string]any // table/uid -> record
	series  map[string][]float64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		tables: make(map[string]bool),
		rows:   make(map[string]map[string]any),
		series: make(map[string][]float64),
	}
}

func (f *fakeAdapter) values(ing *model.Ingester) map[string]any {
	out := make(map[string]any)
	for _, fl := range ing.PersistentFields() {
		out[fl.Name] = fl.Value
	}
	return out
}

func (f *fakeAdapter) Ping(context.Context) error { return nil }
func (f *fakeAdapter) Close() error               { return nil }

func (f *fakeAdapter) CreateDatabase(context.Context, string, bool) error { return nil }
func (f *fakeAdapter) UseDatabase(context.Context, string) error          { return nil }

func (f *fakeAdapter) CreateTable(_ context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = true
	return nil
}

func (f *fakeAdapter) Insert(_ context.Context, ing *model.Ingester, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, f.values(ing))
	return nil
}

func (f *fakeAdapter) InsertMany(_ context.Context, _ *model.Ingester, rows []map[string]any, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, rows...)
	return nil
}

func (f *fakeAdapter) Upsert(_ context.Context, ing *model.Ingester, table string) error {
	if table == "" {
		table = ing.Name
	}
	row := f.values(ing)
	uid, _ := row[model.UIDField].(string)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table+"/"+uid] = row
	return nil
}

func (f *fakeAdapter) FetchByID(_ context.Context, table, uid string) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[table+"/"+uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s[%s]", apperr.ErrNotFound, table, uid)
	}
	return store.Record(row), nil
}

func (f *fakeAdapter) FetchBatchByIDs(ctx context.Context, table string, uids []string) ([]store.Record, error) {
	var out []store.Record
	for _, uid := range uids {
		if rec, err := f.FetchByID(ctx, table, uid); err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAdapter) Fetch(_ context.Context, table string, _, _ time.Time, _ model.Interval, columns []string, _ bool) ([]string, [][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows [][]any
	for i, v := range f.series[table] {
		rows = append(rows, []any{time.Unix(int64(i*60), 0).UTC(), v})
	}
	return append([]string{model.TimestampField}, columns...), rows, nil
}

func (f *fakeAdapter) FetchBatch(ctx context.Context, tables []string, from, to time.Time, interval model.Interval, columns []string) ([]string, [][]any, error) {
	var all [][]any
	var cols []string
	for _, table := range tables {
		c, rows, err := f.Fetch(ctx, table, from, to, interval, columns, false)
		if err != nil {
			return nil, nil, err
		}
		cols = c
		all = append(all, rows...)
	}
	return cols, all, nil
}

func (f *fakeAdapter) ListTables(context.Context) ([]string, error) { return nil, nil }
func (f *fakeAdapter) GetColumns(context.Context, string) ([]store.Column, error) {
	return nil, nil
}
func (f *fakeAdapter) AlterTable(context.Context, string, []model.Field, []string) error {
	return nil
}
func (f *fakeAdapter) Commit(context.Context) error { return nil }

func (f *fakeAdapter) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return registry.New(rdb, "graze", "instance-a", nil)
}

func newTestOrchestrator(t *testing.T, reg *registry.Registry, db store.Adapter) *Orchestrator {
	t.Helper()
	sched, err := scheduler.New(scheduler.Config{}, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sched.Stop() })
	inst := &model.Instance{UID: "instance-a", Name: "aldgate", Mode: "ingester"}
	return New(Config{}, reg, db, sched, inst, nil)
}

func priceIngester(transformers ...string) *model.Ingester {
	ing := &model.Ingester{
		Name:         "BTCUSD",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields: []model.Field{
			{Name: "price", Type: model.TypeFloat64, Transformers: transformers},
		},
	}
	ing.ApplyDefaults()
	return ing
}

func TestTickPipelinePersistsSnapshotsAndPublishes(t *testing.T) {
	reg := newTestRegistry(t)
	db := newFakeAdapter()
	o := newTestOrchestrator(t, reg, db)

	ctx := context.Background()
	sub := reg.PSubscribe(ctx, "*")
	defer sub.Close()
	// Give miniredis a beat to register the pattern subscription.
	time.Sleep(50 * time.Millisecond)

	ing := priceIngester("{self} * 1.0")
	tick := o.runTick(func(_ context.Context, ing *model.Ingester) error {
		ing.FieldByName("price").Value = 40000.0
		return nil
	})
	if err := tick(ctx, ing); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if db.insertCount() != 1 {
		t.Fatalf("inserts = %d, want 1", db.insertCount())
	}
	row := db.inserts[0]
	if row["price"] != 40000.0 {
		t.Errorf("stored price = %v", row["price"])
	}
	ts, ok := row[model.TimestampField].(time.Time)
	if !ok {
		t.Fatalf("ts column = %T", row[model.TimestampField])
	}
	if ts.Unix()%300 != 0 {
		t.Errorf("ts %v is not aligned to the m5 bucket", ts)
	}

	snap, err := reg.Snapshot(ctx, "BTCUSD")
	if err != nil {
		t.Fatal(err)
	}
	if snap["price"] != 40000.0 {
		t.Errorf("snapshot price = %v", snap["price"])
	}

	select {
	case delta := <-sub.Deltas():
		if delta.Topic != "BTCUSD" {
			t.Errorf("delta topic = %q", delta.Topic)
		}
		if delta.Data["price"] != 40000.0 {
			t.Errorf("delta price = %v", delta.Data["price"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delta published")
	}

	if !ing.LastIngested.Equal(ts) {
		t.Errorf("last_ingested = %v, want %v", ing.LastIngested, ts)
	}
}

func TestTickSurvivesTransformFailure(t *testing.T) {
	reg := newTestRegistry(t)
	db := newFakeAdapter()
	o := newTestOrchestrator(t, reg, db)

	ing := priceIngester("{self} +")
	tick := o.runTick(func(_ context.Context, ing *model.Ingester) error {
		ing.FieldByName("price").Value = 40000.0
		return nil
	})
	if err := tick(context.Background(), ing); err != nil {
		t.Fatalf("tick must survive a transform failure, got %v", err)
	}
	if db.insertCount() != 1 {
		t.Fatalf("inserts = %d", db.insertCount())
	}
	if db.inserts[0]["price"] != 40000.0 {
		t.Errorf("field must keep its raw value, got %v", db.inserts[0]["price"])
	}
}

func TestUpdateTickRequiresUID(t *testing.T) {
	reg := newTestRegistry(t)
	o := newTestOrchestrator(t, reg, newFakeAdapter())

	ing := &model.Ingester{
		Name:         "listings",
		ResourceType: model.ResourceUpdate,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields:       []model.Field{{Name: "title", Type: model.TypeString}},
	}
	ing.ApplyDefaults()

	tick := o.runTick(func(context.Context, *model.Ingester) error { return nil })
	if err := tick(context.Background(), ing); err == nil {
		t.Fatal("update tick without uid must fail")
	}
}

func TestApplyConfigReconciles(t *testing.T) {
	reg := newTestRegistry(t)
	db := newFakeAdapter()
	o := newTestOrchestrator(t, reg, db)
	ctx := context.Background()

	a := priceIngester()
	b := &model.Ingester{
		Name:         "ETHUSD",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields:       []model.Field{{Name: "price", Type: model.TypeFloat64}},
	}
	b.ApplyDefaults()

	if err := o.ApplyConfig(ctx, []*model.Ingester{a, b}); err != nil {
		t.Fatal(err)
	}
	if len(o.Resources()) != 2 {
		t.Fatalf("resources = %d", len(o.Resources()))
	}
	if schema, _ := reg.RegisteredIngester(ctx, "BTCUSD"); schema == nil {
		t.Error("BTCUSD schema not registered")
	}

	if err := o.ApplyConfig(ctx, []*model.Ingester{a}); err != nil {
		t.Fatal(err)
	}
	if got := o.Resources(); len(got) != 1 || got[0].Name != "BTCUSD" {
		t.Fatalf("resources after removal = %v", got)
	}
	if schema, _ := reg.RegisteredIngester(ctx, "ETHUSD"); schema != nil {
		t.Error("ETHUSD schema should be unregistered")
	}
}

func TestApplyConfigSkipsUnsupportedTypes(t *testing.T) {
	reg := newTestRegistry(t)
	o := newTestOrchestrator(t, reg, newFakeAdapter())

	chain := &model.Ingester{
		Name:         "onchain",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeEVMCaller,
		Interval:     "m5",
		Fields:       []model.Field{{Name: "supply", Type: model.TypeFloat64}},
	}
	chain.ApplyDefaults()

	if err := o.ApplyConfig(context.Background(), []*model.Ingester{chain}); err != nil {
		t.Fatalf("unsupported types are skipped, not fatal: %v", err)
	}
	if len(o.Resources()) != 0 {
		t.Error("unsupported ingester must not be scheduled")
	}
}

func TestApplyConfigInheritsProcessorTypes(t *testing.T) {
	reg := newTestRegistry(t)
	db := newFakeAdapter()
	o := newTestOrchestrator(t, reg, db)
	ctx := context.Background()

	dep := &model.Ingester{
		Name:         "BTCUSD",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields:       []model.Field{{Name: "pair", Type: model.TypeString}},
	}
	dep.ApplyDefaults()
	if err := reg.RegisterIngester(ctx, dep, model.ScopeAll); err != nil {
		t.Fatal(err)
	}

	// The mirror field omits its type; default expansion fills float64.
	mirror := &model.Ingester{
		Name:         "mirror",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeProcessor,
		Interval:     "m5",
		Fields:       []model.Field{{Name: "pair", Selector: "BTCUSD.pair"}},
	}
	mirror.ApplyDefaults()

	if err := o.ApplyConfig(ctx, []*model.Ingester{mirror}); err != nil {
		t.Fatal(err)
	}
	// No tick has run: the type must already come from the registered
	// dependency schema, so the created column matches it.
	if typ := o.Resource("mirror").FieldByName("pair").Type; typ != model.TypeString {
		t.Errorf("column type = %s, want string inherited from BTCUSD", typ)
	}
}

func TestUserStoreRoundTrip(t *testing.T) {
	db := newFakeAdapter()
	users := NewUserStore(db)
	ctx := context.Background()

	if _, err := users.GetUser(ctx, "feedfacefeedface"); err == nil {
		t.Fatal("missing user must error")
	}

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	in := &model.User{
		UID:           "feedfacefeedface",
		Status:        model.StatusPublic,
		Caps:          model.DefaultPublicCaps,
		Address:       "0xabc",
		TotalRequests: 7,
		SessionToken:  "tok",
		SessionExpiry: now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := users.SaveUser(ctx, in); err != nil {
		t.Fatal(err)
	}
	// Upsert twice: second write must leave one row with the same data.
	if err := users.SaveUser(ctx, in); err != nil {
		t.Fatal(err)
	}

	out, err := users.GetUser(ctx, in.UID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.StatusPublic || out.Address != "0xabc" {
		t.Errorf("round trip: %+v", out)
	}
	if out.Caps != model.DefaultPublicCaps {
		t.Errorf("caps round trip: %+v", out.Caps)
	}
	if out.TotalRequests != 7 || out.SessionToken != "tok" {
		t.Errorf("counters round trip: %+v", out)
	}
	if !out.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v", out.CreatedAt)
	}
}
