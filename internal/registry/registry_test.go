package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"graze/internal/apperr"
	"graze/internal/model"
)

func newTestRegistry(t *testing.T, uid string) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "graze", uid, nil), mr
}

func TestClaimTickIsExclusive(t *testing.T) {
	ctx := context.Background()
	a, mr := newTestRegistry(t, "aaaa")
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "graze", "bbbb", nil)

	bucket := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	ok, err := a.ClaimTick(ctx, "ing1", bucket, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = b.ClaimTick(ctx, "ing1", bucket, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim on the same bucket must fail")
	}

	owner, err := a.ClaimOwner(ctx, "ing1", bucket)
	if err != nil || owner != "aaaa" {
		t.Errorf("owner = %q, err=%v", owner, err)
	}

	// A different bucket claims independently.
	ok, err = b.ClaimTick(ctx, "ing1", bucket.Add(5*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Errorf("next bucket claim: ok=%v err=%v", ok, err)
	}
}

func TestReleaseClaimOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	a, mr := newTestRegistry(t, "aaaa")
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "graze", "bbbb", nil)

	bucket := time.Unix(1700000000, 0)
	if ok, _ := a.ClaimTick(ctx, "ing1", bucket, time.Minute); !ok {
		t.Fatal("claim failed")
	}

	if err := b.ReleaseClaim(ctx, "ing1", bucket); err != nil {
		t.Fatal(err)
	}
	if owner, _ := a.ClaimOwner(ctx, "ing1", bucket); owner != "aaaa" {
		t.Error("non-owner release must not free the claim")
	}

	if err := a.ReleaseClaim(ctx, "ing1", bucket); err != nil {
		t.Fatal(err)
	}
	if owner, _ := a.ClaimOwner(ctx, "ing1", bucket); owner != "" {
		t.Error("owner release must free the claim")
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	if snap, err := r.Snapshot(ctx, "BTCUSD"); err != nil || snap != nil {
		t.Fatalf("missing snapshot: %v, %v", snap, err)
	}

	in := map[string]any{"price": 40000.0, "sym": "btc"}
	if err := r.SetSnapshot(ctx, "BTCUSD", in); err != nil {
		t.Fatal(err)
	}
	snap, err := r.Snapshot(ctx, "BTCUSD")
	if err != nil {
		t.Fatal(err)
	}
	if snap["price"] != 40000.0 || snap["sym"] != "btc" {
		t.Errorf("snapshot = %#v", snap)
	}
}

func TestSnapshotBatch(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	_ = r.SetSnapshot(ctx, "A", map[string]any{"v": 1.0})
	_ = r.SetSnapshot(ctx, "B", map[string]any{"v": 2.0})

	out, err := r.SnapshotBatch(ctx, []string{"A", "B", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if out["A"]["v"] != 1.0 || out["B"]["v"] != 2.0 {
		t.Errorf("batch = %#v", out)
	}
	if out["missing"] != nil {
		t.Error("missing resource must map to nil")
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	sub := r.PSubscribe(ctx, "*")
	defer sub.Close()

	// PSUBSCRIBE registration races with PUBLISH; retry briefly.
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := r.Publish(ctx, "BTCUSD", map[string]any{"price": 40000.0}); err != nil {
				t.Fatal(err)
			}
		case d := <-sub.Deltas():
			if d.Topic != "BTCUSD" {
				t.Fatalf("topic = %q", d.Topic)
			}
			if d.Data["price"] != 40000.0 {
				t.Fatalf("data = %#v", d.Data)
			}
			return
		case <-deadline:
			t.Fatal("no delta received")
		}
	}
}

func TestSubscriptionCloseUnblocksPump(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	sub := r.PSubscribe(ctx, "*")

	// Overrun the delivery buffer with nobody reading, then close. The
	// pump must exit rather than sit blocked on the send forever, which
	// shows up as Deltas never closing.
	deadline := time.After(2 * time.Second)
	for i := 0; i < 300; i++ {
		if err := r.Publish(ctx, "BTCUSD", map[string]any{"seq": float64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case _, ok := <-sub.Deltas():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("delta channel did not close after Close")
		}
	}
}

func TestRegistryLock(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	if err := r.AcquireRegistryLock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.ReleaseRegistryLock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.AcquireRegistryLock(ctx); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestIngesterRegistry(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	ing := &model.Ingester{
		Name:         "BTCUSD",
		ResourceType: model.ResourceTimeSeries,
		IngesterType: model.TypeHTTPAPI,
		Interval:     "m5",
		Fields:       []model.Field{{Name: "price", Type: model.TypeFloat64}},
	}
	ing.ApplyDefaults()

	if err := r.RegisterIngester(ctx, ing, model.ScopeDefault); err != nil {
		t.Fatal(err)
	}

	schema, err := r.RegisteredIngester(ctx, "BTCUSD")
	if err != nil {
		t.Fatal(err)
	}
	if schema == nil || schema["name"] != "BTCUSD" {
		t.Errorf("schema = %#v", schema)
	}

	all, err := r.RegisteredIngesters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all["BTCUSD"]; !ok {
		t.Errorf("global registry = %#v", all)
	}

	if err := r.UnregisterIngester(ctx, "BTCUSD"); err != nil {
		t.Fatal(err)
	}
	if schema, _ := r.RegisteredIngester(ctx, "BTCUSD"); schema != nil {
		t.Error("unregistered schema must be gone")
	}
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	var out string
	err := r.CacheGet(ctx, "greeting", &out)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing cache: %v", err)
	}

	if err := r.CacheSet(ctx, "greeting", "hello", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := r.CacheGet(ctx, "greeting", &out); err != nil || out != "hello" {
		t.Errorf("cache get = %q, %v", out, err)
	}
}

func TestHeartbeatAndInstances(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, "aaaa")

	inst := &model.Instance{UID: "aaaa", Name: "gopher"}
	if err := r.Heartbeat(ctx, inst, time.Minute); err != nil {
		t.Fatal(err)
	}

	instances, err := r.Instances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Name != "gopher" {
		t.Errorf("instances = %#v", instances)
	}
}
