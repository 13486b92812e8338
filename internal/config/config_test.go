package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"graze/internal/apperr"
	"graze/internal/model"
)

const sampleConfig = `
http_api:
  - name: BTCUSD
    interval: m5
    target: https://api.example.com/ticker
    fields:
      - name: price
        selector: data.price
      - name: note
        type: string
        transient: true
        transformers: ["lower"]
ws_api:
  - name: feed.trades
    interval: s5
    fields:
      - name: qty
        target: wss://stream.example.com/trades
        selector: q
processor:
  - name: ratio
    resource_type: timeseries
    interval: m5
    probability: 0.5
    protected: true
    fields:
      - name: btc
        selector: BTCUSD.price
      - name: spread
        transformers: ["{btc} - 1"]
`

func TestParseBuildsAllSections(t *testing.T) {
	ingesters, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if len(ingesters) != 3 {
		t.Fatalf("ingesters = %d", len(ingesters))
	}

	byName := make(map[string]*model.Ingester)
	for _, ing := range ingesters {
		byName[ing.Name] = ing
	}

	btc := byName["BTCUSD"]
	if btc.IngesterType != model.TypeHTTPAPI || btc.ResourceType != model.ResourceTimeSeries {
		t.Errorf("BTCUSD = %s/%s", btc.IngesterType, btc.ResourceType)
	}
	// Defaults applied: synthetic ts column, inherited target, float64.
	if btc.Fields[0].Name != model.TimestampField {
		t.Errorf("first field = %s", btc.Fields[0].Name)
	}
	price := btc.FieldByName("price")
	if price.Target != "https://api.example.com/ticker" {
		t.Errorf("price target = %q", price.Target)
	}
	if price.Type != model.TypeFloat64 {
		t.Errorf("price type = %s", price.Type)
	}
	if !btc.FieldByName("note").Transient {
		t.Error("note must stay transient")
	}

	ratio := byName["ratio"]
	if ratio.IngesterType != model.TypeProcessor || !ratio.Protected || ratio.Probability != 0.5 {
		t.Errorf("ratio = %+v", ratio)
	}

	if feed := byName["feed.trades"]; feed.Interval != "s5" {
		t.Errorf("feed interval = %s", feed.Interval)
	}
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	doc := `
http_api:
  - name: X
    interval: m5
    fields: [{name: a}]
processor:
  - name: X
    interval: m5
    fields: [{name: b}]
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("duplicate names: %v", err)
	}
}

func TestParseRejectsBadInterval(t *testing.T) {
	doc := `
http_api:
  - name: X
    interval: q7
    fields: [{name: a}]
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("bad interval: %v", err)
	}
}

func TestParseRejectsBadResourceType(t *testing.T) {
	doc := `
http_api:
  - name: X
    resource_type: blob
    interval: m5
    fields: [{name: a}]
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("bad resource type: %v", err)
	}
}

func TestParseRejectsBadProbability(t *testing.T) {
	doc := `
http_api:
  - name: X
    interval: m5
    probability: 1.5
    fields: [{name: a}]
`
	if _, err := Parse([]byte(doc)); !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("bad probability: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingesters.yml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	var loads [][]*model.Ingester
	err := Watch(ctx, path, nil, func(ingesters []*model.Ingester) {
		mu.Lock()
		loads = append(loads, ingesters)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	if len(loads) != 1 || len(loads[0]) != 3 {
		mu.Unlock()
		t.Fatalf("initial load = %v", loads)
	}
	mu.Unlock()

	// Shrink the config; the watcher should pick it up.
	updated := `
http_api:
  - name: BTCUSD
    interval: m1
    fields: [{name: price, selector: data.price}]
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(loads)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never reloaded")
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	last := loads[len(loads)-1]
	mu.Unlock()
	if len(last) != 1 || last[0].Interval != "m1" {
		t.Fatalf("reloaded config = %v", last)
	}
}

func TestWatchKeepsPreviousConfigOnInvalidWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingesters.yml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	loads := 0
	err := Watch(ctx, path, nil, func([]*model.Ingester) {
		mu.Lock()
		loads++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("http_api: [{name: X, interval: q7, fields: [{name: a}]}]"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Give the watcher time to see and reject the write.
	time.Sleep(time.Second)
	mu.Lock()
	defer mu.Unlock()
	if loads != 1 {
		t.Fatalf("loads = %d, invalid config must not reach onChange", loads)
	}
}
