package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/theory/jsonpath"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

const (
	wsDialTimeout   = 10 * time.Second
	wsMaxRetries    = 5
	wsRetryCooldown = 2500 * time.Millisecond
)

// wsAPI consumes long-lived WebSocket streams. One connection per
// distinct target runs in the background; each tick copies the latest
// observed value of every field into the ingester.
type wsAPI struct {
	baseCtx   context.Context
	logger    *slog.Logger
	streams   []*wsStream
	startOnce sync.Once

	mu     sync.Mutex
	latest map[string]any
}

type wsStream struct {
	url    string
	params []any
	fields []wsField
}

type wsField struct {
	name     string
	selector *jsonpath.Path
}

func newWSAPI(deps Deps, ing *model.Ingester) (Body, error) {
	w := &wsAPI{
		baseCtx: deps.BaseCtx,
		logger:  logging.Default(deps.Logger).With("component", "ingester", "type", "ws_api", "ingester", ing.Name),
		latest:  make(map[string]any),
	}

	byURL := make(map[string]*wsStream)
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Target == "" {
			continue
		}
		var p *jsonpath.Path
		if f.Selector != "" {
			var err error
			if p, err = compileSelector(f.Selector); err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", apperr.ErrConfig, ing.Name, f.Name, err)
			}
		}
		stream, ok := byURL[f.Target]
		if !ok {
			stream = &wsStream{url: f.Target, params: f.Params}
			byURL[f.Target] = stream
			w.streams = append(w.streams, stream)
		}
		stream.fields = append(stream.fields, wsField{name: f.Name, selector: p})
	}
	if len(w.streams) == 0 {
		return nil, fmt.Errorf("%w: ws_api ingester %s has no field targets", apperr.ErrConfig, ing.Name)
	}
	return w.run, nil
}

// run starts the streams on first invocation, then snapshots the latest
// values into the fields.
func (w *wsAPI) run(_ context.Context, ing *model.Ingester) error {
	w.startOnce.Do(func() {
		for _, stream := range w.streams {
			go w.consume(w.baseCtx, stream)
		}
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	var missing []string
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Target == "" {
			continue
		}
		val, ok := w.latest[f.Name]
		if !ok {
			missing = append(missing, f.Name)
			continue
		}
		f.Value = val
	}
	warnMissing(w.logger, ing, missing)
	return nil
}

// consume dials the stream and pumps messages until the base context is
// cancelled, reconnecting with a linear cooldown up to wsMaxRetries
// consecutive failures.
func (w *wsAPI) consume(ctx context.Context, stream *wsStream) {
	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := w.pump(ctx, stream)
		if ctx.Err() != nil {
			return
		}
		retries++
		if retries > wsMaxRetries {
			w.logger.Error("stream gave up", "url", stream.url, "error", err)
			return
		}
		w.logger.Warn("stream reconnecting", "url", stream.url,
			"retry", retries, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsRetryCooldown * time.Duration(retries)):
		}
	}
}

func (w *wsAPI) pump(ctx context.Context, stream *wsStream) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, stream.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", apperr.ErrTransientBackend, stream.url, err)
	}
	defer conn.Close()

	// Close the socket when the base context ends so ReadMessage
	// unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if len(stream.params) > 0 {
		if err := conn.WriteJSON(stream.params); err != nil {
			return fmt.Errorf("%w: subscribe %s: %v", apperr.ErrTransientBackend, stream.url, err)
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", apperr.ErrTransientBackend, stream.url, err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			w.logger.Warn("discarding non-JSON frame", "url", stream.url, "error", err)
			continue
		}
		w.mu.Lock()
		for _, f := range stream.fields {
			if val := selectValue(f.selector, doc); val != nil {
				w.latest[f.name] = val
			}
		}
		w.mu.Unlock()
	}
}
