package transform

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
	"graze/internal/transform/eval"
)

// SnapshotSource loads the live snapshot of an ingester's fields from
// the shared registry. A nil map with a nil error means no snapshot yet.
type SnapshotSource interface {
	Snapshot(ctx context.Context, name string) (map[string]any, error)
}

// SeriesSource loads one numeric column of an ingester's table over a
// time window, oldest first.
type SeriesSource interface {
	FetchColumn(ctx context.Context, ing *model.Ingester, column string, from, to time.Time) ([]float64, error)
}

// Engine applies transformer chains to ingester fields after the body
// has populated raw values.
type Engine struct {
	snapshots SnapshotSource
	series    SeriesSource
	logger    *slog.Logger
}

func New(snapshots SnapshotSource, series SeriesSource, logger *slog.Logger) *Engine {
	return &Engine{
		snapshots: snapshots,
		series:    series,
		logger:    logging.Default(logger),
	}
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// seriesRe matches "target::fn(lookback)" inside a placeholder.
var seriesRe = regexp.MustCompile(`^([A-Za-z0-9_.]+)::([a-z]+)\(([A-Za-z0-9]+)\)$`)

// refCache memoizes cross-ingester snapshot fetches for the duration of
// one Apply call.
type refCache struct {
	src   SnapshotSource
	snaps map[string]map[string]any
}

func (c *refCache) snapshot(ctx context.Context, name string) (map[string]any, error) {
	if snap, ok := c.snaps[name]; ok {
		return snap, nil
	}
	snap, err := c.src.Snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	c.snaps[name] = snap
	return snap, nil
}

// Apply runs every field's transformer chain in declaration order.
// A failing transformer is localized to its field: the field keeps the
// value it had, the error is logged, and the remaining fields still
// run. Apply returns the first field error for callers that care.
func (e *Engine) Apply(ctx context.Context, ing *model.Ingester, now time.Time) error {
	cache := &refCache{src: e.snapshots, snaps: make(map[string]map[string]any)}

	// Siblings not yet transformed this tick resolve against the
	// previous tick's snapshot.
	prior, err := e.snapshots.Snapshot(ctx, ing.Name)
	if err != nil {
		e.logger.Warn("prior snapshot unavailable", "ingester", ing.Name, "error", err)
		prior = nil
	}

	done := make(map[string]any, len(ing.Fields))
	var firstErr error
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if len(f.Transformers) == 0 {
			done[f.Name] = f.Value
			continue
		}
		v, err := e.applyChain(ctx, ing, f, done, prior, now, cache)
		if err != nil {
			err = fmt.Errorf("%w: %s.%s: %v", apperr.ErrTransform, ing.Name, f.Name, err)
			e.logger.Warn("transformer failed, field keeps prior value",
				"ingester", ing.Name, "field", f.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			done[f.Name] = f.Value
			continue
		}
		f.Value = v
		done[f.Name] = v
	}
	return firstErr
}

func (e *Engine) applyChain(ctx context.Context, ing *model.Ingester, f *model.Field, done, prior map[string]any, now time.Time, cache *refCache) (any, error) {
	cur := f.Value
	for _, t := range f.Transformers {
		v, err := e.applyOne(ctx, ing, f, strings.TrimSpace(t), cur, done, prior, now, cache)
		if err != nil {
			return nil, fmt.Errorf("transformer %q: %w", t, err)
		}
		cur = v
	}
	return cur, nil
}

func (e *Engine) applyOne(ctx context.Context, ing *model.Ingester, f *model.Field, t string, cur any, done, prior map[string]any, now time.Time, cache *refCache) (any, error) {
	if !strings.ContainsAny(t, "{} ()") {
		if bt, ok := Base(t); ok {
			return bt(cur)
		}
		if v, err := strconv.ParseFloat(t, 64); err == nil {
			return v, nil
		}
	}

	ns := &eval.Namespace{Vars: make(map[string]any), Funcs: evalFuncs()}
	expr, err := e.resolvePlaceholders(ctx, ing, f, t, cur, done, prior, now, cache, ns)
	if err != nil {
		return nil, err
	}
	return eval.Eval(expr, ns)
}

// resolvePlaceholders rewrites each {...} reference into a generated
// identifier bound in ns.Vars. Binding values instead of splicing text
// keeps strings and sub-documents intact inside the expression.
func (e *Engine) resolvePlaceholders(ctx context.Context, ing *model.Ingester, f *model.Field, t string, cur any, done, prior map[string]any, now time.Time, cache *refCache, ns *eval.Namespace) (string, error) {
	var firstErr error
	bind := func(v any) string {
		id := fmt.Sprintf("__ref%d__", len(ns.Vars))
		ns.Vars[id] = v
		return id
	}

	expr := placeholderRe.ReplaceAllStringFunc(t, func(m string) string {
		if firstErr != nil {
			return m
		}
		ref := strings.TrimSpace(m[1 : len(m)-1])

		v, err := e.resolveRef(ctx, ing, f, ref, cur, done, prior, now, cache)
		if err != nil {
			firstErr = err
			return m
		}
		return bind(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return expr, nil
}

func (e *Engine) resolveRef(ctx context.Context, ing *model.Ingester, f *model.Field, ref string, cur any, done, prior map[string]any, now time.Time, cache *refCache) (any, error) {
	switch {
	case strings.Contains(ref, "::"):
		return e.resolveSeries(ctx, ing, f, ref, now)

	case ref == "self":
		return cur, nil

	case strings.Contains(ref, "."):
		// {Ingester.field}; ingester names may themselves contain
		// dots, the last segment is the field.
		cut := strings.LastIndex(ref, ".")
		name, field := ref[:cut], ref[cut+1:]
		snap, err := cache.snapshot(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", name, err)
		}
		v, ok := snap[field]
		if !ok {
			return nil, fmt.Errorf("no cached value for %s.%s", name, field)
		}
		return v, nil

	default:
		if v, ok := done[ref]; ok {
			return v, nil
		}
		if v, ok := prior[ref]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("unknown field reference %q", ref)
	}
}

// resolveSeries handles {target::fn(lookback)}: loads the target
// column over [now - lookback, now] and reduces it with fn.
func (e *Engine) resolveSeries(ctx context.Context, ing *model.Ingester, f *model.Field, ref string, now time.Time) (any, error) {
	m := seriesRe.FindStringSubmatch(ref)
	if m == nil {
		return nil, fmt.Errorf("malformed series reference %q", ref)
	}
	target, fn, lookback := m[1], m[2], m[3]

	agg, ok := Series(fn)
	if !ok {
		return nil, fmt.Errorf("unknown series aggregator %q", fn)
	}
	dur, err := model.Interval(lookback).Duration()
	if err != nil {
		return nil, fmt.Errorf("lookback: %w", err)
	}

	column := target
	if target == "self" {
		column = f.Name
	}
	if e.series == nil {
		return nil, fmt.Errorf("no series source configured")
	}
	values, err := e.series.FetchColumn(ctx, ing, column, now.Add(-dur), now)
	if err != nil {
		return nil, fmt.Errorf("fetch %s.%s: %w", ing.Name, column, err)
	}
	return agg(values)
}
