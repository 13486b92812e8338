// Package ingester provides the tick bodies the scheduler runs: an HTTP
// poller, a WebSocket stream consumer, and a post-processor over other
// ingesters' snapshots. Bodies populate field values; transformation and
// persistence happen downstream.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/theory/jsonpath"

	"graze/internal/model"
)

// ErrUnsupportedType marks ingester types without a body implementation
// (the chain callers plug in externally).
var ErrUnsupportedType = errors.New("unsupported ingester type")

// Body fetches one tick's raw values into the ingester's fields.
type Body func(ctx context.Context, ing *model.Ingester) error

// SnapshotSource reads other ingesters' live values. The registry
// satisfies it.
type SnapshotSource interface {
	SnapshotBatch(ctx context.Context, names []string) (map[string]map[string]any, error)
}

// SchemaSource resolves registered ingester schemas. The registry
// satisfies it.
type SchemaSource interface {
	RegisteredIngester(ctx context.Context, name string) (map[string]any, error)
}

// Deps carries the collaborators bodies need. BaseCtx bounds long-lived
// streams (ws_api connections) independently of per-tick deadlines.
type Deps struct {
	Snapshots SnapshotSource
	Schemas   SchemaSource
	BaseCtx   context.Context
	Logger    *slog.Logger
}

// New builds the body for an ingester. Factories validate configuration
// and compile selectors but perform no I/O.
func New(deps Deps, ing *model.Ingester) (Body, error) {
	if deps.BaseCtx == nil {
		deps.BaseCtx = context.Background()
	}
	switch ing.IngesterType {
	case model.TypeHTTPAPI:
		return newHTTPAPI(deps, ing)
	case model.TypeWSAPI:
		return newWSAPI(deps, ing)
	case model.TypeProcessor:
		return newProcessor(deps, ing)
	case model.TypeEVMCaller, model.TypeEVMLogger, model.TypeSolanaCaller, model.TypeSuiCaller:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ing.IngesterType)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ing.IngesterType)
	}
}

// compileSelector parses a field selector as an RFC 9535 JSONPath. Bare
// dot paths ("data.price") are accepted as shorthand for "$.data.price".
func compileSelector(selector string) (*jsonpath.Path, error) {
	path := selector
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	p, err := jsonpath.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", selector, err)
	}
	return p, nil
}

// selectValue applies a compiled selector to a decoded JSON document.
// A nil selector returns the document itself; no match returns nil.
func selectValue(p *jsonpath.Path, doc any) any {
	if p == nil {
		return doc
	}
	nodes := p.Select(doc)
	switch len(nodes) {
	case 0:
		return nil
	case 1:
		return nodes[0]
	default:
		return []any(nodes)
	}
}

// splitFieldRef splits an "Ingester.field" reference on the last dot so
// dotted ingester names (sys.users) resolve correctly.
func splitFieldRef(ref string) (name, field string, ok bool) {
	idx := strings.LastIndexByte(ref, '.')
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}

func warnMissing(logger *slog.Logger, ing *model.Ingester, missing []string) {
	if len(missing) > 0 {
		logger.Warn("missing field values", "ingester", ing.Name,
			"fields", strings.Join(missing, ","))
	}
}
