package ingester

import (
	"context"
	"fmt"
	"log/slog"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

// processor recomputes fields from other ingesters' snapshots. Fields
// with an "Ingester.field" selector copy the referenced value; fields
// without a selector are produced by their transformers downstream.
type processor struct {
	snapshots SnapshotSource
	schemas   SchemaSource
	logger    *slog.Logger
	deps      []string
}

func newProcessor(deps Deps, ing *model.Ingester) (Body, error) {
	if deps.Snapshots == nil {
		return nil, fmt.Errorf("%w: processor %s needs a snapshot source", apperr.ErrConfig, ing.Name)
	}
	p := &processor{
		snapshots: deps.Snapshots,
		schemas:   deps.Schemas,
		logger:    logging.Default(deps.Logger).With("component", "ingester", "type", "processor"),
		deps:      dependencyNames(ing),
	}
	return p.run, nil
}

// dependencyNames unions transformer references with selector
// references.
func dependencyNames(ing *model.Ingester) []string {
	seen := make(map[string]bool)
	names := ing.Dependencies()
	for _, n := range names {
		seen[n] = true
	}
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Target != "" || f.Selector == "" {
			continue
		}
		if name, _, ok := splitFieldRef(f.Selector); ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func (p *processor) run(ctx context.Context, ing *model.Ingester) error {
	if len(p.deps) == 0 {
		return nil
	}
	snaps, err := p.snapshots.SnapshotBatch(ctx, p.deps)
	if err != nil {
		return fmt.Errorf("load dependencies for %s: %w", ing.Name, err)
	}

	empty := true
	for _, snap := range snaps {
		if len(snap) > 0 {
			empty = false
			break
		}
	}
	if empty {
		p.logger.Warn("no dependency data available", "ingester", ing.Name)
	}

	InheritFieldTypes(ctx, p.schemas, p.logger, ing)

	var missing []string
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Target != "" || f.Selector == "" {
			continue
		}
		name, fieldName, ok := splitFieldRef(f.Selector)
		if !ok {
			continue
		}
		snap := snaps[name]
		val, found := snap[fieldName]
		if !found || val == nil {
			missing = append(missing, f.Name)
			continue
		}
		f.Value = val
	}
	warnMissing(p.logger, ing, missing)
	return nil
}

// InheritFieldTypes fills omitted or default-expanded field types from
// the registered schema of the referenced dependency, so processor
// configs can stay sparse. The orchestrator runs it before table
// creation; the processor body repeats it each tick to catch
// dependencies registered later.
func InheritFieldTypes(ctx context.Context, schemas SchemaSource, logger *slog.Logger, ing *model.Ingester) {
	if schemas == nil {
		return
	}
	log := logging.Default(logger)
	schemaCache := make(map[string]map[string]any)
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Selector == "" || (f.Type != "" && !f.TypeDefaulted) {
			continue
		}
		depName, fieldName, ok := splitFieldRef(f.Selector)
		if !ok {
			continue
		}
		schema, cached := schemaCache[depName]
		if !cached {
			var err error
			schema, err = schemas.RegisteredIngester(ctx, depName)
			if err != nil {
				log.Warn("missing dependency schema", "ingester", ing.Name, "dependency", depName)
				schemaCache[depName] = nil
				continue
			}
			schemaCache[depName] = schema
		}
		if schema == nil {
			continue
		}
		fields, _ := schema["fields"].(map[string]any)
		depField, _ := fields[fieldName].(map[string]any)
		if typ, _ := depField["type"].(string); typ != "" {
			f.Type = model.FieldType(typ)
			f.TypeDefaulted = false
		}
	}
}
