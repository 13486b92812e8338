package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Reserved field names injected by the engine. They are never transformed
// and never inherited.
const (
	TimestampField = "ts"
	UIDField       = "uid"
)

// Ingester is an aggregate over fields: one configured data source that
// emits a row (timeseries) or a keyed record (update) per interval tick.
//
// The shared Target/Selector/Params/Transformers act as defaults inherited
// by fields that omit them. LastIngested is mutated only by the owning
// scheduler tick; cross-instance exclusion is enforced by the claim lock,
// not by this type.
type Ingester struct {
	Name         string
	ResourceType ResourceType
	IngesterType IngesterType
	Interval     Interval

	Target       string
	Selector     string
	Params       []any
	Transformers []string
	Tags         []string

	Fields []Field

	// Protected gates the resource behind authorization: non-admin
	// principals cannot read its schema, snapshots or topic.
	Protected bool

	// Probability in (0,1] lets sparse ingesters skip a share of their
	// ticks after a successful claim. 0 means 1.0.
	Probability float64

	LastIngested time.Time
}

// ApplyDefaults propagates ingester-level defaults into fields and injects
// the synthetic columns required by the resource type: a leading "ts"
// timestamp for timeseries resources and a "uid" primary key for update
// resources.
func (ing *Ingester) ApplyDefaults() {
	for i := range ing.Fields {
		f := &ing.Fields[i]
		switch {
		case f.Target == "":
			f.Target = ing.Target
		case !strings.HasPrefix(f.Target, "http") && ing.Target != "":
			// Relative targets are appended to the ingester's base target.
			f.Target = ing.Target + f.Target
		}
		if f.Selector == "" {
			f.Selector = ing.Selector
		}
		if len(f.Params) == 0 {
			f.Params = ing.Params
		}
		if len(f.Transformers) == 0 && len(ing.Transformers) > 0 {
			f.Transformers = append([]string(nil), ing.Transformers...)
		}
		if len(f.Tags) == 0 && len(ing.Tags) > 0 {
			f.Tags = append([]string(nil), ing.Tags...)
		}
		if f.Type == "" {
			f.Type = TypeFloat64
			f.TypeDefaulted = true
		}
	}

	switch ing.ResourceType {
	case ResourceTimeSeries:
		if ing.FieldByName(TimestampField) == nil {
			ing.Fields = append([]Field{{Name: TimestampField, Type: TypeTimestamp}}, ing.Fields...)
		}
	case ResourceUpdate:
		if ing.FieldByName(UIDField) == nil {
			ing.Fields = append([]Field{{Name: UIDField, Type: TypeString}}, ing.Fields...)
		}
	}
}

// Validate checks the structural invariants: unique field names, known
// interval and field types.
func (ing *Ingester) Validate() error {
	if ing.Name == "" {
		return fmt.Errorf("ingester has no name")
	}
	if !ing.Interval.Valid() {
		return fmt.Errorf("ingester %s: unknown interval %q", ing.Name, ing.Interval)
	}
	seen := make(map[string]bool, len(ing.Fields))
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("ingester %s: field %d has no name", ing.Name, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("ingester %s: duplicate field %q", ing.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return fmt.Errorf("ingester %s: field %s has unknown type %q", ing.Name, f.Name, f.Type)
		}
	}
	return nil
}

// Signature is the stable identity string hashed into ID.
func (ing *Ingester) Signature() string {
	parts := make([]string, 0, len(ing.Fields)+1)
	parts = append(parts, fmt.Sprintf("%s-%s-%s-%s",
		ing.Name, ing.ResourceType, ing.Interval, ing.IngesterType))
	for i := range ing.Fields {
		parts = append(parts, ing.Fields[i].ID())
	}
	return strings.Join(parts, "-")
}

// ID is the md5 hex digest of the ingester signature.
func (ing *Ingester) ID() string {
	sum := md5.Sum([]byte(ing.Signature()))
	return hex.EncodeToString(sum[:])
}

// FieldByName returns the named field, or nil.
func (ing *Ingester) FieldByName(name string) *Field {
	for i := range ing.Fields {
		if ing.Fields[i].Name == name {
			return &ing.Fields[i]
		}
	}
	return nil
}

// PersistentFields returns non-transient fields in declaration order.
func (ing *Ingester) PersistentFields() []*Field {
	out := make([]*Field, 0, len(ing.Fields))
	for i := range ing.Fields {
		if !ing.Fields[i].Transient {
			out = append(out, &ing.Fields[i])
		}
	}
	return out
}

// ValuesMap returns the current snapshot of non-transient field values,
// plus the ingestion date.
func (ing *Ingester) ValuesMap() map[string]any {
	m := make(map[string]any, len(ing.Fields)+1)
	for i := range ing.Fields {
		if !ing.Fields[i].Transient {
			m[ing.Fields[i].Name] = ing.Fields[i].Value
		}
	}
	if !ing.LastIngested.IsZero() {
		m["date"] = ing.LastIngested.UTC()
	}
	return m
}

// Dependencies lists the names of other ingesters referenced from field
// transformers via {Ingester.field} placeholders. The scheduler does not
// order these; dependents read the latest cached snapshot.
func (ing *Ingester) Dependencies() []string {
	seen := map[string]bool{}
	var names []string
	for i := range ing.Fields {
		for _, t := range ing.Fields[i].Transformers {
			for _, ref := range extractPlaceholders(t) {
				if idx := strings.IndexByte(ref, '.'); idx > 0 && !strings.Contains(ref, "::") {
					name := ref[:idx]
					if name != "self" && !seen[name] {
						seen[name] = true
						names = append(names, name)
					}
				}
			}
		}
	}
	return names
}

// extractPlaceholders returns the inner text of every {...} group.
func extractPlaceholders(s string) []string {
	var out []string
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			return out
		}
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			return out
		}
		out = append(out, s[open+1:open+close])
		s = s[open+close+1:]
	}
}

// SchemaMap serializes the ingester's metadata under the given scope mask.
func (ing *Ingester) SchemaMap(scope Scope) map[string]any {
	fields := make(map[string]any, len(ing.Fields))
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Transient && scope&ScopeTransient == 0 {
			continue
		}
		fm := map[string]any{
			"type":      string(f.Type),
			"tags":      f.Tags,
			"transient": f.Transient,
		}
		if scope&ScopeTarget != 0 {
			fm["target"] = f.Target
		}
		if scope&ScopeSelector != 0 {
			fm["selector"] = f.Selector
		}
		if scope&ScopeTransformers != 0 {
			fm["transformers"] = f.Transformers
		}
		fields[f.Name] = fm
	}
	return map[string]any{
		"name":      ing.Name,
		"type":      string(ing.ResourceType),
		"ingester":  string(ing.IngesterType),
		"interval":  string(ing.Interval),
		"protected": ing.Protected,
		"fields":    fields,
	}
}
