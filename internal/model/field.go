package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Field is a typed, named column of one ingester.
//
// Target, Selector, Params and Transformers default to the owning
// ingester's values when empty (see Ingester.ApplyDefaults). Value is the
// mutable per-tick payload; it is only ever written by the owning
// scheduler tick.
type Field struct {
	Name         string
	Type         FieldType
	Target       string
	Selector     string
	Params       []any
	Transformers []string
	Tags         []string

	// Transient fields participate in transformation but are excluded
	// from persistence.
	Transient bool

	// TypeDefaulted marks a Type that ApplyDefaults filled in because
	// the config omitted it. Processor schema inheritance may still
	// replace it. Excluded from Signature: it is derived state.
	TypeDefaulted bool

	// Value holds the current tick's payload.
	Value any
}

// Signature is the stable identity string hashed into ID. It covers every
// attribute that changes what the field measures; mutable state (Value,
// Tags) is excluded.
func (f *Field) Signature() string {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = fmt.Sprint(p)
	}
	transformers := "raw"
	if len(f.Transformers) > 0 {
		transformers = strings.Join(f.Transformers, ",")
	}
	return fmt.Sprintf("%s-%s-%s-%s-[%s]-[%s]",
		f.Name, f.Type, f.Target, f.Selector,
		strings.Join(params, ","), transformers)
}

// ID is the md5 hex digest of the field signature.
func (f *Field) ID() string {
	sum := md5.Sum([]byte(f.Signature()))
	return hex.EncodeToString(sum[:])
}
