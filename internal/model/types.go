// Package model defines the core data model: typed fields, ingesters,
// users and instance identity. Everything else in graze consumes these
// descriptors; nothing here performs I/O.
package model

import "strings"

// ResourceType describes how an ingester's output is persisted.
type ResourceType string

const (
	// ResourceValue is an in-place document: latest value only, no history.
	ResourceValue ResourceType = "value"
	// ResourceSeries is an increment-indexed series.
	ResourceSeries ResourceType = "series"
	// ResourceTimeSeries is a time-indexed series with a synthetic ts column.
	ResourceTimeSeries ResourceType = "timeseries"
	// ResourceUpdate is a uid-keyed table written with idempotent upserts.
	ResourceUpdate ResourceType = "update"
)

// IngesterType dispatches an ingester to its body implementation.
type IngesterType string

const (
	TypeHTTPAPI      IngesterType = "http_api"
	TypeWSAPI        IngesterType = "ws_api"
	TypeEVMCaller    IngesterType = "evm_caller"
	TypeEVMLogger    IngesterType = "evm_logger"
	TypeSolanaCaller IngesterType = "solana_caller"
	TypeSuiCaller    IngesterType = "sui_caller"
	TypeProcessor    IngesterType = "processor"
)

// IngesterTypes lists the recognized dispatch tags in config order.
var IngesterTypes = []IngesterType{
	TypeHTTPAPI, TypeWSAPI,
	TypeEVMCaller, TypeEVMLogger,
	TypeSolanaCaller, TypeSuiCaller,
	TypeProcessor,
}

// FieldType enumerates the scalar column types.
type FieldType string

const (
	TypeInt8      FieldType = "int8"
	TypeUint8     FieldType = "uint8"
	TypeInt16     FieldType = "int16"
	TypeUint16    FieldType = "uint16"
	TypeInt32     FieldType = "int32"
	TypeUint32    FieldType = "uint32"
	TypeInt64     FieldType = "int64"
	TypeUint64    FieldType = "uint64"
	TypeFloat32   FieldType = "float32"
	TypeFloat64   FieldType = "float64"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
	TypeString    FieldType = "string"
	TypeBinary    FieldType = "binary"
	TypeVarBinary FieldType = "varbinary"
)

var fieldTypes = map[FieldType]bool{
	TypeInt8: true, TypeUint8: true,
	TypeInt16: true, TypeUint16: true,
	TypeInt32: true, TypeUint32: true,
	TypeInt64: true, TypeUint64: true,
	TypeFloat32: true, TypeFloat64: true,
	TypeBool: true, TypeTimestamp: true,
	TypeString: true, TypeBinary: true, TypeVarBinary: true,
}

// Valid reports whether t is a recognized field type.
func (t FieldType) Valid() bool { return fieldTypes[t] }

// Numeric reports whether t holds numbers (timestamps excluded).
func (t FieldType) Numeric() bool {
	switch t {
	case TypeBool, TypeTimestamp, TypeString, TypeBinary, TypeVarBinary:
		return false
	}
	return t.Valid()
}

// Unsigned reports whether t is one of the unsigned integer types.
func (t FieldType) Unsigned() bool {
	return strings.HasPrefix(string(t), "uint")
}

// Scope is a bitmask controlling which field attributes are exposed in
// schema responses.
type Scope uint8

const (
	ScopeTransient Scope = 1 << iota
	ScopeTarget
	ScopeSelector
	ScopeTransformers

	ScopeAll      = ScopeTransient | ScopeTarget | ScopeSelector | ScopeTransformers
	ScopeDefault  = ScopeTarget
	ScopeDetailed = ScopeTarget | ScopeSelector | ScopeTransformers
)

// ScopeFromNames builds a mask from attribute-name flags, defaulting to
// ScopeDefault when nothing is enabled.
func ScopeFromNames(names map[string]bool) Scope {
	var mask Scope
	for name, on := range names {
		if !on {
			continue
		}
		switch strings.ToLower(name) {
		case "transient":
			mask |= ScopeTransient
		case "target":
			mask |= ScopeTarget
		case "selector":
			mask |= ScopeSelector
		case "transformers":
			mask |= ScopeTransformers
		}
	}
	if mask == 0 {
		return ScopeDefault
	}
	return mask
}

// UserStatus classifies a principal.
type UserStatus string

const (
	StatusAnonymous UserStatus = "anonymous"
	StatusPublic    UserStatus = "public"
	StatusAdmin     UserStatus = "admin"
	StatusBanned    UserStatus = "banned"
)
