// Package transform applies ordered transformer chains to ingester
// fields: base transformers, interpolated expressions with cross-field
// and cross-ingester references, and rolling series aggregations.
package transform

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"graze/internal/transform/eval"
)

// BaseTransformer mutates a single scalar value.
type BaseTransformer func(v any) (any, error)

// baseTransformers is the compile-time table of scalar transformers.
// The user-visible spelling stays stringly; dispatch is one map hit.
var baseTransformers = map[string]BaseTransformer{
	"lower":      func(v any) (any, error) { return strings.ToLower(eval.Stringify(v)), nil },
	"upper":      func(v any) (any, error) { return strings.ToUpper(eval.Stringify(v)), nil },
	"capitalize": func(v any) (any, error) { return capitalize(eval.Stringify(v)), nil },
	"title": func(v any) (any, error) {
		words := strings.Fields(eval.Stringify(v))
		for i, w := range words {
			words[i] = capitalize(w)
		}
		return strings.Join(words, " "), nil
	},
	"int": func(v any) (any, error) {
		f, err := eval.ToFloat(v)
		if err != nil {
			return nil, err
		}
		return math.Trunc(f), nil
	},
	"float": func(v any) (any, error) { return eval.ToFloat(v) },
	"str":   func(v any) (any, error) { return eval.Stringify(v), nil },
	"bool": func(v any) (any, error) {
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return x != "" && x != "0" && !strings.EqualFold(x, "false"), nil
		default:
			f, err := eval.ToFloat(v)
			if err != nil {
				return nil, err
			}
			return f != 0, nil
		}
	},
	"to_json": func(v any) (any, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("to_json: %w", err)
		}
		return string(raw), nil
	},
	"to_snake": func(v any) (any, error) { return strings.Join(splitWords(eval.Stringify(v)), "_"), nil },
	"to_kebab": func(v any) (any, error) { return strings.Join(splitWords(eval.Stringify(v)), "-"), nil },
	"slugify": func(v any) (any, error) {
		return strings.ToLower(strings.Join(splitWords(eval.Stringify(v)), "-")), nil
	},
	"to_camel": func(v any) (any, error) {
		words := splitWords(eval.Stringify(v))
		for i, w := range words {
			if i == 0 {
				words[i] = strings.ToLower(w)
			} else {
				words[i] = capitalize(w)
			}
		}
		return strings.Join(words, ""), nil
	},
	"to_pascal": func(v any) (any, error) {
		words := splitWords(eval.Stringify(v))
		for i, w := range words {
			words[i] = capitalize(w)
		}
		return strings.Join(words, ""), nil
	},
	"strip": func(v any) (any, error) { return strings.TrimSpace(eval.Stringify(v)), nil },
	"reverse": func(v any) (any, error) {
		runes := []rune(eval.Stringify(v))
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	},
	"shorten_address": func(v any) (any, error) {
		s := eval.Stringify(v)
		if len(s) <= 10 {
			return s, nil
		}
		return s[:6] + "..." + s[len(s)-4:], nil
	},
	"remove_punctuation": func(v any) (any, error) {
		var b strings.Builder
		for _, r := range eval.Stringify(v) {
			if r < 128 && unicode.IsPunct(r) || r < 128 && unicode.IsSymbol(r) {
				continue
			}
			b.WriteRune(r)
		}
		return b.String(), nil
	},
	"bin": func(v any) (any, error) {
		f, err := eval.ToFloat(v)
		if err != nil {
			return nil, err
		}
		return strconv.FormatInt(int64(f), 2), nil
	},
	"hex": func(v any) (any, error) {
		f, err := eval.ToFloat(v)
		if err != nil {
			return nil, err
		}
		return strconv.FormatInt(int64(f), 16), nil
	},
	"sha256digest": func(v any) (any, error) {
		sum := sha256.Sum256([]byte(eval.Stringify(v)))
		return hex.EncodeToString(sum[:]), nil
	},
	"md5digest": func(v any) (any, error) {
		sum := md5.Sum([]byte(eval.Stringify(v)))
		return hex.EncodeToString(sum[:]), nil
	},
}

func init() {
	baseTransformers["round"] = roundTo(0)
	for n := 2; n <= 10; n++ {
		baseTransformers["round"+strconv.Itoa(n)] = roundTo(n)
	}
}

func roundTo(places int) BaseTransformer {
	shift := math.Pow(10, float64(places))
	return func(v any) (any, error) {
		f, err := eval.ToFloat(v)
		if err != nil {
			return nil, err
		}
		return math.Round(f*shift) / shift, nil
	}
}

// Base returns the named base transformer, if registered.
func Base(name string) (BaseTransformer, bool) {
	t, ok := baseTransformers[name]
	return t, ok
}

// evalFuncs exposes the base transformers as callables inside
// expressions, so "round2(x)" and "lower(s)" work in interpolations.
// Names the evaluator already provides (round, the coercions) are not
// shadowed; the evaluator's variants accept more argument shapes.
// Built lazily: the roundN entries are registered in init, after
// package-level vars.
var evalFuncs = sync.OnceValue(func() map[string]eval.Func {
	funcs := make(map[string]eval.Func, len(baseTransformers))
	for name, bt := range baseTransformers {
		switch name {
		case "round", "str", "float", "int", "bool":
			continue
		}
		bt := bt
		funcs[name] = func(args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
			}
			return bt(args[0])
		}
	}
	return funcs
})

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// splitWords splits on separators and camelCase boundaries:
// "fooBar-baz qux" -> [foo Bar baz qux].
func splitWords(s string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			current.WriteRune(r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return words
}
