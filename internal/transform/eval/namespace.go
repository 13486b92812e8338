package eval

import (
	"fmt"
	"math"
	"time"
)

// baseConstants are identifiers resolvable without a namespace.
var baseConstants = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

// baseFuncs are the always-available math and date helpers. Base
// transformers (lower, round2, ...) are layered on top by the transform
// package through Namespace.Funcs.
var baseFuncs = map[string]Func{
	"abs":   numeric1(math.Abs),
	"sqrt":  numeric1(math.Sqrt),
	"log":   numeric1(math.Log),
	"exp":   numeric1(math.Exp),
	"floor": numeric1(math.Floor),
	"ceil":  numeric1(math.Ceil),
	"pow": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pow expects 2 arguments, got %d", len(args))
		}
		a, err := ToFloat(args[0])
		if err != nil {
			return nil, err
		}
		b, err := ToFloat(args[1])
		if err != nil {
			return nil, err
		}
		return math.Pow(a, b), nil
	},
	"round": func(args []any) (any, error) {
		switch len(args) {
		case 1:
			f, err := ToFloat(args[0])
			if err != nil {
				return nil, err
			}
			return math.Round(f), nil
		case 2:
			f, err := ToFloat(args[0])
			if err != nil {
				return nil, err
			}
			places, err := ToFloat(args[1])
			if err != nil {
				return nil, err
			}
			shift := math.Pow(10, places)
			return math.Round(f*shift) / shift, nil
		}
		return nil, fmt.Errorf("round expects 1 or 2 arguments, got %d", len(args))
	},
	"min": reduce(func(a, b float64) float64 { return math.Min(a, b) }),
	"max": reduce(func(a, b float64) float64 { return math.Max(a, b) }),
	"sum": func(args []any) (any, error) {
		items, err := spread(args)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, it := range items {
			f, err := ToFloat(it)
			if err != nil {
				return nil, err
			}
			total += f
		}
		return total, nil
	},
	"len": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		}
		return nil, fmt.Errorf("len: unsupported type %T", args[0])
	},
	// Date helpers: epoch seconds, rendered or parsed.
	"now": func(args []any) (any, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("now expects no arguments")
		}
		return float64(time.Now().UnixMilli()) / 1000, nil
	},
	"isodate": func(args []any) (any, error) {
		var t time.Time
		switch len(args) {
		case 0:
			t = time.Now()
		case 1:
			sec, err := ToFloat(args[0])
			if err != nil {
				return nil, err
			}
			t = time.UnixMilli(int64(sec * 1000))
		default:
			return nil, fmt.Errorf("isodate expects at most 1 argument")
		}
		return t.UTC().Format(time.RFC3339), nil
	},
	"epoch": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("epoch expects 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return ToFloat(args[0])
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("epoch: %w", err)
		}
		return float64(t.UnixMilli()) / 1000, nil
	},
	"str": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("str expects 1 argument")
		}
		return Stringify(args[0]), nil
	},
	"float": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("float expects 1 argument")
		}
		return ToFloat(args[0])
	},
	"int": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("int expects 1 argument")
		}
		f, err := ToFloat(args[0])
		if err != nil {
			return nil, err
		}
		return math.Trunc(f), nil
	},
	"bool": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("bool expects 1 argument")
		}
		return truthy(args[0]), nil
	},
}

func numeric1(fn func(float64) float64) Func {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		f, err := ToFloat(args[0])
		if err != nil {
			return nil, err
		}
		return fn(f), nil
	}
}

// reduce folds variadic or single-list numeric arguments.
func reduce(fn func(a, b float64) float64) Func {
	return func(args []any) (any, error) {
		items, err := spread(args)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("expected at least 1 argument")
		}
		acc, err := ToFloat(items[0])
		if err != nil {
			return nil, err
		}
		for _, it := range items[1:] {
			f, err := ToFloat(it)
			if err != nil {
				return nil, err
			}
			acc = fn(acc, f)
		}
		return acc, nil
	}
}

// spread unwraps a single list argument into its items.
func spread(args []any) ([]any, error) {
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			return list, nil
		}
	}
	return args, nil
}
