package eval

import (
	"crypto/md5"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Func is a function callable from expressions. Arguments and return
// values use the evaluator's value set: float64, string, bool, nil,
// []any, map[string]any.
type Func func(args []any) (any, error)

// Namespace resolves identifiers and function calls. Lookups outside the
// namespace fail evaluation; there is no other state an expression can
// reach.
type Namespace struct {
	Vars  map[string]any
	Funcs map[string]Func
}

// compiled ASTs are cached by md5 of the source string. Transformer
// expressions repeat every tick, so the cache hit rate is near-total.
var (
	astCacheMu sync.RWMutex
	astCache   = make(map[[16]byte]Node)
)

// Compile parses src, consulting the shared AST cache.
func Compile(src string) (Node, error) {
	key := md5.Sum([]byte(src))

	astCacheMu.RLock()
	n, ok := astCache[key]
	astCacheMu.RUnlock()
	if ok {
		return n, nil
	}

	n, err := Parse(src)
	if err != nil {
		return nil, err
	}

	astCacheMu.Lock()
	astCache[key] = n
	astCacheMu.Unlock()
	return n, nil
}

// Eval compiles and evaluates src against ns.
func Eval(src string, ns *Namespace) (any, error) {
	n, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return Evaluate(n, ns)
}

// Evaluate walks a parsed node against ns.
func Evaluate(n Node, ns *Namespace) (any, error) {
	switch v := n.(type) {
	case Number:
		return v.Value, nil
	case String:
		return v.Value, nil
	case Bool:
		return v.Value, nil
	case Null:
		return nil, nil
	case Ident:
		if ns != nil && ns.Vars != nil {
			if val, ok := ns.Vars[v.Name]; ok {
				return val, nil
			}
		}
		if val, ok := baseConstants[v.Name]; ok {
			return val, nil
		}
		return nil, fmt.Errorf("unknown name %q", v.Name)
	case Unary:
		return evalUnary(v, ns)
	case Binary:
		return evalBinary(v, ns)
	case Cond:
		cond, err := Evaluate(v.If, ns)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return Evaluate(v.Then, ns)
		}
		return Evaluate(v.Else, ns)
	case Call:
		return evalCall(v, ns)
	case Subscript:
		return evalSubscript(v, ns)
	case List:
		items := make([]any, len(v.Items))
		for i, it := range v.Items {
			val, err := Evaluate(it, ns)
			if err != nil {
				return nil, err
			}
			items[i] = val
		}
		return items, nil
	case Dict:
		m := make(map[string]any, len(v.Keys))
		for i := range v.Keys {
			k, err := Evaluate(v.Keys[i], ns)
			if err != nil {
				return nil, err
			}
			val, err := Evaluate(v.Values[i], ns)
			if err != nil {
				return nil, err
			}
			m[Stringify(k)] = val
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported node %T", n)
}

func evalUnary(u Unary, ns *Namespace) (any, error) {
	x, err := Evaluate(u.X, ns)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case "-":
		f, err := ToFloat(x)
		if err != nil {
			return nil, err
		}
		return -f, nil
	case "+":
		return ToFloat(x)
	case "not":
		return !truthy(x), nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", u.Op)
}

func evalBinary(b Binary, ns *Namespace) (any, error) {
	// Short-circuit logical operators.
	switch b.Op {
	case "and", "&&":
		l, err := Evaluate(b.L, ns)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return l, nil
		}
		return Evaluate(b.R, ns)
	case "or", "||":
		l, err := Evaluate(b.L, ns)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return l, nil
		}
		return Evaluate(b.R, ns)
	}

	l, err := Evaluate(b.L, ns)
	if err != nil {
		return nil, err
	}
	r, err := Evaluate(b.R, ns)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case "+":
		if ls, ok := l.(string); ok {
			return ls + Stringify(r), nil
		}
		return arith(l, r, func(a, b float64) float64 { return a + b })
	case "-":
		return arith(l, r, func(a, b float64) float64 { return a - b })
	case "*":
		return arith(l, r, func(a, b float64) float64 { return a * b })
	case "/":
		rf, err := ToFloat(r)
		if err != nil {
			return nil, err
		}
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return arith(l, r, func(a, b float64) float64 { return a / b })
	case "//":
		rf, err := ToFloat(r)
		if err != nil {
			return nil, err
		}
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return arith(l, r, func(a, b float64) float64 { return math.Floor(a / b) })
	case "%":
		rf, err := ToFloat(r)
		if err != nil {
			return nil, err
		}
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return arith(l, r, math.Mod)
	case "**":
		return arith(l, r, math.Pow)
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(b.Op, l, r)
	case "in":
		return contains(l, r)
	}
	return nil, fmt.Errorf("unknown operator %q", b.Op)
}

func evalCall(c Call, ns *Namespace) (any, error) {
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := Evaluate(a, ns)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	if ns != nil && ns.Funcs != nil {
		if fn, ok := ns.Funcs[c.Fn]; ok {
			return fn(args)
		}
	}
	if fn, ok := baseFuncs[c.Fn]; ok {
		return fn(args)
	}
	return nil, fmt.Errorf("unknown function %q", c.Fn)
}

func evalSubscript(s Subscript, ns *Namespace) (any, error) {
	x, err := Evaluate(s.X, ns)
	if err != nil {
		return nil, err
	}
	idx, err := Evaluate(s.Index, ns)
	if err != nil {
		return nil, err
	}

	switch v := x.(type) {
	case []any:
		i, err := index(idx, len(v))
		if err != nil {
			return nil, err
		}
		return v[i], nil
	case string:
		i, err := index(idx, len(v))
		if err != nil {
			return nil, err
		}
		return string(v[i]), nil
	case map[string]any:
		val, ok := v[Stringify(idx)]
		if !ok {
			return nil, fmt.Errorf("key %q not found", Stringify(idx))
		}
		return val, nil
	}
	return nil, fmt.Errorf("value of type %T is not subscriptable", x)
}

// index validates a (possibly negative) index against length n.
func index(idx any, n int) (int, error) {
	f, err := ToFloat(idx)
	if err != nil {
		return 0, fmt.Errorf("index must be a number: %w", err)
	}
	i := int(f)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("index %d out of range [0,%d)", i, n)
	}
	return i, nil
}

func arith(l, r any, op func(a, b float64) float64) (any, error) {
	lf, err := ToFloat(l)
	if err != nil {
		return nil, err
	}
	rf, err := ToFloat(r)
	if err != nil {
		return nil, err
	}
	return op(lf, rf), nil
}

func equal(l, r any) bool {
	if lf, err := ToFloat(l); err == nil {
		if rf, err := ToFloat(r); err == nil {
			return lf == rf
		}
	}
	return Stringify(l) == Stringify(r) && fmt.Sprintf("%T", l) == fmt.Sprintf("%T", r)
}

func compare(op string, l, r any) (any, error) {
	var cmp int
	lf, lerr := ToFloat(l)
	rf, rerr := ToFloat(r)
	switch {
	case lerr == nil && rerr == nil:
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	default:
		ls, rs := Stringify(l), Stringify(r)
		cmp = strings.Compare(ls, rs)
	}

	switch op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func contains(needle, haystack any) (any, error) {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, Stringify(needle)), nil
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		_, ok := h[Stringify(needle)]
		return ok, nil
	}
	return nil, fmt.Errorf("'in' needs a string, list or dict, got %T", haystack)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// ToFloat coerces numbers, numeric strings and booleans to float64.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to number", x)
		}
		return f, nil
	case time.Time:
		return float64(x.UnixMilli()) / 1000, nil
	case nil:
		return 0, fmt.Errorf("cannot coerce nil to number")
	}
	return 0, fmt.Errorf("cannot coerce %T to number", v)
}

// Stringify renders a value the way expressions and placeholders expect:
// floats drop trailing zeros, nil renders empty.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
