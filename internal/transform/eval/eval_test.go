package eval

import (
	"math"
	"strings"
	"testing"
)

func evalOK(t *testing.T, src string, ns *Namespace) any {
	t.Helper()
	v, err := Eval(src, ns)
	if err != nil {
		t.Fatalf("Eval(%q): %v", src, err)
	}
	return v
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 / 4", 2.5},
		{"10 // 4", 2},
		{"10 % 3", 1},
		{"2 ** 10", 1024},
		{"2 ** 3 ** 2", 512}, // right-associative
		{"-2 + 5", 3},
		{"40000 * 1.0", 40000},
		{"30 / 1.0", 30},
	}
	for _, tt := range tests {
		got := evalOK(t, tt.src, nil)
		if got != tt.want {
			t.Errorf("%q = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestComparisonAndLogic(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"1 == 1.0", true},
		{"1 != 2", true},
		{"true and false", false},
		{"true or false", true},
		{"not false", true},
		{"1 < 2 and 2 < 3", true},
		{"'bc' in 'abcd'", true},
		{"5 in [1, 2, 5]", true},
	}
	for _, tt := range tests {
		got := evalOK(t, tt.src, nil)
		if got != tt.want {
			t.Errorf("%q = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestConditional(t *testing.T) {
	if got := evalOK(t, "1 if 2 > 1 else 0", nil); got != 1.0 {
		t.Errorf("python ternary = %v", got)
	}
	if got := evalOK(t, "2 > 1 ? 10 : 20", nil); got != 10.0 {
		t.Errorf("c ternary = %v", got)
	}
}

func TestNamespaceAndCalls(t *testing.T) {
	ns := &Namespace{Vars: map[string]any{"x": 3.0, "name": "btc"}}

	if got := evalOK(t, "x * 2", ns); got != 6.0 {
		t.Errorf("var lookup = %v", got)
	}
	if got := evalOK(t, "sqrt(x * 12)", ns); got != 6.0 {
		t.Errorf("sqrt = %v", got)
	}
	if got := evalOK(t, "round(3.14159, 2)", nil); got != 3.14 {
		t.Errorf("round = %v", got)
	}
	if got := evalOK(t, "max(1, 9, 4)", nil); got != 9.0 {
		t.Errorf("max = %v", got)
	}
	if got := evalOK(t, "sum([1, 2, 3])", nil); got != 6.0 {
		t.Errorf("sum = %v", got)
	}
	if got := evalOK(t, "len(name)", ns); got != 3.0 {
		t.Errorf("len = %v", got)
	}
	if got := evalOK(t, "abs(-pi)", nil); got != math.Pi {
		t.Errorf("abs(-pi) = %v", got)
	}
}

func TestSubscripts(t *testing.T) {
	ns := &Namespace{Vars: map[string]any{
		"xs": []any{10.0, 20.0, 30.0},
		"m":  map[string]any{"a": 1.0},
	}}
	if got := evalOK(t, "xs[1]", ns); got != 20.0 {
		t.Errorf("list index = %v", got)
	}
	if got := evalOK(t, "xs[-1]", ns); got != 30.0 {
		t.Errorf("negative index = %v", got)
	}
	if got := evalOK(t, "m['a']", ns); got != 1.0 {
		t.Errorf("map index = %v", got)
	}
	if got := evalOK(t, "'hello'[0]", nil); got != "h" {
		t.Errorf("string index = %v", got)
	}
	if _, err := Eval("xs[9]", ns); err == nil {
		t.Error("out-of-range index must fail")
	}
}

func TestConstructors(t *testing.T) {
	got := evalOK(t, "[1, 2, 3]", nil)
	if xs, ok := got.([]any); !ok || len(xs) != 3 {
		t.Fatalf("list literal = %#v", got)
	}
	got = evalOK(t, "(1, 2)", nil)
	if xs, ok := got.([]any); !ok || len(xs) != 2 {
		t.Fatalf("tuple literal = %#v", got)
	}
	got = evalOK(t, "{'a': 1, 'b': 2}", nil)
	if m, ok := got.(map[string]any); !ok || m["b"] != 2.0 {
		t.Fatalf("dict literal = %#v", got)
	}
}

// Invariant: no expression can escape the namespace. Attribute access does
// not parse; unknown names and functions fail.
func TestSandboxBoundaries(t *testing.T) {
	denied := []string{
		"x.y",               // attribute access: '.' only lexes inside numbers
		"import os",         // no statements
		"x = 1",             // no assignment
		"__builtins__",      // unknown name
		"open('/etc/hosts')", // unknown function
		"(1)(2)",            // only named functions callable
	}
	for _, src := range denied {
		if _, err := Eval(src, nil); err == nil {
			t.Errorf("%q must not evaluate", src)
		}
	}
}

func TestErrorsAreLocalized(t *testing.T) {
	for _, src := range []string{"1 / 0", "1 % 0", "1 // 0", "unknownvar + 1"} {
		if _, err := Eval(src, nil); err == nil {
			t.Errorf("%q should fail", src)
		}
	}
}

func TestCompileCaching(t *testing.T) {
	src := "1 + 2 * 3"
	a, err := Compile(src)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Compile(src)
	if err != nil {
		t.Fatal(err)
	}
	// Same cached node (interface holds the same underlying value).
	if a != b {
		t.Error("Compile should return the cached AST for identical sources")
	}
}

func TestStringOps(t *testing.T) {
	if got := evalOK(t, "'a' + 'b'", nil); got != "ab" {
		t.Errorf("concat = %v", got)
	}
	if got := evalOK(t, "str(12.5) + 'x'", nil); got != "12.5x" {
		t.Errorf("str+concat = %v", got)
	}
	got := evalOK(t, "'40000'", nil)
	if got != "40000" {
		t.Errorf("string literal = %v", got)
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{"1 +", "(1", "[1, 2", "{1: }", "'abc", "1 if 2"} {
		if _, err := Parse(src); err == nil {
			t.Errorf("%q should not parse", src)
		}
	}
	if _, err := Parse("1 ~ 2"); err == nil || !strings.Contains(err.Error(), "unexpected") {
		t.Error("unknown character must be a lex error")
	}
}
