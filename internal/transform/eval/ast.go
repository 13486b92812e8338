package eval

// Node is a parsed expression node. The node set is closed: anything the
// parser cannot express cannot be evaluated, which is the sandbox
// boundary. There is deliberately no attribute-access node.
type Node interface{ node() }

// Number is a numeric literal. All numbers evaluate to float64.
type Number struct{ Value float64 }

// String is a string literal.
type String struct{ Value string }

// Bool is a boolean literal (true/false/True/False).
type Bool struct{ Value bool }

// Null is the nil literal (None/null/nil).
type Null struct{}

// Ident is a name resolved against the evaluation namespace.
type Ident struct{ Name string }

// Unary applies -, + or not.
type Unary struct {
	Op string
	X  Node
}

// Binary applies an arithmetic, comparison or logical operator.
type Binary struct {
	Op   string
	L, R Node
}

// Cond is a conditional expression: Then if If else Else.
type Cond struct {
	If   Node
	Then Node
	Else Node
}

// Call invokes a whitelisted function from the namespace.
type Call struct {
	Fn   string
	Args []Node
}

// Subscript indexes a list, string or map.
type Subscript struct {
	X     Node
	Index Node
}

// List is a list or tuple constructor.
type List struct{ Items []Node }

// Dict is a dict constructor with string-evaluating keys.
type Dict struct {
	Keys   []Node
	Values []Node
}

func (Number) node()    {}
func (String) node()    {}
func (Bool) node()      {}
func (Null) node()      {}
func (Ident) node()     {}
func (Unary) node()     {}
func (Binary) node()    {}
func (Cond) node()      {}
func (Call) node()      {}
func (Subscript) node() {}
func (List) node()      {}
func (Dict) node()      {}
