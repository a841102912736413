package reports

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
)

/*
Rows are filtered with a small query language:

Query       := Expr
Expr        := OrExpr ( "OR" OrExpr )*
OrExpr      := AndExpr ( "AND" AndExpr )*
AndExpr     := Condition | "NOT" Condition
Condition   := Filter | "(" Expr ")"
Filter      := Field Op Value
Op          := "CONTAINS" | "<" | ">" | "="
Value       := <string> | <number>

Example: Dataset = "FishInvSplit" AND mAP50_95 > 0.5
*/

var (
	parser = participle.MustBuild[QueryExpr](
		participle.Unquote("String"),
		participle.Union[Value](StringValue{}, NumberValue{}),
	)
)

// ParseQuery compiles query into a Filter. An empty query matches every row.
func ParseQuery(query string) (Filter, error) {
	if strings.TrimSpace(query) == "" {
		return matchAll{}, nil
	}

	q, err := parser.ParseString("", query)
	if err != nil {
		return nil, fmt.Errorf("error parsing query '%s': %w", query, err)
	}

	filter, err := q.ToFilter()
	if err != nil {
		return nil, fmt.Errorf("error converting query '%s' to filter: %w", query, err)
	}

	return filter, nil
}

type QueryExpr struct {
	Expr *Expr `@@`
}

func (q *QueryExpr) ToFilter() (Filter, error) {
	return q.Expr.ToFilter()
}

func (q *QueryExpr) String() string {
	return q.Expr.String()
}

type Expr struct {
	Ors []*OrExpr `@@ ( "OR" @@ )*`
}

func (e *Expr) ToFilter() (Filter, error) {
	if len(e.Ors) == 0 {
		return nil, fmt.Errorf("empty OR expression")
	}
	if len(e.Ors) == 1 {
		return e.Ors[0].ToFilter()
	}

	filters := make([]Filter, 0, len(e.Ors))
	for _, cond := range e.Ors {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return &OrFilter{filters: filters}, nil
}

func (e *Expr) String() string {
	parts := make([]string, 0, len(e.Ors))
	for _, o := range e.Ors {
		parts = append(parts, o.String())
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ") OR (") + ")"
}

type OrExpr struct {
	Ands []*Condition `@@ ( "AND" @@ )*`
}

func (o *OrExpr) ToFilter() (Filter, error) {
	if len(o.Ands) == 0 {
		return nil, fmt.Errorf("empty AND expression")
	}
	if len(o.Ands) == 1 {
		return o.Ands[0].ToFilter()
	}

	filters := make([]Filter, 0, len(o.Ands))
	for _, cond := range o.Ands {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return &AndFilter{filters: filters}, nil
}

func (o *OrExpr) String() string {
	parts := make([]string, 0, len(o.Ands))
	for _, a := range o.Ands {
		parts = append(parts, a.String())
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ") AND (") + ")"
}

type Condition struct {
	Not     bool        `@"NOT"?`
	Filter  *FilterExpr ` @@`
	SubExpr *Expr       `| "(" @@ ")" `
}

func (c *Condition) ToFilter() (Filter, error) {
	var (
		filter Filter
		err    error
	)
	if c.Filter != nil {
		filter, err = c.Filter.ToFilter()
	} else if c.SubExpr != nil {
		filter, err = c.SubExpr.ToFilter()
	}
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return nil, fmt.Errorf("empty condition")
	}

	if c.Not {
		filter = &NotFilter{filter: filter}
	}
	return filter, nil
}

func (c *Condition) String() string {
	var out string
	if c.SubExpr != nil {
		out = c.SubExpr.String()
	} else {
		out = c.Filter.String()
	}
	if c.Not {
		return fmt.Sprintf("NOT (%s)", out)
	}
	return out
}

type FilterExpr struct {
	Field string `@Ident`
	Op    string `@("CONTAINS" | "<" | ">" | "=")`
	Value Value  `@@`
}

func (f *FilterExpr) ToFilter() (Filter, error) {
	kind, name, ok := lookupField(f.Field)
	if !ok {
		return nil, fmt.Errorf("unknown field '%s'", f.Field)
	}

	if kind == numberField {
		n, ok := f.Value.(NumberValue)
		if !ok {
			return nil, fmt.Errorf("field '%s' must be compared to a number", f.Field)
		}
		switch f.Op {
		case "<", ">", "=":
			return &NumberFilter{field: name, op: f.Op, value: n.Value}, nil
		default:
			return nil, fmt.Errorf("invalid operator %s used with numeric field '%s'", f.Op, f.Field)
		}
	}

	s, ok := f.Value.(StringValue)
	if !ok {
		return nil, fmt.Errorf("field '%s' must be compared to a string", f.Field)
	}

	switch f.Op {
	case "CONTAINS":
		return &SubstringFilter{field: name, substr: s.Value}, nil
	case "<":
		return &StringLtFilter{field: name, value: s.Value}, nil
	case ">":
		return &StringGtFilter{field: name, value: s.Value}, nil
	case "=":
		return &StringEqFilter{field: name, value: s.Value}, nil
	default:
		return nil, fmt.Errorf("invalid operator %s used with string value", f.Op)
	}
}

func (f *FilterExpr) String() string {
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

type Value interface{ value() }

type StringValue struct {
	Value string `@String`
}

func (s StringValue) value() {}

func (s StringValue) String() string { return fmt.Sprintf("%q", s.Value) }

type NumberValue struct {
	Value float64 `@(Float | Int)`
}

func (n NumberValue) value() {}

func (n NumberValue) String() string { return fmt.Sprintf("%g", n.Value) }
