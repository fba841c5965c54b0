// Package query compiles the filter DSL and the three read-query shapes
// (fetch, search, similar) into parameterized SQL. It has no knowledge of
// any open connection; every function here is pure.
package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Operator is one atomic comparison a Condition can perform.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpLt        Operator = "lt"
	OpGt        Operator = "gt"
	OpLte       Operator = "lte"
	OpGte       Operator = "gte"
	OpStarts    Operator = "starts"
	OpEnds      Operator = "ends"
	OpContains  Operator = "contains"
	OpNContains Operator = "!contains"
	OpRange     Operator = "range"
	OpIn        Operator = "in"
	OpNIn       Operator = "!in"
)

// reservedColumns are the physical-column field names a filter may address
// directly, given a leading "_" sigil. Anything else is a JSON path under
// the document body.
var reservedColumns = map[string]bool{
	"_key":       true,
	"_data":      true,
	"_created":   true,
	"_updated":   true,
	"_embedding": true,
}

// jsonOperators and columnOperators give the SQL shape for each operator,
// with "%s" standing in for the left-hand-side expression. "in"/"!in" have
// no single-shape template since the placeholder count is value-dependent.
var jsonOperators = map[Operator]string{
	OpEq:        "%s = ?",
	OpNe:        "%s != ?",
	OpLt:        "CAST(%s as NUMERIC) < ?",
	OpGt:        "CAST(%s as NUMERIC) > ?",
	OpLte:       "CAST(%s as NUMERIC) <= ?",
	OpGte:       "CAST(%s as NUMERIC) >= ?",
	OpStarts:    "%s LIKE ?",
	OpEnds:      "%s LIKE ?",
	OpContains:  "%s LIKE ?",
	OpNContains: "%s NOT LIKE ?",
	OpRange:     "CAST(%s as NUMERIC) BETWEEN ? AND ?",
}

var columnOperators = map[Operator]string{
	OpEq:        "%s = ?",
	OpNe:        "%s != ?",
	OpLt:        "%s < ?",
	OpGt:        "%s > ?",
	OpLte:       "%s <= ?",
	OpGte:       "%s >= ?",
	OpStarts:    "%s LIKE ?",
	OpEnds:      "%s LIKE ?",
	OpContains:  "%s LIKE ?",
	OpNContains: "%s NOT LIKE ?",
	OpRange:     "%s BETWEEN ? AND ?",
}

// nullSQL gives the rewrite for eq/ne when the bound value is nil.
var nullSQL = map[Operator]string{
	OpEq: "%s IS NULL",
	OpNe: "%s IS NOT NULL",
}

var likeFormatters = map[Operator]string{
	OpStarts:    "%s%%",
	OpEnds:      "%%%s",
	OpContains:  "%%%s%%",
	OpNContains: "%%%s%%",
}

func validOperator(op Operator) bool {
	_, inJSON := jsonOperators[op]
	return inJSON || op == OpIn || op == OpNIn
}

// Condition is one atomic filter: a field path (or reserved column),
// an operator, and a value. It knows how to materialize itself as a SQL
// fragment plus its flat parameter list.
type Condition struct {
	Operator   Operator
	Field      string
	Value      any
	ColumnName string // the physical column the JSON path is rooted at; default "data"

	fieldExpr string
	params    []any
}

// NewCondition builds and validates a Condition whose JSON paths are
// rooted at the "data" column.
func NewCondition(operator Operator, field string, value any) (*Condition, error) {
	return NewConditionOn(operator, field, value, "data")
}

// NewConditionOn is NewCondition with an explicit root column (used by
// `similar`, which qualifies JSON paths as "tb.data"). columnName defaults
// to "data" when empty.
func NewConditionOn(operator Operator, field string, value any, columnName string) (*Condition, error) {
	if columnName == "" {
		columnName = "data"
	}
	if !validOperator(operator) {
		return nil, fmt.Errorf("%q is not a valid operator", operator)
	}

	c := &Condition{Operator: operator, Field: field, Value: value, ColumnName: columnName}

	if c.IsColumnQuery() {
		c.fieldExpr = strings.TrimPrefix(field, "_")
	} else if field == "data" {
		c.fieldExpr = fmt.Sprintf("json_extract(%s, '$')", columnName)
	} else {
		c.fieldExpr = fmt.Sprintf("json_extract(%s, '$.%s')", columnName, field)
	}

	if err := c.processParamValue(); err != nil {
		return nil, err
	}
	return c, nil
}

// IsColumnQuery reports whether the field addresses a reserved physical
// column rather than a JSON path inside the document body.
func (c *Condition) IsColumnQuery() bool {
	return strings.HasPrefix(c.Field, "_") && reservedColumns[c.Field]
}

func (c *Condition) operatorTable() map[Operator]string {
	if c.IsColumnQuery() {
		return columnOperators
	}
	return jsonOperators
}

// isValidNullQuery reports whether this condition is a nil-valued eq/ne,
// which rewrites to an IS [NOT] NULL fragment and binds nothing.
func (c *Condition) isValidNullQuery() bool {
	if c.Value != nil {
		return false
	}
	_, ok := nullSQL[c.Operator]
	return ok
}

func (c *Condition) processParamValue() error {
	if c.isValidNullQuery() {
		c.params = nil
		return nil
	}
	if c.Value == nil {
		return fmt.Errorf("operator %q does not support a null value", c.Operator)
	}

	switch c.Operator {
	case OpRange:
		return c.handleRange()
	case OpIn, OpNIn:
		return c.handleIn()
	}

	if formatter, ok := likeFormatters[c.Operator]; ok {
		c.params = []any{fmt.Sprintf(formatter, toStr(c.Value))}
		return nil
	}

	c.params = []any{c.Value}
	return nil
}

func (c *Condition) handleRange() error {
	vals, ok := asSlice(c.Value)
	if !ok || len(vals) != 2 {
		return fmt.Errorf("range operator requires a slice with exactly 2 values")
	}
	c.params = vals
	return nil
}

func (c *Condition) handleIn() error {
	vals, ok := asSlice(c.Value)
	if !ok {
		return fmt.Errorf("%q only supports slices; you might need `contains`/`!contains` instead", c.Operator)
	}
	// json(?) compares against the JSON-encoded form of each
	// element, not its raw Go value (a bare string like `a` is not valid
	// JSON text and sqlite's json() rejects it with "malformed JSON").
	// Column queries bind the plain "?" placeholder and skip this.
	if c.IsColumnQuery() {
		c.params = vals
		return nil
	}
	encoded := make([]any, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %q value: %w", c.Operator, err)
		}
		encoded[i] = string(b)
	}
	c.params = encoded
	return nil
}

// SQLFragment returns this condition's SQL text, with "?" (or "json(?)"
// for JSON-form in/!in) placeholders in left-to-right order matching
// Parameters().
func (c *Condition) SQLFragment() (string, error) {
	if c.isValidNullQuery() {
		return fmt.Sprintf(nullSQL[c.Operator], c.fieldExpr), nil
	}

	if c.Operator == OpIn || c.Operator == OpNIn {
		return c.inSQL(), nil
	}

	tmpl, ok := c.operatorTable()[c.Operator]
	if !ok {
		return "", fmt.Errorf("%q is not a valid operator", c.Operator)
	}
	return fmt.Sprintf(tmpl, c.fieldExpr), nil
}

func (c *Condition) inSQL() string {
	placeholder := "?"
	if !c.IsColumnQuery() {
		placeholder = "json(?)"
	}
	placeholders := make([]string, len(c.params))
	for i := range c.params {
		placeholders[i] = placeholder
	}
	verb := "IN"
	if c.Operator == OpNIn {
		verb = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", c.fieldExpr, verb, strings.Join(placeholders, ","))
}

// Parameters returns the flat, left-to-right parameter list for this
// condition's SQL fragment.
func (c *Condition) Parameters() []any {
	return c.params
}

func toStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// asSlice reflects any slice-like value (including []string, []int,
// []any, etc.) into a []any. The second return is false for non-slices.
func asSlice(v any) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
