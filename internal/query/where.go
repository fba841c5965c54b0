package query

import (
	"fmt"
	"sort"
	"strings"
)

// Group is one AND-group of the filter DSL: a field spec ("name" or
// "name__op") mapped to the value it must satisfy.
type Group map[string]any

// Filter input is either a single Group (AND) or a slice of Groups (OR
// of ANDs). Callers build it as `query.Group{...}` or `[]query.Group{...}`;
// any other dynamic type passed through Base is rejected before it
// reaches this package.

// BuildWhereClause compiles a Group or []Group into a WHERE-clause body
// (without the leading "WHERE") and its parameter list. A nil input (or
// an empty Group/[]Group) yields ("", nil, nil) — no clause emitted.
func BuildWhereClause(conditions any, columnName string) (string, []any, error) {
	switch v := conditions.(type) {
	case nil:
		return "", nil, nil
	case Group:
		if len(v) == 0 {
			return "", nil, nil
		}
		return buildAndGroup(v, columnName)
	case []Group:
		if len(v) == 0 {
			return "", nil, nil
		}
		var clauses []string
		var params []any
		for _, g := range v {
			sql, p, err := buildAndGroup(g, columnName)
			if err != nil {
				return "", nil, err
			}
			// Each group is parenthesized on its own so a multi-condition
			// group ANDs together before the groups OR together.
			clauses = append(clauses, "("+sql+")")
			params = append(params, p...)
		}
		return "(" + strings.Join(clauses, " OR ") + ")", params, nil
	default:
		return "", nil, fmt.Errorf("unsupported filter type %T", conditions)
	}
}

// buildAndGroup compiles one AND-group. Keys are visited in sorted order
// so the emitted SQL and parameter list are deterministic — AND is
// commutative, so this never changes the group's meaning.
func buildAndGroup(g Group, columnName string) (string, []any, error) {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	var params []any
	for _, field := range keys {
		value := g[field]
		parts := strings.Split(field, "__")
		if len(parts) > 2 {
			return "", nil, fmt.Errorf("more than one __ in field spec %q", field)
		}
		op := OpEq
		fieldName := field
		if len(parts) == 2 {
			op = Operator(parts[1])
			fieldName = parts[0]
		}

		cond, err := NewConditionOn(op, fieldName, value, columnName)
		if err != nil {
			return "", nil, err
		}
		sql, err := cond.SQLFragment()
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, sql)
		params = append(params, cond.Parameters()...)
	}
	return strings.Join(clauses, " AND "), params, nil
}
