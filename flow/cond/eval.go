package cond

import (
	"fmt"
	"strconv"
	"strings"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindNumber
	kindString
	kindAny // raw variable value not yet coerced
)

// value is the evaluator's runtime representation. Variables start as
// kindAny and are coerced at the comparison site, matching the
// variable-on-left, literal-on-right grammar.
type value struct {
	kind valueKind
	b    bool
	n    float64
	s    string
	raw  any
}

func nullValue() value { return value{kind: kindNull} }

func boolValue(b bool) value { return value{kind: kindBool, b: b} }

func stringValue(s string) value { return value{kind: kindString, s: s} }

func numberLiteral(text string) value {
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		// The lexer only emits well-formed numbers; treat overflow as 0.
		n = 0
	}
	return value{kind: kindNumber, n: n}
}

func anyValue(v any) value {
	if v == nil {
		return nullValue()
	}
	return value{kind: kindAny, raw: v}
}

// Evaluate parses and evaluates a condition against the variable map.
//
// Per the engine contract this function is total: an empty or whitespace
// condition is true, and any lex, parse, or evaluation error yields false.
// Use EvaluateStrict when the caller wants to see the error.
func Evaluate(condition string, vars map[string]any) bool {
	ok, _ := EvaluateStrict(condition, vars)
	return ok
}

// EvaluateStrict is Evaluate with the error exposed. The boolean result is
// always false when the error is non-nil.
func EvaluateStrict(condition string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	expr, err := Parse(condition)
	if err != nil {
		return false, err
	}
	return EvaluateExpression(expr, vars)
}

// EvaluateExpression evaluates a previously parsed Expression.
func EvaluateExpression(expr Expression, vars map[string]any) (bool, error) {
	v, err := expr.eval(vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (e *identExpr) eval(vars map[string]any) (value, error) {
	v, ok := lookup(vars, e.name)
	if !ok {
		return nullValue(), nil
	}
	return anyValue(v), nil
}

// lookup resolves a possibly dotted variable path against nested maps.
func lookup(vars map[string]any, path string) (any, bool) {
	if v, ok := vars[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur any = vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (e *literalExpr) eval(map[string]any) (value, error) { return e.val, nil }

func (e *notExpr) eval(vars map[string]any) (value, error) {
	v, err := e.operand.eval(vars)
	if err != nil {
		return value{}, err
	}
	return boolValue(!truthy(v)), nil
}

func (e *binaryExpr) eval(vars map[string]any) (value, error) {
	lhs, err := e.lhs.eval(vars)
	if err != nil {
		return value{}, err
	}

	// Boolean connectives short-circuit on the left operand's truthiness.
	switch e.op {
	case tokenAnd:
		if !truthy(lhs) {
			return boolValue(false), nil
		}
		rhs, err := e.rhs.eval(vars)
		if err != nil {
			return value{}, err
		}
		return boolValue(truthy(rhs)), nil
	case tokenOr:
		if truthy(lhs) {
			return boolValue(true), nil
		}
		rhs, err := e.rhs.eval(vars)
		if err != nil {
			return value{}, err
		}
		return boolValue(truthy(rhs)), nil
	}

	rhs, err := e.rhs.eval(vars)
	if err != nil {
		return value{}, err
	}
	return compare(e.op, lhs, rhs)
}

// compare applies a comparison operator with the coercion rules: numeric
// when both sides convert to numbers, otherwise a lexical comparison of the
// stringified values.
func compare(op tokenKind, lhs, rhs value) (value, error) {
	ln, lok := toNumber(lhs)
	rn, rok := toNumber(rhs)
	if lok && rok {
		return boolValue(compareNumbers(op, ln, rn)), nil
	}

	ls, rs := stringify(lhs), stringify(rhs)
	switch op {
	case tokenEq:
		return boolValue(ls == rs), nil
	case tokenNe:
		return boolValue(ls != rs), nil
	case tokenGt:
		return boolValue(ls > rs), nil
	case tokenLt:
		return boolValue(ls < rs), nil
	case tokenGe:
		return boolValue(ls >= rs), nil
	case tokenLe:
		return boolValue(ls <= rs), nil
	}
	return value{}, fmt.Errorf("unsupported comparison operator")
}

func compareNumbers(op tokenKind, l, r float64) bool {
	switch op {
	case tokenEq:
		return l == r
	case tokenNe:
		return l != r
	case tokenGt:
		return l > r
	case tokenLt:
		return l < r
	case tokenGe:
		return l >= r
	case tokenLe:
		return l <= r
	}
	return false
}

func toNumber(v value) (float64, bool) {
	switch v.kind {
	case kindNumber:
		return v.n, true
	case kindAny:
		switch n := v.raw.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int32:
			return float64(n), true
		case int64:
			return float64(n), true
		case uint:
			return float64(n), true
		case uint32:
			return float64(n), true
		case uint64:
			return float64(n), true
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			return f, err == nil
		}
	}
	return 0, false
}

func stringify(v value) string {
	switch v.kind {
	case kindNull:
		return ""
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case kindString:
		return v.s
	case kindAny:
		switch raw := v.raw.(type) {
		case string:
			return raw
		case bool:
			return strconv.FormatBool(raw)
		case float64:
			return strconv.FormatFloat(raw, 'f', -1, 64)
		default:
			return fmt.Sprintf("%v", raw)
		}
	}
	return ""
}

// truthy implements bare-identifier semantics: non-null, non-empty,
// non-"false", non-zero.
func truthy(v value) bool {
	switch v.kind {
	case kindNull:
		return false
	case kindBool:
		return v.b
	case kindNumber:
		return v.n != 0
	case kindString:
		return v.s != "" && v.s != "false" && v.s != "0"
	case kindAny:
		if n, ok := toNumber(v); ok {
			// Numeric strings such as "0" fall through here too.
			if _, isStr := v.raw.(string); !isStr {
				return n != 0
			}
		}
		if b, ok := v.raw.(bool); ok {
			return b
		}
		s := stringify(v)
		return s != "" && s != "false" && s != "0"
	}
	return false
}
