package dmn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// unaryTest reports whether an input value satisfies a rule's input
// entry
type unaryTest func(value interface{}) bool

// inputExpression is either a literal or a dotted variable path
type inputExpression struct {
	path    []string
	literal interface{}
}

func (expression inputExpression) evaluate(variables map[string]interface{}) interface{} {
	if expression.path == nil {
		return expression.literal
	}

	var current interface{} = variables

	for _, segment := range expression.path {
		object, ok := current.(map[string]interface{})

		if !ok {
			return nil
		}

		current = object[segment]
	}

	return current
}

func parseInputExpression(text string) (inputExpression, error) {
	text = strings.TrimSpace(text)

	if text == "" {
		return inputExpression{}, fmt.Errorf("empty expression")
	}

	if literal, err := parseLiteral(text); err == nil {
		return inputExpression{literal: literal}, nil
	}

	path := strings.Split(text, ".")

	for _, segment := range path {
		if !isName(segment) {
			return inputExpression{}, fmt.Errorf("unsupported expression %q", text)
		}
	}

	return inputExpression{path: path}, nil
}

func isName(segment string) bool {
	if segment == "" {
		return false
	}

	for i, r := range segment {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}

	return true
}

func parseOutputEntry(text string) (interface{}, error) {
	text = strings.TrimSpace(text)

	if text == "" {
		return nil, nil
	}

	value, err := parseLiteral(text)

	if err != nil {
		return nil, fmt.Errorf("unsupported output entry %q", text)
	}

	return value, nil
}

// parseLiteral reads a string, number, boolean or null literal
func parseLiteral(text string) (interface{}, error) {
	switch {
	case text == "null":
		return nil, nil
	case text == "true":
		return true, nil
	case text == "false":
		return false, nil
	case strings.HasPrefix(text, `"`):
		var value string

		if err := json.Unmarshal([]byte(text), &value); err != nil {
			return nil, fmt.Errorf("invalid string literal %s", text)
		}

		return value, nil
	}

	number, err := strconv.ParseFloat(text, 64)

	if err != nil {
		return nil, fmt.Errorf("invalid literal %q", text)
	}

	return number, nil
}

func parseUnaryTests(text string) (unaryTest, error) {
	text = strings.TrimSpace(text)

	if text == "" || text == "-" {
		return func(interface{}) bool { return true }, nil
	}

	if strings.HasPrefix(text, "not(") && strings.HasSuffix(text, ")") {
		inner, err := parseUnaryTests(text[len("not(") : len(text)-1])

		if err != nil {
			return nil, err
		}

		return func(value interface{}) bool { return !inner(value) }, nil
	}

	parts, err := splitTests(text)

	if err != nil {
		return nil, err
	}

	var tests []unaryTest

	for _, part := range parts {
		test, err := parseUnaryTest(strings.TrimSpace(part))

		if err != nil {
			return nil, err
		}

		tests = append(tests, test)
	}

	return func(value interface{}) bool {
		for _, test := range tests {
			if test(value) {
				return true
			}
		}

		return false
	}, nil
}

// splitTests splits a disjunction on commas outside of string
// literals and intervals
func splitTests(text string) ([]string, error) {
	var parts []string
	var inString, inInterval bool
	start := 0

	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case inString:
		case inInterval && (c == ']' || c == ')' || c == '['):
			inInterval = false
		case !inInterval && (c == '[' || c == '(' || c == ']'):
			inInterval = true
		case c == ',' && !inInterval:
			parts = append(parts, text[start:i])
			start = i + 1
		}
	}

	if inString {
		return nil, fmt.Errorf("unterminated string in %q", text)
	}

	return append(parts, text[start:]), nil
}

func parseUnaryTest(text string) (unaryTest, error) {
	for _, operator := range []string{"<=", ">=", "<", ">"} {
		if !strings.HasPrefix(text, operator) {
			continue
		}

		bound, err := parseLiteral(strings.TrimSpace(text[len(operator):]))

		if err != nil {
			return nil, err
		}

		return comparison(operator, bound), nil
	}

	if len(text) >= 2 && strings.ContainsAny(text[:1], "[(]") && strings.ContainsAny(text[len(text)-1:], "])[") && strings.Contains(text, "..") {
		return parseInterval(text)
	}

	expected, err := parseLiteral(text)

	if err != nil {
		return nil, fmt.Errorf("unsupported input entry %q", text)
	}

	return func(value interface{}) bool { return equal(value, expected) }, nil
}

func parseInterval(text string) (unaryTest, error) {
	bounds := strings.SplitN(text[1:len(text)-1], "..", 2)
	low, err := parseLiteral(strings.TrimSpace(bounds[0]))

	if err != nil {
		return nil, err
	}

	high, err := parseLiteral(strings.TrimSpace(bounds[1]))

	if err != nil {
		return nil, err
	}

	lowOperator := ">="

	if text[0] != '[' {
		lowOperator = ">"
	}

	highOperator := "<="

	if text[len(text)-1] != ']' {
		highOperator = "<"
	}

	above := comparison(lowOperator, low)
	below := comparison(highOperator, high)

	return func(value interface{}) bool { return above(value) && below(value) }, nil
}

func comparison(operator string, bound interface{}) unaryTest {
	return func(value interface{}) bool {
		order, ok := compare(value, bound)

		if !ok {
			return false
		}

		switch operator {
		case "<":
			return order < 0
		case "<=":
			return order <= 0
		case ">":
			return order > 0
		default:
			return order >= 0
		}
	}
}

// compare orders two numbers or two strings. ok is false for any
// other combination.
func compare(a, b interface{}) (order int, ok bool) {
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)

		if !ok {
			return 0, false
		}

		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}

		return 0, true
	}

	x, ok := a.(string)

	if !ok {
		return 0, false
	}

	y, ok := b.(string)

	if !ok {
		return 0, false
	}

	return strings.Compare(x, y), true
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if order, ok := compare(a, b); ok {
		return order == 0
	}

	x, ok := a.(bool)

	if !ok {
		return false
	}

	y, ok := b.(bool)

	return ok && x == y
}

func toNumber(value interface{}) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint64:
		return float64(number), true
	case json.Number:
		f, err := number.Float64()

		return f, err == nil
	}

	return 0, false
}
