package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mindgraphix/logx"

	"github.com/tidwall/gjson"
)

// QueryCondition is a single "path operator value" test.
type QueryCondition struct {
	Path          string      // gjson path, empty for the record root
	Operator      string      // lower-case base operator without the -insensitive suffix
	ParsedValue   interface{} // string, float64, bool or nil
	ValueType     gjson.Type
	IsInsensitive bool
	Original      string
}

// LogicalOperator joins two conditions.
type LogicalOperator string

const (
	LogicAnd LogicalOperator = "and"
	LogicOr  LogicalOperator = "or"
)

// ParsedQuery is a sequence of conditions evaluated left to right.
// Logic[i] joins Conditions[i] and Conditions[i+1].
type ParsedQuery struct {
	Conditions []QueryCondition
	Logic      []LogicalOperator
}

var validOperators = map[string]bool{
	"equals": true, "notequals": true,
	"greaterthan": true, "lessthan": true,
	"greaterthanorequals": true, "lessthanorequals": true,
	"contains": true, "startswith": true, "endswith": true,
}

// Operators that accept the -insensitive suffix.
var insensitiveOperators = map[string]bool{
	"equals": true, "notequals": true,
	"contains": true, "startswith": true, "endswith": true,
}

// ParseQuery parses alternating condition / logic parts, e.g.
// ["status equals pending", "and", "priority equals urgent"].
// No parts means no filter and returns nil.
func ParseQuery(queryParts []string) (*ParsedQuery, error) {
	if len(queryParts) == 0 {
		return nil, nil
	}

	parsed := &ParsedQuery{}
	expectingCondition := true

	for i, part := range queryParts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("query part at index %d is empty", i)
		}

		if expectingCondition {
			condition, err := parseSingleCondition(part)
			if err != nil {
				return nil, fmt.Errorf("invalid condition at index %d ('%s'): %w", i, part, err)
			}
			parsed.Conditions = append(parsed.Conditions, condition)
		} else {
			logic := LogicalOperator(strings.ToLower(part))
			if logic != LogicAnd && logic != LogicOr {
				return nil, fmt.Errorf("invalid logical operator at index %d: '%s', expected 'and' or 'or'", i, part)
			}
			parsed.Logic = append(parsed.Logic, logic)
		}
		expectingCondition = !expectingCondition
	}

	if expectingCondition {
		return nil, errors.New("query must end with a condition, not a logical operator")
	}
	return parsed, nil
}

// parseSingleCondition accepts "path operator value" or "operator value".
func parseSingleCondition(conditionStr string) (QueryCondition, error) {
	parts := strings.Fields(conditionStr)
	if len(parts) < 2 {
		return QueryCondition{}, fmt.Errorf("condition must have at least an operator and a value")
	}

	var path, operator string
	valueStart := 1

	first := strings.ToLower(parts[0])
	if isOperator(first) {
		operator = first
	} else if len(parts) >= 3 {
		path = parts[0]
		operator = strings.ToLower(parts[1])
		valueStart = 2
		if !isOperator(operator) {
			return QueryCondition{}, fmt.Errorf("invalid operator '%s'", parts[1])
		}
	} else {
		if isOperator(strings.ToLower(parts[1])) {
			return QueryCondition{}, fmt.Errorf("condition must have at least an operator and a value")
		}
		return QueryCondition{}, fmt.Errorf("invalid condition format")
	}

	// Keep the value's original spacing.
	offset := 0
	for _, token := range parts[:valueStart] {
		offset += strings.Index(conditionStr[offset:], token) + len(token)
	}
	rawValue := strings.TrimSpace(conditionStr[offset:])

	insensitive := false
	if base, ok := strings.CutSuffix(operator, "-insensitive"); ok {
		if !insensitiveOperators[base] {
			return QueryCondition{}, fmt.Errorf("invalid base operator for insensitive matching '%s'", base)
		}
		insensitive = true
		operator = base
	}

	value, valueType := parseQueryValue(rawValue)
	return QueryCondition{
		Path:          path,
		Operator:      operator,
		ParsedValue:   value,
		ValueType:     valueType,
		IsInsensitive: insensitive,
		Original:      conditionStr,
	}, nil
}

func isOperator(op string) bool {
	if validOperators[op] {
		return true
	}
	base, ok := strings.CutSuffix(op, "-insensitive")
	return ok && validOperators[base]
}

// parseQueryValue types a literal. Numbers are checked before booleans
// because "0" and "1" parse as both.
func parseQueryValue(raw string) (interface{}, gjson.Type) {
	switch {
	case len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"':
		return raw[1 : len(raw)-1], gjson.String
	case raw == "null":
		return nil, gjson.Null
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, gjson.Number
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		if b {
			return true, gjson.True
		}
		return false, gjson.False
	}
	return raw, gjson.String
}

// --- Evaluation ---

// EvaluateQuery reports whether the JSON record matches query.
// A nil query matches everything.
func EvaluateQuery(record []byte, query *ParsedQuery) (bool, error) {
	if query == nil || len(query.Conditions) == 0 {
		return true, nil
	}
	if !gjson.ValidBytes(record) {
		return false, fmt.Errorf("record is not valid JSON")
	}

	result, err := evaluateCondition(record, query.Conditions[0])
	if err != nil {
		return false, fmt.Errorf("error evaluating condition '%s': %w", query.Conditions[0].Original, err)
	}
	for i, logic := range query.Logic {
		next, err := evaluateCondition(record, query.Conditions[i+1])
		if err != nil {
			return false, fmt.Errorf("error evaluating condition '%s': %w", query.Conditions[i+1].Original, err)
		}
		switch logic {
		case LogicAnd:
			result = result && next
		case LogicOr:
			result = result || next
		}
	}
	return result, nil
}

func evaluateCondition(record []byte, cond QueryCondition) (bool, error) {
	var target gjson.Result
	if cond.Path == "" {
		target = gjson.ParseBytes(record)
	} else {
		target = gjson.GetBytes(record, cond.Path)
		// Omitted fields behave as absent: only notEquals can match.
		if !target.Exists() {
			return cond.Operator == "notequals", nil
		}
	}
	return compareJSONValue(target, cond)
}

// compareJSONValue applies cond to a single gjson value.
func compareJSONValue(target gjson.Result, cond QueryCondition) (bool, error) {
	op := cond.Operator

	if target.IsArray() && op == "contains" {
		found := false
		target.ForEach(func(_, element gjson.Result) bool {
			found = elementEquals(element, cond)
			return !found
		})
		return found, nil
	}

	if target.Type == gjson.Null || cond.ValueType == gjson.Null {
		both := target.Type == gjson.Null && cond.ValueType == gjson.Null
		switch op {
		case "equals":
			return both, nil
		case "notequals":
			return !both, nil
		case "contains":
			if both {
				return false, fmt.Errorf("operator '%s' invalid for null comparison", op)
			}
			return false, nil
		default:
			return false, fmt.Errorf("operator '%s' invalid for null comparison", op)
		}
	}

	switch target.Type {
	case gjson.String:
		switch op {
		case "equals", "notequals", "contains", "startswith", "endswith":
		default:
			return false, fmt.Errorf("type mismatch: cannot apply numeric operator '%s' to string value", op)
		}
		want, ok := cond.ParsedValue.(string)
		if !ok {
			if op == "notequals" {
				return true, nil
			}
			return false, fmt.Errorf("type mismatch: cannot compare string with %s using operator '%s'", cond.ValueType, op)
		}
		have := target.String()
		if cond.IsInsensitive {
			have, want = strings.ToLower(have), strings.ToLower(want)
		}
		switch op {
		case "equals":
			return have == want, nil
		case "notequals":
			return have != want, nil
		case "contains":
			return strings.Contains(have, want), nil
		case "startswith":
			return strings.HasPrefix(have, want), nil
		default:
			return strings.HasSuffix(have, want), nil
		}

	case gjson.Number:
		if cond.IsInsensitive {
			return false, fmt.Errorf("operator '%s' cannot be case-insensitive for numeric comparison", op)
		}
		switch op {
		case "equals", "notequals", "greaterthan", "lessthan", "greaterthanorequals", "lessthanorequals":
		default:
			return false, fmt.Errorf("type mismatch: cannot apply string operator '%s' to numeric value", op)
		}
		want, ok := cond.ParsedValue.(float64)
		if !ok {
			if op == "notequals" {
				return true, nil
			}
			return false, fmt.Errorf("type mismatch: value '%v' is not a valid number for comparison with operator '%s'", cond.ParsedValue, op)
		}
		have := target.Float()
		switch op {
		case "equals":
			return have == want, nil
		case "notequals":
			return have != want, nil
		case "greaterthan":
			return have > want, nil
		case "lessthan":
			return have < want, nil
		case "greaterthanorequals":
			return have >= want, nil
		default:
			return have <= want, nil
		}

	case gjson.True, gjson.False:
		if op != "equals" && op != "notequals" {
			return false, fmt.Errorf("operator '%s' is invalid for boolean comparison", op)
		}
		want, ok := cond.ParsedValue.(bool)
		if !ok {
			if op == "notequals" {
				return true, nil
			}
			return false, fmt.Errorf("type mismatch: value '%v' is not a valid boolean for comparison with operator '%s'", cond.ParsedValue, op)
		}
		if op == "equals" {
			return target.Bool() == want, nil
		}
		return target.Bool() != want, nil

	case gjson.JSON:
		if target.IsArray() {
			return false, fmt.Errorf("operator '%s' is invalid for array comparison", op)
		}
		return false, fmt.Errorf("operator '%s' cannot directly compare JSON objects", op)
	}
	return false, fmt.Errorf("unsupported type '%s' encountered during query evaluation", target.Type)
}

// elementEquals is array membership: types must match exactly.
func elementEquals(element gjson.Result, cond QueryCondition) bool {
	switch element.Type {
	case gjson.String:
		want, ok := cond.ParsedValue.(string)
		if !ok {
			return false
		}
		if cond.IsInsensitive {
			return strings.EqualFold(element.String(), want)
		}
		return element.String() == want
	case gjson.Number:
		want, ok := cond.ParsedValue.(float64)
		return ok && element.Float() == want
	case gjson.True, gjson.False:
		want, ok := cond.ParsedValue.(bool)
		return ok && element.Bool() == want
	case gjson.Null:
		return cond.ValueType == gjson.Null
	}
	return false
}

// --- Listing ---

const (
	defaultLimit = 20
	maxLimit     = 100
)

// ListOptions filter, sort and paginate a collection.
type ListOptions struct {
	Query  []string // alternating conditions and and/or
	SortBy string   // gjson path, collection default when empty
	Order  string   // "asc" or "desc"
	Page   int      // 1-based
	Limit  int      // default 20, max 100
}

// Page is one slice of a filtered collection.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type encodedRecord[T any] struct {
	value T
	raw   []byte
}

// Select applies opts to records. Records that fail to evaluate are skipped.
func Select[T any](records []T, opts ListOptions, defaultSort, defaultOrder string) (Page[T], error) {
	query, err := ParseQuery(opts.Query)
	if err != nil {
		return Page[T]{}, fmt.Errorf("%w: invalid query: %v", ErrValidation, err)
	}
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = defaultSort
	}
	order := strings.ToLower(opts.Order)
	if order == "" {
		order = defaultOrder
	}
	if order != "asc" && order != "desc" {
		return Page[T]{}, invalid("order", "invalid order value: '%s', expected 'asc' or 'desc'", opts.Order)
	}

	matched := make([]encodedRecord[T], 0, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if query != nil {
			ok, err := EvaluateQuery(raw, query)
			if err != nil {
				logx.Debug("Skipping record during query evaluation", "error", err.Error())
				continue
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, encodedRecord[T]{value: rec, raw: raw})
	}

	if sortBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			a := gjson.GetBytes(matched[i].raw, sortBy)
			b := gjson.GetBytes(matched[j].raw, sortBy)
			if order == "desc" {
				return lessResult(b, a)
			}
			return lessResult(a, b)
		})
	}

	page, limit := normalizePage(opts.Page, opts.Limit)
	out := Page[T]{Items: make([]T, 0), Total: len(matched), Page: page, Limit: limit}
	// Checked before multiplying so a huge page cannot overflow.
	if page-1 > len(matched)/limit {
		return out, nil
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return out, nil
	}
	end := min(start+limit, len(matched))
	for _, rec := range matched[start:end] {
		out.Items = append(out.Items, rec.value)
	}
	return out, nil
}

func normalizePage(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

// lessResult orders numbers numerically, RFC 3339 timestamps chronologically
// and everything else by its string form. Missing values sort first.
func lessResult(a, b gjson.Result) bool {
	if !a.Exists() || !b.Exists() {
		return !a.Exists() && b.Exists()
	}
	if a.Type == gjson.Number && b.Type == gjson.Number {
		return a.Float() < b.Float()
	}
	if a.Type == gjson.String && b.Type == gjson.String {
		ta, errA := time.Parse(time.RFC3339Nano, a.Str)
		tb, errB := time.Parse(time.RFC3339Nano, b.Str)
		if errA == nil && errB == nil {
			return ta.Before(tb)
		}
	}
	return a.String() < b.String()
}
