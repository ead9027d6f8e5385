package taskstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pulpfleet/reposync/errs"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq    Op = "eq"
	OpLike  Op = "like"
	OpGt    Op = "gt"
	OpGe    Op = "ge"
	OpLt    Op = "lt"
	OpLe    Op = "le"
	OpIn    Op = "in"
	OpMatch Op = "match"
)

var sqlOp = map[Op]string{
	OpEq:    "=",
	OpLike:  "LIKE",
	OpGt:    ">",
	OpGe:    ">=",
	OpLt:    "<",
	OpLe:    "<=",
	OpMatch: "~",
}

// Filter is one parsed predicate: a column, an operator, and a value.
// Value is a single scalar except for OpIn, where it is a comma-separated
// list.
type Filter struct {
	Field string
	Op    Op
	Value string
}

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderBy is an ordered-by directive: one column and a direction.
type OrderBy struct {
	Column    string
	Direction Direction
}

// columnSet is the set of columns a given query is allowed to filter or
// sort on; anything else is rejected with FilterError rather than passed
// through to SQL.
type columnSet map[string]bool

// enumColumns maps filterable enum columns to the name->stored-value
// translation the caller's names must pass through, per spec §4.1 ("enum
// valued columns are accepted by name at the filter boundary").
type enumColumns map[string]map[string]string

// ParseFilters parses a raw `field[__op]=value` query map into typed
// Filters plus an optional OrderBy, validating every key against allowed
// and enum columns. Accepted keys are exactly {order_by, sort_by,
// <field>[__{like,gt,ge,lt,le,in,match}]}; anything else is FilterError.
func ParseFilters(raw map[string]string, allowed columnSet, enums enumColumns) ([]Filter, *OrderBy, error) {
	var (
		filters []Filter
		order   *OrderBy
	)

	for key, value := range raw {
		switch key {
		case "order_by":
			continue // consumed together with sort_by below
		case "sort_by":
			continue
		}

		field, op, err := splitFilterKey(key)
		if err != nil {
			return nil, nil, err
		}
		if !allowed[field] {
			return nil, nil, errs.New(errs.FilterError, fmt.Sprintf("unknown or disallowed filter field %q", field))
		}

		if translation, ok := enums[field]; ok {
			translated, ok := translation[value]
			if !ok && op != OpIn {
				return nil, nil, errs.New(errs.FilterError, fmt.Sprintf("invalid enum value %q for field %q", value, field))
			}
			if ok {
				value = translated
			}
		}

		filters = append(filters, Filter{Field: field, Op: op, Value: value})
	}

	if col, ok := raw["order_by"]; ok {
		if !allowed[col] {
			return nil, nil, errs.New(errs.FilterError, fmt.Sprintf("unknown or disallowed order_by field %q", col))
		}
		dir := Direction(strings.ToLower(raw["sort_by"]))
		if dir != Asc && dir != Desc {
			dir = Asc
		}
		order = &OrderBy{Column: col, Direction: dir}
	}

	return filters, order, nil
}

// splitFilterKey splits "field__op" into field and Op, defaulting to eq
// when no "__op" suffix is present.
func splitFilterKey(key string) (string, Op, error) {
	idx := strings.LastIndex(key, "__")
	if idx < 0 {
		return key, OpEq, nil
	}

	field, rawOp := key[:idx], key[idx+2:]
	switch Op(rawOp) {
	case OpLike, OpGt, OpGe, OpLt, OpLe, OpIn, OpMatch:
		return field, Op(rawOp), nil
	default:
		return "", "", errs.New(errs.FilterError, fmt.Sprintf("unsupported filter operator %q", rawOp))
	}
}

// Build renders the WHERE clause fragment and positional args for the
// given filters, starting argument numbering at argOffset+1.
func Build(filters []Filter, argOffset int) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}

	var (
		clauses []string
		args    []any
	)
	n := argOffset

	for _, f := range filters {
		n++
		switch f.Op {
		case OpIn:
			values := strings.Split(f.Value, ",")
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = "$" + strconv.Itoa(n)
				args = append(args, v)
				if i < len(values)-1 {
					n++
				}
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", f.Field, strings.Join(placeholders, ", ")))
		case OpLike:
			clauses = append(clauses, fmt.Sprintf("%s LIKE $%d", f.Field, n))
			args = append(args, f.Value)
		case OpMatch:
			clauses = append(clauses, fmt.Sprintf("%s ~ $%d", f.Field, n))
			args = append(args, f.Value)
		default:
			clauses = append(clauses, fmt.Sprintf("%s %s $%d", f.Field, sqlOp[f.Op], n))
			args = append(args, f.Value)
		}
	}

	return strings.Join(clauses, " AND "), args
}

// Page is a bounded page request. PageSize must not exceed the
// configured maximum, checked by ValidatePage before any DB read.
type Page struct {
	Page     int
	PageSize int
}

// ValidatePage enforces the configured maximum page size, failing
// closed with PageSizeTooLarge and performing no DB read, per the
// "Page bound" testable property.
func ValidatePage(p Page, maxPageSize int) error {
	if p.PageSize > maxPageSize {
		return errs.New(errs.PageSizeTooLarge, fmt.Sprintf("page_size %d exceeds maximum %d", p.PageSize, maxPageSize))
	}
	return nil
}

// Offset returns the SQL OFFSET for this page (1-indexed pages).
func (p Page) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}
