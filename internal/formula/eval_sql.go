package formula

import (
	"fmt"
	"strings"
	"time"

	"github.com/ontask-platform/ontask/internal/types"
)

// SQL compiles the tree into a parameterized WHERE fragment plus its
// argument list. NULL handling is explicit in every clause so that the
// result selects exactly the rows EvalRow accepts: positive operators add
// `AND col IS NOT NULL`, negative operators add `OR col IS NULL`.
//
// A nil tree compiles to an empty fragment (no restriction).
func SQL(n *Node) (string, []any, error) {
	if n == nil {
		return "", nil, nil
	}
	return compileNode(n)
}

func compileNode(n *Node) (string, []any, error) {
	if !n.IsGroup() {
		return compileLeaf(n)
	}
	if n.Op != GroupAnd && n.Op != GroupOr {
		return "", nil, fmt.Errorf("%w: group operator %q", ErrInvalidFormula, n.Op)
	}
	if len(n.Children) == 0 {
		return "", nil, nil
	}
	fragments := make([]string, 0, len(n.Children))
	var args []any
	for _, child := range n.Children {
		fragment, childArgs, err := compileNode(child)
		if err != nil {
			return "", nil, err
		}
		if fragment == "" {
			continue
		}
		fragments = append(fragments, fragment)
		args = append(args, childArgs...)
	}
	if len(fragments) == 0 {
		return "", nil, nil
	}
	joined := "(" + strings.Join(fragments, ") "+string(n.Op)+" (") + ")"
	combined := "(" + joined + ")"
	if n.Negated {
		combined = "(NOT " + combined + ")"
	}
	return combined, args, nil
}

func compileLeaf(n *Node) (string, []any, error) {
	if err := Validate(n); err != nil {
		return "", nil, err
	}
	column := QuoteIdentifier(n.Field)

	switch n.Operator {
	case OpEqual:
		arg, err := sqlArgument(n, n.Value)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(%s = ?) AND (%s IS NOT NULL)", column, column),
			[]any{arg}, nil
	case OpNotEqual:
		arg, err := sqlArgument(n, n.Value)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(%s != ?) OR (%s IS NULL)", column, column),
			[]any{arg}, nil
	case OpBeginsWith:
		return likeClause(n, column, false, "%s%%")
	case OpNotBeginsWith:
		return likeClause(n, column, true, "%s%%")
	case OpContains:
		return likeClause(n, column, false, "%%%s%%")
	case OpNotContains:
		return likeClause(n, column, true, "%%%s%%")
	case OpEndsWith:
		return likeClause(n, column, false, "%%%s")
	case OpNotEndsWith:
		return likeClause(n, column, true, "%%%s")
	case OpIsEmpty:
		return fmt.Sprintf("(%s = '') OR (%s IS NULL)", column, column), nil, nil
	case OpIsNotEmpty:
		return fmt.Sprintf("(%s != '') AND (%s IS NOT NULL)", column, column),
			nil, nil
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		arg, err := sqlArgument(n, n.Value)
		if err != nil {
			return "", nil, err
		}
		comparison := map[Operator]string{
			OpLess:           "<",
			OpLessOrEqual:    "<=",
			OpGreater:        ">",
			OpGreaterOrEqual: ">=",
		}[n.Operator]
		return fmt.Sprintf("(%s %s ?) AND (%s IS NOT NULL)",
			column, comparison, column), []any{arg}, nil
	case OpBetween, OpNotBetween:
		lowRaw, highRaw, err := rangeValues(n)
		if err != nil {
			return "", nil, err
		}
		low, err := sqlArgument(n, lowRaw)
		if err != nil {
			return "", nil, err
		}
		high, err := sqlArgument(n, highRaw)
		if err != nil {
			return "", nil, err
		}
		keyword := "BETWEEN"
		if n.Operator == OpNotBetween {
			keyword = "NOT BETWEEN"
		}
		return fmt.Sprintf("(%s %s ? AND ?) AND (%s IS NOT NULL)",
			column, keyword, column), []any{low, high}, nil
	}
	return "", nil, fmt.Errorf("%w: operator %q", ErrInvalidFormula, n.Operator)
}

func likeClause(
	n *Node,
	column string,
	negated bool,
	pattern string,
) (string, []any, error) {
	constant, err := leafConstant(n, n.Value)
	if err != nil {
		return "", nil, err
	}
	text, ok := constant.(string)
	if !ok {
		return "", nil, fmt.Errorf(
			"%w: operator %q requires a string literal", ErrInvalidFormula, n.Operator)
	}
	arg := fmt.Sprintf(pattern, text)
	if negated {
		return fmt.Sprintf("(%s NOT LIKE ?) OR (%s IS NULL)", column, column),
			[]any{arg}, nil
	}
	return fmt.Sprintf("(%s LIKE ?) AND (%s IS NOT NULL)", column, column),
		[]any{arg}, nil
}

// storageTimeLayout is fixed-width so the TEXT affinity column orders
// lexicographically the same way the values order chronologically.
// RFC3339Nano trims trailing fractional zeros and breaks that.
const storageTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqlArgument converts the leaf literal into the representation stored in
// the workspace table: booleans as 0/1, datetimes as fixed-width UTC text.
func sqlArgument(n *Node, raw any) (any, error) {
	constant, err := leafConstant(n, raw)
	if err != nil {
		return nil, err
	}
	return StorageValue(constant), nil
}

// StorageValue maps a canonical cell value onto its SQL representation.
func StorageValue(value any) any {
	switch typed := value.(type) {
	case bool:
		if typed {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return typed.UTC().Format(storageTimeLayout)
	}
	return value
}

// CellFromStorage converts a scanned SQL value back into the canonical
// representation for the column type.
func CellFromStorage(value any, colType types.ColumnType) (any, error) {
	if value == nil {
		return nil, nil
	}
	// Drivers hand back []byte for text affinity columns.
	if raw, ok := value.([]byte); ok {
		value = string(raw)
	}
	return types.Coerce(value, colType, time.UTC)
}

// QuoteIdentifier encloses a column or table name in double quotes, doubling
// embedded quotes. Any percent sign is doubled so the identifier survives
// format substitution in query assembly.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	escaped = strings.ReplaceAll(escaped, "%", "%%")
	return `"` + escaped + `"`
}
