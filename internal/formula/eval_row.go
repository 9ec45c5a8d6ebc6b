package formula

import (
	"fmt"
	"strings"
	"time"

	"github.com/ontask-platform/ontask/internal/types"
)

// EvalRow evaluates the tree against a single row given as name→value. A
// leaf referencing a name absent from the row fails with ErrUnknownVariable.
//
// NULL semantics mirror the SQL target exactly so that the two evaluators
// select the same rows: positive comparisons are false on a null cell,
// negative comparisons (not_equal, not_contains, not_begins_with,
// not_ends_with) are true, is_empty treats null as empty, and the range
// operators are false on null.
func EvalRow(n *Node, row map[string]any) (bool, error) {
	if n == nil {
		return true, nil
	}
	if n.IsGroup() {
		return evalGroup(n, row)
	}
	return evalLeaf(n, row)
}

func evalGroup(n *Node, row map[string]any) (bool, error) {
	if n.Op != GroupAnd && n.Op != GroupOr {
		return false, fmt.Errorf("%w: group operator %q", ErrInvalidFormula, n.Op)
	}
	result := n.Op == GroupAnd
	for _, child := range n.Children {
		holds, err := EvalRow(child, row)
		if err != nil {
			return false, err
		}
		if n.Op == GroupAnd {
			result = result && holds
		} else {
			result = result || holds
		}
	}
	if n.Negated {
		result = !result
	}
	return result, nil
}

func evalLeaf(n *Node, row map[string]any) (bool, error) {
	cell, present := row[n.Field]
	if !present {
		return false, fmt.Errorf("%w: %q", ErrUnknownVariable, n.Field)
	}
	isNull := cell == nil

	switch n.Operator {
	case OpIsEmpty:
		return isNull || cell == "", nil
	case OpIsNotEmpty:
		return !isNull && cell != "", nil
	}

	if isNull {
		// Negative operators admit null, everything else rejects it.
		return isNegativeOperator(n.Operator), nil
	}

	value, err := types.Coerce(cell, n.Type, nil)
	if err != nil {
		return false, fmt.Errorf("%w: field %q: %v", ErrInvalidFormula, n.Field, err)
	}

	switch n.Operator {
	case OpEqual, OpNotEqual:
		constant, err := leafConstant(n, n.Value)
		if err != nil {
			return false, err
		}
		equal := valuesEqual(value, constant)
		if n.Operator == OpNotEqual {
			return !equal, nil
		}
		return equal, nil
	case OpBeginsWith, OpNotBeginsWith, OpContains, OpNotContains,
		OpEndsWith, OpNotEndsWith:
		return evalStringLeaf(n, value)
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		constant, err := leafConstant(n, n.Value)
		if err != nil {
			return false, err
		}
		ordering, err := compareValues(value, constant)
		if err != nil {
			return false, err
		}
		switch n.Operator {
		case OpLess:
			return ordering < 0, nil
		case OpLessOrEqual:
			return ordering <= 0, nil
		case OpGreater:
			return ordering > 0, nil
		default:
			return ordering >= 0, nil
		}
	case OpBetween, OpNotBetween:
		lowRaw, highRaw, err := rangeValues(n)
		if err != nil {
			return false, err
		}
		low, err := leafConstant(n, lowRaw)
		if err != nil {
			return false, err
		}
		high, err := leafConstant(n, highRaw)
		if err != nil {
			return false, err
		}
		aboveLow, err := compareValues(value, low)
		if err != nil {
			return false, err
		}
		belowHigh, err := compareValues(value, high)
		if err != nil {
			return false, err
		}
		inside := aboveLow >= 0 && belowHigh <= 0
		if n.Operator == OpNotBetween {
			return !inside, nil
		}
		return inside, nil
	}
	return false, fmt.Errorf("%w: operator %q", ErrInvalidFormula, n.Operator)
}

func evalStringLeaf(n *Node, value any) (bool, error) {
	text, ok := value.(string)
	if !ok {
		return false, fmt.Errorf(
			"%w: operator %q requires a string field", ErrInvalidFormula, n.Operator)
	}
	constant, err := leafConstant(n, n.Value)
	if err != nil {
		return false, err
	}
	needle, ok := constant.(string)
	if !ok {
		return false, fmt.Errorf(
			"%w: operator %q requires a string literal", ErrInvalidFormula, n.Operator)
	}
	switch n.Operator {
	case OpBeginsWith:
		return strings.HasPrefix(text, needle), nil
	case OpNotBeginsWith:
		return !strings.HasPrefix(text, needle), nil
	case OpContains:
		return strings.Contains(text, needle), nil
	case OpNotContains:
		return !strings.Contains(text, needle), nil
	case OpEndsWith:
		return strings.HasSuffix(text, needle), nil
	default:
		return !strings.HasSuffix(text, needle), nil
	}
}

// leafConstant coerces the literal stored in the node to the leaf type.
func leafConstant(n *Node, raw any) (any, error) {
	constant, err := types.Coerce(raw, n.Type, nil)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: literal %v for type %q", ErrInvalidFormula, raw, n.Type)
	}
	return constant, nil
}

func valuesEqual(left, right any) bool {
	if leftTime, ok := left.(time.Time); ok {
		rightTime, ok := right.(time.Time)
		return ok && leftTime.Equal(rightTime)
	}
	return left == right
}

// compareValues orders two canonical values of the same leaf type.
func compareValues(left, right any) (int, error) {
	switch typedLeft := left.(type) {
	case int64:
		typedRight, ok := right.(int64)
		if !ok {
			break
		}
		switch {
		case typedLeft < typedRight:
			return -1, nil
		case typedLeft > typedRight:
			return 1, nil
		}
		return 0, nil
	case float64:
		typedRight, ok := right.(float64)
		if !ok {
			break
		}
		switch {
		case typedLeft < typedRight:
			return -1, nil
		case typedLeft > typedRight:
			return 1, nil
		}
		return 0, nil
	case time.Time:
		typedRight, ok := right.(time.Time)
		if !ok {
			break
		}
		switch {
		case typedLeft.Before(typedRight):
			return -1, nil
		case typedLeft.After(typedRight):
			return 1, nil
		}
		return 0, nil
	case string:
		typedRight, ok := right.(string)
		if !ok {
			break
		}
		return strings.Compare(typedLeft, typedRight), nil
	}
	return 0, fmt.Errorf("%w: values %T and %T are not comparable",
		ErrInvalidFormula, left, right)
}
