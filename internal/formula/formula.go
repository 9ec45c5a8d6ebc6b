// Package formula implements the serializable predicate trees attached to
// conditions, filters and views. A tree evaluates in two targets with the
// same semantics: against an in-memory row and as a parameterized SQL
// fragment pushed down to the workspace table.
package formula

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ontask-platform/ontask/internal/types"
)

// GroupOp joins the children of a group node.
type GroupOp string

const (
	// GroupAnd requires every child to hold.
	GroupAnd GroupOp = "AND"
	// GroupOr requires at least one child to hold.
	GroupOr GroupOp = "OR"
)

// Operator identifies a leaf comparison.
type Operator string

const (
	OpEqual          Operator = "equal"
	OpNotEqual       Operator = "not_equal"
	OpBeginsWith     Operator = "begins_with"
	OpNotBeginsWith  Operator = "not_begins_with"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpEndsWith       Operator = "ends_with"
	OpNotEndsWith    Operator = "not_ends_with"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
	OpLess           Operator = "less"
	OpLessOrEqual    Operator = "less_or_equal"
	OpGreater        Operator = "greater"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpBetween        Operator = "between"
	OpNotBetween     Operator = "not_between"
)

var (
	// ErrUnknownVariable indicates a leaf references a name the row does
	// not carry.
	ErrUnknownVariable = errors.New("formula: unknown variable")
	// ErrInvalidFormula indicates a structural or type/operator mismatch.
	ErrInvalidFormula = errors.New("formula: invalid formula")
)

var stringOps = []Operator{
	OpEqual, OpNotEqual, OpBeginsWith, OpNotBeginsWith, OpContains,
	OpNotContains, OpEndsWith, OpNotEndsWith, OpIsEmpty, OpIsNotEmpty,
}

// Every type admits the emptiness probes: any column can hold NULL.
var orderedOps = []Operator{
	OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater,
	OpGreaterOrEqual, OpBetween, OpNotBetween, OpIsEmpty, OpIsNotEmpty,
}

var booleanOps = []Operator{OpEqual, OpNotEqual, OpIsEmpty, OpIsNotEmpty}

// operatorTable maps each column type to its admissible operators.
var operatorTable = map[types.ColumnType]map[Operator]struct{}{
	types.ColumnTypeString:   operatorSet(stringOps),
	types.ColumnTypeInteger:  operatorSet(orderedOps),
	types.ColumnTypeDouble:   operatorSet(orderedOps),
	types.ColumnTypeDatetime: operatorSet(orderedOps),
	types.ColumnTypeBoolean:  operatorSet(booleanOps),
}

func operatorSet(ops []Operator) map[Operator]struct{} {
	set := make(map[Operator]struct{}, len(ops))
	for _, op := range ops {
		set[op] = struct{}{}
	}
	return set
}

// OperatorsFor returns the admissible operators for a column type, in the
// catalog order presented to the query builder.
func OperatorsFor(colType types.ColumnType) []Operator {
	switch colType {
	case types.ColumnTypeString:
		return append([]Operator(nil), stringOps...)
	case types.ColumnTypeInteger, types.ColumnTypeDouble, types.ColumnTypeDatetime:
		return append([]Operator(nil), orderedOps...)
	case types.ColumnTypeBoolean:
		return append([]Operator(nil), booleanOps...)
	}
	return nil
}

// Node is one vertex of a formula tree: either a group (Op nonempty,
// Children populated) or a leaf (Field/Type/Operator populated). The JSON
// field names match the serialized query-builder representation, so stored
// trees survive round-trips unchanged.
type Node struct {
	Op       GroupOp `json:"condition,omitempty"`
	Negated  bool    `json:"not,omitempty"`
	Children []*Node `json:"rules,omitempty"`

	ID       string           `json:"id,omitempty"`
	Field    string           `json:"field,omitempty"`
	Type     types.ColumnType `json:"type,omitempty"`
	Operator Operator         `json:"operator,omitempty"`
	// Value holds the comparison literal. Range operators carry a pair
	// encoded as a two-element slice.
	Value any `json:"value,omitempty"`
}

// IsGroup reports whether the node joins sub-formulas.
func (n *Node) IsGroup() bool {
	return n != nil && n.Op != ""
}

// Group builds an AND/OR node over the given children.
func Group(op GroupOp, negated bool, children ...*Node) *Node {
	return &Node{Op: op, Negated: negated, Children: children}
}

// Leaf builds a comparison node.
func Leaf(field string, colType types.ColumnType, op Operator, value any) *Node {
	return &Node{ID: field, Field: field, Type: colType, Operator: op, Value: value}
}

// Marshal serializes the tree.
func Marshal(n *Node) (string, error) {
	if n == nil {
		return "", nil
	}
	encoded, err := json.Marshal(n)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Unmarshal parses a serialized tree. An empty payload yields nil.
func Unmarshal(payload string) (*Node, error) {
	if payload == "" {
		return nil, nil
	}
	var node Node
	if err := json.Unmarshal([]byte(payload), &node); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormula, err)
	}
	return &node, nil
}

// Validate checks the structural invariants: groups have a known join
// operator and at least one child, leaves pair a known type with an
// operator admissible for it.
func Validate(n *Node) error {
	if n == nil {
		return nil
	}
	if n.IsGroup() {
		if n.Op != GroupAnd && n.Op != GroupOr {
			return fmt.Errorf("%w: group operator %q", ErrInvalidFormula, n.Op)
		}
		if len(n.Children) == 0 {
			return fmt.Errorf("%w: empty group", ErrInvalidFormula)
		}
		for _, child := range n.Children {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	}
	if n.Field == "" {
		return fmt.Errorf("%w: leaf without field", ErrInvalidFormula)
	}
	admissible, known := operatorTable[n.Type]
	if !known {
		return fmt.Errorf("%w: type %q", ErrInvalidFormula, n.Type)
	}
	if _, ok := admissible[n.Operator]; !ok {
		return fmt.Errorf(
			"%w: operator %q not admissible for type %q",
			ErrInvalidFormula, n.Operator, n.Type)
	}
	if isRangeOperator(n.Operator) {
		if _, _, err := rangeValues(n); err != nil {
			return err
		}
	}
	return nil
}

// Variables returns the distinct column names referenced by leaves, in
// first-appearance order.
func Variables(n *Node) []string {
	var names []string
	seen := make(map[string]struct{})
	walkLeaves(n, func(leaf *Node) {
		if _, dup := seen[leaf.Field]; !dup {
			seen[leaf.Field] = struct{}{}
			names = append(names, leaf.Field)
		}
	})
	return names
}

// Contains reports whether any leaf references the column.
func Contains(n *Node, name string) bool {
	found := false
	walkLeaves(n, func(leaf *Node) {
		if leaf.Field == name {
			found = true
		}
	})
	return found
}

// Rename rewrites every leaf referencing old to reference new, updating
// both the field and the display id.
func Rename(n *Node, old, new string) {
	walkLeaves(n, func(leaf *Node) {
		if leaf.Field == old {
			leaf.Field = new
			leaf.ID = new
		}
	})
}

func walkLeaves(n *Node, visit func(*Node)) {
	if n == nil {
		return
	}
	if n.IsGroup() {
		for _, child := range n.Children {
			walkLeaves(child, visit)
		}
		return
	}
	visit(n)
}

func isRangeOperator(op Operator) bool {
	return op == OpBetween || op == OpNotBetween
}

func isNegativeOperator(op Operator) bool {
	switch op {
	case OpNotEqual, OpNotBeginsWith, OpNotContains, OpNotEndsWith:
		return true
	}
	return false
}

// rangeValues extracts the (low, high) pair of a between/not_between leaf.
func rangeValues(n *Node) (any, any, error) {
	pair, ok := n.Value.([]any)
	if !ok || len(pair) != 2 {
		return nil, nil, fmt.Errorf(
			"%w: operator %q requires a pair of values", ErrInvalidFormula, n.Operator)
	}
	return pair[0], pair[1], nil
}
