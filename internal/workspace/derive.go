package workspace

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/ontask-platform/ontask/internal/types"
)

// DeriveOp is an aggregation applied across source columns to produce a
// derived column.
type DeriveOp string

const (
	DeriveSum    DeriveOp = "sum"
	DeriveProd   DeriveOp = "prod"
	DeriveMin    DeriveOp = "min"
	DeriveMax    DeriveOp = "max"
	DeriveMean   DeriveOp = "mean"
	DeriveMedian DeriveOp = "median"
	DeriveStd    DeriveOp = "std"
	DeriveAll    DeriveOp = "all"
	DeriveAny    DeriveOp = "any"
)

// ErrDeriveInvalid indicates an inadmissible derivation request.
var ErrDeriveInvalid = errors.New("workspace: invalid column derivation")

// DeriveFormulaColumn creates a column whose cells aggregate same-type
// source columns: arithmetic and statistical operators over numeric
// columns, all/any over boolean columns. The result type is the natural
// one: integer sums of integers stay integer, mean/median/std always
// produce double, all/any produce boolean.
func (s *Store) DeriveFormulaColumn(
	wf *Workflow,
	name string,
	op DeriveOp,
	sources []string,
) error {
	if len(sources) == 0 {
		return fmt.Errorf("%w: no source columns", ErrDeriveInvalid)
	}
	if wf.ColumnByName(name) != nil {
		return fmt.Errorf("%w: %q", ErrColumnExists, name)
	}

	logical := op == DeriveAll || op == DeriveAny
	var sourceType types.ColumnType
	for i, source := range sources {
		column := wf.ColumnByName(source)
		if column == nil {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, source)
		}
		if logical {
			if column.ColType != types.ColumnTypeBoolean {
				return fmt.Errorf(
					"%w: %s requires boolean columns", ErrDeriveInvalid, op)
			}
		} else if !column.ColType.IsNumeric() {
			return fmt.Errorf(
				"%w: %s requires numeric columns", ErrDeriveInvalid, op)
		}
		if i == 0 {
			sourceType = column.ColType
		} else if column.ColType != sourceType {
			return fmt.Errorf(
				"%w: source columns must share a type", ErrDeriveInvalid)
		}
	}

	resultType := deriveResultType(op, sourceType)
	data, err := s.Load(wf, nil, nil)
	if err != nil {
		return err
	}
	for _, row := range data.Rows {
		cell, err := deriveCell(op, sources, row)
		if err != nil {
			return err
		}
		row[name] = cell
	}
	data.Columns = append(data.Columns, name)
	data.Types[name] = resultType
	return s.Replace(wf, data)
}

// RandomColumnSpec describes a random partition column: either N classes
// labelled 1…N, or an explicit list of literal values.
type RandomColumnSpec struct {
	Name   string
	N      int
	Values []any
	Seed   int64
}

// DeriveRandomColumn partitions the rows into classes of sizes differing by
// at most one and assigns each class its value.
func (s *Store) DeriveRandomColumn(wf *Workflow, spec RandomColumnSpec) error {
	if wf.ColumnByName(spec.Name) != nil {
		return fmt.Errorf("%w: %q", ErrColumnExists, spec.Name)
	}
	values := spec.Values
	colType := types.ColumnTypeString
	if len(values) == 0 {
		if spec.N < 2 {
			return fmt.Errorf(
				"%w: random column requires n >= 2 or literal values",
				ErrDeriveInvalid)
		}
		colType = types.ColumnTypeInteger
		for i := 1; i <= spec.N; i++ {
			values = append(values, int64(i))
		}
	} else if len(values) < 2 {
		return fmt.Errorf(
			"%w: random column requires at least two values", ErrDeriveInvalid)
	} else {
		colType = types.Infer(values)
	}

	data, err := s.Load(wf, nil, nil)
	if err != nil {
		return err
	}
	assignments := randomPartition(data.NumRows(), len(values), spec.Seed)
	for i, row := range data.Rows {
		row[spec.Name] = values[assignments[i]]
	}
	data.Columns = append(data.Columns, spec.Name)
	data.Types[spec.Name] = colType
	return s.Replace(wf, data)
}

// randomPartition spreads count row indices over classes whose sizes differ
// by at most one: a shuffled round-robin assignment.
func randomPartition(count, classes int, seed int64) []int {
	order := make([]int, count)
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(count, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	assignments := make([]int, count)
	for position, rowIndex := range order {
		assignments[rowIndex] = position % classes
	}
	return assignments
}

func deriveResultType(op DeriveOp, sourceType types.ColumnType) types.ColumnType {
	switch op {
	case DeriveAll, DeriveAny:
		return types.ColumnTypeBoolean
	case DeriveMean, DeriveMedian, DeriveStd:
		return types.ColumnTypeDouble
	}
	return sourceType
}

func deriveCell(op DeriveOp, sources []string, row map[string]any) (any, error) {
	if op == DeriveAll || op == DeriveAny {
		result := op == DeriveAll
		for _, source := range sources {
			cell, _ := row[source].(bool)
			if op == DeriveAll {
				result = result && cell
			} else {
				result = result || cell
			}
		}
		return result, nil
	}

	numbers := make([]float64, 0, len(sources))
	integral := true
	for _, source := range sources {
		switch typed := row[source].(type) {
		case nil:
			continue
		case int64:
			numbers = append(numbers, float64(typed))
		case float64:
			numbers = append(numbers, typed)
			integral = false
		default:
			return nil, fmt.Errorf(
				"%w: cell %v is not numeric", ErrDeriveInvalid, row[source])
		}
	}
	if len(numbers) == 0 {
		return nil, nil
	}

	var result float64
	switch op {
	case DeriveSum:
		for _, number := range numbers {
			result += number
		}
	case DeriveProd:
		result = 1
		for _, number := range numbers {
			result *= number
		}
	case DeriveMin:
		result = numbers[0]
		for _, number := range numbers[1:] {
			result = math.Min(result, number)
		}
	case DeriveMax:
		result = numbers[0]
		for _, number := range numbers[1:] {
			result = math.Max(result, number)
		}
	case DeriveMean:
		for _, number := range numbers {
			result += number
		}
		result /= float64(len(numbers))
		return result, nil
	case DeriveMedian:
		sorted := append([]float64(nil), numbers...)
		sort.Float64s(sorted)
		middle := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[middle], nil
		}
		return (sorted[middle-1] + sorted[middle]) / 2, nil
	case DeriveStd:
		var mean float64
		for _, number := range numbers {
			mean += number
		}
		mean /= float64(len(numbers))
		var variance float64
		for _, number := range numbers {
			variance += (number - mean) * (number - mean)
		}
		variance /= float64(len(numbers))
		return math.Sqrt(variance), nil
	default:
		return nil, fmt.Errorf("%w: operator %q", ErrDeriveInvalid, op)
	}

	if integral && (op == DeriveSum || op == DeriveProd ||
		op == DeriveMin || op == DeriveMax) {
		return int64(result), nil
	}
	return result, nil
}
