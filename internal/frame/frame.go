// Package frame holds the in-memory tabular value exchanged between the
// upload parsers, the workspace store, the merge planner and plugins.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ontask-platform/ontask/internal/types"
)

var (
	// ErrDuplicatedColumns indicates an incoming frame repeats a column name.
	ErrDuplicatedColumns = errors.New("frame: duplicated column names")
	// ErrUnknownColumn indicates a referenced column is not in the frame.
	ErrUnknownColumn = errors.New("frame: unknown column")
	// ErrRaggedRows indicates a row carries a cell for a column the frame
	// does not declare.
	ErrRaggedRows = errors.New("frame: row references undeclared column")
)

// Frame is an ordered, typed, in-memory table. Rows are keyed by column
// name; a missing entry and an explicit nil both denote a null cell.
type Frame struct {
	Columns []string
	Types   map[string]types.ColumnType
	Rows    []map[string]any
}

// New builds an empty frame with the given column order and types.
func New(columns []string, colTypes map[string]types.ColumnType) (*Frame, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, name := range columns {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatedColumns, name)
		}
		seen[name] = struct{}{}
	}
	copied := make(map[string]types.ColumnType, len(colTypes))
	for name, colType := range colTypes {
		copied[name] = colType
	}
	return &Frame{Columns: append([]string(nil), columns...), Types: copied}, nil
}

// NumRows returns the number of rows.
func (f *Frame) NumRows() int {
	return len(f.Rows)
}

// HasColumn reports whether the frame declares the column.
func (f *Frame) HasColumn(name string) bool {
	for _, column := range f.Columns {
		if column == name {
			return true
		}
	}
	return false
}

// Series extracts the values of one column in row order.
func (f *Frame) Series(name string) ([]any, error) {
	if !f.HasColumn(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	series := make([]any, len(f.Rows))
	for i, row := range f.Rows {
		series[i] = row[name]
	}
	return series, nil
}

// Append adds a row after checking it only references declared columns.
func (f *Frame) Append(row map[string]any) error {
	for name := range row {
		if !f.HasColumn(name) {
			return fmt.Errorf("%w: %q", ErrRaggedRows, name)
		}
	}
	f.Rows = append(f.Rows, row)
	return nil
}

// Project returns a new frame restricted to the requested columns, keeping
// their requested order.
func (f *Frame) Project(columns []string) (*Frame, error) {
	colTypes := make(map[string]types.ColumnType, len(columns))
	for _, name := range columns {
		if !f.HasColumn(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
		colTypes[name] = f.Types[name]
	}
	projected, err := New(columns, colTypes)
	if err != nil {
		return nil, err
	}
	for _, row := range f.Rows {
		subset := make(map[string]any, len(columns))
		for _, name := range columns {
			if value, ok := row[name]; ok {
				subset[name] = value
			}
		}
		projected.Rows = append(projected.Rows, subset)
	}
	return projected, nil
}

// RenameColumn rewrites a column name in the schema and in every row.
func (f *Frame) RenameColumn(old, new string) error {
	if !f.HasColumn(old) {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, old)
	}
	if old == new {
		return nil
	}
	if f.HasColumn(new) {
		return fmt.Errorf("%w: %q", ErrDuplicatedColumns, new)
	}
	for i, name := range f.Columns {
		if name == old {
			f.Columns[i] = new
		}
	}
	f.Types[new] = f.Types[old]
	delete(f.Types, old)
	for _, row := range f.Rows {
		if value, ok := row[old]; ok {
			row[new] = value
			delete(row, old)
		}
	}
	return nil
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	cloned, _ := New(f.Columns, f.Types)
	cloned.Rows = make([]map[string]any, len(f.Rows))
	for i, row := range f.Rows {
		copied := make(map[string]any, len(row))
		for name, value := range row {
			copied[name] = value
		}
		cloned.Rows[i] = copied
	}
	return cloned
}

// Coerce normalizes every cell to the canonical representation of its
// column type, applying the location to naive datetime strings.
func (f *Frame) Coerce(loc *time.Location) error {
	for _, name := range f.Columns {
		colType, ok := f.Types[name]
		if !ok {
			colType = types.ColumnTypeString
		}
		for _, row := range f.Rows {
			value, present := row[name]
			if !present || value == nil {
				continue
			}
			coerced, err := types.Coerce(value, colType, loc)
			if err != nil {
				return fmt.Errorf("column %q: %w", name, err)
			}
			row[name] = coerced
		}
	}
	return nil
}

// InferTypes fills the type map from the row contents for columns that do
// not declare a type yet.
func (f *Frame) InferTypes() {
	if f.Types == nil {
		f.Types = make(map[string]types.ColumnType, len(f.Columns))
	}
	for _, name := range f.Columns {
		if _, declared := f.Types[name]; declared {
			continue
		}
		series, err := f.Series(name)
		if err != nil {
			continue
		}
		f.Types[name] = types.Infer(series)
	}
}

// MarshalRecords encodes the rows as a JSON record list, the wire format of
// the table API.
func (f *Frame) MarshalRecords() ([]byte, error) {
	records := make([]map[string]any, 0, len(f.Rows))
	for _, row := range f.Rows {
		record := make(map[string]any, len(f.Columns))
		for _, name := range f.Columns {
			value := row[name]
			if ts, ok := value.(time.Time); ok {
				value = ts.Format(time.RFC3339)
			}
			record[name] = value
		}
		records = append(records, record)
	}
	return json.Marshal(records)
}

// FromRecords decodes a JSON record list into a frame. When no column order
// is supplied, columns take the order the keys first appear in the document,
// so identical uploads always yield identical positions.
func FromRecords(payload []byte, columns []string) (*Frame, error) {
	var records []map[string]any
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		ordered, err := recordKeyOrder(payload)
		if err != nil {
			return nil, err
		}
		columns = ordered
	}
	built, err := New(columns, nil)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		row := make(map[string]any, len(columns))
		for _, name := range columns {
			if value, ok := record[name]; ok {
				row[name] = normalizeJSONNumber(value)
			}
		}
		built.Rows = append(built.Rows, row)
	}
	built.InferTypes()
	return built, nil
}

// recordKeyOrder walks the raw token stream and returns the union of record
// keys in first-appearance order. json.Unmarshal into maps loses it.
func recordKeyOrder(payload []byte) ([]string, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if _, err := decoder.Token(); err != nil {
		return nil, err
	}
	var columns []string
	seen := make(map[string]struct{})
	for decoder.More() {
		if _, err := decoder.Token(); err != nil {
			return nil, err
		}
		for decoder.More() {
			token, err := decoder.Token()
			if err != nil {
				return nil, err
			}
			name, ok := token.(string)
			if !ok {
				return nil, fmt.Errorf("%w: non-string record key %v",
					ErrRaggedRows, token)
			}
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				columns = append(columns, name)
			}
			var value json.RawMessage
			if err := decoder.Decode(&value); err != nil {
				return nil, err
			}
		}
		if _, err := decoder.Token(); err != nil {
			return nil, err
		}
	}
	return columns, nil
}

// JSON numbers decode as float64; keep whole values presentable as integers
// so type inference is not forced to double.
func normalizeJSONNumber(value any) any {
	number, ok := value.(float64)
	if !ok {
		return value
	}
	if number == float64(int64(number)) {
		return int64(number)
	}
	return number
}
