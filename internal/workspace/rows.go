package workspace

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/types"
)

// KeyPair identifies a single row by a key column and its value.
type KeyPair struct {
	Column string
	Value  any
}

// GetRow fetches exactly one row by key, optionally restricted to a column
// subset and an additional filter.
func (s *Store) GetRow(
	wf *Workflow,
	key KeyPair,
	columns []string,
	filter *formula.Node,
) (map[string]any, error) {
	keyColumn := wf.ColumnByName(key.Column)
	if keyColumn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, key.Column)
	}
	keyLeaf := formula.Leaf(key.Column, keyColumn.ColType, formula.OpEqual, key.Value)
	combined := keyLeaf
	if filter != nil {
		combined = formula.Group(formula.GroupAnd, false, filter, keyLeaf)
	}
	matched, err := s.Load(wf, columns, combined)
	if err != nil {
		return nil, err
	}
	switch matched.NumRows() {
	case 0:
		return nil, fmt.Errorf("%w: %s=%v", ErrRowNotFound, key.Column, key.Value)
	case 1:
		return matched.Rows[0], nil
	}
	return nil, fmt.Errorf("%w: %s=%v", ErrRowNotUnique, key.Column, key.Value)
}

// UpdateRow applies assignments to the single row identified by the key.
// Exactly one row must match.
func (s *Store) UpdateRow(
	wf *Workflow,
	key KeyPair,
	assignments map[string]any,
) error {
	if len(assignments) == 0 {
		return nil
	}
	keyColumn := wf.ColumnByName(key.Column)
	if keyColumn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, key.Column)
	}
	return s.withTableLock(wf, func(tx *gorm.DB) error {
		setters := make([]string, 0, len(assignments))
		args := make([]any, 0, len(assignments)+1)
		for _, name := range wf.ColumnNames() {
			value, ok := assignments[name]
			if !ok {
				continue
			}
			column := wf.ColumnByName(name)
			coerced, err := coerceCell(value, column.ColType, wf)
			if err != nil {
				return err
			}
			setters = append(setters, formula.QuoteIdentifier(name)+" = ?")
			args = append(args, formula.StorageValue(coerced))
		}
		for name := range assignments {
			if wf.ColumnByName(name) == nil {
				return fmt.Errorf("%w: %q", ErrUnknownColumn, name)
			}
		}
		keyValue, err := coerceCell(key.Value, keyColumn.ColType, wf)
		if err != nil {
			return err
		}
		args = append(args, formula.StorageValue(keyValue))
		update := fmt.Sprintf(
			"UPDATE %s SET %s WHERE %s = ?",
			formula.QuoteIdentifier(wf.DataTableName()),
			strings.Join(setters, ", "),
			formula.QuoteIdentifier(key.Column))
		result := tx.Exec(finishQuery(update), args...)
		if result.Error != nil {
			return result.Error
		}
		switch result.RowsAffected {
		case 0:
			return fmt.Errorf("%w: %s=%v", ErrRowNotFound, key.Column, key.Value)
		case 1:
		default:
			return fmt.Errorf("%w: %s=%v", ErrRowNotUnique, key.Column, key.Value)
		}
		return s.consistencyCheckTx(tx, wf)
	})
}

// InsertRow appends a single row. Every key column must receive a value
// that keeps it unique.
func (s *Store) InsertRow(wf *Workflow, assignments map[string]any) error {
	if !wf.HasDataTable {
		return fmt.Errorf("%w: %q", ErrEmptyWorkflow, wf.Name)
	}
	for name := range assignments {
		if wf.ColumnByName(name) == nil {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
	}
	return s.withTableLock(wf, func(tx *gorm.DB) error {
		names := make([]string, 0, len(wf.Columns))
		placeholders := make([]string, 0, len(wf.Columns))
		args := make([]any, 0, len(wf.Columns))
		for _, column := range wf.Columns {
			value, ok := assignments[column.Name]
			if !ok || value == nil {
				if column.IsKey {
					return fmt.Errorf(
						"%w: key column %q requires a value",
						ErrIllegalName, column.Name)
				}
				continue
			}
			coerced, err := coerceCell(value, column.ColType, wf)
			if err != nil {
				return err
			}
			names = append(names, formula.QuoteIdentifier(column.Name))
			placeholders = append(placeholders, "?")
			args = append(args, formula.StorageValue(coerced))
		}
		insert := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			formula.QuoteIdentifier(wf.DataTableName()),
			strings.Join(names, ", "),
			strings.Join(placeholders, ", "))
		if err := tx.Exec(finishQuery(insert), args...).Error; err != nil {
			return err
		}
		wf.RowCount++
		if err := tx.Model(&Workflow{}).Where("id = ?", wf.ID).
			Update("row_count", wf.RowCount).Error; err != nil {
			return err
		}
		return s.consistencyCheckTx(tx, wf)
	})
}

// DeleteRow removes the single row identified by the key.
func (s *Store) DeleteRow(wf *Workflow, key KeyPair) error {
	keyColumn := wf.ColumnByName(key.Column)
	if keyColumn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, key.Column)
	}
	return s.withTableLock(wf, func(tx *gorm.DB) error {
		keyValue, err := coerceCell(key.Value, keyColumn.ColType, wf)
		if err != nil {
			return err
		}
		remove := fmt.Sprintf(
			"DELETE FROM %s WHERE %s = ?",
			formula.QuoteIdentifier(wf.DataTableName()),
			formula.QuoteIdentifier(key.Column))
		result := tx.Exec(finishQuery(remove), formula.StorageValue(keyValue))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s=%v", ErrRowNotFound, key.Column, key.Value)
		}
		wf.RowCount -= int(result.RowsAffected)
		if err := tx.Model(&Workflow{}).Where("id = ?", wf.ID).
			Update("row_count", wf.RowCount).Error; err != nil {
			return err
		}
		return s.consistencyCheckTx(tx, wf)
	})
}

// LoadView materializes a view: its column subset filtered by its formula.
func (s *Store) LoadView(wf *Workflow, view *View) (*frame.Frame, error) {
	columns, err := view.ColumnNames()
	if err != nil {
		return nil, err
	}
	filter, err := formula.Unmarshal(view.FormulaJSON)
	if err != nil {
		return nil, err
	}
	return s.Load(wf, columns, filter)
}

func coerceCell(value any, colType types.ColumnType, wf *Workflow) (any, error) {
	return types.Coerce(value, colType, wf.Location())
}
