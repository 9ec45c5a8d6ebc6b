package workspace

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/types"
)

// Observer is notified after schema or data mutations so dependent objects
// (conditions, actions, views) can keep themselves consistent. Registration
// replaces name scans of serialized content: a rename is broadcast, not
// discovered.
type Observer interface {
	// ColumnRenamed is invoked after a column rename has been persisted.
	ColumnRenamed(workflowID uint, oldName, newName string) error
	// ColumnDropped is invoked after a column removal has been persisted.
	ColumnDropped(workflowID uint, name string) error
	// DataChanged is invoked after row data was replaced or merged.
	DataChanged(workflowID uint) error
}

// StoreConfig bundles the store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store mediates every access to workflow metadata and the per-workflow
// data tables.
type Store struct {
	db        *gorm.DB
	logger    *zap.Logger
	observers []Observer
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errors.New("workspace: database dependency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// DB exposes the underlying connection for collaborating services.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Register adds an observer for schema and data broadcasts.
func (s *Store) Register(observer Observer) {
	s.observers = append(s.observers, observer)
}

// Create persists a new, empty workflow.
func (s *Store) Create(wf *Workflow) error {
	if err := CheckName(wf.Name); err != nil {
		return err
	}
	if wf.AttributesJSON == "" {
		wf.AttributesJSON = "{}"
	}
	if wf.SharedWithJSON == "" {
		wf.SharedWithJSON = "[]"
	}
	if wf.Timezone == "" {
		wf.Timezone = "UTC"
	}
	return s.db.Create(wf).Error
}

// Get loads a workflow with its column metadata ordered by position.
func (s *Store) Get(workflowID uint) (*Workflow, error) {
	var wf Workflow
	err := s.db.
		Preload("Columns", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Take(&wf, workflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNoWorkflow, workflowID)
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetByName loads a workflow owned by the given user.
func (s *Store) GetByName(owner, name string) (*Workflow, error) {
	var wf Workflow
	err := s.db.
		Preload("Columns", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("owner = ? AND name = ?", owner, name).
		Take(&wf).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNoWorkflow, name)
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// Delete removes the workflow, its metadata and its data table.
func (s *Store) Delete(workflowID uint) error {
	wf, err := s.Get(workflowID)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if wf.HasDataTable {
			drop := fmt.Sprintf(
				"DROP TABLE IF EXISTS %s",
				formula.QuoteIdentifier(wf.DataTableName()))
			if err := tx.Exec(finishQuery(drop)).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&Column{}).Error; err != nil {
			return err
		}
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&View{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Workflow{}, workflowID).Error
	})
}

// Replace atomically installs the frame as the workflow table under the
// advisory lock, rebuilding the column metadata. Existing metadata (key
// flags, categories, positions) is preserved for columns that survive.
func (s *Store) Replace(wf *Workflow, data *frame.Frame) error {
	if err := data.Coerce(wf.Location()); err != nil {
		return err
	}
	data.InferTypes()

	for _, name := range data.Columns {
		if err := CheckName(name); err != nil {
			return err
		}
	}
	if err := s.checkKeyExists(wf, data); err != nil {
		return err
	}

	return s.withTableLock(wf, func(tx *gorm.DB) error {
		if err := s.createDataTable(tx, wf, data); err != nil {
			return err
		}
		if err := s.rebuildColumnMetadata(tx, wf, data); err != nil {
			return err
		}
		wf.RowCount = data.NumRows()
		wf.HasDataTable = true
		if err := tx.Model(&Workflow{}).Where("id = ?", wf.ID).Updates(map[string]any{
			"row_count":      wf.RowCount,
			"has_data_table": true,
		}).Error; err != nil {
			return err
		}
		return s.consistencyCheckTx(tx, wf)
	})
}

// checkKeyExists verifies at least one column can serve as key when the
// frame has rows, honoring pre-existing key flags.
func (s *Store) checkKeyExists(wf *Workflow, data *frame.Frame) error {
	if data.NumRows() == 0 {
		return nil
	}
	for _, name := range data.Columns {
		series, err := data.Series(name)
		if err != nil {
			return err
		}
		if types.IsUnique(series) {
			return nil
		}
	}
	return ErrDataFrameNoKey
}

func (s *Store) createDataTable(tx *gorm.DB, wf *Workflow, data *frame.Frame) error {
	table := formula.QuoteIdentifier(wf.DataTableName())
	if err := tx.Exec(finishQuery("DROP TABLE IF EXISTS " + table)).Error; err != nil {
		return err
	}
	definitions := make([]string, len(data.Columns))
	for i, name := range data.Columns {
		definitions[i] = formula.QuoteIdentifier(name) + " " + sqlType(data.Types[name])
	}
	create := fmt.Sprintf(
		"CREATE TABLE %s (%s)", table, strings.Join(definitions, ", "))
	if err := tx.Exec(finishQuery(create)).Error; err != nil {
		return err
	}
	return s.insertRows(tx, wf, data)
}

func (s *Store) insertRows(tx *gorm.DB, wf *Workflow, data *frame.Frame) error {
	if data.NumRows() == 0 {
		return nil
	}
	table := formula.QuoteIdentifier(wf.DataTableName())
	quoted := make([]string, len(data.Columns))
	placeholders := make([]string, len(data.Columns))
	for i, name := range data.Columns {
		quoted[i] = formula.QuoteIdentifier(name)
		placeholders[i] = "?"
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	insert = finishQuery(insert)
	for _, row := range data.Rows {
		args := make([]any, len(data.Columns))
		for i, name := range data.Columns {
			args[i] = formula.StorageValue(row[name])
		}
		if err := tx.Exec(insert, args...).Error; err != nil {
			return err
		}
	}
	return nil
}

// rebuildColumnMetadata reconciles the Column rows with the frame schema:
// surviving columns keep their flags and position relative order, new
// columns append at the end, removed columns disappear.
func (s *Store) rebuildColumnMetadata(tx *gorm.DB, wf *Workflow, data *frame.Frame) error {
	existing := make(map[string]Column, len(wf.Columns))
	for _, column := range wf.Columns {
		existing[column.Name] = column
	}
	if err := tx.Where("workflow_id = ?", wf.ID).Delete(&Column{}).Error; err != nil {
		return err
	}
	rebuilt := make([]Column, 0, len(data.Columns))
	for i, name := range data.Columns {
		column := Column{
			WorkflowID: wf.ID,
			Name:       name,
			ColType:    data.Types[name],
			Position:   i + 1,
		}
		if prior, ok := existing[name]; ok {
			column.IsKey = prior.IsKey
			column.CategoriesJSON = prior.CategoriesJSON
			column.ActiveFrom = prior.ActiveFrom
			column.ActiveTo = prior.ActiveTo
			column.Description = prior.Description
		} else {
			series, err := data.Series(name)
			if err != nil {
				return err
			}
			column.IsKey = types.IsUnique(series) && data.NumRows() > 0
		}
		// A surviving key flag must still hold against the new data.
		if column.IsKey {
			series, err := data.Series(name)
			if err != nil {
				return err
			}
			column.IsKey = types.IsUnique(series)
		}
		if column.CategoriesJSON == "" {
			column.CategoriesJSON = "[]"
		}
		if err := tx.Create(&column).Error; err != nil {
			return err
		}
		rebuilt = append(rebuilt, column)
	}
	wf.Columns = rebuilt
	return nil
}

// Load reads rows from the workflow table, optionally restricted to a
// column subset and a formula filter.
func (s *Store) Load(
	wf *Workflow,
	columns []string,
	filter *formula.Node,
) (*frame.Frame, error) {
	if !wf.HasDataTable {
		return nil, fmt.Errorf("%w: %q", ErrEmptyWorkflow, wf.Name)
	}
	if len(columns) == 0 {
		columns = wf.ColumnNames()
	}
	colTypes := make(map[string]types.ColumnType, len(columns))
	quoted := make([]string, len(columns))
	for i, name := range columns {
		column := wf.ColumnByName(name)
		if column == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
		colTypes[name] = column.ColType
		quoted[i] = formula.QuoteIdentifier(name)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s",
		strings.Join(quoted, ", "),
		formula.QuoteIdentifier(wf.DataTableName()))
	fragment, args, err := formula.SQL(filter)
	if err != nil {
		return nil, err
	}
	if fragment != "" {
		query += " WHERE " + fragment
	}

	rows, err := s.db.Raw(finishQuery(query), args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loaded, err := frame.New(columns, colTypes)
	if err != nil {
		return nil, err
	}
	scanned := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range scanned {
		pointers[i] = &scanned[i]
	}
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			cell, err := formula.CellFromStorage(scanned[i], colTypes[name])
			if err != nil {
				return nil, err
			}
			row[name] = cell
		}
		loaded.Rows = append(loaded.Rows, row)
	}
	return loaded, rows.Err()
}

// NumRows counts the rows matching the optional filter.
func (s *Store) NumRows(wf *Workflow, filter *formula.Node) (int64, error) {
	if !wf.HasDataTable {
		return 0, nil
	}
	query := "SELECT COUNT(*) FROM " + formula.QuoteIdentifier(wf.DataTableName())
	fragment, args, err := formula.SQL(filter)
	if err != nil {
		return 0, err
	}
	if fragment != "" {
		query += " WHERE " + fragment
	}
	var count int64
	if err := s.db.Raw(finishQuery(query), args...).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Flush removes every row while retaining columns and metadata.
func (s *Store) Flush(wf *Workflow) error {
	if !wf.HasDataTable {
		return nil
	}
	return s.withTableLock(wf, func(tx *gorm.DB) error {
		remove := "DELETE FROM " + formula.QuoteIdentifier(wf.DataTableName())
		if err := tx.Exec(finishQuery(remove)).Error; err != nil {
			return err
		}
		wf.RowCount = 0
		return tx.Model(&Workflow{}).Where("id = ?", wf.ID).
			Update("row_count", 0).Error
	})
}

// AddColumn appends a column with an optional constant initial value.
func (s *Store) AddColumn(wf *Workflow, column Column, initial any) error {
	if err := column.Validate(); err != nil {
		return err
	}
	if wf.ColumnByName(column.Name) != nil {
		return fmt.Errorf("%w: %q", ErrColumnExists, column.Name)
	}
	column.WorkflowID = wf.ID
	column.Position = len(wf.Columns) + 1
	if column.CategoriesJSON == "" {
		column.CategoriesJSON = "[]"
	}
	return s.withTableLock(wf, func(tx *gorm.DB) error {
		if wf.HasDataTable {
			alter := fmt.Sprintf(
				"ALTER TABLE %s ADD COLUMN %s %s",
				formula.QuoteIdentifier(wf.DataTableName()),
				formula.QuoteIdentifier(column.Name),
				sqlType(column.ColType))
			if err := tx.Exec(finishQuery(alter)).Error; err != nil {
				return err
			}
			if initial != nil {
				coerced, err := types.Coerce(initial, column.ColType, wf.Location())
				if err != nil {
					return err
				}
				update := fmt.Sprintf(
					"UPDATE %s SET %s = ?",
					formula.QuoteIdentifier(wf.DataTableName()),
					formula.QuoteIdentifier(column.Name))
				if err := tx.Exec(
					finishQuery(update), formula.StorageValue(coerced),
				).Error; err != nil {
					return err
				}
			}
		}
		if err := tx.Create(&column).Error; err != nil {
			return err
		}
		wf.Columns = append(wf.Columns, column)
		return s.consistencyCheckTx(tx, wf)
	})
}

// RenameColumn renames the column in the backing table, the metadata, and
// broadcasts the change to every registered observer.
func (s *Store) RenameColumn(wf *Workflow, oldName, newName string) error {
	column := wf.ColumnByName(oldName)
	if column == nil {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, oldName)
	}
	if err := CheckName(newName); err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if wf.ColumnByName(newName) != nil {
		return fmt.Errorf("%w: %q", ErrColumnExists, newName)
	}
	err := s.withTableLock(wf, func(tx *gorm.DB) error {
		if wf.HasDataTable {
			alter := fmt.Sprintf(
				"ALTER TABLE %s RENAME COLUMN %s TO %s",
				formula.QuoteIdentifier(wf.DataTableName()),
				formula.QuoteIdentifier(oldName),
				formula.QuoteIdentifier(newName))
			if err := tx.Exec(finishQuery(alter)).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&Column{}).Where("id = ?", column.ID).
			Update("name", newName).Error; err != nil {
			return err
		}
		column.Name = newName
		return s.renameInViews(tx, wf.ID, oldName, newName)
	})
	if err != nil {
		return err
	}
	for _, observer := range s.observers {
		if err := observer.ColumnRenamed(wf.ID, oldName, newName); err != nil {
			return err
		}
	}
	return s.ConsistencyCheck(wf)
}

// DropColumn removes a column from the table and metadata and cascades to
// views and observers.
func (s *Store) DropColumn(wf *Workflow, name string) error {
	column := wf.ColumnByName(name)
	if column == nil {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	err := s.withTableLock(wf, func(tx *gorm.DB) error {
		if wf.HasDataTable {
			alter := fmt.Sprintf(
				"ALTER TABLE %s DROP COLUMN %s",
				formula.QuoteIdentifier(wf.DataTableName()),
				formula.QuoteIdentifier(name))
			if err := tx.Exec(finishQuery(alter)).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&Column{}, column.ID).Error; err != nil {
			return err
		}
		removed := 0
		for i := range wf.Columns {
			if wf.Columns[i].Name == name {
				removed = i
				break
			}
		}
		wf.Columns = append(wf.Columns[:removed], wf.Columns[removed+1:]...)
		if err := s.renumberPositions(tx, wf); err != nil {
			return err
		}
		return s.dropFromViews(tx, wf.ID, name)
	})
	if err != nil {
		return err
	}
	for _, observer := range s.observers {
		if err := observer.ColumnDropped(wf.ID, name); err != nil {
			return err
		}
	}
	return s.ConsistencyCheck(wf)
}

// Reposition moves a column between 1-based positions, shifting the
// affected range to keep the total order dense and unique.
func (s *Store) Reposition(wf *Workflow, oldPosition, newPosition int) error {
	total := len(wf.Columns)
	if oldPosition < 1 || oldPosition > total || newPosition < 1 || newPosition > total {
		return fmt.Errorf("%w: position out of range", ErrUnknownColumn)
	}
	if oldPosition == newPosition {
		return nil
	}
	reordered := make([]Column, 0, total)
	var moved Column
	for _, column := range wf.Columns {
		if column.Position == oldPosition {
			moved = column
			continue
		}
		reordered = append(reordered, column)
	}
	insertAt := newPosition - 1
	reordered = append(reordered[:insertAt],
		append([]Column{moved}, reordered[insertAt:]...)...)
	wf.Columns = reordered
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.renumberPositions(tx, wf)
	})
}

func (s *Store) renumberPositions(tx *gorm.DB, wf *Workflow) error {
	for i := range wf.Columns {
		wf.Columns[i].Position = i + 1
		if err := tx.Model(&Column{}).Where("id = ?", wf.Columns[i].ID).
			Update("position", i+1).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) renameInViews(tx *gorm.DB, workflowID uint, oldName, newName string) error {
	var views []View
	if err := tx.Where("workflow_id = ?", workflowID).Find(&views).Error; err != nil {
		return err
	}
	for i := range views {
		changed := false
		names, err := views[i].ColumnNames()
		if err != nil {
			return err
		}
		for j, name := range names {
			if name == oldName {
				names[j] = newName
				changed = true
			}
		}
		if views[i].FormulaJSON != "" {
			node, err := formula.Unmarshal(views[i].FormulaJSON)
			if err != nil {
				return err
			}
			if formula.Contains(node, oldName) {
				formula.Rename(node, oldName, newName)
				encoded, err := formula.Marshal(node)
				if err != nil {
					return err
				}
				views[i].FormulaJSON = encoded
				changed = true
			}
		}
		if !changed {
			continue
		}
		encodedNames := namesJSON(names)
		if err := tx.Model(&View{}).Where("id = ?", views[i].ID).Updates(map[string]any{
			"columns_json": encodedNames,
			"formula_json": views[i].FormulaJSON,
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

// dropFromViews removes the column from view projections and deletes views
// whose filter references it.
func (s *Store) dropFromViews(tx *gorm.DB, workflowID uint, name string) error {
	var views []View
	if err := tx.Where("workflow_id = ?", workflowID).Find(&views).Error; err != nil {
		return err
	}
	for i := range views {
		if views[i].FormulaJSON != "" {
			node, err := formula.Unmarshal(views[i].FormulaJSON)
			if err != nil {
				return err
			}
			if formula.Contains(node, name) {
				if err := tx.Delete(&View{}, views[i].ID).Error; err != nil {
					return err
				}
				continue
			}
		}
		names, err := views[i].ColumnNames()
		if err != nil {
			return err
		}
		kept := names[:0]
		changed := false
		for _, candidate := range names {
			if candidate == name {
				changed = true
				continue
			}
			kept = append(kept, candidate)
		}
		if !changed {
			continue
		}
		if err := tx.Model(&View{}).Where("id = ?", views[i].ID).
			Update("columns_json", namesJSON(kept)).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) notifyDataChanged(workflowID uint) error {
	for _, observer := range s.observers {
		if err := observer.DataChanged(workflowID); err != nil {
			return err
		}
	}
	return nil
}

func namesJSON(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = fmt.Sprintf("%q", name)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// sqlType maps a logical column type onto its storage affinity.
func sqlType(colType types.ColumnType) string {
	switch colType {
	case types.ColumnTypeInteger:
		return "BIGINT"
	case types.ColumnTypeDouble:
		return "DOUBLE PRECISION"
	case types.ColumnTypeBoolean:
		return "BOOLEAN"
	case types.ColumnTypeDatetime:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// finishQuery performs the single format-substitution pass over an
// assembled query: the doubled percent signs emitted by identifier quoting
// collapse back to literals.
func finishQuery(query string) string {
	return strings.ReplaceAll(query, "%%", "%")
}
