package workspace

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/formula"
)

// ConsistencyCheck verifies the stored table still agrees with the column
// metadata: same row count, same column name set, and every key column
// unique and null-free. A failure here is a fatal bug in the mutation that
// preceded it; callers abort the surrounding operation.
func (s *Store) ConsistencyCheck(wf *Workflow) error {
	return s.consistencyCheckTx(s.db, wf)
}

func (s *Store) consistencyCheckTx(tx *gorm.DB, wf *Workflow) error {
	if !wf.HasDataTable {
		if wf.RowCount != 0 {
			return fmt.Errorf(
				"%w: row count %d without a data table",
				ErrInconsistentState, wf.RowCount)
		}
		return nil
	}

	table := formula.QuoteIdentifier(wf.DataTableName())

	var rowCount int64
	count := finishQuery("SELECT COUNT(*) FROM " + table)
	if err := tx.Raw(count).Scan(&rowCount).Error; err != nil {
		return err
	}
	if rowCount != int64(wf.RowCount) {
		return fmt.Errorf(
			"%w: table has %d rows, metadata says %d",
			ErrInconsistentState, rowCount, wf.RowCount)
	}

	physical, err := s.physicalColumns(tx, wf)
	if err != nil {
		return err
	}
	if len(physical) != len(wf.Columns) {
		return fmt.Errorf(
			"%w: table has %d columns, metadata says %d",
			ErrInconsistentState, len(physical), len(wf.Columns))
	}
	present := make(map[string]struct{}, len(physical))
	for _, name := range physical {
		present[name] = struct{}{}
	}
	for _, column := range wf.Columns {
		if _, ok := present[column.Name]; !ok {
			return fmt.Errorf(
				"%w: column %q missing from table",
				ErrInconsistentState, column.Name)
		}
	}

	if rowCount > 0 && len(wf.KeyColumns()) == 0 {
		return fmt.Errorf("%w: %v", ErrInconsistentState, ErrDataFrameNoKey)
	}
	for _, key := range wf.KeyColumns() {
		if err := s.checkKeyColumn(tx, table, key.Name, rowCount); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkKeyColumn(
	tx *gorm.DB,
	table, name string,
	rowCount int64,
) error {
	quoted := formula.QuoteIdentifier(name)
	var nulls int64
	nullQuery := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s IS NULL", table, quoted)
	if err := tx.Raw(finishQuery(nullQuery)).Scan(&nulls).Error; err != nil {
		return err
	}
	if nulls > 0 {
		return fmt.Errorf(
			"%w: key column %q contains %d nulls",
			ErrInconsistentState, name, nulls)
	}
	var distinct int64
	distinctQuery := fmt.Sprintf(
		"SELECT COUNT(DISTINCT %s) FROM %s", quoted, table)
	if err := tx.Raw(finishQuery(distinctQuery)).Scan(&distinct).Error; err != nil {
		return err
	}
	if distinct != rowCount {
		return fmt.Errorf(
			"%w: key column %q has duplicate values",
			ErrInconsistentState, name)
	}
	return nil
}

// physicalColumns lists the column names of the backing table.
func (s *Store) physicalColumns(tx *gorm.DB, wf *Workflow) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT name FROM pragma_table_info(%s)",
		quoteLiteral(wf.DataTableName()))
	var names []string
	if err := tx.Raw(query).Scan(&names).Error; err != nil {
		return nil, err
	}
	return names, nil
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
