// Package workspace implements the typed, keyed tabular store at the center
// of the platform: workflow metadata, column discipline, the per-workflow
// data table, merging, column derivation and views.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ontask-platform/ontask/internal/types"
)

const (
	// dataTablePrefix names the physical table that stores workflow rows.
	dataTablePrefix = "__ONTASK_WORKFLOW_TABLE_"
	// reservedPrefix is forbidden in user-visible names.
	reservedPrefix = "__"

	maxNameLength = 512
)

var (
	// ErrIllegalName indicates a workflow, column or attribute name that
	// violates the naming rules.
	ErrIllegalName = errors.New("workspace: illegal name")
	// ErrNoWorkflow indicates the referenced workflow does not exist.
	ErrNoWorkflow = errors.New("workspace: no such workflow")
	// ErrEmptyWorkflow indicates an operation that requires data ran
	// against a workflow with no table.
	ErrEmptyWorkflow = errors.New("workspace: workflow has no data")
	// ErrColumnExists indicates a name collision with an existing column.
	ErrColumnExists = errors.New("workspace: column already exists")
	// ErrUnknownColumn indicates the referenced column does not exist.
	ErrUnknownColumn = errors.New("workspace: unknown column")
	// ErrDataFrameNoKey indicates no column is usable as a key.
	ErrDataFrameNoKey = errors.New("workspace: no key column")
	// ErrInconsistentState indicates the stored table drifted from the
	// column metadata. This is a fatal bug in the surrounding operation.
	ErrInconsistentState = errors.New("workspace: inconsistent state")
	// ErrRowNotFound indicates a key lookup matched no row.
	ErrRowNotFound = errors.New("workspace: row not found")
	// ErrRowNotUnique indicates a key lookup matched more than one row.
	ErrRowNotUnique = errors.New("workspace: key matched multiple rows")
)

// Workflow is the workspace: column metadata plus the handle of the backing
// data table.
type Workflow struct {
	ID             uint   `gorm:"column:id;primaryKey"`
	Owner          string `gorm:"column:owner;size:190;not null;index:idx_workflows_owner_name,unique,priority:1"`
	Name           string `gorm:"column:name;size:512;not null;index:idx_workflows_owner_name,unique,priority:2"`
	Description    string `gorm:"column:description;type:text;not null;default:''"`
	SharedWithJSON string `gorm:"column:shared_with_json;type:text;not null;default:'[]'"`
	AttributesJSON string `gorm:"column:attributes_json;type:text;not null;default:'{}'"`
	// QueryBuilderOps carries the serialized type/operator catalog handed
	// to the condition builder UI.
	QueryBuilderOps string `gorm:"column:query_builder_ops;type:text;not null;default:''"`
	Timezone        string `gorm:"column:timezone;size:64;not null;default:'UTC'"`
	RowCount        int    `gorm:"column:row_count;not null;default:0"`
	HasDataTable    bool   `gorm:"column:has_data_table;not null;default:false"`

	// Session lock: at most one editing session owns the workflow at a time.
	SessionKey    string     `gorm:"column:session_key;size:190;not null;default:''"`
	SessionOwner  string     `gorm:"column:session_owner;size:190;not null;default:''"`
	SessionExpiry *time.Time `gorm:"column:session_expiry"`

	LastLogID *uint `gorm:"column:last_log_id"`

	Columns []Column `gorm:"foreignKey:WorkflowID"`
}

// TableName provides the explicit table binding for GORM.
func (Workflow) TableName() string {
	return "workflows"
}

// DataTableName returns the handle of the physical table holding the rows.
func (w *Workflow) DataTableName() string {
	return fmt.Sprintf("%s%d", dataTablePrefix, w.ID)
}

// Location resolves the workflow timezone, falling back to UTC.
func (w *Workflow) Location() *time.Location {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Attributes decodes the workspace attribute mapping.
func (w *Workflow) Attributes() (map[string]string, error) {
	attributes := map[string]string{}
	if w.AttributesJSON == "" {
		return attributes, nil
	}
	if err := json.Unmarshal([]byte(w.AttributesJSON), &attributes); err != nil {
		return nil, err
	}
	return attributes, nil
}

// SetAttributes encodes and stores the attribute mapping after checking the
// keys do not collide with column names.
func (w *Workflow) SetAttributes(attributes map[string]string) error {
	for key := range attributes {
		if err := CheckName(key); err != nil {
			return err
		}
		if w.ColumnByName(key) != nil {
			return fmt.Errorf(
				"%w: attribute %q collides with a column", ErrIllegalName, key)
		}
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return err
	}
	w.AttributesJSON = string(encoded)
	return nil
}

// ColumnByName finds a column in the loaded metadata.
func (w *Workflow) ColumnByName(name string) *Column {
	for i := range w.Columns {
		if w.Columns[i].Name == name {
			return &w.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the column names ordered by position.
func (w *Workflow) ColumnNames() []string {
	names := make([]string, len(w.Columns))
	for i, column := range w.Columns {
		names[i] = column.Name
	}
	return names
}

// KeyColumns returns the columns currently flagged as keys.
func (w *Workflow) KeyColumns() []Column {
	var keys []Column
	for _, column := range w.Columns {
		if column.IsKey {
			keys = append(keys, column)
		}
	}
	return keys
}

// Column is the typed, positioned schema entry of one workspace column.
type Column struct {
	ID             uint             `gorm:"column:id;primaryKey"`
	WorkflowID     uint             `gorm:"column:workflow_id;not null;index:idx_columns_workflow_name,unique,priority:1"`
	Name           string           `gorm:"column:name;size:512;not null;index:idx_columns_workflow_name,unique,priority:2"`
	ColType        types.ColumnType `gorm:"column:col_type;size:16;not null"`
	Position       int              `gorm:"column:position;not null"`
	IsKey          bool             `gorm:"column:is_key;not null;default:false"`
	CategoriesJSON string           `gorm:"column:categories_json;type:text;not null;default:'[]'"`
	ActiveFrom     *time.Time       `gorm:"column:active_from"`
	ActiveTo       *time.Time       `gorm:"column:active_to"`
	Description    string           `gorm:"column:description;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Column) TableName() string {
	return "workflow_columns"
}

// Categories decodes the ordered category literals.
func (c *Column) Categories() ([]any, error) {
	var categories []any
	if c.CategoriesJSON == "" || c.CategoriesJSON == "[]" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(c.CategoriesJSON), &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// SetCategories coerces every literal to the column type and stores the
// ordered set.
func (c *Column) SetCategories(categories []any) error {
	coerced := make([]any, 0, len(categories))
	for _, literal := range categories {
		value, err := types.Coerce(literal, c.ColType, time.UTC)
		if err != nil {
			return err
		}
		coerced = append(coerced, value)
	}
	encoded, err := json.Marshal(coerced)
	if err != nil {
		return err
	}
	c.CategoriesJSON = string(encoded)
	return nil
}

// IsActiveAt reports whether the column is inside its active window.
func (c *Column) IsActiveAt(now time.Time) bool {
	if c.ActiveFrom != nil && now.Before(*c.ActiveFrom) {
		return false
	}
	if c.ActiveTo != nil && now.After(*c.ActiveTo) {
		return false
	}
	return true
}

// Validate checks the column invariants that do not require data access.
func (c *Column) Validate() error {
	if err := CheckName(c.Name); err != nil {
		return err
	}
	if _, err := types.Parse(string(c.ColType)); err != nil {
		return err
	}
	if c.ActiveFrom != nil && c.ActiveTo != nil && c.ActiveFrom.After(*c.ActiveTo) {
		return fmt.Errorf(
			"%w: column %q active window is inverted", ErrIllegalName, c.Name)
	}
	return nil
}

// View is a named projection over a workflow: an ordered column subset with
// an optional row filter.
type View struct {
	ID          uint   `gorm:"column:id;primaryKey"`
	WorkflowID  uint   `gorm:"column:workflow_id;not null;index:idx_views_workflow_name,unique,priority:1"`
	Name        string `gorm:"column:name;size:512;not null;index:idx_views_workflow_name,unique,priority:2"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
	ColumnsJSON string `gorm:"column:columns_json;type:text;not null;default:'[]'"`
	FormulaJSON string `gorm:"column:formula_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (View) TableName() string {
	return "workflow_views"
}

// ColumnNames decodes the ordered projection.
func (v *View) ColumnNames() ([]string, error) {
	var names []string
	if err := json.Unmarshal([]byte(v.ColumnsJSON), &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Log is one entry of the execution trail. Actions and scheduled items keep
// a reference to their most recent entry.
type Log struct {
	ID          uint      `gorm:"column:id;primaryKey"`
	WorkflowID  uint      `gorm:"column:workflow_id;not null;index"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	Owner       string    `gorm:"column:owner;size:190;not null"`
	Operation   string    `gorm:"column:operation;size:190;not null"`
	PayloadJSON string    `gorm:"column:payload_json;type:text;not null;default:'{}'"`
}

// TableName provides the explicit table binding for GORM.
func (Log) TableName() string {
	return "workflow_logs"
}

// CheckName enforces the shared naming rules: nonempty, bounded, no
// reserved prefix, no quote characters.
func CheckName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrIllegalName, name)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrIllegalName, name, maxNameLength)
	}
	if strings.HasPrefix(name, reservedPrefix) {
		return fmt.Errorf("%w: %q uses the reserved prefix", ErrIllegalName, name)
	}
	if strings.ContainsAny(name, `'"`) {
		return fmt.Errorf("%w: %q contains a quote character", ErrIllegalName, name)
	}
	return nil
}

// Models lists the metadata tables of this package for schema migration.
func Models() []any {
	return []any{&Workflow{}, &Column{}, &View{}, &Log{}, &tableLock{}}
}
