// Package condition maintains the named boolean predicates owned by
// actions, including the optional filter and the cached selected-row
// counters.
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/workspace"
)

var (
	// ErrIllegalConditionName indicates a name that is not a valid
	// identifier or collides with a sibling.
	ErrIllegalConditionName = errors.New("condition: illegal name")
	// ErrDuplicateFilter indicates an action would end up with two filters.
	ErrDuplicateFilter = errors.New("condition: action already has a filter")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Condition is a named formula owned by an action. A filter is a condition
// with IsFilter set; at most one filter exists per action.
type Condition struct {
	ID         uint   `gorm:"column:id;primaryKey"`
	WorkflowID uint   `gorm:"column:workflow_id;not null;index"`
	ActionID   uint   `gorm:"column:action_id;not null;index:idx_conditions_action_name,unique,priority:1"`
	Name       string `gorm:"column:name;size:512;not null;index:idx_conditions_action_name,unique,priority:2"`
	IsFilter   bool   `gorm:"column:is_filter;not null;default:false"`
	// FormulaJSON holds the serialized predicate tree.
	FormulaJSON string `gorm:"column:formula_json;type:text;not null"`
	// SelectedCount caches the number of rows selected by filter ∧ formula.
	SelectedCount int64 `gorm:"column:selected_count;not null;default:0"`
	// ColumnsJSON caches the column names the formula references.
	ColumnsJSON string `gorm:"column:columns_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (Condition) TableName() string {
	return "action_conditions"
}

// Formula decodes the predicate tree.
func (c *Condition) Formula() (*formula.Node, error) {
	return formula.Unmarshal(c.FormulaJSON)
}

// ManagerConfig bundles the manager dependencies.
type ManagerConfig struct {
	Database *gorm.DB
	Store    *workspace.Store
	Logger   *zap.Logger
}

// Manager owns condition persistence and count maintenance for actions.
type Manager struct {
	db     *gorm.DB
	store  *workspace.Store
	logger *zap.Logger
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errors.New("condition: database dependency required")
	}
	if cfg.Store == nil {
		return nil, errors.New("condition: workspace store dependency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: cfg.Database, store: cfg.Store, logger: logger}, nil
}

// List returns the conditions of an action, non-filters only when
// excludeFilter is set.
func (m *Manager) List(actionID uint, excludeFilter bool) ([]Condition, error) {
	query := m.db.Where("action_id = ?", actionID)
	if excludeFilter {
		query = query.Where("is_filter = ?", false)
	}
	var conditions []Condition
	if err := query.Order("name ASC").Find(&conditions).Error; err != nil {
		return nil, err
	}
	return conditions, nil
}

// Filter returns the filter condition of the action, or nil.
func (m *Manager) Filter(actionID uint) (*Condition, error) {
	var filter Condition
	err := m.db.Where("action_id = ? AND is_filter = ?", actionID, true).
		Take(&filter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &filter, nil
}

// FilterFormula decodes the action filter tree, nil when absent.
func (m *Manager) FilterFormula(actionID uint) (*formula.Node, error) {
	filter, err := m.Filter(actionID)
	if err != nil || filter == nil {
		return nil, err
	}
	return filter.Formula()
}

// Save validates and persists a condition, then refreshes the sibling
// counts. It returns the recomputed all-false count for the owning action
// so the caller can update its cache.
func (m *Manager) Save(wf *workspace.Workflow, cond *Condition) (int64, error) {
	if !cond.IsFilter && !identifierPattern.MatchString(cond.Name) {
		return 0, fmt.Errorf("%w: %q", ErrIllegalConditionName, cond.Name)
	}

	node, err := cond.Formula()
	if err != nil {
		return 0, err
	}
	if err := formula.Validate(node); err != nil {
		return 0, err
	}
	for _, name := range formula.Variables(node) {
		if wf.ColumnByName(name) == nil {
			return 0, fmt.Errorf("%w: %q", formula.ErrUnknownVariable, name)
		}
	}
	encoded, err := json.Marshal(formula.Variables(node))
	if err != nil {
		return 0, err
	}
	cond.ColumnsJSON = string(encoded)
	cond.WorkflowID = wf.ID

	if cond.IsFilter {
		existing, err := m.Filter(cond.ActionID)
		if err != nil {
			return 0, err
		}
		if existing != nil && existing.ID != cond.ID {
			return 0, fmt.Errorf("%w: action %d", ErrDuplicateFilter, cond.ActionID)
		}
	}

	if err := m.db.Save(cond).Error; err != nil {
		return 0, err
	}
	allFalse, err := m.RefreshCounts(wf, cond.ActionID)
	if err != nil {
		return 0, err
	}
	// The refresh wrote the recomputed count behind the caller's back;
	// reload so the saved struct reflects it.
	if err := m.db.Take(cond, cond.ID).Error; err != nil {
		return 0, err
	}
	return allFalse, nil
}

// Delete removes a condition and refreshes the sibling counts, returning
// the recomputed all-false count.
func (m *Manager) Delete(wf *workspace.Workflow, cond *Condition) (int64, error) {
	if err := m.db.Delete(&Condition{}, cond.ID).Error; err != nil {
		return 0, err
	}
	return m.RefreshCounts(wf, cond.ActionID)
}

// RefreshCounts recomputes selected_row_count for each condition of the
// action as num_rows(filter ∧ c), and returns the all-false count: the
// number of rows the filter selects for which no non-filter condition
// fires.
func (m *Manager) RefreshCounts(wf *workspace.Workflow, actionID uint) (int64, error) {
	filter, err := m.FilterFormula(actionID)
	if err != nil {
		return 0, err
	}
	conditions, err := m.List(actionID, false)
	if err != nil {
		return 0, err
	}

	var negations []*formula.Node
	for i := range conditions {
		node, err := conditions[i].Formula()
		if err != nil {
			return 0, err
		}
		var count int64
		if conditions[i].IsFilter {
			count, err = m.store.NumRows(wf, node)
		} else {
			count, err = m.store.NumRows(wf, conjoin(filter, node))
		}
		if err != nil {
			return 0, err
		}
		if err := m.db.Model(&Condition{}).Where("id = ?", conditions[i].ID).
			Update("selected_count", count).Error; err != nil {
			return 0, err
		}
		conditions[i].SelectedCount = count
		if !conditions[i].IsFilter && node != nil {
			negations = append(negations,
				formula.Group(formula.GroupAnd, true, node))
		}
	}

	if len(negations) == 0 {
		return m.store.NumRows(wf, filter)
	}
	allFalse := formula.Group(formula.GroupAnd, false, negations...)
	return m.store.NumRows(wf, conjoin(filter, allFalse))
}

// RenameColumn rewrites every condition formula of the workflow that
// references the column. Returns the affected action IDs so callers can
// refresh caches and rename templated condition guards.
func (m *Manager) RenameColumn(workflowID uint, oldName, newName string) ([]uint, error) {
	var conditions []Condition
	if err := m.db.Where("workflow_id = ?", workflowID).
		Find(&conditions).Error; err != nil {
		return nil, err
	}
	affected := map[uint]struct{}{}
	for i := range conditions {
		node, err := conditions[i].Formula()
		if err != nil {
			return nil, err
		}
		if !formula.Contains(node, oldName) {
			continue
		}
		formula.Rename(node, oldName, newName)
		encoded, err := formula.Marshal(node)
		if err != nil {
			return nil, err
		}
		columns := formula.Variables(node)
		columnsJSON, err := json.Marshal(columns)
		if err != nil {
			return nil, err
		}
		if err := m.db.Model(&Condition{}).Where("id = ?", conditions[i].ID).
			Updates(map[string]any{
				"formula_json": encoded,
				"columns_json": string(columnsJSON),
			}).Error; err != nil {
			return nil, err
		}
		affected[conditions[i].ActionID] = struct{}{}
	}
	return keysOf(affected), nil
}

// DropColumn deletes every condition of the workflow whose formula
// references the column, returning the affected action IDs.
func (m *Manager) DropColumn(workflowID uint, name string) ([]uint, error) {
	var conditions []Condition
	if err := m.db.Where("workflow_id = ?", workflowID).
		Find(&conditions).Error; err != nil {
		return nil, err
	}
	affected := map[uint]struct{}{}
	for i := range conditions {
		node, err := conditions[i].Formula()
		if err != nil {
			return nil, err
		}
		if !formula.Contains(node, name) {
			continue
		}
		if err := m.db.Delete(&Condition{}, conditions[i].ID).Error; err != nil {
			return nil, err
		}
		affected[conditions[i].ActionID] = struct{}{}
	}
	return keysOf(affected), nil
}

// ActionIDs lists the distinct actions of a workflow that own conditions.
func (m *Manager) ActionIDs(workflowID uint) ([]uint, error) {
	var ids []uint
	err := m.db.Model(&Condition{}).Where("workflow_id = ?", workflowID).
		Distinct("action_id").Pluck("action_id", &ids).Error
	return ids, err
}

func conjoin(filter, node *formula.Node) *formula.Node {
	if filter == nil {
		return node
	}
	if node == nil {
		return filter
	}
	return formula.Group(formula.GroupAnd, false, filter, node)
}

func keysOf(set map[uint]struct{}) []uint {
	ids := make([]uint, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
