package action

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/condition"
	"github.com/ontask-platform/ontask/internal/template"
	"github.com/ontask-platform/ontask/internal/workspace"
)

// ServiceConfig bundles the service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Store      *workspace.Store
	Conditions *condition.Manager
	Logger     *zap.Logger
}

// Service owns action persistence, cache maintenance and evaluation. It
// observes the workspace store so column renames and drops propagate into
// conditions, survey bindings and action content.
type Service struct {
	db         *gorm.DB
	store      *workspace.Store
	conditions *condition.Manager
	logger     *zap.Logger
}

// NewService validates the configuration, registers the service as a store
// observer and returns it.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("action: database dependency required")
	}
	if cfg.Store == nil {
		return nil, errors.New("action: workspace store dependency required")
	}
	if cfg.Conditions == nil {
		return nil, errors.New("action: condition manager dependency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		db:         cfg.Database,
		store:      cfg.Store,
		conditions: cfg.Conditions,
		logger:     logger,
	}
	cfg.Store.Register(service)
	return service, nil
}

// Get loads one action.
func (s *Service) Get(actionID uint) (*Action, error) {
	var act Action
	err := s.db.Take(&act, actionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNoAction, actionID)
	}
	if err != nil {
		return nil, err
	}
	return &act, nil
}

// Create persists a new action after checking the name.
func (s *Service) Create(act *Action) error {
	if err := workspace.CheckName(act.Name); err != nil {
		return err
	}
	return s.db.Create(act).Error
}

// Update persists action changes.
func (s *Service) Update(act *Action) error {
	return s.db.Save(act).Error
}

// Delete removes the action, its conditions and survey bindings.
func (s *Service) Delete(actionID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("action_id = ?", actionID).
			Delete(&condition.Condition{}).Error; err != nil {
			return err
		}
		if err := tx.Where("action_id = ?", actionID).
			Delete(&SurveyColumn{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Action{}, actionID).Error
	})
}

// SaveCondition persists a condition and refreshes the action caches.
func (s *Service) SaveCondition(
	wf *workspace.Workflow,
	cond *condition.Condition,
) error {
	allFalse, err := s.conditions.Save(wf, cond)
	if err != nil {
		return err
	}
	return s.setAllFalse(cond.ActionID, allFalse)
}

// DeleteCondition removes a condition, rewrites its {% if %} guards out of
// the content, and refreshes the caches.
func (s *Service) DeleteCondition(
	wf *workspace.Workflow,
	cond *condition.Condition,
) error {
	allFalse, err := s.conditions.Delete(wf, cond)
	if err != nil {
		return err
	}
	return s.setAllFalse(cond.ActionID, allFalse)
}

// RenameCondition renames a condition and rewrites the templated guard
// surface of the action content.
func (s *Service) RenameCondition(
	wf *workspace.Workflow,
	cond *condition.Condition,
	newName string,
) error {
	act, err := s.Get(cond.ActionID)
	if err != nil {
		return err
	}
	oldName := cond.Name
	cond.Name = newName
	if _, err := s.conditions.Save(wf, cond); err != nil {
		return err
	}
	act.TextContent = template.RenameCondition(act.TextContent, oldName, newName)
	return s.db.Model(&Action{}).Where("id = ?", act.ID).
		Update("text_content", act.TextContent).Error
}

// RefreshCaches recomputes the condition counts and the all-false cache of
// one action.
func (s *Service) RefreshCaches(wf *workspace.Workflow, actionID uint) error {
	allFalse, err := s.conditions.RefreshCounts(wf, actionID)
	if err != nil {
		return err
	}
	return s.setAllFalse(actionID, allFalse)
}

// ColumnRenamed implements workspace.Observer: conditions rewrite their
// formulas, action content rewrites its {{ name }} references, survey
// bindings follow.
func (s *Service) ColumnRenamed(workflowID uint, oldName, newName string) error {
	if _, err := s.conditions.RenameColumn(workflowID, oldName, newName); err != nil {
		return err
	}
	var actions []Action
	if err := s.db.Where("workflow_id = ?", workflowID).Find(&actions).Error; err != nil {
		return err
	}
	for i := range actions {
		rewritten := template.RenameVariable(actions[i].TextContent, oldName, newName)
		if rewritten == actions[i].TextContent {
			continue
		}
		if err := s.db.Model(&Action{}).Where("id = ?", actions[i].ID).
			Update("text_content", rewritten).Error; err != nil {
			return err
		}
	}
	return s.db.Model(&SurveyColumn{}).
		Where("column_name = ? AND action_id IN (?)",
			oldName,
			s.db.Model(&Action{}).Select("id").Where("workflow_id = ?", workflowID)).
		Update("column_name", newName).Error
}

// ColumnDropped implements workspace.Observer: dependent conditions are
// deleted and the all-false caches of the affected actions are emptied.
func (s *Service) ColumnDropped(workflowID uint, name string) error {
	affected, err := s.conditions.DropColumn(workflowID, name)
	if err != nil {
		return err
	}
	for _, actionID := range affected {
		if err := s.clearAllFalse(actionID); err != nil {
			return err
		}
	}
	return s.db.Where("column_name = ? AND action_id IN (?)",
		name,
		s.db.Model(&Action{}).Select("id").Where("workflow_id = ?", workflowID)).
		Delete(&SurveyColumn{}).Error
}

// DataChanged implements workspace.Observer: every action of the workflow
// refreshes its condition counts against the new data.
func (s *Service) DataChanged(workflowID uint) error {
	wf, err := s.store.Get(workflowID)
	if err != nil {
		return err
	}
	var actions []Action
	if err := s.db.Where("workflow_id = ?", workflowID).Find(&actions).Error; err != nil {
		return err
	}
	for i := range actions {
		if err := s.RefreshCaches(wf, actions[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// SetLastLog records the most recent execution log on the action.
func (s *Service) SetLastLog(actionID, logID uint) error {
	return s.db.Model(&Action{}).Where("id = ?", actionID).
		Update("last_log_id", logID).Error
}

func (s *Service) setAllFalse(actionID uint, count int64) error {
	return s.db.Model(&Action{}).Where("id = ?", actionID).
		Update("rows_all_false", count).Error
}

func (s *Service) clearAllFalse(actionID uint) error {
	return s.db.Model(&Action{}).Where("id = ?", actionID).
		Update("rows_all_false", nil).Error
}
