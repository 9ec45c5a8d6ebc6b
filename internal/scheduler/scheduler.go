// Package scheduler queues actions for deferred execution and sweeps due
// items into a bounded worker pool.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/action"
)

// Item lifecycle states.
const (
	StatusCreating  = "creating"
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusDone      = "done"
	StatusDoneError = "done_error"
)

var (
	// ErrScheduleInvalid is the base kind of every scheduling validation
	// failure.
	ErrScheduleInvalid = errors.New("scheduler: invalid scheduled item")
	// ErrExecuteInPast rejects execution times that already elapsed.
	ErrExecuteInPast = fmt.Errorf("%w: execution time is in the past", ErrScheduleInvalid)
	// ErrMissingSubject rejects email schedules without a subject.
	ErrMissingSubject = fmt.Errorf("%w: email subject required", ErrScheduleInvalid)
	// ErrWrongActionType rejects action types that cannot be scheduled.
	ErrWrongActionType = fmt.Errorf("%w: action type cannot be scheduled", ErrScheduleInvalid)
	// ErrNoScheduledItem reports a missing item.
	ErrNoScheduledItem = errors.New("scheduler: scheduled item not found")
)

// ScheduledItem is one deferred action run.
type ScheduledItem struct {
	ID            uint      `gorm:"column:id;primaryKey"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
	Name          string    `gorm:"column:name;size:512;not null;index:idx_sched_action_name,unique,priority:2"`
	Description   string    `gorm:"column:description;type:text;not null;default:''"`
	ActionID      uint      `gorm:"column:action_id;not null;index:idx_sched_action_name,unique,priority:1"`
	Owner         string    `gorm:"column:owner;size:190;not null"`
	ExecuteAt     time.Time `gorm:"column:execute_at;not null;index"`
	Status        string    `gorm:"column:status;size:32;not null;default:'creating';index"`
	ItemColumn    string    `gorm:"column:item_column;size:512;not null;default:''"`
	ExcludeJSON   string    `gorm:"column:exclude_json;type:text;not null;default:'[]'"`
	PayloadJSON   string    `gorm:"column:payload_json;type:text;not null;default:'{}'"`
	LastLogID     *uint     `gorm:"column:last_log_id"`
	LastExecution *time.Time `gorm:"column:last_execution"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduledItem) TableName() string {
	return "scheduled_items"
}

// Payload is the action-type specific execution envelope stored with an
// item.
type Payload struct {
	Subject        string   `json:"subject,omitempty"`
	CCEmail        []string `json:"cc_email,omitempty"`
	BCCEmail       []string `json:"bcc_email,omitempty"`
	SendConfirm    bool     `json:"send_confirmation,omitempty"`
	TrackRead      bool     `json:"track_read,omitempty"`
	TargetURL      string   `json:"target_url,omitempty"`
	Token          string   `json:"token,omitempty"`
	ExportWorkflow bool     `json:"export_workflow,omitempty"`
}

// SetPayload serializes the envelope into the item.
func (i *ScheduledItem) SetPayload(p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	i.PayloadJSON = string(raw)
	return nil
}

// DecodePayload deserializes the envelope.
func (i *ScheduledItem) DecodePayload() (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(i.PayloadJSON), &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// ExcludeValues decodes the opt-out values of the item column.
func (i *ScheduledItem) ExcludeValues() ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(i.ExcludeJSON), &values); err != nil {
		return nil, err
	}
	return values, nil
}

// SetExcludeValues serializes the opt-out list.
func (i *ScheduledItem) SetExcludeValues(values []string) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	i.ExcludeJSON = string(raw)
	return nil
}

// schedulable lists the action types a schedule may target.
var schedulable = map[action.Type]bool{
	action.TypePersonalizedText: true,
	action.TypePersonalizedJSON: true,
	action.TypeCanvasEmail:      true,
}

// Validate checks an item before it becomes pending. now anchors the
// past-time check so callers and tests share one clock.
func Validate(item *ScheduledItem, act *action.Action, now time.Time) error {
	if item.Name == "" {
		return fmt.Errorf("%w: name required", ErrScheduleInvalid)
	}
	if !schedulable[act.ActionType] {
		return fmt.Errorf("%w: %q", ErrWrongActionType, act.ActionType)
	}
	if !item.ExecuteAt.After(now) {
		return fmt.Errorf("%w: %s", ErrExecuteInPast, item.ExecuteAt.Format(time.RFC3339))
	}
	payload, err := item.DecodePayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
	}
	switch act.ActionType {
	case action.TypePersonalizedText, action.TypeCanvasEmail:
		if payload.Subject == "" {
			return ErrMissingSubject
		}
		if item.ItemColumn == "" {
			return fmt.Errorf("%w: item column required", ErrScheduleInvalid)
		}
	case action.TypePersonalizedJSON:
		if payload.TargetURL == "" && act.TargetURL == "" {
			return fmt.Errorf("%w: target URL required", ErrScheduleInvalid)
		}
	}
	return nil
}

// Manager persists scheduled items.
type Manager struct {
	db *gorm.DB
}

// NewManager wires the manager over the shared database handle.
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// Get loads one item.
func (m *Manager) Get(itemID uint) (*ScheduledItem, error) {
	var item ScheduledItem
	if err := m.db.First(&item, itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrNoScheduledItem, itemID)
		}
		return nil, err
	}
	return &item, nil
}

// List returns the items of one action, newest execution first.
func (m *Manager) List(actionID uint) ([]ScheduledItem, error) {
	var items []ScheduledItem
	err := m.db.Where("action_id = ?", actionID).
		Order("execute_at DESC").Find(&items).Error
	return items, err
}

// Save validates the item against its action and persists it as pending.
func (m *Manager) Save(item *ScheduledItem, act *action.Action) error {
	if err := Validate(item, act, time.Now()); err != nil {
		return err
	}
	item.Status = StatusPending
	return m.db.Save(item).Error
}

// Delete removes an item that has not started executing.
func (m *Manager) Delete(itemID uint) error {
	result := m.db.Where("id = ? AND status IN ?", itemID,
		[]string{StatusCreating, StatusPending, StatusDone, StatusDoneError}).
		Delete(&ScheduledItem{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrNoScheduledItem, itemID)
	}
	return nil
}
