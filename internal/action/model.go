// Package action implements the personalization runtime: the action model,
// per-row evaluation of conditions and content, and the serve path.
package action

import (
	"errors"
	"time"
)

// Type enumerates the action kinds.
type Type string

const (
	// TypePersonalizedText renders per-row text delivered by email or ZIP.
	TypePersonalizedText Type = "personalized_text"
	// TypePersonalizedJSON renders per-row JSON posted to a target URL.
	TypePersonalizedJSON Type = "personalized_json"
	// TypeCanvasEmail renders per-row text delivered through the LMS.
	TypeCanvasEmail Type = "personalized_canvas_email"
	// TypeSurvey serves a per-row column form instead of rendered text.
	TypeSurvey Type = "survey"
)

var (
	// ErrNoAction indicates the referenced action does not exist.
	ErrNoAction = errors.New("action: no such action")
	// ErrServeDisabled indicates the serve URL is gated off or outside the
	// active window.
	ErrServeDisabled = errors.New("action: serving disabled")
)

// Action is a recipe that, evaluated row by row, produces artifacts.
type Action struct {
	ID          uint   `gorm:"column:id;primaryKey"`
	WorkflowID  uint   `gorm:"column:workflow_id;not null;index:idx_actions_workflow_name,unique,priority:1"`
	Name        string `gorm:"column:name;size:512;not null;index:idx_actions_workflow_name,unique,priority:2"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
	ActionType  Type   `gorm:"column:action_type;size:64;not null"`
	TextContent string `gorm:"column:text_content;type:text;not null;default:''"`
	TargetURL   string `gorm:"column:target_url;size:2048;not null;default:''"`

	ServeEnabled bool       `gorm:"column:serve_enabled;not null;default:false"`
	ActiveFrom   *time.Time `gorm:"column:active_from"`
	ActiveTo     *time.Time `gorm:"column:active_to"`

	// RowsAllFalse caches the number of filtered rows for which no
	// condition fires; nil while invalidated.
	RowsAllFalse *int64 `gorm:"column:rows_all_false"`
	LastLogID    *uint  `gorm:"column:last_log_id"`
}

// TableName provides the explicit table binding for GORM.
func (Action) TableName() string {
	return "actions"
}

// IsActiveAt reports whether the action is inside its active window.
func (a *Action) IsActiveAt(now time.Time) bool {
	if a.ActiveFrom != nil && now.Before(*a.ActiveFrom) {
		return false
	}
	if a.ActiveTo != nil && now.After(*a.ActiveTo) {
		return false
	}
	return true
}

// SurveyColumn binds one workspace column into a survey action, in order,
// optionally guarded by a condition.
type SurveyColumn struct {
	ID          uint   `gorm:"column:id;primaryKey"`
	ActionID    uint   `gorm:"column:action_id;not null;index"`
	ColumnName  string `gorm:"column:column_name;size:512;not null"`
	Position    int    `gorm:"column:position;not null"`
	ConditionID *uint  `gorm:"column:condition_id"`
}

// TableName provides the explicit table binding for GORM.
func (SurveyColumn) TableName() string {
	return "action_survey_columns"
}
