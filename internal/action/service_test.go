package action

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/condition"
	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/types"
	"github.com/ontask-platform/ontask/internal/workspace"
)

func newActionFixture(t *testing.T) (*Service, *workspace.Store, *workspace.Workflow) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actions.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(workspace.Models(),
		&condition.Condition{}, &Action{}, &SurveyColumn{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := workspace.NewStore(workspace.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	manager, err := condition.NewManager(condition.ManagerConfig{
		Database: db, Store: store})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db, Store: store, Conditions: manager})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	wf := &workspace.Workflow{Owner: "instructor@example.edu", Name: "Course 101"}
	if err := wf.SetAttributes(map[string]string{"course": "Logic I"}); err != nil {
		t.Fatalf("failed to set attributes: %v", err)
	}
	if err := store.Create(wf); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	data, err := frame.New(
		[]string{"email", "name", "score"},
		map[string]types.ColumnType{
			"email": types.ColumnTypeString,
			"name":  types.ColumnTypeString,
			"score": types.ColumnTypeInteger,
		})
	if err != nil {
		t.Fatalf("failed to build frame: %v", err)
	}
	rows := []map[string]any{
		{"email": "ann@example.edu", "name": "Ann", "score": int64(80)},
		{"email": "bob@example.edu", "name": "Bob", "score": int64(40)},
	}
	for _, row := range rows {
		if err := data.Append(row); err != nil {
			t.Fatalf("failed to append row: %v", err)
		}
	}
	if err := store.Replace(wf, data); err != nil {
		t.Fatalf("failed to install table: %v", err)
	}
	return service, store, wf
}

func createTextAction(t *testing.T, service *Service, wf *workspace.Workflow, content string) *Action {
	t.Helper()
	act := &Action{
		WorkflowID:  wf.ID,
		Name:        "Weekly note",
		ActionType:  TypePersonalizedText,
		TextContent: content,
	}
	if err := service.Create(act); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	return act
}

func saveScoreCondition(t *testing.T, service *Service, wf *workspace.Workflow, actionID uint, name string, threshold int64) *condition.Condition {
	t.Helper()
	encoded, err := formula.Marshal(formula.Leaf(
		"score", types.ColumnTypeInteger, formula.OpGreaterOrEqual, threshold))
	if err != nil {
		t.Fatalf("failed to marshal formula: %v", err)
	}
	cond := &condition.Condition{
		ActionID:    actionID,
		Name:        name,
		FormulaJSON: encoded,
	}
	if err := service.SaveCondition(wf, cond); err != nil {
		t.Fatalf("failed to save condition: %v", err)
	}
	return cond
}

func artifactByItem(t *testing.T, artifacts []Artifact, item any) Artifact {
	t.Helper()
	for _, artifact := range artifacts {
		if artifact.ItemValue == item {
			return artifact
		}
	}
	t.Fatalf("no artifact for item %v", item)
	return Artifact{}
}

func TestEvaluateRendersConditionalContentPerRow(t *testing.T) {
	service, _, wf := newActionFixture(t)
	act := createTextAction(t, service, wf,
		"Hello {{name}}, course {{course}}.{% if high %} Great work!{% endif %}")
	saveScoreCondition(t, service, wf, act.ID, "high", 50)

	artifacts, err := service.Evaluate(wf, act, EvaluateOptions{
		ExtraSubject: "Week 1 for {{name}}",
		ItemColumn:   "email",
	})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}

	ann := artifactByItem(t, artifacts, "ann@example.edu")
	if ann.Err != nil {
		t.Fatalf("unexpected artifact error: %v", ann.Err)
	}
	if ann.Body != "Hello Ann, course Logic I. Great work!" {
		t.Fatalf("unexpected body %q", ann.Body)
	}
	if ann.Subject != "Week 1 for Ann" {
		t.Fatalf("unexpected subject %q", ann.Subject)
	}

	bob := artifactByItem(t, artifacts, "bob@example.edu")
	if strings.Contains(bob.Body, "Great work!") {
		t.Fatalf("condition block leaked into %q", bob.Body)
	}
}

func TestEvaluateAppliesFilterAndExclusions(t *testing.T) {
	service, _, wf := newActionFixture(t)
	act := createTextAction(t, service, wf, "Hi {{name}}")

	encoded, err := formula.Marshal(formula.Leaf(
		"score", types.ColumnTypeInteger, formula.OpGreaterOrEqual, int64(30)))
	if err != nil {
		t.Fatalf("failed to marshal formula: %v", err)
	}
	filter := &condition.Condition{
		ActionID:    act.ID,
		Name:        "filter",
		IsFilter:    true,
		FormulaJSON: encoded,
	}
	if err := service.SaveCondition(wf, filter); err != nil {
		t.Fatalf("failed to save filter: %v", err)
	}

	artifacts, err := service.Evaluate(wf, act, EvaluateOptions{
		ItemColumn:    "email",
		ExcludeValues: []any{"bob@example.edu"},
	})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(artifacts))
	}
	if artifacts[0].ItemValue != "ann@example.edu" {
		t.Fatalf("unexpected item %v", artifacts[0].ItemValue)
	}
}

func TestEvaluateFlagsInvalidRecipients(t *testing.T) {
	service, store, wf := newActionFixture(t)
	act := createTextAction(t, service, wf, "Hi {{name}}")

	if err := store.InsertRow(wf, map[string]any{
		"email": "not an address", "name": "Zed", "score": int64(10),
	}); err != nil {
		t.Fatalf("failed to insert row: %v", err)
	}

	artifacts, err := service.Evaluate(wf, act, EvaluateOptions{
		ItemColumn:     "email",
		ValidateEmails: true,
	})
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	failed := 0
	for _, artifact := range artifacts {
		if artifact.Err != nil {
			failed++
			if artifact.ItemValue != "not an address" {
				t.Fatalf("wrong row flagged: %v", artifact.ItemValue)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed artifact, got %d", failed)
	}
}

func TestSaveConditionCachesAllFalseCount(t *testing.T) {
	service, _, wf := newActionFixture(t)
	act := createTextAction(t, service, wf, "Hi {{name}}")
	cond := saveScoreCondition(t, service, wf, act.ID, "high", 50)

	reloaded, err := service.Get(act.ID)
	if err != nil {
		t.Fatalf("failed to reload action: %v", err)
	}
	if reloaded.RowsAllFalse == nil || *reloaded.RowsAllFalse != 1 {
		t.Fatalf("unexpected all-false cache %v", reloaded.RowsAllFalse)
	}

	if err := service.DeleteCondition(wf, cond); err != nil {
		t.Fatalf("failed to delete condition: %v", err)
	}
	reloaded, err = service.Get(act.ID)
	if err != nil {
		t.Fatalf("failed to reload action: %v", err)
	}
	if reloaded.RowsAllFalse == nil || *reloaded.RowsAllFalse != 2 {
		t.Fatalf("unexpected all-false cache %v", reloaded.RowsAllFalse)
	}
}

func TestRenameConditionRewritesGuardsInContent(t *testing.T) {
	service, _, wf := newActionFixture(t)
	act := createTextAction(t, service, wf,
		"{% if high %}Well done {{name}}{% endif %}")
	cond := saveScoreCondition(t, service, wf, act.ID, "high", 50)

	if err := service.RenameCondition(wf, cond, "passing"); err != nil {
		t.Fatalf("failed to rename condition: %v", err)
	}
	reloaded, err := service.Get(act.ID)
	if err != nil {
		t.Fatalf("failed to reload action: %v", err)
	}
	if !strings.Contains(reloaded.TextContent, "{% if passing %}") {
		t.Fatalf("guard not rewritten: %q", reloaded.TextContent)
	}
	if strings.Contains(reloaded.TextContent, "high") {
		t.Fatalf("stale guard left in %q", reloaded.TextContent)
	}
}

func TestColumnRenameCascadesIntoActions(t *testing.T) {
	service, store, wf := newActionFixture(t)
	act := createTextAction(t, service, wf, "Your score is {{score}}")
	saveScoreCondition(t, service, wf, act.ID, "high", 50)
	binding := SurveyColumn{ActionID: act.ID, ColumnName: "score", Position: 1}
	if err := service.db.Create(&binding).Error; err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}

	if err := store.RenameColumn(wf, "score", "points"); err != nil {
		t.Fatalf("failed to rename column: %v", err)
	}

	reloaded, err := service.Get(act.ID)
	if err != nil {
		t.Fatalf("failed to reload action: %v", err)
	}
	if !strings.Contains(reloaded.TextContent, "{{points}}") {
		t.Fatalf("content not rewritten: %q", reloaded.TextContent)
	}
	var bindings []SurveyColumn
	if err := service.db.Where("action_id = ?", act.ID).
		Find(&bindings).Error; err != nil {
		t.Fatalf("failed to load bindings: %v", err)
	}
	if len(bindings) != 1 || bindings[0].ColumnName != "points" {
		t.Fatalf("binding not renamed: %+v", bindings)
	}
	var conds []condition.Condition
	if err := service.db.Where("action_id = ?", act.ID).
		Find(&conds).Error; err != nil {
		t.Fatalf("failed to load conditions: %v", err)
	}
	if len(conds) != 1 || !strings.Contains(conds[0].FormulaJSON, "points") {
		t.Fatalf("condition formula not rewritten: %+v", conds)
	}
}

func TestColumnDropDeletesDependentsAndClearsCache(t *testing.T) {
	service, store, wf := newActionFixture(t)
	act := createTextAction(t, service, wf, "Hi {{name}}")
	saveScoreCondition(t, service, wf, act.ID, "high", 50)
	binding := SurveyColumn{ActionID: act.ID, ColumnName: "score", Position: 1}
	if err := service.db.Create(&binding).Error; err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}

	if err := store.DropColumn(wf, "score"); err != nil {
		t.Fatalf("failed to drop column: %v", err)
	}

	reloaded, err := service.Get(act.ID)
	if err != nil {
		t.Fatalf("failed to reload action: %v", err)
	}
	if reloaded.RowsAllFalse != nil {
		t.Fatalf("all-false cache not invalidated: %v", *reloaded.RowsAllFalse)
	}
	var conditionCount, bindingCount int64
	if err := service.db.Model(&condition.Condition{}).
		Where("action_id = ?", act.ID).Count(&conditionCount).Error; err != nil {
		t.Fatalf("failed to count conditions: %v", err)
	}
	if conditionCount != 0 {
		t.Fatalf("expected conditions deleted, got %d", conditionCount)
	}
	if err := service.db.Model(&SurveyColumn{}).
		Where("action_id = ?", act.ID).Count(&bindingCount).Error; err != nil {
		t.Fatalf("failed to count bindings: %v", err)
	}
	if bindingCount != 0 {
		t.Fatalf("expected bindings deleted, got %d", bindingCount)
	}
}

func TestServeRowGatesOnEnabledFlagAndWindow(t *testing.T) {
	service, _, wf := newActionFixture(t)
	act := createTextAction(t, service, wf, "Hi {{name}}")
	now := time.Now().UTC()

	_, _, err := service.ServeRow(wf, act, "email", "ann@example.edu", now)
	if !errors.Is(err, ErrServeDisabled) {
		t.Fatalf("expected ErrServeDisabled, got %v", err)
	}

	act.ServeEnabled = true
	expired := now.Add(-time.Hour)
	act.ActiveTo = &expired
	_, _, err = service.ServeRow(wf, act, "email", "ann@example.edu", now)
	if !errors.Is(err, ErrServeDisabled) {
		t.Fatalf("expected ErrServeDisabled outside window, got %v", err)
	}

	act.ActiveTo = nil
	body, fields, err := service.ServeRow(wf, act, "email", "ann@example.edu", now)
	if err != nil {
		t.Fatalf("failed to serve row: %v", err)
	}
	if body != "Hi Ann" {
		t.Fatalf("unexpected body %q", body)
	}
	if fields != nil {
		t.Fatalf("text action returned survey fields: %+v", fields)
	}
}

func TestServeSurveyHonorsGuardsWindowsAndCategories(t *testing.T) {
	service, store, wf := newActionFixture(t)
	act := &Action{
		WorkflowID:   wf.ID,
		Name:         "Check in",
		ActionType:   TypeSurvey,
		ServeEnabled: true,
	}
	if err := service.Create(act); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	guard := saveScoreCondition(t, service, wf, act.ID, "passing", 50)

	nameColumn := wf.ColumnByName("name")
	nameColumn.Description = "Preferred name"
	if err := nameColumn.SetCategories([]any{"Ann", "Bob"}); err != nil {
		t.Fatalf("failed to set categories: %v", err)
	}
	expired := time.Now().UTC().Add(-time.Hour)
	emailColumn := wf.ColumnByName("email")
	emailColumn.ActiveTo = &expired
	for _, column := range []*workspace.Column{nameColumn, emailColumn} {
		if err := store.DB().Save(column).Error; err != nil {
			t.Fatalf("failed to save column: %v", err)
		}
	}
	wf, err := store.Get(wf.ID)
	if err != nil {
		t.Fatalf("failed to reload workflow: %v", err)
	}

	bindings := []SurveyColumn{
		{ActionID: act.ID, ColumnName: "email", Position: 1},
		{ActionID: act.ID, ColumnName: "name", Position: 2},
		{ActionID: act.ID, ColumnName: "score", Position: 3, ConditionID: &guard.ID},
	}
	for i := range bindings {
		if err := service.db.Create(&bindings[i]).Error; err != nil {
			t.Fatalf("failed to create binding: %v", err)
		}
	}

	now := time.Now().UTC()
	_, fields, err := service.ServeRow(wf, act, "email", "ann@example.edu", now)
	if err != nil {
		t.Fatalf("failed to serve survey: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %+v", fields)
	}
	if fields[0].Column != "name" || fields[0].Description != "Preferred name" {
		t.Fatalf("unexpected first field %+v", fields[0])
	}
	if len(fields[0].Categories) != 2 {
		t.Fatalf("categories missing: %+v", fields[0])
	}
	if fields[1].Column != "score" || fields[1].Value != int64(80) {
		t.Fatalf("unexpected guarded field %+v", fields[1])
	}

	// The guard fails for Bob, so the score field disappears.
	_, fields, err = service.ServeRow(wf, act, "email", "bob@example.edu", now)
	if err != nil {
		t.Fatalf("failed to serve survey: %v", err)
	}
	if len(fields) != 1 || fields[0].Column != "name" {
		t.Fatalf("unexpected fields for bob %+v", fields)
	}
}

func TestDeleteRemovesConditionsAndBindings(t *testing.T) {
	service, _, wf := newActionFixture(t)
	act := createTextAction(t, service, wf, "Hi {{name}}")
	saveScoreCondition(t, service, wf, act.ID, "high", 50)
	binding := SurveyColumn{ActionID: act.ID, ColumnName: "score", Position: 1}
	if err := service.db.Create(&binding).Error; err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}

	if err := service.Delete(act.ID); err != nil {
		t.Fatalf("failed to delete action: %v", err)
	}
	if _, err := service.Get(act.ID); !errors.Is(err, ErrNoAction) {
		t.Fatalf("expected ErrNoAction, got %v", err)
	}
	var remaining int64
	if err := service.db.Model(&condition.Condition{}).
		Where("action_id = ?", act.ID).Count(&remaining).Error; err != nil {
		t.Fatalf("failed to count conditions: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected conditions deleted, got %d", remaining)
	}
}
