package action

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/ontask-platform/ontask/internal/condition"
	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/template"
	"github.com/ontask-platform/ontask/internal/workspace"
)

// EvaluateOptions tunes one evaluation run.
type EvaluateOptions struct {
	// ExtraSubject is an optional second template rendered per row.
	ExtraSubject string
	// ItemColumn names the column whose value identifies the artifact
	// target (typically the recipient address).
	ItemColumn string
	// ExcludeValues removes rows whose item value matches.
	ExcludeValues []any
	// ValidateEmails rejects rows whose item value is not a syntactically
	// valid address. Set by the email delivery adapters.
	ValidateEmails bool
}

// Artifact is the per-row output of an evaluation. A row-level failure is
// recorded in Err; it never aborts the batch.
type Artifact struct {
	Body      string
	Subject   string
	ItemValue any
	Err       error
}

// Evaluate renders the action once per filtered row: conditions are
// evaluated in memory, then content and the optional subject render with
// the merged context of row values and workspace attributes.
func (s *Service) Evaluate(
	wf *workspace.Workflow,
	act *Action,
	opts EvaluateOptions,
) ([]Artifact, error) {
	filter, err := s.conditions.FilterFormula(act.ID)
	if err != nil {
		return nil, err
	}
	effective, err := s.effectiveFilter(wf, filter, opts)
	if err != nil {
		return nil, err
	}

	siblings, err := s.conditions.List(act.ID, true)
	if err != nil {
		return nil, err
	}

	columns, err := s.columnsToLoad(wf, act, siblings, opts)
	if err != nil {
		return nil, err
	}
	data, err := s.store.Load(wf, columns, effective)
	if err != nil {
		return nil, err
	}

	attributes, err := wf.Attributes()
	if err != nil {
		return nil, err
	}

	artifacts := make([]Artifact, 0, data.NumRows())
	for _, row := range data.Rows {
		artifacts = append(artifacts,
			s.evaluateRow(act, row, siblings, attributes, opts))
	}
	return artifacts, nil
}

// effectiveFilter augments the action filter with the exclusion set over
// the item column.
func (s *Service) effectiveFilter(
	wf *workspace.Workflow,
	filter *formula.Node,
	opts EvaluateOptions,
) (*formula.Node, error) {
	if opts.ItemColumn == "" || len(opts.ExcludeValues) == 0 {
		return filter, nil
	}
	column := wf.ColumnByName(opts.ItemColumn)
	if column == nil {
		return nil, fmt.Errorf("%w: %q", workspace.ErrUnknownColumn, opts.ItemColumn)
	}
	exclusions := make([]*formula.Node, 0, len(opts.ExcludeValues))
	for _, value := range opts.ExcludeValues {
		exclusions = append(exclusions,
			formula.Leaf(opts.ItemColumn, column.ColType, formula.OpNotEqual, value))
	}
	excluded := formula.Group(formula.GroupAnd, false, exclusions...)
	if filter == nil {
		return excluded, nil
	}
	return formula.Group(formula.GroupAnd, false, filter, excluded), nil
}

// columnsToLoad collects the columns referenced by the content, the
// conditions, the filter and the item column, preserving workspace order.
func (s *Service) columnsToLoad(
	wf *workspace.Workflow,
	act *Action,
	siblings []condition.Condition,
	opts EvaluateOptions,
) ([]string, error) {
	wanted := map[string]struct{}{}
	for _, name := range template.Variables(act.TextContent) {
		wanted[name] = struct{}{}
	}
	for _, name := range template.Variables(opts.ExtraSubject) {
		wanted[name] = struct{}{}
	}
	for i := range siblings {
		node, err := siblings[i].Formula()
		if err != nil {
			return nil, err
		}
		for _, name := range formula.Variables(node) {
			wanted[name] = struct{}{}
		}
	}
	filter, err := s.conditions.FilterFormula(act.ID)
	if err != nil {
		return nil, err
	}
	for _, name := range formula.Variables(filter) {
		wanted[name] = struct{}{}
	}
	if opts.ItemColumn != "" {
		wanted[opts.ItemColumn] = struct{}{}
	}

	var columns []string
	for _, name := range wf.ColumnNames() {
		if _, ok := wanted[name]; ok {
			columns = append(columns, name)
		}
	}
	if len(columns) == 0 {
		columns = wf.ColumnNames()
	}
	return columns, nil
}

func (s *Service) evaluateRow(
	act *Action,
	row map[string]any,
	siblings []condition.Condition,
	attributes map[string]string,
	opts EvaluateOptions,
) Artifact {
	artifact := Artifact{}
	if opts.ItemColumn != "" {
		artifact.ItemValue = row[opts.ItemColumn]
		if opts.ValidateEmails {
			address, _ := artifact.ItemValue.(string)
			if _, err := mail.ParseAddress(address); err != nil {
				artifact.Err = fmt.Errorf(
					"invalid recipient address %q", address)
				return artifact
			}
		}
	}

	condmap := make(map[string]bool, len(siblings))
	for i := range siblings {
		node, err := siblings[i].Formula()
		if err != nil {
			artifact.Err = err
			return artifact
		}
		holds, err := formula.EvalRow(node, row)
		if err != nil {
			artifact.Err = err
			return artifact
		}
		condmap[siblings[i].Name] = holds
	}

	// Later overrides earlier: row values then workspace attributes.
	context := make(map[string]any, len(row)+len(attributes))
	for name, value := range row {
		context[name] = value
	}
	for name, value := range attributes {
		context[name] = value
	}

	body, err := template.Render(act.TextContent, context, condmap)
	if err != nil {
		artifact.Err = err
		return artifact
	}
	artifact.Body = body

	if opts.ExtraSubject != "" {
		subject, err := template.Render(opts.ExtraSubject, context, condmap)
		if err != nil {
			artifact.Err = err
			return artifact
		}
		artifact.Subject = subject
	}
	return artifact
}

// SurveyField is one rendered entry of a served survey.
type SurveyField struct {
	Column      string `json:"column"`
	Description string `json:"description"`
	Value       any    `json:"value"`
	Categories  []any  `json:"categories,omitempty"`
}

// ServeRow resolves one row by (uatn, uatv) and renders the action for it.
// Serving is gated by serve_enabled and the active window. Text actions
// return the rendered body; surveys return their visible field list.
func (s *Service) ServeRow(
	wf *workspace.Workflow,
	act *Action,
	keyColumn string,
	keyValue any,
	now time.Time,
) (string, []SurveyField, error) {
	if !act.ServeEnabled || !act.IsActiveAt(now) {
		return "", nil, fmt.Errorf("%w: %q", ErrServeDisabled, act.Name)
	}
	row, err := s.store.GetRow(
		wf, workspace.KeyPair{Column: keyColumn, Value: keyValue}, nil, nil)
	if err != nil {
		return "", nil, err
	}

	if act.ActionType == TypeSurvey {
		fields, err := s.surveyFields(wf, act, row, now)
		return "", fields, err
	}

	siblings, err := s.conditions.List(act.ID, true)
	if err != nil {
		return "", nil, err
	}
	attributes, err := wf.Attributes()
	if err != nil {
		return "", nil, err
	}
	artifact := s.evaluateRow(act, row, siblings, attributes, EvaluateOptions{})
	if artifact.Err != nil {
		return "", nil, artifact.Err
	}
	return artifact.Body, nil, nil
}

// surveyFields renders the ordered, guarded column list of a survey for one
// row. Columns outside their active window or guarded by a false condition
// are omitted.
func (s *Service) surveyFields(
	wf *workspace.Workflow,
	act *Action,
	row map[string]any,
	now time.Time,
) ([]SurveyField, error) {
	var bindings []SurveyColumn
	if err := s.db.Where("action_id = ?", act.ID).
		Order("position ASC").Find(&bindings).Error; err != nil {
		return nil, err
	}
	siblings, err := s.conditions.List(act.ID, true)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]condition.Condition, len(siblings))
	for i := range siblings {
		byID[siblings[i].ID] = siblings[i]
	}

	var fields []SurveyField
	for _, binding := range bindings {
		column := wf.ColumnByName(binding.ColumnName)
		if column == nil || !column.IsActiveAt(now) {
			continue
		}
		if binding.ConditionID != nil {
			guard, ok := byID[*binding.ConditionID]
			if ok {
				node, err := guard.Formula()
				if err != nil {
					return nil, err
				}
				holds, err := formula.EvalRow(node, row)
				if err != nil {
					return nil, err
				}
				if !holds {
					continue
				}
			}
		}
		categories, err := column.Categories()
		if err != nil {
			return nil, err
		}
		fields = append(fields, SurveyField{
			Column:      column.Name,
			Description: column.Description,
			Value:       row[column.Name],
			Categories:  categories,
		})
	}
	return fields, nil
}
