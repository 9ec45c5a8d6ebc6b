package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/action"
	"github.com/ontask-platform/ontask/internal/deliver"
	"github.com/ontask-platform/ontask/internal/workspace"
)

// ActionRunnerConfig bundles the runner dependencies.
type ActionRunnerConfig struct {
	Database *gorm.DB
	Store    *workspace.Store
	Actions  *action.Service
	Email    *deliver.EmailSender
	JSON     *deliver.JSONSender
	Canvas   *deliver.CanvasSender
	// TrackKey signs tracking pixel blobs; BaseURL anchors the pixel URL.
	TrackKey []byte
	BaseURL  string
	Logger   *zap.Logger
}

// ActionRunner executes claimed scheduled items: it evaluates the action
// and hands the artifacts to the delivery adapter of the action type.
type ActionRunner struct {
	db       *gorm.DB
	store    *workspace.Store
	actions  *action.Service
	email    *deliver.EmailSender
	jsonSend *deliver.JSONSender
	canvas   *deliver.CanvasSender
	trackKey []byte
	baseURL  string
	logger   *zap.Logger
}

// NewActionRunner validates the configuration and returns a runner.
func NewActionRunner(cfg ActionRunnerConfig) (*ActionRunner, error) {
	if cfg.Database == nil {
		return nil, errors.New("scheduler: database dependency required")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler: workspace store dependency required")
	}
	if cfg.Actions == nil {
		return nil, errors.New("scheduler: action service dependency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionRunner{
		db:       cfg.Database,
		store:    cfg.Store,
		actions:  cfg.Actions,
		email:    cfg.Email,
		jsonSend: cfg.JSON,
		canvas:   cfg.Canvas,
		trackKey: cfg.TrackKey,
		baseURL:  cfg.BaseURL,
		logger:   logger,
	}, nil
}

// RunScheduledItem evaluates and delivers one claimed item, then writes
// the execution log and points the item and its action at it.
func (r *ActionRunner) RunScheduledItem(ctx context.Context, item *ScheduledItem) error {
	runErr := r.run(ctx, item)
	r.record(item, runErr)
	return runErr
}

func (r *ActionRunner) run(ctx context.Context, item *ScheduledItem) error {
	act, err := r.actions.Get(item.ActionID)
	if err != nil {
		return err
	}
	wf, err := r.store.Get(act.WorkflowID)
	if err != nil {
		return err
	}
	payload, err := item.DecodePayload()
	if err != nil {
		return err
	}
	exclude, err := item.ExcludeValues()
	if err != nil {
		return err
	}
	excludeValues := make([]any, 0, len(exclude))
	for _, value := range exclude {
		excludeValues = append(excludeValues, value)
	}

	opts := action.EvaluateOptions{
		ExtraSubject:   payload.Subject,
		ItemColumn:     item.ItemColumn,
		ExcludeValues:  excludeValues,
		ValidateEmails: act.ActionType == action.TypePersonalizedText,
	}
	artifacts, err := r.actions.Evaluate(wf, act, opts)
	if err != nil {
		return err
	}

	switch act.ActionType {
	case action.TypePersonalizedText:
		return r.deliverEmail(ctx, wf, act, item, payload, artifacts)
	case action.TypePersonalizedJSON:
		return r.deliverJSON(ctx, act, payload, artifacts)
	case action.TypeCanvasEmail:
		return r.deliverCanvas(ctx, item, payload, artifacts)
	}
	return fmt.Errorf("%w: %q", ErrWrongActionType, act.ActionType)
}

func (r *ActionRunner) deliverEmail(
	ctx context.Context,
	wf *workspace.Workflow,
	act *action.Action,
	item *ScheduledItem,
	payload Payload,
	artifacts []action.Artifact,
) error {
	if r.email == nil {
		return fmt.Errorf("%w: email delivery not configured", deliver.ErrDelivery)
	}
	trackColumn := ""
	if payload.TrackRead {
		created, err := deliver.EnsureTrackColumn(r.store, wf)
		if err != nil {
			return err
		}
		trackColumn = created
	}
	messages := make([]deliver.Message, 0, len(artifacts))
	for _, artifact := range artifacts {
		if artifact.Err != nil {
			r.logger.Warn("row skipped",
				zap.Uint("item_id", item.ID), zap.Error(artifact.Err))
			continue
		}
		recipient := fmt.Sprintf("%v", artifact.ItemValue)
		message := deliver.Message{
			To:      recipient,
			CC:      payload.CCEmail,
			BCC:     payload.BCCEmail,
			Subject: artifact.Subject,
			HTML:    artifact.Body,
		}
		if trackColumn != "" {
			blob, err := deliver.SignTrackPayload(deliver.TrackPayload{
				ActionID:  act.ID,
				Sender:    item.Owner,
				Recipient: recipient,
				SrcColumn: item.ItemColumn,
				DstColumn: trackColumn,
			}, r.trackKey)
			if err != nil {
				return err
			}
			message.TrackURL = deliver.PixelURL(r.baseURL, blob)
		}
		messages = append(messages, message)
	}
	return r.email.Send(ctx, messages)
}

func (r *ActionRunner) deliverJSON(
	ctx context.Context,
	act *action.Action,
	payload Payload,
	artifacts []action.Artifact,
) error {
	if r.jsonSend == nil {
		return fmt.Errorf("%w: json delivery not configured", deliver.ErrDelivery)
	}
	targetURL := payload.TargetURL
	if targetURL == "" {
		targetURL = act.TargetURL
	}
	bodies := make([][]byte, 0, len(artifacts))
	for _, artifact := range artifacts {
		if artifact.Err != nil {
			r.logger.Warn("row skipped", zap.Error(artifact.Err))
			continue
		}
		bodies = append(bodies, []byte(artifact.Body))
	}
	return r.jsonSend.Send(ctx, targetURL, payload.Token, bodies)
}

func (r *ActionRunner) deliverCanvas(
	ctx context.Context,
	item *ScheduledItem,
	payload Payload,
	artifacts []action.Artifact,
) error {
	if r.canvas == nil {
		return fmt.Errorf("%w: canvas delivery not configured", deliver.ErrDelivery)
	}
	messages := make([]deliver.CanvasMessage, 0, len(artifacts))
	for _, artifact := range artifacts {
		if artifact.Err != nil {
			r.logger.Warn("row skipped", zap.Error(artifact.Err))
			continue
		}
		messages = append(messages, deliver.CanvasMessage{
			RecipientID: fmt.Sprintf("%v", artifact.ItemValue),
			Subject:     artifact.Subject,
			Body:        artifact.Body,
		})
	}
	return r.canvas.Send(ctx, item.Owner, messages)
}

func (r *ActionRunner) record(item *ScheduledItem, runErr error) {
	status := StatusDone
	message := ""
	if runErr != nil {
		status = StatusDoneError
		message = runErr.Error()
	}
	encoded, err := json.Marshal(map[string]any{
		"scheduled_item": item.ID,
		"action":         item.ActionID,
		"status":         status,
		"message":        message,
	})
	if err != nil {
		encoded = []byte("{}")
	}
	act, err := r.actions.Get(item.ActionID)
	if err != nil {
		r.logger.Error("log action lookup failed", zap.Error(err))
		return
	}
	entry := workspace.Log{
		WorkflowID:  act.WorkflowID,
		CreatedAt:   time.Now().UTC(),
		Owner:       item.Owner,
		Operation:   "scheduled_execute",
		PayloadJSON: string(encoded),
	}
	if err := r.db.Create(&entry).Error; err != nil {
		r.logger.Error("execution log write failed", zap.Error(err))
		return
	}
	item.LastLogID = &entry.ID
	if err := r.actions.SetLastLog(item.ActionID, entry.ID); err != nil {
		r.logger.Error("action log ref update failed", zap.Error(err))
	}
}
