package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/workspace"
)

// outputSuffix marks copied inputs when a transformer declares no outputs.
const outputSuffix = "_out"

// HostConfig bundles the host dependencies.
type HostConfig struct {
	Database *gorm.DB
	Store    *workspace.Store
	Registry *Registry
	Logger   *zap.Logger
	// Timeout bounds one transformer run; defaults to one minute.
	Timeout time.Duration
}

// Host projects input columns, runs a transformer inside a recovering
// worker goroutine and merges the result back on the declared key.
type Host struct {
	db       *gorm.DB
	store    *workspace.Store
	registry *Registry
	logger   *zap.Logger
	timeout  time.Duration
}

// NewHost validates the configuration and returns a Host.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Database == nil {
		return nil, errors.New("plugin: database dependency required")
	}
	if cfg.Store == nil {
		return nil, errors.New("plugin: workspace store dependency required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("plugin: registry dependency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Host{
		db:       cfg.Database,
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		timeout:  timeout,
	}, nil
}

// ExecuteRequest describes one transformer invocation.
type ExecuteRequest struct {
	Plugin string
	// MergeKey is the workspace key column the result joins on.
	MergeKey string
	// InputColumns overrides the transformer's declaration when it leaves
	// the choice to the caller.
	InputColumns []string
	Params       map[string]any
	Owner        string
}

// Execute runs the full pipeline: resolve, validate, project, run, check
// the result schema and merge it back. Every run leaves a log entry.
func (h *Host) Execute(ctx context.Context, wf *workspace.Workflow, req ExecuteRequest) error {
	err := h.execute(ctx, wf, req)
	h.record(wf, req, err)
	return err
}

func (h *Host) execute(ctx context.Context, wf *workspace.Workflow, req ExecuteRequest) error {
	transformer, err := h.registry.Get(req.Plugin)
	if err != nil {
		return err
	}
	params, err := resolveParams(transformer.Parameters(), req.Params)
	if err != nil {
		return err
	}

	inputs := transformer.InputColumns()
	if len(inputs) == 0 {
		inputs = req.InputColumns
	}
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no input columns chosen", ErrPluginParams)
	}
	keyColumn := wf.ColumnByName(req.MergeKey)
	if keyColumn == nil || !keyColumn.IsKey {
		return fmt.Errorf("%w: merge key %q", ErrPluginParams, req.MergeKey)
	}

	projection := append([]string{req.MergeKey}, withoutName(inputs, req.MergeKey)...)
	input, err := h.store.Load(wf, projection, nil)
	if err != nil {
		return err
	}

	result, err := h.run(ctx, transformer, input, params)
	if err != nil {
		return err
	}
	if err := checkResultSchema(transformer, inputs, result, req.MergeKey); err != nil {
		return err
	}
	return h.store.Merge(wf, result, workspace.MergePlan{
		How:     workspace.MergeLeft,
		DstKey:  req.MergeKey,
		SrcKey:  req.MergeKey,
		Overlap: workspace.OverlapOverride,
	})
}

// run invokes the transformer on a worker goroutine so a panic or a hung
// run cannot take the host down.
func (h *Host) run(
	ctx context.Context,
	transformer Transformer,
	input *frame.Frame,
	params map[string]any,
) (*frame.Frame, error) {
	type outcome struct {
		result *frame.Frame
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrPluginRuntime, recovered)}
			}
		}()
		result, err := transformer.Run(input, params)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrPluginRuntime, err)
		}
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrPluginTimeout, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: after %s", ErrPluginTimeout, h.timeout)
	case out := <-done:
		return out.result, out.err
	}
}

// checkResultSchema enforces the declared contract on the returned frame.
func checkResultSchema(
	transformer Transformer,
	inputs []string,
	result *frame.Frame,
	mergeKey string,
) error {
	if result == nil {
		return fmt.Errorf("%w: nil frame", ErrPluginSchema)
	}
	if !result.HasColumn(mergeKey) {
		return fmt.Errorf("%w: missing merge key %q", ErrPluginSchema, mergeKey)
	}
	expected := transformer.OutputColumns()
	if len(expected) == 0 {
		expected = make([]string, 0, len(inputs))
		for _, name := range withoutName(inputs, mergeKey) {
			expected = append(expected, name+outputSuffix)
		}
	}
	for _, name := range expected {
		if !result.HasColumn(name) {
			return fmt.Errorf("%w: missing output %q", ErrPluginSchema, name)
		}
	}
	return nil
}

func (h *Host) record(wf *workspace.Workflow, req ExecuteRequest, runErr error) {
	status := "done"
	message := ""
	if runErr != nil {
		status = "done_error"
		message = runErr.Error()
	}
	payload, err := json.Marshal(map[string]any{
		"plugin":    req.Plugin,
		"merge_key": req.MergeKey,
		"status":    status,
		"message":   message,
	})
	if err != nil {
		payload = []byte("{}")
	}
	entry := workspace.Log{
		WorkflowID:  wf.ID,
		CreatedAt:   time.Now().UTC(),
		Owner:       req.Owner,
		Operation:   "plugin_execute",
		PayloadJSON: string(payload),
	}
	if err := h.db.Create(&entry).Error; err != nil {
		h.logger.Error("plugin log write failed", zap.Error(err))
		return
	}
	if err := h.db.Model(&workspace.Workflow{}).Where("id = ?", wf.ID).
		Update("last_log_id", entry.ID).Error; err != nil {
		h.logger.Error("plugin log ref update failed", zap.Error(err))
	}
}

func withoutName(names []string, target string) []string {
	kept := make([]string, 0, len(names))
	for _, name := range names {
		if name != target {
			kept = append(kept, name)
		}
	}
	return kept
}
