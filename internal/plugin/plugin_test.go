package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/types"
	"github.com/ontask-platform/ontask/internal/workspace"
)

type scaleTransformer struct {
	panicOnRun bool
	sleep      time.Duration
	dropOutput bool
}

func (scaleTransformer) Name() string        { return "scale_score" }
func (scaleTransformer) Description() string { return "Multiplies the score column by a factor." }
func (scaleTransformer) InputColumns() []string {
	return []string{"score"}
}
func (scaleTransformer) OutputColumns() []string {
	return []string{"score_scaled"}
}
func (scaleTransformer) Parameters() []Parameter {
	return []Parameter{
		{
			Name:    "factor",
			Type:    types.ColumnTypeDouble,
			Default: float64(1),
			Help:    "Multiplier applied to each score.",
		},
		{
			Name:          "rounding",
			Type:          types.ColumnTypeString,
			AllowedValues: []any{"none", "floor"},
			Default:       "none",
		},
	}
}

func (s scaleTransformer) Run(input *frame.Frame, params map[string]any) (*frame.Frame, error) {
	if s.panicOnRun {
		panic("scale blew up")
	}
	if s.sleep > 0 {
		time.Sleep(s.sleep)
	}
	factor := params["factor"].(float64)
	outColumn := "score_scaled"
	if s.dropOutput {
		outColumn = "wrong_name"
	}
	result, err := frame.New(
		[]string{"email", outColumn},
		map[string]types.ColumnType{
			"email":   types.ColumnTypeString,
			outColumn: types.ColumnTypeDouble,
		})
	if err != nil {
		return nil, err
	}
	for _, row := range input.Rows {
		score := float64(row["score"].(int64))
		if err := result.Append(map[string]any{
			"email":   row["email"],
			outColumn: score * factor,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func newPluginWorkflow(t *testing.T) (*Host, *workspace.Store, *workspace.Workflow) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(workspace.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := workspace.NewStore(workspace.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	wf := &workspace.Workflow{Owner: "instructor@example.edu", Name: "Course"}
	if err := store.Create(wf); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	data, err := frame.New(
		[]string{"email", "score"},
		map[string]types.ColumnType{
			"email": types.ColumnTypeString,
			"score": types.ColumnTypeInteger,
		})
	if err != nil {
		t.Fatalf("failed to build frame: %v", err)
	}
	for _, row := range []map[string]any{
		{"email": "s1@example.edu", "score": int64(10)},
		{"email": "s2@example.edu", "score": int64(20)},
	} {
		if err := data.Append(row); err != nil {
			t.Fatalf("failed to append row: %v", err)
		}
	}
	if err := store.Replace(wf, data); err != nil {
		t.Fatalf("failed to install data: %v", err)
	}

	registry := NewRegistry()
	if err := registry.Register(scaleTransformer{}); err != nil {
		t.Fatalf("failed to register transformer: %v", err)
	}
	host, err := NewHost(HostConfig{Database: db, Store: store, Registry: registry})
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}
	return host, store, wf
}

func TestHostExecuteMergesScaledColumn(t *testing.T) {
	host, store, wf := newPluginWorkflow(t)
	err := host.Execute(context.Background(), wf, ExecuteRequest{
		Plugin:   "scale_score",
		MergeKey: "email",
		Params:   map[string]any{"factor": 2.5},
		Owner:    "instructor@example.edu",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	loaded, err := store.Load(wf, nil, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !loaded.HasColumn("score_scaled") {
		t.Fatalf("merged column missing, have %v", loaded.Columns)
	}
	byEmail := make(map[string]any)
	for _, row := range loaded.Rows {
		byEmail[row["email"].(string)] = row["score_scaled"]
	}
	if got := byEmail["s1@example.edu"]; got != float64(25) {
		t.Fatalf("scaled value = %v, want 25", got)
	}
	var logCount int64
	if err := store.DB().Model(&workspace.Log{}).
		Where("workflow_id = ? AND operation = ?", wf.ID, "plugin_execute").
		Count(&logCount).Error; err != nil {
		t.Fatalf("log count failed: %v", err)
	}
	if logCount != 1 {
		t.Fatalf("expected one execution log, got %d", logCount)
	}
}

func TestHostExecuteRejectsBadParams(t *testing.T) {
	host, _, wf := newPluginWorkflow(t)
	err := host.Execute(context.Background(), wf, ExecuteRequest{
		Plugin:   "scale_score",
		MergeKey: "email",
		Params:   map[string]any{"rounding": "ceil"},
	})
	if !errors.Is(err, ErrPluginParams) {
		t.Fatalf("expected ErrPluginParams, got %v", err)
	}
	err = host.Execute(context.Background(), wf, ExecuteRequest{
		Plugin:   "scale_score",
		MergeKey: "email",
		Params:   map[string]any{"missing": 1},
	})
	if !errors.Is(err, ErrPluginParams) {
		t.Fatalf("expected ErrPluginParams for unknown name, got %v", err)
	}
}

func TestHostExecuteRecoversPanic(t *testing.T) {
	host, _, wf := newPluginWorkflow(t)
	if err := host.registry.Register(renamed{scaleTransformer{panicOnRun: true}, "panicker"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	err := host.Execute(context.Background(), wf, ExecuteRequest{
		Plugin:   "panicker",
		MergeKey: "email",
	})
	if !errors.Is(err, ErrPluginRuntime) {
		t.Fatalf("expected ErrPluginRuntime, got %v", err)
	}
}

func TestHostExecuteTimesOut(t *testing.T) {
	host, _, wf := newPluginWorkflow(t)
	host.timeout = 10 * time.Millisecond
	if err := host.registry.Register(renamed{scaleTransformer{sleep: time.Second}, "sleeper"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	err := host.Execute(context.Background(), wf, ExecuteRequest{
		Plugin:   "sleeper",
		MergeKey: "email",
	})
	if !errors.Is(err, ErrPluginTimeout) {
		t.Fatalf("expected ErrPluginTimeout, got %v", err)
	}
}

func TestHostExecuteRejectsSchemaMismatch(t *testing.T) {
	host, _, wf := newPluginWorkflow(t)
	if err := host.registry.Register(renamed{scaleTransformer{dropOutput: true}, "mislabeled"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	err := host.Execute(context.Background(), wf, ExecuteRequest{
		Plugin:   "mislabeled",
		MergeKey: "email",
	})
	if !errors.Is(err, ErrPluginSchema) {
		t.Fatalf("expected ErrPluginSchema, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(scaleTransformer{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := registry.Register(scaleTransformer{}); !errors.Is(err, ErrPluginParams) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if _, err := registry.Get("absent"); !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected ErrPluginNotFound, got %v", err)
	}
}

// renamed wraps a transformer under a different registry name.
type renamed struct {
	Transformer
	name string
}

func (r renamed) Name() string { return r.name }
