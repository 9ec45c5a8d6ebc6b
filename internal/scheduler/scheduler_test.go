package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/action"
)

func newSchedulerDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ScheduledItem{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func emailItem(t *testing.T, executeAt time.Time) *ScheduledItem {
	t.Helper()
	item := &ScheduledItem{
		Name:       "weekly feedback",
		ActionID:   1,
		Owner:      "instructor@example.edu",
		ExecuteAt:  executeAt,
		ItemColumn: "email",
	}
	if err := item.SetPayload(Payload{Subject: "Week 3"}); err != nil {
		t.Fatalf("failed to set payload: %v", err)
	}
	item.ExcludeJSON = "[]"
	return item
}

func TestValidateAcceptsFutureEmailSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := emailItem(t, now.Add(time.Hour))
	act := &action.Action{ActionType: action.TypePersonalizedText}
	if err := Validate(item, act, now); err != nil {
		t.Fatalf("expected valid schedule, got %v", err)
	}
}

func TestValidateRejectsPastExecution(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := emailItem(t, now.Add(-time.Minute))
	act := &action.Action{ActionType: action.TypePersonalizedText}
	if err := Validate(item, act, now); !errors.Is(err, ErrExecuteInPast) {
		t.Fatalf("expected ErrExecuteInPast, got %v", err)
	}
}

func TestValidateRejectsMissingSubject(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := emailItem(t, now.Add(time.Hour))
	if err := item.SetPayload(Payload{}); err != nil {
		t.Fatalf("failed to set payload: %v", err)
	}
	act := &action.Action{ActionType: action.TypePersonalizedText}
	if err := Validate(item, act, now); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestValidateRejectsSurveyActions(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := emailItem(t, now.Add(time.Hour))
	act := &action.Action{ActionType: action.TypeSurvey}
	if err := Validate(item, act, now); !errors.Is(err, ErrWrongActionType) {
		t.Fatalf("expected ErrWrongActionType, got %v", err)
	}
}

func TestValidateRequiresJSONTargetURL(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := emailItem(t, now.Add(time.Hour))
	if err := item.SetPayload(Payload{Token: "tok"}); err != nil {
		t.Fatalf("failed to set payload: %v", err)
	}
	act := &action.Action{ActionType: action.TypePersonalizedJSON}
	if err := Validate(item, act, now); !errors.Is(err, ErrScheduleInvalid) {
		t.Fatalf("expected ErrScheduleInvalid, got %v", err)
	}
	act.TargetURL = "https://hooks.example.edu/ingest"
	if err := Validate(item, act, now); err != nil {
		t.Fatalf("expected action target URL to satisfy validation, got %v", err)
	}
}

type recordingRunner struct {
	mu   sync.Mutex
	runs []uint
	err  error
}

func (r *recordingRunner) RunScheduledItem(_ context.Context, item *ScheduledItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, item.ID)
	return r.err
}

func TestSweepClaimsAndCompletesDueItems(t *testing.T) {
	db := newSchedulerDB(t)
	due := emailItem(t, time.Now().Add(-time.Minute))
	due.Status = StatusPending
	if err := db.Create(due).Error; err != nil {
		t.Fatalf("failed to insert due item: %v", err)
	}
	future := emailItem(t, time.Now().Add(time.Hour))
	future.Name = "next week"
	future.Status = StatusPending
	if err := db.Create(future).Error; err != nil {
		t.Fatalf("failed to insert future item: %v", err)
	}

	runner := &recordingRunner{}
	sweeper := NewSweeper(SweeperConfig{Database: db, Runner: runner})
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if len(runner.runs) != 1 || runner.runs[0] != due.ID {
		t.Fatalf("expected exactly the due item to run, got %v", runner.runs)
	}
	var stored ScheduledItem
	if err := db.Take(&stored, due.ID).Error; err != nil {
		t.Fatalf("failed to reload item: %v", err)
	}
	if stored.Status != StatusDone {
		t.Fatalf("expected status %q, got %q", StatusDone, stored.Status)
	}
	if stored.LastExecution == nil {
		t.Fatalf("expected last execution timestamp")
	}
	var untouched ScheduledItem
	if err := db.Take(&untouched, future.ID).Error; err != nil {
		t.Fatalf("failed to reload future item: %v", err)
	}
	if untouched.Status != StatusPending {
		t.Fatalf("future item should stay pending, got %q", untouched.Status)
	}
}

func TestSweepRecordsFailures(t *testing.T) {
	db := newSchedulerDB(t)
	due := emailItem(t, time.Now().Add(-time.Minute))
	due.Status = StatusPending
	if err := db.Create(due).Error; err != nil {
		t.Fatalf("failed to insert due item: %v", err)
	}

	runner := &recordingRunner{err: errors.New("smtp down")}
	sweeper := NewSweeper(SweeperConfig{Database: db, Runner: runner})
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	var stored ScheduledItem
	if err := db.Take(&stored, due.ID).Error; err != nil {
		t.Fatalf("failed to reload item: %v", err)
	}
	if stored.Status != StatusDoneError {
		t.Fatalf("expected status %q, got %q", StatusDoneError, stored.Status)
	}
}

func TestClaimDueIsExclusive(t *testing.T) {
	db := newSchedulerDB(t)
	due := emailItem(t, time.Now().Add(-time.Minute))
	due.Status = StatusPending
	if err := db.Create(due).Error; err != nil {
		t.Fatalf("failed to insert due item: %v", err)
	}

	sweeper := NewSweeper(SweeperConfig{Database: db, Runner: &recordingRunner{}})
	deadline := time.Now().Add(sweepSlack)
	first, err := sweeper.claimDue(deadline)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one claimed item, got %d", len(first))
	}
	second, err := sweeper.claimDue(deadline)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("item claimed twice: %v", second)
	}
}

func TestManagerSaveMarksPending(t *testing.T) {
	db := newSchedulerDB(t)
	manager := NewManager(db)
	item := emailItem(t, time.Now().Add(time.Hour))
	act := &action.Action{ActionType: action.TypePersonalizedText}
	if err := manager.Save(item, act); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	stored, err := manager.Get(item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("expected pending status, got %q", stored.Status)
	}
	if err := manager.Delete(stored.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := manager.Get(item.ID); !errors.Is(err, ErrNoScheduledItem) {
		t.Fatalf("expected ErrNoScheduledItem, got %v", err)
	}
}
