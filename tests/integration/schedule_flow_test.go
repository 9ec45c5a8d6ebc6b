package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/action"
	"github.com/ontask-platform/ontask/internal/auth"
	"github.com/ontask-platform/ontask/internal/condition"
	"github.com/ontask-platform/ontask/internal/database"
	"github.com/ontask-platform/ontask/internal/deliver"
	"github.com/ontask-platform/ontask/internal/plugin"
	"github.com/ontask-platform/ontask/internal/scheduler"
	"github.com/ontask-platform/ontask/internal/server"
	"github.com/ontask-platform/ontask/internal/transfer"
	"github.com/ontask-platform/ontask/internal/workspace"
)

const (
	integrationSecret = "integration-secret"
	integrationOwner  = "instructor@example.edu"
	jsonContentType   = "application/json"
)

type capturedMail struct {
	to   []string
	body []byte
}

type stack struct {
	db       *gorm.DB
	handler  http.Handler
	store    *workspace.Store
	actions  *action.Service
	sweeper  *scheduler.Sweeper
	token    string
	mu       sync.Mutex
	outbox   []capturedMail
	exporter *transfer.Exporter
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "ontask.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open database failed: %v", err)
	}

	store, err := workspace.NewStore(workspace.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("store setup failed: %v", err)
	}
	conditions, err := condition.NewManager(condition.ManagerConfig{Database: db, Store: store})
	if err != nil {
		t.Fatalf("condition manager setup failed: %v", err)
	}
	actions, err := action.NewService(action.ServiceConfig{
		Database:   db,
		Store:      store,
		Conditions: conditions,
	})
	if err != nil {
		t.Fatalf("action service setup failed: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "ontask-auth",
		Audience:      "ontask-api",
	})
	if err != nil {
		t.Fatalf("token issuer setup failed: %v", err)
	}
	token, _, err := issuer.IssueToken(t.Context(), integrationOwner)
	if err != nil {
		t.Fatalf("token issue failed: %v", err)
	}

	s := &stack{db: db, store: store, actions: actions, token: token}

	emailSender := deliver.NewEmailSender(deliver.EmailConfig{
		Host: "localhost", Port: 25, From: "ontask@example.edu",
	}, deliver.Pacer{}, func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.outbox = append(s.outbox, capturedMail{to: to, body: msg})
		return nil
	})

	runner, err := scheduler.NewActionRunner(scheduler.ActionRunnerConfig{
		Database: db,
		Store:    store,
		Actions:  actions,
		Email:    emailSender,
		TrackKey: []byte(integrationSecret),
		BaseURL:  "http://localhost:8080",
	})
	if err != nil {
		t.Fatalf("runner setup failed: %v", err)
	}
	s.sweeper = scheduler.NewSweeper(scheduler.SweeperConfig{Database: db, Runner: runner})

	registry := plugin.NewRegistry()
	host, err := plugin.NewHost(plugin.HostConfig{Database: db, Store: store, Registry: registry})
	if err != nil {
		t.Fatalf("plugin host setup failed: %v", err)
	}
	exporter, err := transfer.NewExporter(transfer.ExporterConfig{
		Store:      store,
		Conditions: conditions,
		Key:        []byte(integrationSecret),
	})
	if err != nil {
		t.Fatalf("exporter setup failed: %v", err)
	}
	s.exporter = exporter

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:     store,
		Actions:   actions,
		Schedules: scheduler.NewManager(db),
		Tokens:    issuer,
		TrackKey:  []byte(integrationSecret),
		Plugins:   host,
		Registry:  registry,
		Transfer:  exporter,
	})
	if err != nil {
		t.Fatalf("handler setup failed: %v", err)
	}
	s.handler = handler
	return s
}

func (s *stack) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request failed: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set("Authorization", "Bearer "+s.token)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, req)
	return recorder
}

func TestScheduledEmailFlow(t *testing.T) {
	s := newStack(t)

	created := s.request(t, http.MethodPost, "/workflows", map[string]any{
		"name": "Course 101",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("workflow create returned %d: %s", created.Code, created.Body.String())
	}
	var workflow struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &workflow); err != nil {
		t.Fatalf("decode workflow failed: %v", err)
	}

	install := s.request(t, http.MethodPost,
		fmt.Sprintf("/workflows/%d/table", workflow.ID), map[string]any{
			"data": []map[string]any{
				{"email": "ann@example.edu", "name": "Ann", "score": 80},
				{"email": "bob@example.edu", "name": "Bob", "score": 40},
			},
		})
	if install.Code != http.StatusOK {
		t.Fatalf("table install returned %d: %s", install.Code, install.Body.String())
	}

	wf, err := s.store.Get(workflow.ID)
	if err != nil {
		t.Fatalf("workflow reload failed: %v", err)
	}
	act := &action.Action{
		WorkflowID:  wf.ID,
		Name:        "welcome",
		ActionType:  action.TypePersonalizedText,
		TextContent: "Hello {{name}}",
	}
	if err := s.actions.Create(act); err != nil {
		t.Fatalf("action create failed: %v", err)
	}

	scheduled := s.request(t, http.MethodPost, "/scheduled", map[string]any{
		"name":        "friday send",
		"action":      act.ID,
		"item_column": "email",
		"execute":     time.Now().Add(30 * time.Second).Format(time.RFC3339),
		"payload": map[string]any{
			"subject":  "Week 1",
			"cc_email": []string{"coordinator@example.edu"},
		},
	})
	if scheduled.Code != http.StatusOK && scheduled.Code != http.StatusCreated {
		t.Fatalf("schedule returned %d: %s", scheduled.Code, scheduled.Body.String())
	}

	// The sweep horizon extends slightly past now, so the item is due.
	if err := s.sweeper.Sweep(t.Context()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	s.mu.Lock()
	sent := len(s.outbox)
	var bodies []string
	for _, mail := range s.outbox {
		bodies = append(bodies, string(mail.body))
		copied := false
		for _, recipient := range mail.to {
			if recipient == "coordinator@example.edu" {
				copied = true
			}
		}
		if !copied {
			t.Fatalf("cc recipient missing from envelope %v", mail.to)
		}
	}
	s.mu.Unlock()
	if sent != 2 {
		t.Fatalf("expected 2 messages, got %d", sent)
	}
	joined := strings.Join(bodies, "\n")
	if !strings.Contains(joined, "Hello Ann") || !strings.Contains(joined, "Hello Bob") {
		t.Fatalf("expected personalized bodies, got %q", joined)
	}

	var item scheduler.ScheduledItem
	if err := s.db.Where("action_id = ?", act.ID).First(&item).Error; err != nil {
		t.Fatalf("scheduled item lookup failed: %v", err)
	}
	if item.Status != scheduler.StatusDone {
		t.Fatalf("expected status %q, got %q", scheduler.StatusDone, item.Status)
	}
	if item.LastLogID == nil {
		t.Fatalf("expected execution log reference")
	}
	var entry workspace.Log
	if err := s.db.First(&entry, *item.LastLogID).Error; err != nil {
		t.Fatalf("execution log lookup failed: %v", err)
	}
	if entry.Operation != "scheduled_execute" {
		t.Fatalf("unexpected log operation %q", entry.Operation)
	}
}

func TestExportImportOverHTTP(t *testing.T) {
	s := newStack(t)

	created := s.request(t, http.MethodPost, "/workflows", map[string]any{
		"name": "Transferable",
	})
	var workflow struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &workflow); err != nil {
		t.Fatalf("decode workflow failed: %v", err)
	}
	install := s.request(t, http.MethodPost,
		fmt.Sprintf("/workflows/%d/table", workflow.ID), map[string]any{
			"data": []map[string]any{
				{"email": "ann@example.edu", "score": 80},
			},
		})
	if install.Code != http.StatusOK {
		t.Fatalf("table install returned %d: %s", install.Code, install.Body.String())
	}

	exported := s.request(t, http.MethodGet,
		fmt.Sprintf("/workflows/%d/export", workflow.ID), nil)
	if exported.Code != http.StatusOK {
		t.Fatalf("export returned %d: %s", exported.Code, exported.Body.String())
	}
	if got := exported.Header().Get("Content-Type"); got != "application/zip" {
		t.Fatalf("unexpected export content type %q", got)
	}

	req := httptest.NewRequest(http.MethodPost, "/workflows/import",
		bytes.NewReader(exported.Body.Bytes()))
	req.Header.Set("Authorization", "Bearer "+s.token)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("import returned %d: %s", recorder.Code, recorder.Body.String())
	}

	var imported struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &imported); err != nil {
		t.Fatalf("decode import response failed: %v", err)
	}
	copyWF, err := s.store.Get(imported.ID)
	if err != nil {
		t.Fatalf("imported workflow lookup failed: %v", err)
	}
	if copyWF.RowCount != 1 {
		t.Fatalf("expected 1 row in imported copy, got %d", copyWF.RowCount)
	}
	if copyWF.ID == workflow.ID {
		t.Fatalf("import reused the exported workflow")
	}
	if copyWF.Name != "Transferable (1)" {
		t.Fatalf("expected suffixed name for the copy, got %q", copyWF.Name)
	}
}
