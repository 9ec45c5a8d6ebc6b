package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ontask-platform/ontask/internal/types"
)

const sampleCSV = `email,score,enrolled
s1@example.edu,10,true
s2@example.edu,20,false
s3@example.edu,,true
`

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grades.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}
	return path
}

func TestReadCSVInfersTypes(t *testing.T) {
	source, err := ReadCSV(writeSource(t, sampleCSV))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if source.NumRows() != 3 {
		t.Fatalf("rows = %d, want 3", source.NumRows())
	}
	if got := source.Types["score"]; got != types.ColumnTypeInteger {
		t.Fatalf("score type = %s, want integer", got)
	}
	if got := source.Types["enrolled"]; got != types.ColumnTypeBoolean {
		t.Fatalf("enrolled type = %s, want boolean", got)
	}
	if source.Rows[2]["score"] != nil {
		t.Fatalf("empty cell should be null, got %v", source.Rows[2]["score"])
	}
}

func TestDeltaSkipsUnchangedRows(t *testing.T) {
	source, err := ReadCSV(writeSource(t, sampleCSV))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	first, snapshot := Delta(source, "email", nil)
	if first.NumRows() != 3 {
		t.Fatalf("initial delta rows = %d, want 3", first.NumRows())
	}
	second, _ := Delta(source, "email", snapshot)
	if second.NumRows() != 0 {
		t.Fatalf("repeat delta rows = %d, want 0", second.NumRows())
	}
	source.Rows[0]["score"] = int64(99)
	third, _ := Delta(source, "email", snapshot)
	if third.NumRows() != 1 {
		t.Fatalf("changed delta rows = %d, want 1", third.NumRows())
	}
	if third.Rows[0]["email"] != "s1@example.edu" {
		t.Fatalf("wrong row in delta: %v", third.Rows[0])
	}
}

type captureUploader struct {
	calls   int
	lastKey string
	lastWF  uint
	records []byte
	err     error
}

func (c *captureUploader) MergeLeft(_ context.Context, workflowID uint, key string, records []byte) error {
	c.calls++
	c.lastWF = workflowID
	c.lastKey = key
	c.records = append([]byte(nil), records...)
	return c.err
}

func TestSyncOnceUploadsDeltaAndPersistsSnapshot(t *testing.T) {
	sourcePath := writeSource(t, sampleCSV)
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	uploader := &captureUploader{}
	runner, err := New(Config{
		SourcePath:   sourcePath,
		SnapshotPath: snapshotPath,
		WorkflowID:   7,
		KeyColumn:    "email",
	}, uploader, nil)
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}

	if err := runner.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if uploader.calls != 1 || uploader.lastWF != 7 || uploader.lastKey != "email" {
		t.Fatalf("unexpected upload: %+v", uploader)
	}
	var records []map[string]any
	if err := json.Unmarshal(uploader.records, &records); err != nil {
		t.Fatalf("uploaded records invalid: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("uploaded %d records, want 3", len(records))
	}

	if err := runner.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if uploader.calls != 1 {
		t.Fatalf("unchanged source triggered upload %d times", uploader.calls)
	}
}

func TestSyncOnceKeepsSnapshotOnUploadFailure(t *testing.T) {
	sourcePath := writeSource(t, sampleCSV)
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	uploader := &captureUploader{err: errors.New("api down")}
	runner, err := New(Config{
		SourcePath:   sourcePath,
		SnapshotPath: snapshotPath,
		WorkflowID:   7,
		KeyColumn:    "email",
	}, uploader, nil)
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}

	if err := runner.SyncOnce(context.Background()); err == nil {
		t.Fatalf("expected upload failure to surface")
	}
	if _, err := os.Stat(snapshotPath); !os.IsNotExist(err) {
		t.Fatalf("snapshot must not persist after a failed upload")
	}

	uploader.err = nil
	if err := runner.SyncOnce(context.Background()); err != nil {
		t.Fatalf("retry sync failed: %v", err)
	}
	if uploader.calls != 2 {
		t.Fatalf("expected retry upload, calls = %d", uploader.calls)
	}
}

func TestSyncOnceRejectsMissingKeyColumn(t *testing.T) {
	sourcePath := writeSource(t, "name,score\nalice,10\n")
	uploader := &captureUploader{}
	runner, err := New(Config{
		SourcePath: sourcePath,
		KeyColumn:  "email",
	}, uploader, nil)
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}
	if err := runner.SyncOnce(context.Background()); !errors.Is(err, ErrAgentKey) {
		t.Fatalf("expected ErrAgentKey, got %v", err)
	}
}

func TestAPIUploaderMergeLeft(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	uploader := NewAPIUploader(server.URL, "tok-9", server.Client())
	records := []byte(`[{"email":"s1@example.edu","score":10}]`)
	if err := uploader.MergeLeft(context.Background(), 12, "email", records); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if gotPath != "/workflows/12/table/merge" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-9" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotBody["how"] != "left" || gotBody["src_key"] != "email" {
		t.Fatalf("body = %v", gotBody)
	}
}
