// Package agent implements the run-agent batch client: on an interval it
// reads a CSV source, computes the delta against the previous snapshot and
// pushes the changed rows through the merge API.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ontask-platform/ontask/internal/frame"
)

var (
	// ErrAgentSource reports an unreadable or malformed CSV source.
	ErrAgentSource = errors.New("agent: source unreadable")
	// ErrAgentKey reports a source without the configured key column.
	ErrAgentKey = errors.New("agent: key column missing")
)

// Config drives one agent instance.
type Config struct {
	SourcePath   string
	SnapshotPath string
	WorkflowID   uint
	KeyColumn    string
	// Interval between sync passes; defaults to five minutes.
	Interval time.Duration
}

// Uploader pushes a record batch into the platform as a left merge on the
// key column.
type Uploader interface {
	MergeLeft(ctx context.Context, workflowID uint, key string, records []byte) error
}

// Agent periodically syncs a CSV source into a workflow.
type Agent struct {
	config   Config
	uploader Uploader
	logger   *zap.Logger
}

// New validates the configuration and returns an Agent.
func New(config Config, uploader Uploader, logger *zap.Logger) (*Agent, error) {
	if config.SourcePath == "" {
		return nil, errors.New("agent: source path required")
	}
	if config.KeyColumn == "" {
		return nil, errors.New("agent: key column required")
	}
	if uploader == nil {
		return nil, errors.New("agent: uploader dependency required")
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{config: config, uploader: uploader, logger: logger}, nil
}

// Run syncs once immediately, then on every tick until cancellation.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()
	for {
		if err := a.SyncOnce(ctx); err != nil {
			a.logger.Error("sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce reads the source, uploads the rows that changed since the last
// snapshot and persists the new snapshot on success.
func (a *Agent) SyncOnce(ctx context.Context) error {
	source, err := ReadCSV(a.config.SourcePath)
	if err != nil {
		return err
	}
	if !source.HasColumn(a.config.KeyColumn) {
		return fmt.Errorf("%w: %q", ErrAgentKey, a.config.KeyColumn)
	}
	previous, err := loadSnapshot(a.config.SnapshotPath)
	if err != nil {
		return err
	}
	delta, next := Delta(source, a.config.KeyColumn, previous)
	if delta.NumRows() == 0 {
		a.logger.Info("source unchanged",
			zap.Uint("workflow_id", a.config.WorkflowID))
		return nil
	}
	records, err := delta.MarshalRecords()
	if err != nil {
		return err
	}
	if err := a.uploader.MergeLeft(ctx, a.config.WorkflowID, a.config.KeyColumn, records); err != nil {
		return err
	}
	a.logger.Info("delta uploaded",
		zap.Uint("workflow_id", a.config.WorkflowID),
		zap.Int("rows", delta.NumRows()))
	return saveSnapshot(a.config.SnapshotPath, next)
}

// ReadCSV parses the file into a typed frame. The first record is the
// header.
func ReadCSV(path string) (*frame.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentSource, err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentSource, err)
	}
	parsed, err := frame.New(header, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentSource, err)
	}
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			if record[i] == "" {
				continue
			}
			row[name] = record[i]
		}
		parsed.Rows = append(parsed.Rows, row)
	}
	parsed.InferTypes()
	if err := parsed.Coerce(nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentSource, err)
	}
	return parsed, nil
}

// Delta splits the source into the rows whose content hash changed since
// the snapshot and returns the updated snapshot.
func Delta(source *frame.Frame, key string, previous map[string]string) (*frame.Frame, map[string]string) {
	changed := &frame.Frame{
		Columns: append([]string(nil), source.Columns...),
		Types:   source.Types,
	}
	next := make(map[string]string, source.NumRows())
	for _, row := range source.Rows {
		keyValue := fmt.Sprintf("%v", row[key])
		hash := rowHash(source.Columns, row)
		next[keyValue] = hash
		if previous[keyValue] == hash {
			continue
		}
		changed.Rows = append(changed.Rows, row)
	}
	return changed, next
}

func rowHash(columns []string, row map[string]any) string {
	digest := sha256.New()
	for _, name := range columns {
		fmt.Fprintf(digest, "%s=%v\x00", name, row[name])
	}
	return hex.EncodeToString(digest.Sum(nil))
}

func loadSnapshot(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	snapshot := map[string]string{}
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func saveSnapshot(path string, snapshot map[string]string) error {
	if path == "" {
		return nil
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}
