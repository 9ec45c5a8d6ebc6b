// Package transfer moves whole workspaces between deployments: a versioned
// JSON payload wrapped in a ZIP and signed, so imports only accept archives
// produced by a trusted server.
package transfer

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ontask-platform/ontask/internal/action"
	"github.com/ontask-platform/ontask/internal/condition"
	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/workspace"
)

// FormatVersion tags the archive layout. Imports reject other versions.
const FormatVersion = "1"

const (
	payloadEntry   = "workflow.json"
	signatureEntry = "signature.jwt"
)

var (
	// ErrTransfer is the base kind of every import/export failure.
	ErrTransfer = errors.New("transfer: archive invalid")
	// ErrBadSignature indicates the archive was not signed by this server.
	ErrBadSignature = fmt.Errorf("%w: signature verification failed", ErrTransfer)
	// ErrVersionMismatch indicates an archive from an incompatible release.
	ErrVersionMismatch = fmt.Errorf("%w: unsupported format version", ErrTransfer)
)

// ColumnExport carries one column definition.
type ColumnExport struct {
	Name           string     `json:"name"`
	ColType        string     `json:"col_type"`
	Position       int        `json:"position"`
	IsKey          bool       `json:"is_key"`
	Description    string     `json:"description,omitempty"`
	CategoriesJSON string     `json:"categories,omitempty"`
	ActiveFrom     *time.Time `json:"active_from,omitempty"`
	ActiveTo       *time.Time `json:"active_to,omitempty"`
}

// ConditionExport carries one condition of one action.
type ConditionExport struct {
	Name        string `json:"name"`
	IsFilter    bool   `json:"is_filter"`
	FormulaJSON string `json:"formula"`
}

// ActionExport carries one action with its conditions.
type ActionExport struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ActionType  string            `json:"action_type"`
	TextContent string            `json:"text_content,omitempty"`
	TargetURL   string            `json:"target_url,omitempty"`
	Conditions  []ConditionExport `json:"conditions,omitempty"`
}

// Payload is the versioned archive body.
type Payload struct {
	Version     string            `json:"version"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Columns     []ColumnExport    `json:"columns,omitempty"`
	Actions     []ActionExport    `json:"actions,omitempty"`
	// Data, when present, is the frame serialized as a JSON record list.
	Data json.RawMessage `json:"data,omitempty"`
}

type signatureClaims struct {
	Version string `json:"ver"`
	Digest  string `json:"digest"`
	jwt.RegisteredClaims
}

// ExporterConfig bundles the exporter dependencies.
type ExporterConfig struct {
	Store      *workspace.Store
	Conditions *condition.Manager
	// Key signs and verifies archives.
	Key []byte
}

// Exporter builds and reads signed workspace archives.
type Exporter struct {
	store      *workspace.Store
	conditions *condition.Manager
	key        []byte
}

// NewExporter validates the configuration and returns an Exporter.
func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if cfg.Store == nil {
		return nil, errors.New("transfer: workspace store dependency required")
	}
	if cfg.Conditions == nil {
		return nil, errors.New("transfer: condition manager dependency required")
	}
	if len(cfg.Key) == 0 {
		return nil, errors.New("transfer: signing key required")
	}
	return &Exporter{store: cfg.Store, conditions: cfg.Conditions, key: cfg.Key}, nil
}

// Export writes the signed archive for one workflow. includeData also
// serializes the table rows.
func (e *Exporter) Export(w io.Writer, wf *workspace.Workflow, includeData bool) error {
	payload, err := e.buildPayload(wf, includeData)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	signature, err := e.sign(body)
	if err != nil {
		return err
	}

	archive := zip.NewWriter(w)
	entry, err := archive.Create(payloadEntry)
	if err != nil {
		return err
	}
	if _, err := entry.Write(body); err != nil {
		return err
	}
	entry, err = archive.Create(signatureEntry)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(entry, signature); err != nil {
		return err
	}
	return archive.Close()
}

func (e *Exporter) buildPayload(wf *workspace.Workflow, includeData bool) (*Payload, error) {
	attributes, err := wf.Attributes()
	if err != nil {
		return nil, err
	}
	payload := &Payload{
		Version:     FormatVersion,
		Name:        wf.Name,
		Description: wf.Description,
		Attributes:  attributes,
		Timezone:    wf.Timezone,
	}
	for _, column := range wf.Columns {
		payload.Columns = append(payload.Columns, ColumnExport{
			Name:           column.Name,
			ColType:        string(column.ColType),
			Position:       column.Position,
			IsKey:          column.IsKey,
			Description:    column.Description,
			CategoriesJSON: column.CategoriesJSON,
			ActiveFrom:     column.ActiveFrom,
			ActiveTo:       column.ActiveTo,
		})
	}

	var actions []action.Action
	if err := e.store.DB().Where("workflow_id = ?", wf.ID).Find(&actions).Error; err != nil {
		return nil, err
	}
	for _, act := range actions {
		export := ActionExport{
			Name:        act.Name,
			Description: act.Description,
			ActionType:  string(act.ActionType),
			TextContent: act.TextContent,
			TargetURL:   act.TargetURL,
		}
		conditions, err := e.conditions.List(act.ID, false)
		if err != nil {
			return nil, err
		}
		for _, cond := range conditions {
			export.Conditions = append(export.Conditions, ConditionExport{
				Name:        cond.Name,
				IsFilter:    cond.IsFilter,
				FormulaJSON: cond.FormulaJSON,
			})
		}
		payload.Actions = append(payload.Actions, export)
	}

	if includeData && wf.HasDataTable {
		data, err := e.store.Load(wf, nil, nil)
		if err != nil {
			return nil, err
		}
		records, err := data.MarshalRecords()
		if err != nil {
			return nil, err
		}
		payload.Data = records
	}
	return payload, nil
}

// Read verifies the archive signature and version and returns the payload.
func (e *Exporter) Read(r io.ReaderAt, size int64) (*Payload, error) {
	archive, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	body, err := readEntry(archive, payloadEntry)
	if err != nil {
		return nil, err
	}
	signature, err := readEntry(archive, signatureEntry)
	if err != nil {
		return nil, err
	}
	if err := e.verify(body, string(signature)); err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	if payload.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrVersionMismatch, payload.Version)
	}
	return &payload, nil
}

// Import installs a verified payload as a new workflow owned by owner. When
// the owner already has a workflow with the archived name, a numeric suffix
// keeps the import from colliding.
func (e *Exporter) Import(payload *Payload, owner string) (*workspace.Workflow, error) {
	name, err := e.availableName(owner, payload.Name)
	if err != nil {
		return nil, err
	}
	wf := &workspace.Workflow{
		Owner:       owner,
		Name:        name,
		Description: payload.Description,
		Timezone:    payload.Timezone,
	}
	if wf.Timezone == "" {
		wf.Timezone = "UTC"
	}
	if err := e.store.Create(wf); err != nil {
		return nil, err
	}
	if payload.Attributes != nil {
		if err := wf.SetAttributes(payload.Attributes); err != nil {
			return nil, err
		}
		if err := e.store.DB().Model(&workspace.Workflow{}).Where("id = ?", wf.ID).
			Update("attributes_json", wf.AttributesJSON).Error; err != nil {
			return nil, err
		}
	}

	if len(payload.Data) > 0 {
		order := make([]string, 0, len(payload.Columns))
		for _, column := range payload.Columns {
			order = append(order, column.Name)
		}
		data, err := frame.FromRecords(payload.Data, order)
		if err != nil {
			return nil, err
		}
		if err := e.store.Replace(wf, data); err != nil {
			return nil, err
		}
		if err := e.applyColumnFlags(wf, payload.Columns); err != nil {
			return nil, err
		}
	}

	for _, export := range payload.Actions {
		act := &action.Action{
			WorkflowID:  wf.ID,
			Name:        export.Name,
			Description: export.Description,
			ActionType:  action.Type(export.ActionType),
			TextContent: export.TextContent,
			TargetURL:   export.TargetURL,
		}
		if err := e.store.DB().Create(act).Error; err != nil {
			return nil, err
		}
		for _, cond := range export.Conditions {
			imported := &condition.Condition{
				WorkflowID:  wf.ID,
				ActionID:    act.ID,
				Name:        cond.Name,
				IsFilter:    cond.IsFilter,
				FormulaJSON: cond.FormulaJSON,
			}
			if _, err := e.conditions.Save(wf, imported); err != nil {
				return nil, err
			}
		}
	}
	return wf, nil
}

// availableName returns the first of name, "name (1)", "name (2)", … that
// the owner does not already use.
func (e *Exporter) availableName(owner, name string) (string, error) {
	candidate := name
	for suffix := 1; ; suffix++ {
		_, err := e.store.GetByName(owner, candidate)
		if errors.Is(err, workspace.ErrNoWorkflow) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s (%d)", name, suffix)
	}
}

// applyColumnFlags restores key flags and descriptions that Replace could
// not infer from the data alone.
func (e *Exporter) applyColumnFlags(wf *workspace.Workflow, columns []ColumnExport) error {
	for _, export := range columns {
		column := wf.ColumnByName(export.Name)
		if column == nil {
			continue
		}
		updates := map[string]any{
			"description": export.Description,
		}
		if export.CategoriesJSON != "" {
			updates["categories_json"] = export.CategoriesJSON
		}
		if export.ActiveFrom != nil {
			updates["active_from"] = export.ActiveFrom
		}
		if export.ActiveTo != nil {
			updates["active_to"] = export.ActiveTo
		}
		if err := e.store.DB().Model(&workspace.Column{}).
			Where("id = ?", column.ID).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) sign(body []byte) (string, error) {
	digest := sha256.Sum256(body)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, signatureClaims{
		Version: FormatVersion,
		Digest:  hex.EncodeToString(digest[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "ontask-transfer",
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	})
	return token.SignedString(e.key)
}

func (e *Exporter) verify(body []byte, signature string) error {
	var claims signatureClaims
	token, err := jwt.ParseWithClaims(
		signature,
		&claims,
		func(*jwt.Token) (any, error) { return e.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return ErrBadSignature
	}
	digest := sha256.Sum256(body)
	if claims.Digest != hex.EncodeToString(digest[:]) {
		return ErrBadSignature
	}
	if claims.Version != FormatVersion {
		return fmt.Errorf("%w: %q", ErrVersionMismatch, claims.Version)
	}
	return nil
}

func readEntry(archive *zip.Reader, name string) ([]byte, error) {
	for _, file := range archive.File {
		if file.Name != name {
			continue
		}
		reader, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
		}
		defer func() { _ = reader.Close() }()
		body, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: missing entry %q", ErrTransfer, name)
}
