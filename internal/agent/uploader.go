package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIUploader implements Uploader against the platform HTTP API.
type APIUploader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewAPIUploader builds an uploader; a nil client gets a sane default.
func NewAPIUploader(baseURL, token string, client *http.Client) *APIUploader {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &APIUploader{BaseURL: baseURL, Token: token, Client: client}
}

// MergeLeft submits the records as a left merge on the key column.
func (u *APIUploader) MergeLeft(
	ctx context.Context,
	workflowID uint,
	key string,
	records []byte,
) error {
	body, err := json.Marshal(map[string]any{
		"how":     "left",
		"src_key": key,
		"dst_key": key,
		"data":    json.RawMessage(records),
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/workflows/%d/table/merge", u.BaseURL, workflowID)
	request, err := http.NewRequestWithContext(
		ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+u.Token)
	response, err := u.Client.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("agent: merge rejected with %d: %s", response.StatusCode, detail)
	}
	return nil
}
