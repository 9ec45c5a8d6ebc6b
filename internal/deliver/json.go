package deliver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// JSONSender POSTs personalized JSON objects to a remote endpoint with a
// bearer token.
type JSONSender struct {
	client *http.Client
	pacer  Pacer
}

// NewJSONSender builds a sender; a nil client gets a sane default.
func NewJSONSender(client *http.Client, pacer Pacer) *JSONSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &JSONSender{client: client, pacer: pacer}
}

// Send posts each payload in order. Network failures map to ErrTransport,
// non-2xx responses to ErrRemoteRejected; either aborts the batch.
func (s *JSONSender) Send(
	ctx context.Context,
	targetURL string,
	token string,
	payloads [][]byte,
) error {
	for index, payload := range payloads {
		if err := s.pacer.Wait(ctx, index); err != nil {
			return err
		}
		if err := s.post(ctx, targetURL, token, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONSender) post(ctx context.Context, targetURL, token string, payload []byte) error {
	request, err := http.NewRequestWithContext(
		ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = response.Body.Close() }()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrRemoteRejected, targetURL, response.StatusCode)
	}
	return nil
}
