package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CanvasConfig describes one Canvas LMS instance.
type CanvasConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// CanvasToken is an OAuth token pair for a Canvas instance.
type CanvasToken struct {
	AccessToken  string
	RefreshToken string
}

// TokenStore persists per-user Canvas tokens across refreshes.
type TokenStore interface {
	CanvasToken(user string) (CanvasToken, error)
	SaveCanvasToken(user string, token CanvasToken) error
}

// CanvasMessage is one conversation to create in the LMS.
type CanvasMessage struct {
	RecipientID string
	Subject     string
	Body        string
}

// CanvasSender creates Canvas conversations through the REST API,
// refreshing the OAuth token once on a 401 before giving up.
type CanvasSender struct {
	config CanvasConfig
	tokens TokenStore
	client *http.Client
	pacer  Pacer
}

func NewCanvasSender(
	config CanvasConfig,
	tokens TokenStore,
	client *http.Client,
	pacer Pacer,
) *CanvasSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CanvasSender{config: config, tokens: tokens, client: client, pacer: pacer}
}

// Send posts each conversation in order on behalf of the given user.
func (s *CanvasSender) Send(ctx context.Context, user string, messages []CanvasMessage) error {
	token, err := s.tokens.CanvasToken(user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	refreshed := false
	for index := 0; index < len(messages); {
		if err := s.pacer.Wait(ctx, index); err != nil {
			return err
		}
		status, err := s.post(ctx, token.AccessToken, messages[index])
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			if refreshed {
				return fmt.Errorf("%w: token refresh did not restore access", ErrAuthExpired)
			}
			token, err = s.refresh(ctx, user, token)
			if err != nil {
				return err
			}
			refreshed = true
			continue
		}
		if status < 200 || status > 299 {
			return fmt.Errorf("%w: canvas returned %d", ErrRemoteRejected, status)
		}
		index++
	}
	return nil
}

func (s *CanvasSender) post(
	ctx context.Context,
	accessToken string,
	message CanvasMessage,
) (int, error) {
	form := url.Values{}
	form.Set("recipients[]", message.RecipientID)
	form.Set("subject", message.Subject)
	form.Set("body", message.Body)
	form.Set("force_new", strconv.FormatBool(true))
	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.config.BaseURL+"/api/v1/conversations",
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Authorization", "Bearer "+accessToken)
	response, err := s.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = response.Body.Close() }()
	_, _ = io.Copy(io.Discard, response.Body)
	return response.StatusCode, nil
}

func (s *CanvasSender) refresh(
	ctx context.Context,
	user string,
	token CanvasToken,
) (CanvasToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", s.config.ClientID)
	form.Set("client_secret", s.config.ClientSecret)
	form.Set("refresh_token", token.RefreshToken)
	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.config.BaseURL+"/login/oauth2/token",
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return CanvasToken{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := s.client.Do(request)
	if err != nil {
		return CanvasToken{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return CanvasToken{}, fmt.Errorf(
			"%w: refresh returned %d", ErrAuthExpired, response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return CanvasToken{}, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	token.AccessToken = payload.AccessToken
	if err := s.tokens.SaveCanvasToken(user, token); err != nil {
		return CanvasToken{}, err
	}
	return token, nil
}
