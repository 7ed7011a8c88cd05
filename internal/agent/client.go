// Package agent talks to the risk engine's HTTP API on behalf of a local
// session holder.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
)

// Client is an HTTP implementation of session.Client.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// LoginResult mirrors the login endpoints' response.
type LoginResult struct {
	Status    string                 `json:"status"`
	Session   *domain.SessionContext `json:"session,omitempty"`
	Challenge *domain.ChallengeInfo  `json:"challenge,omitempty"`
}

// Login signs in with primary credentials.
func (c *Client) Login(ctx context.Context, email, password string, opts domain.ValidateOptions) (*LoginResult, error) {
	var out LoginResult
	err := c.post(ctx, "/auth/login", "", opts, map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteMFA finishes a login that required a second factor.
func (c *Client) CompleteMFA(ctx context.Context, challengeID uuid.UUID, code string, opts domain.ValidateOptions) (*LoginResult, error) {
	var out LoginResult
	body := map[string]string{"challenge_id": challengeID.String(), "code": code}
	if err := c.post(ctx, "/auth/login/mfa", "", opts, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Validate(ctx context.Context, handle string, opts domain.ValidateOptions) (domain.ValidationResult, error) {
	var out domain.ValidationResult
	body := map[string]interface{}{"token": handle, "require_activity_check": opts.RequireActivityCheck}
	err := c.post(ctx, "/sessions/validate", "", opts, body, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context, token string, opts domain.ValidateOptions) (domain.ValidationResult, error) {
	var out domain.ValidationResult
	err := c.post(ctx, "/sessions/refresh", "", opts, map[string]string{"refresh_token": token}, &out)
	return out, err
}

// SignOut revokes the session behind handle. A handle the server no longer
// accepts reports NotFound. The reason is always sign_out over HTTP.
func (c *Client) SignOut(ctx context.Context, handle, _ string) error {
	err := c.post(ctx, "/sessions/signout", handle, domain.ValidateOptions{}, nil, nil)
	if domain.HasCode(err, domain.CodeUnauthorized) {
		return domain.ErrNotFound("session", "")
	}
	return err
}

func (c *Client) post(ctx context.Context, path, bearer string, opts domain.ValidateOptions, in, out interface{}) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.ClientSignature != "" {
		req.Header.Set("User-Agent", opts.ClientSignature)
	}
	if opts.DeviceID != "" {
		req.Header.Set(auth.DeviceIDHeader, opts.DeviceID)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.ErrTransientStore("call "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds the AppError the API responded with.
func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		body.Code = domain.CodeInternal
		body.Message = fmt.Sprintf("api returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return domain.ErrTransientStore(body.Message, nil)
	}
	return &domain.AppError{Code: body.Code, Message: body.Message, Status: resp.StatusCode}
}
