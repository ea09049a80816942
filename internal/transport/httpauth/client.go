// Package httpauth is the JSON-over-HTTP auth backend: token refresh,
// sign-in and registration, plus an authenticated call helper for the
// dispatcher.
package httpauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/credentials"
)

const (
	pathRefresh  = "/auth/refresh"
	pathSignIn   = "/auth/sign-in"
	pathRegister = "/auth/register"

	maxErrorBody    = 1024
	maxResponseBody = 1 << 20
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("auth backend returned %d: %s", e.Code, e.Message)
}

// Unwrap maps the status code onto the shared taxonomy.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized, e.Code == http.StatusForbidden:
		return apperr.ErrNotAuthorized
	case e.Code == http.StatusTooManyRequests:
		return apperr.ErrRateLimited
	case e.Code == http.StatusConflict, e.Code == http.StatusPreconditionFailed:
		return apperr.ErrVersionConflict
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusGatewayTimeout:
		return apperr.ErrTimeout
	case e.Code >= 500:
		return apperr.ErrTransient
	default:
		return apperr.ErrFatal
	}
}

type Config struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
}

// Client implements credentials.Backend.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

var _ credentials.Backend = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httpauth: base url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		http:     hc,
	}, nil
}

type tokenResponse struct {
	IDToken                  string `json:"id_token"`
	AccessToken              string `json:"access_token"`
	RefreshToken             string `json:"refresh_token,omitempty"`
	ExpiresIn                int64  `json:"expires_in"`
	RefreshTokenLifetimeDays int    `json:"refresh_token_lifetime_days,omitempty"`
}

func (r tokenResponse) tokens() credentials.Tokens {
	return credentials.Tokens{
		IDToken:                  r.IDToken,
		AccessToken:              r.AccessToken,
		RefreshToken:             r.RefreshToken,
		Lifetime:                 time.Duration(r.ExpiresIn) * time.Second,
		RefreshTokenLifetimeDays: r.RefreshTokenLifetimeDays,
	}
}

type userRequest struct {
	ClientID string            `json:"client_id,omitempty"`
	UserID   string            `json:"user_id"`
	Params   map[string]string `json:"params,omitempty"`
}

func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (credentials.Tokens, error) {
	var out tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if c.clientID != "" {
		body["client_id"] = c.clientID
	}
	if err := c.post(ctx, pathRefresh, "", body, &out); err != nil {
		return credentials.Tokens{}, err
	}
	if out.AccessToken == "" {
		return credentials.Tokens{}, apperr.Wrap(apperr.ErrFatal, errors.New("refresh response has no access token"))
	}
	return out.tokens(), nil
}

func (c *Client) SignIn(ctx context.Context, userID string, params map[string]string) (credentials.Tokens, error) {
	var out tokenResponse
	if err := c.post(ctx, pathSignIn, "", userRequest{ClientID: c.clientID, UserID: userID, Params: params}, &out); err != nil {
		return credentials.Tokens{}, err
	}
	if out.AccessToken == "" || out.IDToken == "" {
		return credentials.Tokens{}, apperr.Wrap(apperr.ErrFatal, errors.New("sign-in response is missing tokens"))
	}
	return out.tokens(), nil
}

func (c *Client) Register(ctx context.Context, userID string, params map[string]string) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := c.post(ctx, pathRegister, "", userRequest{ClientID: c.clientID, UserID: userID, Params: params}, &out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

// Call posts req to path with the caller's access token and decodes the
// response into Resp.
func Call[Req, Resp any](ctx context.Context, c *Client, path, accessToken string, req Req) (Resp, error) {
	var out Resp
	err := c.post(ctx, path, accessToken, req, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path, bearer string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return apperr.Wrap(apperr.ErrFatal, fmt.Errorf("marshal %s request: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperr.Wrap(apperr.ErrTransient, fmt.Errorf("post %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
	}
	if out == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return apperr.Wrap(apperr.ErrTransient, fmt.Errorf("read %s response: %w", path, err))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.ErrFatal, fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

// errorMessage prefers a JSON {"error": "..."} body over raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.ErrorDescription != "" {
			return e.Error + ": " + e.ErrorDescription
		}
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
