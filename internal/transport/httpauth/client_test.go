package httpauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/authcore/internal/apperr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", ClientID: "app-1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClient_RefreshTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathRefresh || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "r-1" || body["client_id"] != "app-1" {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id_token": "id", "access_token": "a", "expires_in": 3600})
	})

	tokens, err := c.RefreshTokens(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tokens.AccessToken != "a" || tokens.Lifetime != time.Hour || tokens.RefreshToken != "" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
}

func TestClient_SignInAndRegister(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch r.URL.Path {
		case pathRegister:
			_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "srv-" + req.UserID})
		case pathSignIn:
			if req.Params["password"] != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"bad password"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id_token": "id", "access_token": "a", "refresh_token": "r",
				"expires_in": 60, "refresh_token_lifetime_days": 14,
			})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	id, err := c.Register(ctx, "u1", nil)
	if err != nil || id != "srv-u1" {
		t.Fatalf("register: %q %v", id, err)
	}

	tokens, err := c.SignIn(ctx, id, map[string]string{"password": "pw"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if tokens.RefreshTokenLifetimeDays != 14 || tokens.Lifetime != time.Minute {
		t.Fatalf("unexpected tokens %+v", tokens)
	}

	_, err = c.SignIn(ctx, id, map[string]string{"password": "wrong"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized || se.Message != "invalid_grant: bad password" {
		t.Fatalf("expected StatusError 401, got %v", err)
	}
	if !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("401 should map to ErrNotAuthorized")
	}
}

func TestStatusError_Mapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, apperr.ErrNotAuthorized},
		{http.StatusForbidden, apperr.ErrNotAuthorized},
		{http.StatusTooManyRequests, apperr.ErrRateLimited},
		{http.StatusConflict, apperr.ErrVersionConflict},
		{http.StatusGatewayTimeout, apperr.ErrTimeout},
		{http.StatusServiceUnavailable, apperr.ErrTransient},
		{http.StatusBadRequest, apperr.ErrFatal},
	}
	for _, tc := range tests {
		err := error(&StatusError{Code: tc.code})
		if !errors.Is(err, tc.want) {
			t.Errorf("%d: expected %v", tc.code, tc.want)
		}
	}
}

func TestCall_SendsBearerToken(t *testing.T) {
	type item struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var in item
		_ = json.NewDecoder(r.Body).Decode(&in)
		in.Version++
		_ = json.NewEncoder(w).Encode(in)
	})

	out, err := Call[item, item](context.Background(), c, "/items/update", "access-1", item{ID: "x", Version: 1})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Version != 2 {
		t.Fatalf("version = %d", out.Version)
	}
	if _, err := Call[item, item](context.Background(), c, "/items/update", "", item{}); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized without token, got %v", err)
	}
}

func TestClient_MalformedResponseIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token": `))
	})
	_, err := c.RefreshTokens(context.Background(), "r")
	if !errors.Is(err, apperr.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
}

func TestClient_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, _ := New(Config{BaseURL: url})
	_, err := c.RefreshTokens(context.Background(), "r")
	if !errors.Is(err, apperr.ErrTransient) || !apperr.Retryable(err) {
		t.Fatalf("expected retryable transient error, got %v", err)
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
