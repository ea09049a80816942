// Package credentials owns the persisted token set, decides whether the
// caller is signed in or holds a fresh token, and serializes the three
// operations that mutate it (refresh, sign-in, register) through a
// fail-fast gate.
package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/bus"
	"github.com/basket/authcore/internal/otel"
	"github.com/basket/authcore/internal/persistence"
)

// Names under which values live in the secure store.
const (
	keyIDToken            = "id_token"
	keyAccessToken        = "access_token"
	keyRefreshToken       = "refresh_token"
	keyTokenExpiry        = "token_expiry"
	keyRefreshTokenExpiry = "refresh_token_expiry"
	keyUserID             = "user_id"
	keyDeviceKey          = "device_key"
)

var authKeys = []string{keyIDToken, keyAccessToken, keyRefreshToken, keyTokenExpiry, keyRefreshTokenExpiry}

const (
	DefaultSignedInMargin = time.Hour
	DefaultRefreshMargin  = time.Minute
	deviceKeySize         = 32
)

// Tokens is what the backend hands back from sign-in or refresh. An empty
// RefreshToken on refresh keeps the existing one.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	Lifetime     time.Duration

	// RefreshTokenLifetimeDays is set by sign-in responses that carry it.
	RefreshTokenLifetimeDays int
}

// Snapshot is a copy of the current credential material.
type Snapshot struct {
	UserID             string
	IDToken            string
	AccessToken        string
	RefreshToken       string
	TokenExpiry        time.Time
	RefreshTokenExpiry time.Time
}

// Status is the token-free view used for diagnostics.
type Status struct {
	UserID             string    `json:"user_id,omitempty"`
	Registered         bool      `json:"registered"`
	SignedIn           bool      `json:"signed_in"`
	TokenExpiry        time.Time `json:"token_expiry,omitempty"`
	RefreshTokenExpiry time.Time `json:"refresh_token_expiry,omitempty"`
	Pending            string    `json:"pending_operation"`
}

type Config struct {
	Store          persistence.KeyValueStore
	SignedInMargin time.Duration
	Now            func() time.Time
	Bus            *bus.Bus
	Metrics        *otel.Metrics
	Logger         *slog.Logger
}

// State is the credential store. Reads come from an in-memory copy kept in
// step with the secure store on every write.
type State struct {
	store          persistence.KeyValueStore
	signedInMargin time.Duration
	now            func() time.Time
	bus            *bus.Bus
	metrics        *otel.Metrics
	logger         *slog.Logger

	gate gate

	mu     sync.RWMutex
	snap   Snapshot
	caches []CredentialCache
}

// Open loads any persisted credentials from cfg.Store.
func Open(ctx context.Context, cfg Config) (*State, error) {
	if cfg.Store == nil {
		return nil, errors.New("credentials: store is nil")
	}
	if cfg.SignedInMargin <= 0 {
		cfg.SignedInMargin = DefaultSignedInMargin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{
		store:          cfg.Store,
		signedInMargin: cfg.SignedInMargin,
		now:            cfg.Now,
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "credentials"),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) load(ctx context.Context) error {
	var snap Snapshot
	strs := map[string]*string{
		keyUserID:       &snap.UserID,
		keyIDToken:      &snap.IDToken,
		keyAccessToken:  &snap.AccessToken,
		keyRefreshToken: &snap.RefreshToken,
	}
	for name, dst := range strs {
		v, err := s.store.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		*dst = string(v)
	}
	times := map[string]*time.Time{
		keyTokenExpiry:        &snap.TokenExpiry,
		keyRefreshTokenExpiry: &snap.RefreshTokenExpiry,
	}
	for name, dst := range times {
		v, err := s.store.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		if len(v) == 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		*dst = ts
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return nil
}

// BeginExclusiveOperation marks kind as pending. It never waits: if another
// operation is pending it returns *apperr.ConflictError naming it.
func (s *State) BeginExclusiveOperation(kind Kind) error {
	err := s.gate.begin(kind)
	var conflict *apperr.ConflictError
	if errors.As(err, &conflict) {
		s.metrics.RecordConflict(context.Background(), conflict.Attempted, conflict.Running)
		s.logger.Debug("exclusive operation conflict", "attempted", conflict.Attempted, "running", conflict.Running)
	}
	return err
}

// EndExclusiveOperation clears the pending marker. Ending a kind that is not
// the pending one is a programming error and panics. KindNone is a no-op.
func (s *State) EndExclusiveOperation(kind Kind) {
	s.gate.end(kind)
}

// PendingOperation returns the kind currently holding the gate.
func (s *State) PendingOperation() Kind {
	return s.gate.current()
}

// Snapshot returns a copy of the current credential material.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *State) Tokens() (idToken, accessToken, refreshToken string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.IDToken, s.snap.AccessToken, s.snap.RefreshToken
}

func (s *State) TokenExpiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.TokenExpiry
}

func (s *State) RefreshTokenExpiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.RefreshTokenExpiry
}

func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.UserID
}

// IsSignedIn reports whether id and access tokens are present and the
// refresh token stays valid beyond the signed-in margin.
func (s *State) IsSignedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.IDToken == "" || s.snap.AccessToken == "" {
		return false
	}
	return s.snap.RefreshTokenExpiry.After(s.now().Add(s.signedInMargin))
}

// IsRegistered reports whether a user identifier has been persisted.
func (s *State) IsRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.UserID != ""
}

// IsFresh reports whether an access token exists and its expiry is more
// than margin in the future.
func (s *State) IsFresh(margin time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.AccessToken == "" {
		return false
	}
	return s.snap.TokenExpiry.After(s.now().Add(margin))
}

// NeedsRefresh is the complement of IsFresh for signed-in callers.
func (s *State) NeedsRefresh(margin time.Duration) bool {
	return !s.IsFresh(margin)
}

// StoreTokens persists the token set and an absolute expiry of now+Lifetime.
func (s *State) StoreTokens(ctx context.Context, tokens Tokens) error {
	expiry := s.now().Add(tokens.Lifetime)
	s.mu.RLock()
	next := s.snap
	s.mu.RUnlock()
	next.IDToken = tokens.IDToken
	next.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		next.RefreshToken = tokens.RefreshToken
	}
	next.TokenExpiry = expiry

	writes := []struct {
		name  string
		value []byte
	}{
		{keyIDToken, []byte(next.IDToken)},
		{keyAccessToken, []byte(next.AccessToken)},
		{keyRefreshToken, []byte(next.RefreshToken)},
		{keyTokenExpiry, []byte(expiry.Format(time.RFC3339Nano))},
	}
	for _, w := range writes {
		if err := s.store.Set(ctx, w.name, w.value); err != nil {
			return fmt.Errorf("store %s: %w", w.name, err)
		}
	}
	s.mu.Lock()
	s.snap.IDToken = next.IDToken
	s.snap.AccessToken = next.AccessToken
	s.snap.RefreshToken = next.RefreshToken
	s.snap.TokenExpiry = next.TokenExpiry
	caches := s.caches
	s.mu.Unlock()
	invalidateAll(caches)
	return nil
}

// StoreRefreshTokenLifetime persists the refresh-token expiry as now+days.
func (s *State) StoreRefreshTokenLifetime(ctx context.Context, days int) error {
	if days < 0 {
		return fmt.Errorf("refresh token lifetime must not be negative: %d", days)
	}
	expiry := s.now().AddDate(0, 0, days)
	if err := s.store.Set(ctx, keyRefreshTokenExpiry, []byte(expiry.Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("store %s: %w", keyRefreshTokenExpiry, err)
	}
	s.mu.Lock()
	s.snap.RefreshTokenExpiry = expiry
	s.mu.Unlock()
	return nil
}

// SetUserID persists the registered user identifier.
func (s *State) SetUserID(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id must not be empty")
	}
	if err := s.store.Set(ctx, keyUserID, []byte(userID)); err != nil {
		return fmt.Errorf("store %s: %w", keyUserID, err)
	}
	s.mu.Lock()
	s.snap.UserID = userID
	s.mu.Unlock()
	return nil
}

// DeviceKey returns the generated device key material, creating it on first
// use.
func (s *State) DeviceKey(ctx context.Context) ([]byte, error) {
	v, err := s.store.Get(ctx, keyDeviceKey)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", keyDeviceKey, err)
	}
	if len(v) == deviceKeySize {
		return v, nil
	}
	key := make([]byte, deviceKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	if err := s.store.Set(ctx, keyDeviceKey, key); err != nil {
		return nil, fmt.Errorf("store %s: %w", keyDeviceKey, err)
	}
	return key, nil
}

// ClearAuthTokens removes tokens and expiries but keeps the registration.
func (s *State) ClearAuthTokens(ctx context.Context) error {
	if err := s.deleteAll(ctx, authKeys); err != nil {
		return err
	}
	s.mu.Lock()
	userID := s.snap.UserID
	s.snap = Snapshot{UserID: userID}
	caches := s.caches
	s.mu.Unlock()
	invalidateAll(caches)
	s.bus.Publish(bus.TopicCredentialCleared, bus.CredentialEvent{Operation: "clear", UserID: userID})
	s.logger.Info("auth tokens cleared")
	return nil
}

// Reset removes all identity material, including the registration and the
// device key.
func (s *State) Reset(ctx context.Context) error {
	names := append([]string{keyUserID, keyDeviceKey}, authKeys...)
	if err := s.deleteAll(ctx, names); err != nil {
		return err
	}
	s.mu.Lock()
	s.snap = Snapshot{}
	caches := s.caches
	s.mu.Unlock()
	invalidateAll(caches)
	s.bus.Publish(bus.TopicCredentialReset, bus.CredentialEvent{Operation: "reset"})
	s.logger.Info("credentials reset")
	return nil
}

func (s *State) deleteAll(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		if err := s.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// RegisterCache adds a downstream cache invalidated whenever tokens change
// or are cleared.
func (s *State) RegisterCache(c CredentialCache) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.caches = append(append([]CredentialCache(nil), s.caches...), c)
	s.mu.Unlock()
}

func (s *State) Status() Status {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	return Status{
		UserID:             snap.UserID,
		Registered:         snap.UserID != "",
		SignedIn:           s.IsSignedIn(),
		TokenExpiry:        snap.TokenExpiry,
		RefreshTokenExpiry: snap.RefreshTokenExpiry,
		Pending:            s.gate.current().String(),
	}
}

func invalidateAll(caches []CredentialCache) {
	for _, c := range caches {
		c.Invalidate()
	}
}
