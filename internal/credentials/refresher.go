package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/bus"
	"github.com/basket/authcore/internal/otel"
)

const DefaultRefreshTokenLifetimeDays = 30

// Backend is the auth service the refresher talks to.
type Backend interface {
	RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error)
	SignIn(ctx context.Context, userID string, params map[string]string) (Tokens, error)
	Register(ctx context.Context, userID string, params map[string]string) (string, error)
}

type RefresherConfig struct {
	Backend Backend
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Logger  *slog.Logger

	// RefreshTokenLifetimeDays applies when a sign-in response does not
	// carry its own lifetime.
	RefreshTokenLifetimeDays int
}

// Refresher performs the network side of refresh, sign-in and register,
// each holding the exclusive-operation gate for its whole duration.
type Refresher struct {
	state        *State
	backend      Backend
	lifetimeDays int
	bus          *bus.Bus
	metrics      *otel.Metrics
	logger       *slog.Logger
}

func NewRefresher(state *State, cfg RefresherConfig) (*Refresher, error) {
	if state == nil {
		return nil, errors.New("refresher: state is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("refresher: backend is nil")
	}
	if cfg.RefreshTokenLifetimeDays <= 0 {
		cfg.RefreshTokenLifetimeDays = DefaultRefreshTokenLifetimeDays
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		state:        state,
		backend:      cfg.Backend,
		lifetimeDays: cfg.RefreshTokenLifetimeDays,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		logger:       logger.With("component", "refresher"),
	}, nil
}

func (r *Refresher) State() *State { return r.state }

// Refresh exchanges the stored refresh token for a new token set. A backend
// rejection of the refresh token clears the stored tokens.
func (r *Refresher) Refresh(ctx context.Context) (err error) {
	if err := r.state.BeginExclusiveOperation(KindRefresh); err != nil {
		return err
	}
	defer r.state.EndExclusiveOperation(KindRefresh)
	defer func() { r.metrics.RecordCredentialOp(ctx, KindRefresh.String(), err == nil) }()

	_, _, refreshToken := r.state.Tokens()
	if refreshToken == "" {
		return fmt.Errorf("refresh: no refresh token: %w", apperr.ErrNotSignedIn)
	}
	tokens, err := r.backend.RefreshTokens(ctx, refreshToken)
	if err != nil {
		err = apperr.Map(err)
		if errors.Is(err, apperr.ErrNotAuthorized) {
			r.logger.Warn("refresh token rejected; clearing tokens", "error", err)
			if clearErr := r.state.ClearAuthTokens(ctx); clearErr != nil {
				return errors.Join(err, clearErr)
			}
		}
		return fmt.Errorf("refresh tokens: %w", err)
	}
	if err := r.state.StoreTokens(ctx, tokens); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	r.bus.Publish(bus.TopicCredentialRefreshed, bus.CredentialEvent{
		Operation: KindRefresh.String(),
		UserID:    r.state.UserID(),
		ExpiresAt: r.state.TokenExpiry(),
	})
	r.logger.Info("tokens refreshed", "expires_at", r.state.TokenExpiry())
	return nil
}

// SignIn authenticates userID, or the registered user when userID is empty.
func (r *Refresher) SignIn(ctx context.Context, userID string, params map[string]string) (err error) {
	if err := r.state.BeginExclusiveOperation(KindSignIn); err != nil {
		return err
	}
	defer r.state.EndExclusiveOperation(KindSignIn)
	defer func() { r.metrics.RecordCredentialOp(ctx, KindSignIn.String(), err == nil) }()

	if userID == "" {
		userID = r.state.UserID()
	}
	if userID == "" {
		return fmt.Errorf("sign in: no registered user: %w", apperr.ErrPrecondition)
	}
	tokens, err := r.backend.SignIn(ctx, userID, params)
	if err != nil {
		return fmt.Errorf("sign in: %w", apperr.Map(err))
	}
	if err := r.state.StoreTokens(ctx, tokens); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	days := tokens.RefreshTokenLifetimeDays
	if days <= 0 {
		days = r.lifetimeDays
	}
	if err := r.state.StoreRefreshTokenLifetime(ctx, days); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	if r.state.UserID() != userID {
		if err := r.state.SetUserID(ctx, userID); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
	}
	r.bus.Publish(bus.TopicCredentialSignedIn, bus.CredentialEvent{
		Operation: KindSignIn.String(),
		UserID:    userID,
		ExpiresAt: r.state.TokenExpiry(),
	})
	r.logger.Info("signed in", "user_id", userID)
	return nil
}

// Register creates the user with the backend and persists the identifier it
// returns. An empty userID gets a generated one. Device key material is
// created alongside.
func (r *Refresher) Register(ctx context.Context, userID string, params map[string]string) (id string, err error) {
	if err := r.state.BeginExclusiveOperation(KindRegister); err != nil {
		return "", err
	}
	defer r.state.EndExclusiveOperation(KindRegister)
	defer func() { r.metrics.RecordCredentialOp(ctx, KindRegister.String(), err == nil) }()

	if userID == "" {
		userID = uuid.NewString()
	}
	if _, err := r.state.DeviceKey(ctx); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	id, err = r.backend.Register(ctx, userID, params)
	if err != nil {
		return "", fmt.Errorf("register: %w", apperr.Map(err))
	}
	if id == "" {
		id = userID
	}
	if err := r.state.SetUserID(ctx, id); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	r.bus.Publish(bus.TopicCredentialRegistered, bus.CredentialEvent{Operation: KindRegister.String(), UserID: id})
	r.logger.Info("registered", "user_id", id)
	return id, nil
}

// EnsureFresh refreshes when the access token expires within margin. When
// another mutation holds the gate and the current token has not yet expired,
// the current token is used as is.
func (r *Refresher) EnsureFresh(ctx context.Context, margin time.Duration) error {
	if r.state.IsFresh(margin) {
		return nil
	}
	if !r.state.IsSignedIn() {
		return apperr.ErrNotSignedIn
	}
	err := r.Refresh(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrOperationConflict) && r.state.IsFresh(0) {
		r.logger.Debug("refresh already in progress; using current token")
		return nil
	}
	return err
}
