package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/persistence"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestState(t *testing.T, store persistence.KeyValueStore) (*State, *fixedClock) {
	t.Helper()
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	clock := &fixedClock{now: testNow}
	s, err := Open(context.Background(), Config{Store: store, Now: clock.Now})
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	return s, clock
}

func seed(t *testing.T, store persistence.KeyValueStore, values map[string]string) {
	t.Helper()
	for k, v := range values {
		if err := store.Set(context.Background(), k, []byte(v)); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
}

func TestGate_ConflictNamesRunningOperation(t *testing.T) {
	s, _ := openTestState(t, nil)

	if err := s.BeginExclusiveOperation(KindRefresh); err != nil {
		t.Fatalf("begin refresh: %v", err)
	}
	err := s.BeginExclusiveOperation(KindSignIn)
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Running != "refresh" || conflict.Attempted != "sign_in" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	if !errors.Is(err, apperr.ErrOperationConflict) {
		t.Fatalf("conflict should wrap ErrOperationConflict")
	}
	if s.PendingOperation() != KindRefresh {
		t.Fatalf("pending = %s, want refresh", s.PendingOperation())
	}

	s.EndExclusiveOperation(KindRefresh)
	if err := s.BeginExclusiveOperation(KindSignIn); err != nil {
		t.Fatalf("begin sign in after end: %v", err)
	}
	s.EndExclusiveOperation(KindSignIn)
}

func TestGate_ConcurrentRegisterExactlyOneWins(t *testing.T) {
	for round := 0; round < 50; round++ {
		s, _ := openTestState(t, nil)
		start := make(chan struct{})
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				errs[i] = s.BeginExclusiveOperation(KindRegister)
			}(i)
		}
		close(start)
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			var conflict *apperr.ConflictError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &conflict) && conflict.Running == "register":
				conflicts++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if ok != 1 || conflicts != 1 {
			t.Fatalf("round %d: ok=%d conflicts=%d", round, ok, conflicts)
		}
	}
}

func TestGate_EndMismatchPanics(t *testing.T) {
	s, _ := openTestState(t, nil)
	if err := s.BeginExclusiveOperation(KindRefresh); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic on mismatched end")
		}
		if !strings.Contains(r.(string), "refresh is pending") {
			t.Fatalf("panic message %q should name pending kind", r)
		}
	}()
	s.EndExclusiveOperation(KindNone)
	s.EndExclusiveOperation(KindRegister)
}

func TestGate_BeginNoneRejected(t *testing.T) {
	s, _ := openTestState(t, nil)
	if err := s.BeginExclusiveOperation(KindNone); err == nil {
		t.Fatalf("expected error for KindNone")
	}
	if s.PendingOperation() != KindNone {
		t.Fatalf("gate should stay free")
	}
}

func TestState_IsSignedInBoundaries(t *testing.T) {
	tests := []struct {
		name          string
		refreshExpiry time.Time
		idToken       string
		want          bool
	}{
		{"expiry exactly now", testNow, "id", false},
		{"expiry exactly one hour out", testNow.Add(time.Hour), "id", false},
		{"expiry two hours out", testNow.Add(2 * time.Hour), "id", true},
		{"missing id token", testNow.Add(2 * time.Hour), "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := persistence.NewMemoryStore()
			seed(t, store, map[string]string{
				keyIDToken:            tc.idToken,
				keyAccessToken:        "access",
				keyRefreshTokenExpiry: tc.refreshExpiry.Format(time.RFC3339Nano),
			})
			s, _ := openTestState(t, store)
			if got := s.IsSignedIn(); got != tc.want {
				t.Fatalf("IsSignedIn() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestState_FreshnessMargins(t *testing.T) {
	s, clock := openTestState(t, nil)
	ctx := context.Background()
	if s.IsFresh(0) {
		t.Fatalf("no token should not be fresh")
	}
	if err := s.StoreTokens(ctx, Tokens{IDToken: "id", AccessToken: "a", RefreshToken: "r", Lifetime: 5 * time.Minute}); err != nil {
		t.Fatalf("store tokens: %v", err)
	}
	if !s.TokenExpiry().Equal(testNow.Add(5 * time.Minute)) {
		t.Fatalf("expiry = %s", s.TokenExpiry())
	}
	if !s.IsFresh(2 * time.Minute) {
		t.Fatalf("5m token should be fresh at a 2m margin")
	}
	clock.Advance(4*time.Minute + 30*time.Second)
	if s.IsFresh(time.Minute) {
		t.Fatalf("token 30s from expiry should not be fresh at 1m margin")
	}
	if !s.NeedsRefresh(time.Minute) {
		t.Fatalf("expected NeedsRefresh")
	}
}

func TestState_PersistsAcrossReopen(t *testing.T) {
	store := persistence.NewMemoryStore()
	s, _ := openTestState(t, store)
	ctx := context.Background()
	if err := s.SetUserID(ctx, "user-1"); err != nil {
		t.Fatalf("set user: %v", err)
	}
	if err := s.StoreTokens(ctx, Tokens{IDToken: "id", AccessToken: "a", RefreshToken: "r", Lifetime: time.Hour}); err != nil {
		t.Fatalf("store tokens: %v", err)
	}
	if err := s.StoreRefreshTokenLifetime(ctx, 30); err != nil {
		t.Fatalf("store lifetime: %v", err)
	}

	again, _ := openTestState(t, store)
	if !again.IsRegistered() || again.UserID() != "user-1" {
		t.Fatalf("registration not restored")
	}
	if !again.IsSignedIn() {
		t.Fatalf("signed-in state not restored")
	}
	if !again.RefreshTokenExpiry().Equal(testNow.AddDate(0, 0, 30)) {
		t.Fatalf("refresh expiry = %s", again.RefreshTokenExpiry())
	}
	_, _, refresh := again.Tokens()
	if refresh != "r" {
		t.Fatalf("refresh token = %q", refresh)
	}
}

func TestState_StoreTokensKeepsRefreshTokenWhenOmitted(t *testing.T) {
	s, _ := openTestState(t, nil)
	ctx := context.Background()
	_ = s.StoreTokens(ctx, Tokens{IDToken: "id", AccessToken: "a", RefreshToken: "r1", Lifetime: time.Hour})
	_ = s.StoreTokens(ctx, Tokens{IDToken: "id2", AccessToken: "a2", Lifetime: time.Hour})
	id, access, refresh := s.Tokens()
	if id != "id2" || access != "a2" || refresh != "r1" {
		t.Fatalf("unexpected tokens %q %q %q", id, access, refresh)
	}
}

func TestState_ClearAndReset(t *testing.T) {
	store := persistence.NewMemoryStore()
	s, _ := openTestState(t, store)
	ctx := context.Background()
	_ = s.SetUserID(ctx, "user-1")
	_ = s.StoreTokens(ctx, Tokens{IDToken: "id", AccessToken: "a", RefreshToken: "r", Lifetime: time.Hour})
	_ = s.StoreRefreshTokenLifetime(ctx, 30)
	if _, err := s.DeviceKey(ctx); err != nil {
		t.Fatalf("device key: %v", err)
	}

	var invalidations int
	s.RegisterCache(cacheFunc(func() { invalidations++ }))

	if err := s.ClearAuthTokens(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if s.IsSignedIn() || !s.IsRegistered() {
		t.Fatalf("clear should sign out but keep registration")
	}
	if v, _ := store.Get(ctx, keyDeviceKey); v == nil {
		t.Fatalf("clear must keep device key")
	}
	if invalidations != 1 {
		t.Fatalf("invalidations = %d, want 1", invalidations)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.IsRegistered() {
		t.Fatalf("reset should drop registration")
	}
	if store.Len() != 0 {
		t.Fatalf("reset should remove every stored value, %d left", store.Len())
	}
	if invalidations != 2 {
		t.Fatalf("invalidations = %d, want 2", invalidations)
	}
}

func TestState_StatusHasNoTokens(t *testing.T) {
	s, _ := openTestState(t, nil)
	_ = s.StoreTokens(context.Background(), Tokens{IDToken: "id-secret", AccessToken: "access-secret", Lifetime: time.Hour})
	st := s.Status()
	if st.SignedIn || st.Registered || st.Pending != "none" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestOpen_RejectsNilStore(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

type cacheFunc func()

func (f cacheFunc) Invalidate() { f() }
