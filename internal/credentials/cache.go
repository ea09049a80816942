package credentials

import (
	"context"
	"sync"

	"github.com/basket/authcore/internal/apperr"
)

// CredentialCache is a downstream value derived from the current tokens.
type CredentialCache interface {
	Invalidate()
}

// CachedCredentials lazily derives a value from the id token, such as a
// federated identity credential, and recomputes it after the tokens change.
type CachedCredentials[T any] struct {
	state  *State
	derive func(ctx context.Context, idToken string) (T, error)

	mu    sync.Mutex
	gen   uint64
	valid bool
	value T
}

// NewCachedCredentials registers the cache with state.
func NewCachedCredentials[T any](state *State, derive func(ctx context.Context, idToken string) (T, error)) *CachedCredentials[T] {
	c := &CachedCredentials[T]{state: state, derive: derive}
	state.RegisterCache(c)
	return c
}

func (c *CachedCredentials[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if !c.state.IsSignedIn() {
		return zero, apperr.ErrNotSignedIn
	}
	c.mu.Lock()
	if c.valid {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	gen := c.gen
	c.mu.Unlock()

	idToken, _, _ := c.state.Tokens()
	v, err := c.derive(ctx, idToken)
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	// An invalidation during derive wins; the value is returned but not kept.
	if c.gen == gen {
		c.value = v
		c.valid = true
	}
	c.mu.Unlock()
	return v, nil
}

func (c *CachedCredentials[T]) Invalidate() {
	c.mu.Lock()
	var zero T
	c.value = zero
	c.valid = false
	c.gen++
	c.mu.Unlock()
}
