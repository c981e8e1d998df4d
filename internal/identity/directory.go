// Package identity fronts the user store with a short-lived positive cache.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

// DefaultTTL bounds how long a confirmed user is served from memory.
const DefaultTTL = time.Minute

var ErrNilStore = errors.New("identity store cannot be nil")

type cachedUser struct {
	user    types.User
	expires time.Time
}

// Directory implements interfaces.IdentityStore. Only successful lookups
// are cached; misses and errors always reach the store.
type Directory struct {
	store  interfaces.IdentityStore
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	users map[string]cachedUser
}

var _ interfaces.IdentityStore = (*Directory)(nil)

// NewDirectory wraps store. A non-positive ttl uses DefaultTTL.
func NewDirectory(store interfaces.IdentityStore, ttl time.Duration, logger zerolog.Logger) (*Directory, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "identity_directory").Logger(),
		now:    time.Now,
		users:  make(map[string]cachedUser),
	}, nil
}

// FindUser returns the user, from cache when fresh.
func (d *Directory) FindUser(ctx context.Context, userID string) (*types.User, error) {
	now := d.now()

	d.mu.RLock()
	entry, ok := d.users[userID]
	d.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		u := entry.user
		return &u, nil
	}

	user, err := d.store.FindUser(ctx, userID)
	if err != nil {
		if ok {
			d.Invalidate(userID)
		}
		return nil, err
	}

	d.mu.Lock()
	d.users[userID] = cachedUser{user: *user, expires: now.Add(d.ttl)}
	d.mu.Unlock()

	return user, nil
}

// Invalidate drops userID from the cache.
func (d *Directory) Invalidate(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, userID)
}

// Purge evicts expired entries and returns how many were removed.
func (d *Directory) Purge() int {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, entry := range d.users {
		if !now.Before(entry.expires) {
			delete(d.users, id)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Debug().Int("removed", removed).Msg("purged expired identities")
	}
	return removed
}

// Len returns the number of cached entries, fresh or not.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
