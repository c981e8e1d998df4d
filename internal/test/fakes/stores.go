package fakes

import (
	"context"
	"sync"
	"time"

	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

// IdentityStore is an in-memory user directory. FailNext injects errors for
// the next calls before falling through to the map.
type IdentityStore struct {
	mu       sync.Mutex
	users    map[string]*types.User
	failures []error
	calls    int
}

var _ interfaces.IdentityStore = (*IdentityStore)(nil)

// NewIdentityStore seeds the store with the given user IDs.
func NewIdentityStore(userIDs ...string) *IdentityStore {
	s := &IdentityStore{users: make(map[string]*types.User)}
	for _, id := range userIDs {
		s.Add(id)
	}
	return s
}

// Add registers a user.
func (s *IdentityStore) Add(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = &types.User{ID: userID, DisplayName: userID, CreatedAt: time.Now()}
}

// FailNext queues errors returned by the next len(errs) calls.
func (s *IdentityStore) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *IdentityStore) FindUser(ctx context.Context, userID string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// Calls returns how many lookups were made.
func (s *IdentityStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LocationStore is an in-memory durable location table.
type LocationStore struct {
	mu        sync.Mutex
	locations map[string]types.PersistedLocation
	upserts   int
	GetErr    error
	UpsertErr error
}

var _ interfaces.LocationStore = (*LocationStore)(nil)

func NewLocationStore() *LocationStore {
	return &LocationStore{locations: make(map[string]types.PersistedLocation)}
}

func (s *LocationStore) GetLocation(ctx context.Context, userID string) (*types.PersistedLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	loc, ok := s.locations[userID]
	if !ok {
		return nil, types.ErrLocationNotFound
	}
	return &loc, nil
}

func (s *LocationStore) UpsertLocation(ctx context.Context, location *types.PersistedLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.upserts++
	s.locations[location.UserID] = *location
	return nil
}

// Seed stores a location without counting it as an upsert.
func (s *LocationStore) Seed(loc types.PersistedLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[loc.UserID] = loc
}

// Upserts returns how many writes succeeded.
func (s *LocationStore) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// Get returns the stored location, if any.
func (s *LocationStore) Get(userID string) (types.PersistedLocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[userID]
	return loc, ok
}
