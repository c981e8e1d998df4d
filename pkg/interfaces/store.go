package interfaces

import (
	"context"

	"nearby/pkg/types"
)

// IdentityStore answers whether a user exists.
type IdentityStore interface {
	// FindUser returns types.ErrUserNotFound when no record exists.
	FindUser(ctx context.Context, userID string) (*types.User, error)
}

// LocationStore is the durable record of each user's last significant
// position.
type LocationStore interface {
	// GetLocation returns types.ErrLocationNotFound when no record exists.
	GetLocation(ctx context.Context, userID string) (*types.PersistedLocation, error)

	// UpsertLocation creates the record or replaces the existing one.
	UpsertLocation(ctx context.Context, location *types.PersistedLocation) error
}

// HealthChecker is implemented by collaborators that can report
// connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
