package proximity

import "errors"

// Error classes for a rejected or failed location report. Every error
// returned by Engine.ProcessLocationReport wraps exactly one of these.
var (
	ErrAdmissionDenied = errors.New("admission denied")
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrInfrastructure  = errors.New("infrastructure failure")
	ErrProtocol        = errors.New("protocol violation")
)

// Messages sent to the client in error notifications.
const (
	MsgRateLimited       = "rate limit exceeded"
	MsgInvalidLocation   = "invalid coordinates"
	MsgUserNotFound      = "user not found"
	MsgServerError       = "server error occurred"
	MsgPersistenceFailed = "failed to update location in database"
)

var (
	ErrNilRegistry  = errors.New("registry cannot be nil")
	ErrNilLimiter   = errors.New("rate limiter cannot be nil")
	ErrNilGeoIndex  = errors.New("geo index cannot be nil")
	ErrNilIdentity  = errors.New("identity store cannot be nil")
	ErrNilLocations = errors.New("location store cannot be nil")
)
