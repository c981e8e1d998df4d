package geoindex

import "errors"

var (
	// ErrIndexUnavailable wraps every failure reaching the index. Callers
	// treat it as a transient infrastructure error.
	ErrIndexUnavailable = errors.New("geo index unavailable")
	ErrInvalidRadius    = errors.New("radius must be positive")
	ErrNilClient        = errors.New("redis client cannot be nil")
)
