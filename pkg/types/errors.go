package types

import "errors"

var (
	ErrInvalidUserID      = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidLatitude    = errors.New("latitude must be within [-90, 90]")
	ErrInvalidLongitude   = errors.New("longitude must be within [-180, 180]")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingField       = errors.New("missing required field")
)

// Lookup errors shared by the store adapters and their callers.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrLocationNotFound = errors.New("location not found")
)
