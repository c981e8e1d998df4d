package types

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Coordinate bounds. Both ranges are inclusive at their endpoints.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// ValidateLocation rejects positions outside the WGS 84 ranges. NaN fails
// every comparison and is therefore rejected as well.
func ValidateLocation(latitude, longitude float64) error {
	if !(latitude >= MinLatitude && latitude <= MaxLatitude) {
		return ErrInvalidLatitude
	}
	if !(longitude >= MinLongitude && longitude <= MaxLongitude) {
		return ErrInvalidLongitude
	}
	return nil
}

// inboundEnvelope is the union of every inbound field. Coordinates are
// pointers so a missing field can be told apart from a zero value.
type inboundEnvelope struct {
	Type      string   `json:"type"`
	UserID    string   `json:"userId"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// ParseInbound decodes a client frame into *RegisterMessage or
// *LocationUpdateMessage. Every failure wraps ErrMalformedMessage.
func ParseInbound(data []byte) (interface{}, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if !IsValidUserID(env.UserID) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, ErrInvalidUserID)
	}

	switch env.Type {
	case MessageTypeRegister:
		return &RegisterMessage{Type: env.Type, UserID: env.UserID}, nil
	case MessageTypeUpdateLocation:
		if env.Latitude == nil || env.Longitude == nil {
			return nil, fmt.Errorf("%w: %v: latitude and longitude", ErrMalformedMessage, ErrMissingField)
		}
		return &LocationUpdateMessage{
			Type:      env.Type,
			UserID:    env.UserID,
			Latitude:  *env.Latitude,
			Longitude: *env.Longitude,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %v %q", ErrMalformedMessage, ErrUnknownMessageType, env.Type)
	}
}
