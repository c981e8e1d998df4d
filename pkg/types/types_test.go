package types

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLocation(t *testing.T) {
	tests := []struct {
		name    string
		lat     float64
		lon     float64
		wantErr error
	}{
		{"origin", 0, 0, nil},
		{"north pole", 90, 0, nil},
		{"south pole", -90, 0, nil},
		{"antimeridian east", 0, 180, nil},
		{"antimeridian west", 0, -180, nil},
		{"all corners", 90, 180, nil},
		{"positive longitude", 48.8566, 2.3522, nil},
		{"latitude above", 90.000001, 0, ErrInvalidLatitude},
		{"latitude below", -90.000001, 0, ErrInvalidLatitude},
		{"longitude above", 0, 180.000001, ErrInvalidLongitude},
		{"longitude below", 0, -180.000001, ErrInvalidLongitude},
		{"NaN latitude", math.NaN(), 0, ErrInvalidLatitude},
		{"infinite longitude", 0, math.Inf(1), ErrInvalidLongitude},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLocation(tt.lat, tt.lon)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateLocation_AcceptsWholeGrid(t *testing.T) {
	for lat := -90.0; lat <= 90.0; lat += 7.5 {
		for lon := -180.0; lon <= 180.0; lon += 7.5 {
			require.NoError(t, ValidateLocation(lat, lon), "lat=%v lon=%v", lat, lon)
		}
	}
}

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		wantOk bool
	}{
		{"alphanumeric", "user123", true},
		{"uuid", "3f6c1b2a-9d4e-4f1a-8b7c-2e5d6f7a8b9c", true},
		{"underscore", "user_123", true},
		{"64 chars", strings.Repeat("a", 64), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"special chars", "user@123", false},
		{"spaces", "user 123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantOk, IsValidUserID(tt.userID))
		})
	}
}

func TestParseInbound_Register(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"register","userId":"alice"}`))
	require.NoError(t, err)

	reg, ok := msg.(*RegisterMessage)
	require.True(t, ok, "expected *RegisterMessage, got %T", msg)
	assert.Equal(t, "alice", reg.UserID)
}

func TestParseInbound_UpdateLocation(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"update_location","userId":"alice","latitude":0,"longitude":-73.98}`))
	require.NoError(t, err)

	upd, ok := msg.(*LocationUpdateMessage)
	require.True(t, ok, "expected *LocationUpdateMessage, got %T", msg)
	assert.Equal(t, LocationReport{UserID: "alice", Latitude: 0, Longitude: -73.98}, upd.Report())
}

func TestParseInbound_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		cause error
	}{
		{"not json", `{"type":`, nil},
		{"unknown type", `{"type":"teleport","userId":"alice"}`, ErrUnknownMessageType},
		{"missing user", `{"type":"register"}`, ErrInvalidUserID},
		{"bad user", `{"type":"register","userId":"a b"}`, ErrInvalidUserID},
		{"missing latitude", `{"type":"update_location","userId":"alice","longitude":1}`, ErrMissingField},
		{"string latitude", `{"type":"update_location","userId":"alice","latitude":"1","longitude":1}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedMessage), "expected ErrMalformedMessage, got %v", err)
			if tt.cause != nil {
				assert.Contains(t, err.Error(), tt.cause.Error())
			}
		})
	}
}

func TestOutboundMessages_WireShape(t *testing.T) {
	dist := 4.2
	peers := []NearbyPeer{{UserID: "bob", DistanceMeters: &dist}}
	data, err := json.Marshal(NewNearbyUsersMessage(peers, Coordinates{Latitude: 1, Longitude: 2}))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"nearby_users",
		"users":["bob"],
		"peers":[{"userId":"bob","distanceMeters":4.2}],
		"yourLocation":{"latitude":1,"longitude":2}
	}`, string(data))

	data, err = json.Marshal(NewUserEnteredProximityMessage("alice", Coordinates{Latitude: 1, Longitude: 2}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_entered_proximity","userId":"alice","location":{"latitude":1,"longitude":2}}`, string(data))

	data, err = json.Marshal(NewErrorMessage("rate limit exceeded"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"rate limit exceeded"}`, string(data))
}
