package types

import (
	"time"
)

// Inbound message types sent by clients over the WebSocket connection.
const (
	MessageTypeRegister       = "register"
	MessageTypeUpdateLocation = "update_location"
)

// Outbound message types delivered to clients.
const (
	MessageTypeNearbyUsers          = "nearby_users"
	MessageTypeUserEnteredProximity = "user_entered_proximity"
	MessageTypeError                = "error"
)

// Coordinates is a WGS 84 position in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationReport is one position sample from a client. It lives for the
// duration of a single processing pass and is never stored as-is.
type LocationReport struct {
	UserID    string
	Latitude  float64
	Longitude float64
}

// Coordinates returns the reported position.
func (r LocationReport) Coordinates() Coordinates {
	return Coordinates{Latitude: r.Latitude, Longitude: r.Longitude}
}

// PersistedLocation is the last durable position recorded for a user.
type PersistedLocation struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// User is the identity record the service checks reports against.
type User struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NearbyPeer is one result of a radius query. Distance and location are only
// populated when the query asked for them.
type NearbyPeer struct {
	UserID         string       `json:"userId"`
	DistanceMeters *float64     `json:"distanceMeters,omitempty"`
	Location       *Coordinates `json:"location,omitempty"`
}

// RegisterMessage binds the sending connection to a user identity.
type RegisterMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// LocationUpdateMessage carries a position report.
type LocationUpdateMessage struct {
	Type      string  `json:"type"`
	UserID    string  `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Report converts the wire message into a LocationReport.
func (m *LocationUpdateMessage) Report() LocationReport {
	return LocationReport{UserID: m.UserID, Latitude: m.Latitude, Longitude: m.Longitude}
}

// NearbyUsersMessage tells a reporting user who is currently around them.
type NearbyUsersMessage struct {
	Type         string       `json:"type"`
	Users        []string     `json:"users"`
	Peers        []NearbyPeer `json:"peers,omitempty"`
	YourLocation Coordinates  `json:"yourLocation"`
}

// UserEnteredProximityMessage tells a peer that another user moved close.
type UserEnteredProximityMessage struct {
	Type     string      `json:"type"`
	UserID   string      `json:"userId"`
	Location Coordinates `json:"location"`
}

// ErrorMessage reports a failed request back to its sender.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage builds an error notification.
func NewErrorMessage(message string) *ErrorMessage {
	return &ErrorMessage{Type: MessageTypeError, Message: message}
}

// NewNearbyUsersMessage builds the notification sent to the reporting user.
func NewNearbyUsersMessage(peers []NearbyPeer, yourLocation Coordinates) *NearbyUsersMessage {
	users := make([]string, len(peers))
	for i, p := range peers {
		users[i] = p.UserID
	}
	return &NearbyUsersMessage{
		Type:         MessageTypeNearbyUsers,
		Users:        users,
		Peers:        peers,
		YourLocation: yourLocation,
	}
}

// NewUserEnteredProximityMessage builds the notification sent to each peer.
func NewUserEnteredProximityMessage(userID string, location Coordinates) *UserEnteredProximityMessage {
	return &UserEnteredProximityMessage{
		Type:     MessageTypeUserEnteredProximity,
		UserID:   userID,
		Location: location,
	}
}
