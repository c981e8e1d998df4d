// Package geo holds great-circle distance math and the policy deciding when a
// position change is worth persisting.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// DefaultMovementThresholdMeters is the distance a user must move before a new
// position is persisted.
const DefaultMovementThresholdMeters = 50.0

// Point is a position in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Distance is Haversine over two Points.
func Distance(a, b Point) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// MovementPolicy decides whether a new position differs enough from the last
// persisted one to warrant a durable write.
type MovementPolicy struct {
	ThresholdMeters float64
}

// NewMovementPolicy returns a policy with the given threshold, falling back to
// DefaultMovementThresholdMeters for non-positive values.
func NewMovementPolicy(thresholdMeters float64) MovementPolicy {
	if thresholdMeters <= 0 {
		thresholdMeters = DefaultMovementThresholdMeters
	}
	return MovementPolicy{ThresholdMeters: thresholdMeters}
}

// HasMovedSignificantly is true when there is no previous position or the new
// one is strictly farther than the threshold from it.
func (p MovementPolicy) HasMovedSignificantly(last *Point, newLat, newLon float64) bool {
	if last == nil {
		return true
	}
	return Haversine(last.Latitude, last.Longitude, newLat, newLon) > p.ThresholdMeters
}
