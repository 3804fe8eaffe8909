package domain

import (
	"fmt"
	"math"
	"time"
)

const (
	MinZoneRadiusMeters = 100.0
	MaxZoneRadiusMeters = 5000.0

	earthRadiusMeters = 6371000
)

// GeofenceZone is a circular containment zone managed by the fleet console.
type GeofenceZone struct {
	ID           string      `json:"id" bson:"_id"`
	Name         string      `json:"name" bson:"name"`
	Center       Coordinates `json:"center" bson:"center"`
	RadiusMeters float64     `json:"radius_meters" bson:"radius_meters"`
}

// Validate enforces the radius bounds.
func (z GeofenceZone) Validate() error {
	if z.RadiusMeters < MinZoneRadiusMeters || z.RadiusMeters > MaxZoneRadiusMeters {
		return fmt.Errorf("%w: zone %s radius %.1fm not in [%.0f,%.0f]",
			ErrZoneRadiusOutOfRange, z.ID, z.RadiusMeters, MinZoneRadiusMeters, MaxZoneRadiusMeters)
	}
	return nil
}

// MembershipState records whether a vehicle is inside a zone.
type MembershipState struct {
	VehicleID        string    `bson:"vehicle_id"`
	ZoneID           string    `bson:"zone_id"`
	IsInside         bool      `bson:"is_inside"`
	LastTransitionAt time.Time `bson:"last_transition_at"`
	LastEvaluatedAt  time.Time `bson:"last_evaluated_at"`
}

// Transition is the direction of a zone boundary crossing.
type Transition string

const (
	TransitionEntered Transition = "entered"
	TransitionExited  Transition = "exited"
)

// GeofenceEvent is emitted exactly once per confirmed boundary crossing.
type GeofenceEvent struct {
	VehicleID      string      `json:"vehicle_id"`
	ZoneID         string      `json:"zone_id"`
	Transition     Transition  `json:"transition"`
	At             time.Time   `json:"at"`
	Location       Coordinates `json:"location"`
	DistanceMeters float64     `json:"distance_meters"`
}

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b Coordinates) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
