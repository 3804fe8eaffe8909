package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MinSampleInterval is the floor between two accepted samples of a vehicle.
	MinSampleInterval = 30 * time.Second
	// MinDisplacementMeters is the default movement threshold of the sampler.
	MinDisplacementMeters = 10.0
)

// Coordinates represents a geographic point.
type Coordinates struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Valid reports whether both components are inside the WGS84 ranges.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// LocationSample is one point-in-time position report of a vehicle.
// Samples are never mutated after creation; corrections are new samples.
type LocationSample struct {
	VehicleID        string    `json:"vehicle_id" bson:"vehicle_id"`
	Latitude         float64   `json:"latitude" bson:"latitude"`
	Longitude        float64   `json:"longitude" bson:"longitude"`
	Timestamp        time.Time `json:"timestamp" bson:"timestamp"`
	Speed            float64   `json:"speed" bson:"speed"`
	Heading          float64   `json:"heading" bson:"heading"`
	Accuracy         float64   `json:"accuracy" bson:"accuracy"`
	AccuracyDegraded bool      `json:"accuracy_degraded,omitempty" bson:"accuracy_degraded,omitempty"`
	Altitude         *float64  `json:"altitude,omitempty" bson:"altitude,omitempty"`
	ClientSequence   uint64    `json:"client_sequence" bson:"client_sequence"`
}

// Position returns the sample coordinate.
func (s LocationSample) Position() Coordinates {
	return Coordinates{Lat: s.Latitude, Lng: s.Longitude}
}

// Validate checks the structural invariants of a sample. It does not know
// about the vehicle's history; ordering rules live in the ingestion service.
func (s LocationSample) Validate() error {
	if strings.TrimSpace(s.VehicleID) == "" {
		return fmt.Errorf("%w: vehicle id is required", ErrInvalidSample)
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range [-90,90]", ErrInvalidSample, s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range [-180,180]", ErrInvalidSample, s.Longitude)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSample)
	}
	return nil
}
