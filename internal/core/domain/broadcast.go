package domain

import "time"

// EnvelopeKind tags what a broadcast envelope carries.
type EnvelopeKind string

const (
	KindLocation EnvelopeKind = "location"
	KindGeofence EnvelopeKind = "geofence"
)

// Envelope is one item on a vehicle channel. Seq increases by one per
// publish on the same vehicle.
type Envelope struct {
	VehicleID   string
	Seq         uint64
	Kind        EnvelopeKind
	Sample      *LocationSample
	Event       *GeofenceEvent
	PublishedAt time.Time
}

// Subscription describes a consumer of vehicle channels. An empty filter
// matches every vehicle.
type Subscription struct {
	SubscriberID  string
	VehicleFilter []string
}

// Matches reports whether the subscription wants envelopes for vehicleID.
func (s Subscription) Matches(vehicleID string) bool {
	if len(s.VehicleFilter) == 0 {
		return true
	}
	for _, v := range s.VehicleFilter {
		if v == vehicleID || v == "*" {
			return true
		}
	}
	return false
}
