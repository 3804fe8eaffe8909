// Package fleetapi holds the wire types shared by the gateway HTTP surface
// and the device agent.
package fleetapi

import (
	"time"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

const (
	PathLocations      = "/v1/locations"
	PathLocationsBatch = "/v1/locations/batch"
	PathLastAccepted   = "/v1/vehicles/%s/last-accepted"
	PathStream         = "/v1/stream"
	PathHealth         = "/health"

	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"

	// MaxBatchSize bounds one batch submission.
	MaxBatchSize = 500
)

// LocationPayload is a sample on the wire.
type LocationPayload struct {
	VehicleID        string    `json:"vehicle_id"                  msgpack:"vehicle_id"        validate:"required"`
	Latitude         float64   `json:"latitude"                    msgpack:"latitude"          validate:"gte=-90,lte=90"`
	Longitude        float64   `json:"longitude"                   msgpack:"longitude"         validate:"gte=-180,lte=180"`
	Timestamp        time.Time `json:"timestamp"                   msgpack:"timestamp"         validate:"required"`
	Speed            float64   `json:"speed"                       msgpack:"speed"`
	Heading          float64   `json:"heading"                     msgpack:"heading"`
	Accuracy         float64   `json:"accuracy"                    msgpack:"accuracy"`
	AccuracyDegraded bool      `json:"accuracy_degraded,omitempty" msgpack:"accuracy_degraded,omitempty"`
	Altitude         *float64  `json:"altitude,omitempty"          msgpack:"altitude,omitempty"`
	ClientSequence   uint64    `json:"client_sequence"             msgpack:"client_sequence"`
}

// BatchRequest carries a vehicle's queued samples in capture order. Items are
// validated one by one so a bad item does not reject its neighbours.
type BatchRequest struct {
	VehicleID string            `json:"vehicle_id" validate:"required"`
	Samples   []LocationPayload `json:"samples"    validate:"required,min=1,max=500"`
}

// IngestResponse is the answer to a single sample submission.
type IngestResponse struct {
	Outcome        string           `json:"outcome"`
	Sample         *LocationPayload `json:"sample,omitempty"`
	LastAcceptedAt *time.Time       `json:"last_accepted_at,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Duplicate      bool             `json:"duplicate,omitempty"`
}

// BatchItem is the per-sample result of a batch, in submission order.
type BatchItem struct {
	ClientSequence uint64     `json:"client_sequence"`
	Outcome        string     `json:"outcome"`
	LastAcceptedAt *time.Time `json:"last_accepted_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

type BatchResponse struct {
	VehicleID      string      `json:"vehicle_id"`
	Items          []BatchItem `json:"items"`
	LastAcceptedAt *time.Time  `json:"last_accepted_at,omitempty"`
}

type LastAcceptedResponse struct {
	VehicleID      string    `json:"vehicle_id"`
	LastAcceptedAt time.Time `json:"last_accepted_at"`
}

// StreamRequest is the first frame a websocket client sends.
type StreamRequest struct {
	Vehicles   []string          `json:"vehicles"`
	ReplayLast int               `json:"replay_last"`
	ResumeFrom map[string]uint64 `json:"resume_from"`
	Encoding   string            `json:"encoding"`
}

type CoordinatesPayload struct {
	Lat float64 `json:"lat" msgpack:"lat"`
	Lng float64 `json:"lng" msgpack:"lng"`
}

type GeofenceEventPayload struct {
	VehicleID      string             `json:"vehicle_id"      msgpack:"vehicle_id"`
	ZoneID         string             `json:"zone_id"         msgpack:"zone_id"`
	Transition     string             `json:"transition"      msgpack:"transition"`
	At             time.Time          `json:"at"              msgpack:"at"`
	Location       CoordinatesPayload `json:"location"        msgpack:"location"`
	DistanceMeters float64            `json:"distance_meters" msgpack:"distance_meters"`
}

// StreamEnvelope is one server push on the realtime stream.
type StreamEnvelope struct {
	VehicleID   string                `json:"vehicle_id"       msgpack:"vehicle_id"`
	Seq         uint64                `json:"seq"              msgpack:"seq"`
	Kind        string                `json:"kind"             msgpack:"kind"`
	Sample      *LocationPayload      `json:"sample,omitempty" msgpack:"sample,omitempty"`
	Event       *GeofenceEventPayload `json:"event,omitempty"  msgpack:"event,omitempty"`
	PublishedAt time.Time             `json:"published_at"     msgpack:"published_at"`
}

// --- Mapping ---

func FromSample(s domain.LocationSample) LocationPayload {
	return LocationPayload{
		VehicleID:        s.VehicleID,
		Latitude:         s.Latitude,
		Longitude:        s.Longitude,
		Timestamp:        s.Timestamp,
		Speed:            s.Speed,
		Heading:          s.Heading,
		Accuracy:         s.Accuracy,
		AccuracyDegraded: s.AccuracyDegraded,
		Altitude:         s.Altitude,
		ClientSequence:   s.ClientSequence,
	}
}

func (p LocationPayload) Sample() domain.LocationSample {
	return domain.LocationSample{
		VehicleID:        p.VehicleID,
		Latitude:         p.Latitude,
		Longitude:        p.Longitude,
		Timestamp:        p.Timestamp.UTC(),
		Speed:            p.Speed,
		Heading:          p.Heading,
		Accuracy:         p.Accuracy,
		AccuracyDegraded: p.AccuracyDegraded,
		Altitude:         p.Altitude,
		ClientSequence:   p.ClientSequence,
	}
}

// FromResult renders an ingest decision. The sample is echoed only when accepted.
func FromResult(r domain.IngestResult) IngestResponse {
	resp := IngestResponse{
		Outcome:        string(r.Outcome),
		LastAcceptedAt: timePtr(r.LastAcceptedAt),
		Reason:         r.Reason,
		Duplicate:      r.Duplicate,
	}
	if r.Outcome == domain.OutcomeAccepted {
		p := FromSample(r.Sample)
		resp.Sample = &p
	}
	return resp
}

func FromEnvelope(env domain.Envelope) StreamEnvelope {
	out := StreamEnvelope{
		VehicleID:   env.VehicleID,
		Seq:         env.Seq,
		Kind:        string(env.Kind),
		PublishedAt: env.PublishedAt,
	}
	if env.Sample != nil {
		p := FromSample(*env.Sample)
		out.Sample = &p
	}
	if ev := env.Event; ev != nil {
		out.Event = &GeofenceEventPayload{
			VehicleID:      ev.VehicleID,
			ZoneID:         ev.ZoneID,
			Transition:     string(ev.Transition),
			At:             ev.At,
			Location:       CoordinatesPayload{Lat: ev.Location.Lat, Lng: ev.Location.Lng},
			DistanceMeters: ev.DistanceMeters,
		}
	}
	return out
}

// Time returns the pointed-to time or zero.
func Time(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
