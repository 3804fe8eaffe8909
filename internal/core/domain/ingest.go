package domain

import "time"

// IngestOutcome is the gateway's final decision on a single sample.
type IngestOutcome string

const (
	OutcomeAccepted            IngestOutcome = "accepted"
	OutcomeRejectedTooFrequent IngestOutcome = "rejected_too_frequent"
	OutcomeRejectedInvalid     IngestOutcome = "rejected_invalid"
)

// Terminal reports whether the outcome is a rejection the client must not retry.
func (o IngestOutcome) Terminal() bool {
	return o == OutcomeRejectedTooFrequent || o == OutcomeRejectedInvalid
}

// IngestResult is returned for every ingested sample. LastAcceptedAt holds the
// vehicle's last accepted timestamp after the decision, zero when the vehicle
// has never been accepted.
type IngestResult struct {
	Outcome        IngestOutcome
	Sample         LocationSample
	LastAcceptedAt time.Time
	Reason         string
	// Duplicate is set when an already accepted sample was submitted again.
	Duplicate bool
}
