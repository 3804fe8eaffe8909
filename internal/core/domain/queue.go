package domain

import "time"

// EntryState is the lifecycle state of a device queue entry.
type EntryState string

const (
	EntryPending EntryState = "pending"
	EntrySent    EntryState = "sent"
	EntryFailed  EntryState = "failed"
)

// validEntryTransitions mirrors the append-only lifecycle of a queue entry.
// Pending -> Pending is a retry that only bumps the attempt count.
var validEntryTransitions = map[EntryState][]EntryState{
	EntryPending: {EntryPending, EntrySent, EntryFailed},
}

// CanTransitionTo reports whether an entry in state s may move to next.
func (s EntryState) CanTransitionTo(next EntryState) bool {
	for _, allowed := range validEntryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueueEntry is a durably stored sample awaiting acknowledgment.
type QueueEntry struct {
	ID           string
	Sample       LocationSample
	EnqueuedAt   time.Time
	AttemptCount int
	State        EntryState
}
