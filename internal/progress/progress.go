// Package progress carries transfer progress events to an external
// display collaborator. Emission is best-effort and never blocks a
// transfer.
package progress

// Phase describes what a resource is currently doing.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseTransfer   Phase = "transferring"
	PhaseVerifying  Phase = "verifying"
	PhaseCommitted  Phase = "committed"
	PhaseFailed     Phase = "failed"
	PhaseFromCache  Phase = "from-cache"
	PhaseRetryWait  Phase = "retry-wait"
	PhaseExtracting Phase = "extracting"
)

// Event is a point-in-time progress report for one resource.
type Event struct {
	ResourceID string
	BytesSoFar int64
	TotalBytes int64 // <= 0 when unknown
	Phase      Phase
}

// Sink receives events. A nil Sink is valid and drops everything.
type Sink chan Event

// Emit delivers an event without ever blocking the sender. Events are
// dropped when the consumer falls behind.
func (s Sink) Emit(e Event) {
	if s == nil {
		return
	}

	select {
	case s <- e:
	default:
	}
}
