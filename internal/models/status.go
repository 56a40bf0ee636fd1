package models

type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusProcessing GenerationStatus = "processing"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
	StatusCancelled  GenerationStatus = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s GenerationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition encodes the generation state machine.
//
//	pending    -> processing | failed
//	processing -> completed | failed | cancelled
//
// Pending may also be cancelled when the user aborts before the provider accepts the task.
func (s GenerationStatus) CanTransition(to GenerationStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Sources returns every status that may transition into to.
func Sources(to GenerationStatus) []GenerationStatus {
	var out []GenerationStatus
	for _, s := range []GenerationStatus{StatusPending, StatusProcessing} {
		if s.CanTransition(to) {
			out = append(out, s)
		}
	}
	return out
}

// ErrorKind is the persisted failure classification of a generation.
type ErrorKind string

const (
	ErrorNone                ErrorKind = ""
	ErrorForbidden           ErrorKind = "forbidden"
	ErrorRateLimited         ErrorKind = "rate_limited"
	ErrorUnavailable         ErrorKind = "unavailable"
	ErrorInsufficientCredits ErrorKind = "insufficient_credits"
	ErrorUpstream            ErrorKind = "upstream_error"
	ErrorContentRejected     ErrorKind = "content_rejected"
	ErrorTimeout             ErrorKind = "timeout"
	ErrorCancelled           ErrorKind = "cancelled"
	ErrorInternal            ErrorKind = "internal"
	ErrorInvalidIntent       ErrorKind = "invalid_intent"
)
