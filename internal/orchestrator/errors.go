package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGVideoBot/internal/ledger"
	"github.com/digkill/TGVideoBot/internal/models"
)

var (
	ErrForbidden           = errors.New("user is banned")
	ErrRateLimited         = errors.New("too many generations, try again later")
	ErrUnavailable         = errors.New("generation service temporarily unavailable")
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
	ErrUpstream            = errors.New("upstream generation error")
	ErrContentRejected     = errors.New("content rejected by moderation")
	ErrTimeout             = errors.New("generation timed out")
	ErrCancelled           = errors.New("generation cancelled")
	ErrInternal            = errors.New("internal error")
	ErrInvalidIntent       = errors.New("invalid generation request")
)

var kindSentinels = map[models.ErrorKind]error{
	models.ErrorForbidden:           ErrForbidden,
	models.ErrorRateLimited:         ErrRateLimited,
	models.ErrorUnavailable:         ErrUnavailable,
	models.ErrorInsufficientCredits: ErrInsufficientCredits,
	models.ErrorUpstream:            ErrUpstream,
	models.ErrorContentRejected:     ErrContentRejected,
	models.ErrorTimeout:             ErrTimeout,
	models.ErrorCancelled:           ErrCancelled,
	models.ErrorInternal:            ErrInternal,
	models.ErrorInvalidIntent:       ErrInvalidIntent,
}

// JobError is the typed failure of a submission or a job. errors.Is matches both the
// sentinel for Kind and the underlying cause.
type JobError struct {
	Kind       models.ErrorKind
	RetryAfter time.Duration
	Err        error
}

func newJobError(kind models.ErrorKind, err error) *JobError {
	return &JobError{Kind: kind, Err: err}
}

func (e *JobError) Error() string {
	msg := string(e.Kind)
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter.Round(time.Second))
	}
	if e.Err != nil && !errors.Is(e.Err, kindSentinels[e.Kind]) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JobError) Unwrap() []error {
	out := make([]error, 0, 2)
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		out = append(out, sentinel)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf extracts the error kind from err, or ErrorInternal for foreign errors.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return models.ErrorNone
	}
	var jerr *JobError
	if errors.As(err, &jerr) {
		return jerr.Kind
	}
	return models.ErrorInternal
}
