package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class is the coarse failure category the orchestrator reacts to.
type Class string

const (
	ClassTransient       Class = "transient"
	ClassContentRejected Class = "content_rejected"
	ClassQuotaExhausted  Class = "quota_exhausted"
	ClassOther           Class = "other"
)

// Error is returned for every upstream failure that got far enough to be classified.
type Error struct {
	Class      Class
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(string(e.Class))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status=%d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

var moderationMarkers = []string{"content", "moderation", "nsfw", "safety", "policy", "flagged", "sensitive"}

var quotaMarkers = []string{"insufficient balance", "insufficient credit", "quota", "balance not enough", "top up"}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classify maps an HTTP status and upstream message to a Class.
func classify(statusCode int, message string) Class {
	switch {
	case statusCode == http.StatusPaymentRequired || containsAny(message, quotaMarkers):
		return ClassQuotaExhausted
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return ClassTransient
	case containsAny(message, moderationMarkers):
		return ClassContentRejected
	default:
		return ClassOther
	}
}

// ClassifyMessage classifies a failure reported inside a successful status response.
func ClassifyMessage(message string) Class {
	return classify(0, message)
}

func newError(statusCode int, message string) *Error {
	return &Error{Class: classify(statusCode, message), StatusCode: statusCode, Message: message}
}

// transportError wraps network-level failures, which are always transient unless
// the caller's context ended.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{Class: ClassTransient, Err: err}
}

// Classify reports the class of err. Bare network errors and timeouts are transient;
// context cancellation is not classified.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassOther
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
