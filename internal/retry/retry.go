// Package retry decides what happens after a failure.
//
// The decision is a value, not control flow: the scheduler asks for a
// Decision and interprets it explicitly (re-enqueue, mark failed, mark
// skipped) rather than re-raising errors until something gives up.
package retry

import (
	"context"
	"errors"
	"time"
)

// Kind is the classified category of a failure. Classification, not
// the raw error, determines retry behavior.
type Kind string

const (
	// KindTransient covers failures that can clear on their own:
	// I/O timeouts, resource-temporarily-unavailable, a busy external
	// capability. Retried with exponential backoff.
	KindTransient Kind = "transient"

	// KindDeterministic covers failures that will recur on every
	// attempt: corrupt input, unsupported format, invalid geometry.
	// Never retried.
	KindDeterministic Kind = "deterministic"

	// KindResourceLimit covers out-of-memory and worker crashes.
	// Retried once with a reduced-concurrency hint, then permanent.
	KindResourceLimit Kind = "resource_limit"

	// KindUpload marks blob upload failures. Uploads retry on their
	// own cap and never affect the conversion outcome.
	KindUpload Kind = "upload"

	// KindStore marks metadata persistence failures. Transient store
	// errors retry with backoff; exhaustion is fatal to the run.
	KindStore Kind = "store"
)

// Action is what the scheduler should do next.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionFailPermanent
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailPermanent:
		return "fail_permanent"
	case ActionSkip:
		return "skip"
	}
	return "unknown"
}

// Decision tells the scheduler how to proceed after a failure.
type Decision struct {
	Action Action

	// Delay applies before the next attempt when Action is ActionRetry.
	Delay time.Duration

	// ReduceConcurrency asks the scheduler to shrink the worker pool
	// before retrying. Set for the single resource-limit retry.
	ReduceConcurrency bool
}

// Policy holds the retry limits for one run. Immutable once built.
type Policy struct {
	// MaxRetries caps conversion attempts per file. An attempt count
	// reaching the cap fails permanently.
	MaxRetries int

	// BaseDelay seeds the exponential backoff: the wait before
	// attempt n+1 is BaseDelay * 2^(n-1).
	BaseDelay time.Duration
}

// Classify maps a failure to a decision. attempt is the 1-based number
// of the attempt that just failed.
func (p Policy) Classify(kind Kind, attempt int) Decision {
	switch kind {
	case KindDeterministic:
		// Retrying cannot change the outcome.
		return Decision{Action: ActionFailPermanent}

	case KindResourceLimit:
		if attempt == 1 {
			return Decision{
				Action:            ActionRetry,
				Delay:             p.Backoff(attempt),
				ReduceConcurrency: true,
			}
		}
		return Decision{Action: ActionFailPermanent}

	case KindTransient, KindStore:
		if attempt >= p.MaxRetries {
			return Decision{Action: ActionFailPermanent}
		}
		return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}

	case KindUpload:
		if attempt >= p.MaxRetries {
			return Decision{Action: ActionSkip}
		}
		return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
	}

	// Unknown kinds are treated as deterministic: retrying something
	// we cannot classify just burns attempts.
	return Decision{Action: ActionFailPermanent}
}

// Backoff returns the delay after the given 1-based failed attempt:
// BaseDelay * 2^(attempt-1).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d < 0 { // overflow guard
			return p.BaseDelay
		}
	}
	return d
}

// Classifiable is implemented by errors that carry their own kind.
type Classifiable interface {
	FailureKind() Kind
}

// KindOf classifies an arbitrary error. Errors that implement
// Classifiable speak for themselves; context deadline errors map to
// the transient path per the timeout rule; everything else is
// deterministic.
func KindOf(err error) Kind {
	var c Classifiable
	if errors.As(err, &c) {
		return c.FailureKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindDeterministic
}
