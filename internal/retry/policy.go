// Package retry decides what happens to a notification job after a delivery
// attempt. The decision function is pure: it inspects only the envelope and
// the attempt outcome, never the queue or the clock.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shaharia-lab/notiq/internal/notification"
)

// Action tells the worker how to settle a job after a delivery attempt.
type Action int

const (
	// ActionAck removes the job from the queue permanently.
	ActionAck Action = iota
	// ActionRetry requeues the job, visible again after Decision.Delay.
	ActionRetry
	// ActionDead moves the job to the dead-letter archive.
	ActionDead
)

// String returns the snake_case name used in logs.
func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDead:
		return "dead"
	}
	return "unknown"
}

// Decision is the result of applying the retry policy to one attempt.
type Decision struct {
	Action Action
	// Delay is the backoff before the next attempt. Set for ActionRetry.
	Delay time.Duration
	// Reason explains why the job was dead-lettered. Set for ActionDead.
	Reason string
}

// Policy computes retry decisions with capped exponential backoff.
type Policy struct {
	// Base is the delay after the first failed attempt; it doubles with
	// every further attempt.
	Base time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
	// Jitter multiplies each delay by a random factor in [0.5, 1.5) so that
	// a burst of failures does not retry in lockstep.
	Jitter bool
}

// Decide maps a delivery outcome onto the next queue action for the job.
// Success acks. Permanent failures dead-letter immediately, regardless of the
// remaining attempt budget. Transient failures retry with backoff until the
// budget is spent, then dead-letter.
func (p Policy) Decide(env *notification.Envelope, out notification.Outcome) Decision {
	switch out.Kind {
	case notification.OutcomeSuccess:
		return Decision{Action: ActionAck}
	case notification.OutcomePermanent:
		return Decision{Action: ActionDead, Reason: out.Reason}
	}

	if env.Attempt >= env.MaxAttempts {
		return Decision{
			Action: ActionDead,
			Reason: fmt.Sprintf("retries exhausted after %d attempts: %s", env.Attempt, out.Reason),
		}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay(env.Attempt)}
}

// Delay returns the backoff following the given attempt (1-based): Base
// doubled per attempt, capped at Cap, then jittered when enabled. Without
// jitter the delay is non-decreasing in the attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base << (attempt - 1)
	// The shift overflows for large attempt numbers; the cap catches that too.
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}

	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}
