package notification

import (
	"fmt"
	"maps"
	"time"
)

// Channel identifies the delivery transport for a notification job.
type Channel string

// Supported delivery channels.
const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// Status is the lifecycle state of a notification job.
type Status string

// Job lifecycle statuses. A job moves queued → in_flight → delivered, or back
// to queued with backoff after a failed attempt, or to dead once its attempt
// budget is exhausted. Scheduled jobs become queued when their time arrives.
const (
	StatusQueued    Status = "queued"
	StatusScheduled Status = "scheduled"
	StatusInFlight  Status = "in_flight"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state. Terminal states are sticky: a
// late status record never overwrites one.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusDead, StatusCancelled:
		return true
	}
	return false
}

// Envelope describes a single notification job. It is created at submission
// and travels through the broker as JSON. The worker mutates only Attempt and
// NextAttemptAt between delivery attempts; everything else is immutable.
type Envelope struct {
	// ID uniquely identifies the job. Assigned by the broker at enqueue if
	// empty; never reused.
	ID string `json:"id"`

	// Channel selects the delivery provider.
	Channel Channel `json:"channel"`

	// Recipient is the delivery target: an email address for the email
	// channel, a URL for the webhook channel. Opaque to the pipeline.
	Recipient string `json:"recipient"`

	// Subject is the message title. Channels without a subject line ignore it.
	Subject string `json:"subject,omitempty"`

	// Body is the message content.
	Body string `json:"body"`

	// Metadata is carried opaquely to the provider.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Priority weights pickup order among jobs that are ready at the same
	// time: 0 is normal, higher is sooner, 10 is the ceiling. It is a
	// scheduling hint, not an ordering guarantee.
	Priority int `json:"priority,omitempty"`

	// Attempt counts delivery attempts performed so far.
	Attempt int `json:"attempt"`

	// MaxAttempts bounds delivery attempts. Fixed at submission.
	MaxAttempts int `json:"max_attempts"`

	// CreatedAt is the submission time.
	CreatedAt time.Time `json:"created_at"`

	// NextAttemptAt is the earliest time the job may be attempted again,
	// set by the retry policy when an attempt is requeued.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// ScheduledAt, when in the future at enqueue time, keeps the job
	// invisible to consumers until that time.
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Validate checks the fields required for delivery.
func (e *Envelope) Validate() error {
	if !e.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", e.Channel)
	}
	if e.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if e.Body == "" {
		return fmt.Errorf("body is required")
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", e.MaxAttempts)
	}
	if e.Priority < 0 || e.Priority > 10 {
		return fmt.Errorf("priority must be between 0 and 10, got %d", e.Priority)
	}
	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}
