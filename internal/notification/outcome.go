package notification

// OutcomeKind classifies the result of a single delivery attempt.
type OutcomeKind int

const (
	// OutcomeSuccess means the provider accepted the message.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeTransient means the attempt failed for a reason that may clear
	// on its own: timeouts, connection failures, temporary server errors.
	OutcomeTransient
	// OutcomePermanent means the attempt failed and retrying cannot help:
	// invalid recipient, rejected content.
	OutcomePermanent
)

// String returns the snake_case name used in logs and status records.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient_failure"
	case OutcomePermanent:
		return "permanent_failure"
	}
	return "unknown"
}

// Outcome is the normalized result of one delivery attempt. Providers
// translate their transport-specific errors into exactly one of the three
// kinds; the retry policy never inspects raw provider errors.
type Outcome struct {
	Kind OutcomeKind

	// Reason describes the failure. Empty on success.
	Reason string

	// ProviderMessageID is the remote identifier assigned by the provider,
	// when one exists.
	ProviderMessageID string
}

// Success returns a successful outcome carrying an optional provider message id.
func Success(providerMessageID string) Outcome {
	return Outcome{Kind: OutcomeSuccess, ProviderMessageID: providerMessageID}
}

// Transient returns a retryable failure outcome.
func Transient(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

// Permanent returns a non-retryable failure outcome.
func Permanent(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}
