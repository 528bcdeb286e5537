package models

// EventOutcome is the normalized outcome of a provider notification or a
// status query. Both ingestion paths reduce provider payloads to this shape
// before any reconciliation decision is made.
type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
	// OutcomeUnknown covers still-pending responses and provider query
	// failures alike: no new information.
	OutcomeUnknown EventOutcome = "unknown"
)

// EventSource identifies which path delivered an event. Used for metrics and
// audit records only; the decision logic is source-agnostic.
type EventSource string

const (
	SourceCallback EventSource = "callback"
	SourcePoll     EventSource = "poll"
	SourceBroker   EventSource = "broker"
)

// ProviderEvent is a normalized reconciliation event for one transaction.
type ProviderEvent struct {
	CorrelationToken string       `json:"correlation_token"`
	Outcome          EventOutcome `json:"outcome"`
	ProviderRef      string       `json:"provider_reference,omitempty"`
	Detail           string       `json:"detail,omitempty"`
	ConfirmedAmount  *int64       `json:"confirmed_amount,omitempty"`
	Source           EventSource  `json:"source"`
}
