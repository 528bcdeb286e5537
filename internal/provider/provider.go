package provider

import (
	"context"
	"strconv"
	"strings"

	"github.com/korepay/reconciler/internal/models"
)

// MetadataItem is a name/value pair attached to provider payloads. Receipt
// references and confirmed amounts arrive this way.
type MetadataItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StatusPayload is the provider's wire shape, shared by webhook callbacks and
// status query responses.
type StatusPayload struct {
	CorrelationToken  string         `json:"correlationToken"`
	OutcomeCode       string         `json:"outcomeCode"`
	ResultDescription string         `json:"resultDescription"`
	MetadataItems     []MetadataItem `json:"metadataItems"`
}

const (
	MetaReceiptReference = "receiptReference"
	MetaConfirmedAmount  = "confirmedAmount"
)

// StatusQuerier is the provider's status query capability.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, correlationToken string) (*StatusPayload, error)
}

// Initiator is the opaque push-payment initiation capability. Request signing
// and token refresh live behind it.
type Initiator interface {
	InitiatePushPayment(ctx context.Context, amount int64, destination string) (correlationToken string, err error)
}

// Normalize reduces a provider payload to the event shape the state machine
// consumes. Unrecognized outcome codes map to unknown, never to failure.
func Normalize(p *StatusPayload, source models.EventSource) models.ProviderEvent {
	ev := models.ProviderEvent{
		CorrelationToken: p.CorrelationToken,
		Outcome:          normalizeOutcome(p.OutcomeCode),
		Detail:           p.ResultDescription,
		Source:           source,
	}

	for _, item := range p.MetadataItems {
		switch item.Name {
		case MetaReceiptReference:
			ev.ProviderRef = item.Value
		case MetaConfirmedAmount:
			if amount, err := strconv.ParseInt(item.Value, 10, 64); err == nil {
				ev.ConfirmedAmount = &amount
			}
		}
	}
	return ev
}

func normalizeOutcome(code string) models.EventOutcome {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "00", "SUCCESS", "APPROVED":
		return models.OutcomeSuccess
	case "02", "FAILED", "DECLINED", "CANCELLED":
		return models.OutcomeFailure
	default:
		return models.OutcomeUnknown
	}
}
