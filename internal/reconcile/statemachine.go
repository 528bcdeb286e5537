package reconcile

import (
	"github.com/korepay/reconciler/internal/models"
)

// Transition is the decision produced for one event against one persisted
// state. It is a closed set: ApplyCompleted, ApplyFailed or NoOp.
type Transition interface {
	isTransition()
}

// ApplyCompleted moves a pending transaction to completed. ProviderRef is
// always non-empty; Decide never emits ApplyCompleted without one.
type ApplyCompleted struct {
	ProviderRef     string
	Detail          string
	ConfirmedAmount *int64
}

// ApplyFailed moves a pending transaction to failed.
type ApplyFailed struct {
	Detail string
}

// NoOp leaves the transaction untouched.
type NoOp struct {
	Reason string
}

func (ApplyCompleted) isTransition() {}
func (ApplyFailed) isTransition()    {}
func (NoOp) isTransition()           {}

const (
	ReasonAlreadyTerminal  = "already terminal"
	ReasonNoNewInformation = "no new information"
	ReasonMalformedSuccess = "malformed success event: missing provider reference"
)

// Decide computes the transition for an event against the current persisted
// state. Pure function; callers own locking and persistence.
//
// Terminal states absorb everything, so duplicate callbacks and redundant
// polls are harmless regardless of arrival order. A success event without a
// provider reference never completes the transaction: the reference is the
// only proof of payment we can hand back, so the record stays pending for a
// later poll to resolve.
func Decide(current models.TransactionState, ev models.ProviderEvent) Transition {
	if current.Terminal() {
		return NoOp{Reason: ReasonAlreadyTerminal}
	}

	switch ev.Outcome {
	case models.OutcomeSuccess:
		if ev.ProviderRef == "" {
			return NoOp{Reason: ReasonMalformedSuccess}
		}
		return ApplyCompleted{
			ProviderRef:     ev.ProviderRef,
			Detail:          ev.Detail,
			ConfirmedAmount: ev.ConfirmedAmount,
		}
	case models.OutcomeFailure:
		return ApplyFailed{Detail: ev.Detail}
	default:
		return NoOp{Reason: ReasonNoNewInformation}
	}
}
