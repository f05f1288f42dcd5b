package recovery

import (
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/retry"
)

// Assessment is what an operator needs to decide on a payment.
type Assessment struct {
	FailedHop     model.Hop            `json:"failedHop,omitempty"`
	FailureClass  failure.Class        `json:"failureClass,omitempty"`
	FailureReason string               `json:"failureReason,omitempty"`
	AttemptsUsed  int                  `json:"attemptsUsed"`
	AttemptBudget int                  `json:"attemptBudget"`
	FundsLocation ledger.FundsLocation `json:"fundsLocation"`
	CanRetry      bool                 `json:"canRetry"`
	CanRollback   bool                 `json:"canRollback"`
}

// outstandingFailure returns the most recent hop_failed whose hop has not
// been confirmed since.
func outstandingFailure(events []*model.PaymentEvent) *model.PaymentEvent {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Type != model.EventHopFailed {
			continue
		}
		if _, ok := ledger.ConfirmedRef(events, e.Hop); ok {
			continue
		}
		return e
	}
	return nil
}

// Assess derives canRetry and canRollback purely from the payment row and
// its ledger history.
func Assess(p *model.Payment, events []*model.PaymentEvent, policy *retry.Policy) Assessment {
	a := Assessment{FundsLocation: ledger.LocateFunds(events)}

	if p.Escalated {
		a.FailedHop = model.Hop(p.EscalationHop)
		a.FailureClass = failure.Class(p.EscalationClass)
		a.FailureReason = p.EscalationReason
	} else if e := outstandingFailure(events); e != nil {
		a.FailedHop = e.Hop
		a.FailureClass = failure.Class(e.FailureClass)
		a.FailureReason = e.Description
	}

	if a.FailedHop != "" {
		a.AttemptsUsed = ledger.FailureCount(events, a.FailedHop)
		a.AttemptBudget = policy.Budget(a.FailedHop)
	}

	if !p.Status.IsTerminal() {
		a.CanRollback = orchestrator.CanRollback(a.FundsLocation)
		a.CanRetry = canRetry(a)
	}
	return a
}

func canRetry(a Assessment) bool {
	switch a.FailureClass {
	case failure.ClassStalled, failure.ClassTransient:
		return true
	case failure.ClassPermanent, failure.ClassPartial:
		return false
	}
	if a.FailedHop == "" {
		return false
	}
	return a.AttemptsUsed < a.AttemptBudget
}
