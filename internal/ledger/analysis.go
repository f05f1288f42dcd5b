package ledger

import (
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/model"
)

// The helpers below read a payment's history, oldest first.

// ConfirmedRef returns the external reference of the last confirmation of hop.
func ConfirmedRef(events []*model.PaymentEvent, hop model.Hop) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Hop == hop && e.Type == model.EventHopConfirmed {
			return e.ExternalRef, true
		}
	}
	return "", false
}

// InFlightRefs returns references submitted for hop that are neither
// confirmed nor retired. A hop_failed carrying a reference retires it and
// every reference submitted before it, since fee-bump replacements share one
// nonce. A hop_failed without a reference retires nothing. Oldest first.
func InFlightRefs(events []*model.PaymentEvent, hop model.Hop) []string {
	if _, ok := ConfirmedRef(events, hop); ok {
		return nil
	}

	refs := []string{}
	for _, e := range events {
		if e.Hop != hop || e.ExternalRef == "" {
			continue
		}
		switch e.Type {
		case model.EventHopFailed:
			refs = refs[:0]
		case model.EventHopSubmitted:
			if !contains(refs, e.ExternalRef) {
				refs = append(refs, e.ExternalRef)
			}
		}
	}
	return refs
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

// Submitted reports whether anything was ever submitted for hop.
func Submitted(events []*model.PaymentEvent, hop model.Hop) bool {
	for _, e := range events {
		if e.Hop == hop && (e.Type == model.EventHopSubmitted || e.Type == model.EventHopConfirmed) {
			return true
		}
	}
	return false
}

// sinceReset drops everything up to and including the last manual action
// that reset hop. A manual action without a hop resets every hop.
func sinceReset(events []*model.PaymentEvent, hop model.Hop) []*model.PaymentEvent {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Type == model.EventManualAction && (e.Hop == hop || e.Hop == "") {
			return events[i+1:]
		}
	}
	return events
}

// FailureCount counts failed attempts at hop since the last manual reset.
func FailureCount(events []*model.PaymentEvent, hop model.Hop) int {
	count := 0
	for _, e := range sinceReset(events, hop) {
		if e.Hop == hop && e.Type == model.EventHopFailed {
			count++
		}
	}
	return count
}

// LastFailure returns the latest failure at hop since the last manual reset,
// unless the hop was confirmed after it.
func LastFailure(events []*model.PaymentEvent, hop model.Hop) *model.PaymentEvent {
	scoped := sinceReset(events, hop)
	for i := len(scoped) - 1; i >= 0; i-- {
		e := scoped[i]
		if e.Hop != hop {
			continue
		}
		switch e.Type {
		case model.EventHopConfirmed:
			return nil
		case model.EventHopFailed:
			return e
		}
	}
	return nil
}

// CountEvents counts events of the given type at hop over the full history.
func CountEvents(events []*model.PaymentEvent, hop model.Hop, eventType model.EventType) int {
	count := 0
	for _, e := range events {
		if e.Hop == hop && e.Type == eventType {
			count++
		}
	}
	return count
}

type FundsLocation string

const (
	FundsNone           FundsLocation = "none"
	FundsBridgeWallet   FundsLocation = "bridge_wallet"
	FundsEscrowContract FundsLocation = "escrow_contract"
	FundsInTransit      FundsLocation = "in_transit"
	FundsRail           FundsLocation = "rail"
	FundsPayee          FundsLocation = "payee"
	FundsRefunded       FundsLocation = "refunded"
)

// LocateFunds derives where a payment's money sits purely from the ledger.
// Any outflow that was submitted but not confirmed counts as in transit.
func LocateFunds(events []*model.PaymentEvent) FundsLocation {
	confirmed := func(hop model.Hop) bool {
		_, ok := ConfirmedRef(events, hop)
		return ok
	}
	inFlight := func(hop model.Hop) bool {
		return len(InFlightRefs(events, hop)) > 0
	}

	switch {
	case confirmed(model.HopRefund):
		return FundsRefunded
	case inFlight(model.HopRefund):
		return FundsInTransit
	case confirmed(model.HopWithdrawal):
		return FundsPayee
	case confirmed(model.HopBridgeTransfer):
		return FundsRail
	case inFlight(model.HopBridgeTransfer):
		return FundsInTransit
	case confirmed(model.HopRelease):
		return FundsBridgeWallet
	case confirmed(model.HopCreateEscrow):
		return FundsEscrowContract
	case inFlight(model.HopCreateEscrow):
		return FundsInTransit
	case confirmed(model.HopFunding):
		return FundsBridgeWallet
	}
	return FundsNone
}

// LastFailureClass is a convenience over LastFailure.
func LastFailureClass(events []*model.PaymentEvent, hop model.Hop) failure.Class {
	if e := LastFailure(events, hop); e != nil {
		return failure.Class(e.FailureClass)
	}
	return ""
}
