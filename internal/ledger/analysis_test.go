package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/model"
)

func ev(eventType model.EventType, hop model.Hop, ref string, class failure.Class) *model.PaymentEvent {
	return &model.PaymentEvent{PaymentID: "p-1", Type: eventType, Hop: hop, ExternalRef: ref, FailureClass: string(class)}
}

func TestInFlightRefs(t *testing.T) {
	events := []*model.PaymentEvent{
		ev(model.EventHopSubmitted, model.HopRelease, "0xa", ""),
		ev(model.EventHopFailed, model.HopRelease, "0xa", failure.ClassTransient),
		ev(model.EventHopSubmitted, model.HopRelease, "0xb", ""),
		ev(model.EventHopSubmitted, model.HopRelease, "0xc", ""),
		ev(model.EventHopFailed, model.HopRelease, "", failure.ClassStuck),
		ev(model.EventHopSubmitted, model.HopBridgeTransfer, "0xd", ""),
	}

	assert.Equal(t, []string{"0xb", "0xc"}, InFlightRefs(events, model.HopRelease))
	assert.Equal(t, []string{"0xd"}, InFlightRefs(events, model.HopBridgeTransfer))
	assert.Empty(t, InFlightRefs(events, model.HopCreateEscrow))

	// a failure with a reference retires the whole replacement chain
	withBumps := append([]*model.PaymentEvent{}, events...)
	withBumps = append(withBumps, ev(model.EventHopFailed, model.HopRelease, "0xc", failure.ClassPermanent))
	assert.Empty(t, InFlightRefs(withBumps, model.HopRelease))

	events = append(events, ev(model.EventHopConfirmed, model.HopRelease, "0xc", ""))
	assert.Empty(t, InFlightRefs(events, model.HopRelease))
	ref, ok := ConfirmedRef(events, model.HopRelease)
	assert.True(t, ok)
	assert.Equal(t, "0xc", ref)
}

func TestFailureCount_ResetsOnManualAction(t *testing.T) {
	events := []*model.PaymentEvent{
		ev(model.EventHopFailed, model.HopRedemption, "", failure.ClassTransient),
		ev(model.EventHopFailed, model.HopRedemption, "", failure.ClassTransient),
		ev(model.EventHopFailed, model.HopBridgeTransfer, "", failure.ClassTransient),
	}
	assert.Equal(t, 2, FailureCount(events, model.HopRedemption))
	assert.Equal(t, failure.ClassTransient, LastFailureClass(events, model.HopRedemption))

	events = append(events, ev(model.EventManualAction, model.HopRedemption, "", ""))
	assert.Equal(t, 0, FailureCount(events, model.HopRedemption))
	assert.Nil(t, LastFailure(events, model.HopRedemption))
	assert.Equal(t, 1, FailureCount(events, model.HopBridgeTransfer))

	events = append(events, ev(model.EventManualAction, "", "", ""))
	assert.Equal(t, 0, FailureCount(events, model.HopBridgeTransfer))
}

func TestLastFailure_ClearedByConfirmation(t *testing.T) {
	events := []*model.PaymentEvent{
		ev(model.EventHopFailed, model.HopRedemption, "", failure.ClassTransient),
		ev(model.EventHopConfirmed, model.HopRedemption, "payout-1", ""),
	}
	assert.Nil(t, LastFailure(events, model.HopRedemption))
}

func TestLocateFunds(t *testing.T) {
	funded := ev(model.EventHopConfirmed, model.HopFunding, "dep-1", "")
	escrowSubmitted := ev(model.EventHopSubmitted, model.HopCreateEscrow, "0x1", "")
	escrowConfirmed := ev(model.EventHopConfirmed, model.HopCreateEscrow, "0x1", "")
	released := ev(model.EventHopConfirmed, model.HopRelease, "0x2", "")
	bridgeSubmitted := ev(model.EventHopSubmitted, model.HopBridgeTransfer, "0x3", "")
	bridgeConfirmed := ev(model.EventHopConfirmed, model.HopBridgeTransfer, "0x3", "")
	refundConfirmed := ev(model.EventHopConfirmed, model.HopRefund, "0x4", "")

	tests := []struct {
		name     string
		events   []*model.PaymentEvent
		expected FundsLocation
	}{
		{name: "nothing yet", events: nil, expected: FundsNone},
		{name: "funded", events: []*model.PaymentEvent{funded}, expected: FundsBridgeWallet},
		{name: "escrow in flight", events: []*model.PaymentEvent{funded, escrowSubmitted}, expected: FundsInTransit},
		{name: "escrowed", events: []*model.PaymentEvent{funded, escrowSubmitted, escrowConfirmed}, expected: FundsEscrowContract},
		{name: "released", events: []*model.PaymentEvent{funded, escrowConfirmed, released}, expected: FundsBridgeWallet},
		{name: "bridge in flight", events: []*model.PaymentEvent{funded, escrowConfirmed, released, bridgeSubmitted}, expected: FundsInTransit},
		{name: "bridged", events: []*model.PaymentEvent{funded, escrowConfirmed, released, bridgeSubmitted, bridgeConfirmed}, expected: FundsRail},
		{name: "refunded", events: []*model.PaymentEvent{funded, refundConfirmed}, expected: FundsRefunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LocateFunds(tt.events))
		})
	}
}
