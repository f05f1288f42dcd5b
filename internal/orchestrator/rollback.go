package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
)

var (
	ErrRollbackReasonRequired = errors.New("rollback requires a reason")
	ErrCannotRollback         = errors.New("funds are past the point of compensation")
)

// CanRollback reports whether compensation is still possible for funds at
// loc. Once money reached the rail or is in flight, only a forward retry or
// a forced transition can resolve the payment.
func CanRollback(loc ledger.FundsLocation) bool {
	return loc == ledger.FundsNone || loc == ledger.FundsBridgeWallet
}

// Rollback refunds the payer when the funds sit in the bridge wallet and
// fails the payment. A refund already confirmed or in flight is resumed.
func (o *Orchestrator) Rollback(ctx context.Context, paymentID string, trig Trigger, reason string) (*Result, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrRollbackReasonRequired
	}

	p, err := o.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	res := &Result{PaymentID: paymentID, From: p.Status, To: p.Status, Outcome: OutcomeSkipped, Hop: model.HopRefund}
	if p.Status.IsTerminal() {
		return res, nil
	}

	events, err := o.d.Ledger.History(o.d.DB.WithContext(ctx), paymentID)
	if err != nil {
		return nil, err
	}
	_, refunded := ledger.ConfirmedRef(events, model.HopRefund)
	refunding := refunded || len(ledger.InFlightRefs(events, model.HopRefund)) > 0
	loc := ledger.LocateFunds(events)
	if !refunding && !CanRollback(loc) {
		return nil, errors.Wrapf(ErrCannotRollback, "funds at %s", loc)
	}

	owner, ok, err := o.lease(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "claim lease")
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	defer o.unlease(ctx, paymentID, owner)

	escrow, err := o.d.Store.Escrow.GetByPaymentID(o.d.DB.WithContext(ctx), paymentID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		escrow = nil
	}

	if refunding || loc == ledger.FundsBridgeWallet {
		cctx, cancel := o.chainCtx(ctx)
		defer cancel()

		refund, err := o.bridge.Refund(cctx, trig.call(paymentID), p, escrow)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			o.d.Logger.Error("[Rollback][Refund] refund to payer failed", map[string]string{
				"paymentId": paymentID,
				"error":     err.Error(),
			})
			return res, err
		}
		reason = fmt.Sprintf("%s (refunded in %s)", reason, refund.TxHash)
	}

	ok, err = o.transition(ctx, statemachine.Request{
		PaymentID: paymentID,
		From:      p.Status,
		To:        model.PaymentStatusFailed,
		Evidence:  statemachine.Evidence{Reason: reason},
		Automatic: trig.Automatic,
		Actor:     trig.Actor,
		Updates: map[string]interface{}{
			"escalated":         false,
			"escalation_class":  "",
			"escalation_hop":    "",
			"escalation_reason": "",
			"escalated_at":      nil,
		},
		Apply: func(tx *gorm.DB) error {
			if escrow == nil {
				return nil
			}
			return o.d.Store.Escrow.Update(tx, escrow.ID, map[string]interface{}{
				"status": model.EscrowStatusFailed,
			})
		},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, statemachine.ErrStatusChanged
	}

	res.To = model.PaymentStatusFailed
	res.Outcome = OutcomeAdvanced
	o.d.Logger.Info("[Rollback] payment rolled back", map[string]string{
		"paymentId": paymentID,
		"from":      string(p.Status),
		"funds":     string(loc),
	})
	return res, nil
}
