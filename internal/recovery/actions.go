package recovery

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/store"
)

func operator(actor string) orchestrator.Trigger {
	return orchestrator.Trigger{Actor: actor, Automatic: false}
}

// resume records the operator's decision, resets the attempt budget of hop
// (every hop when empty), clears the escalation and hands the payment back
// to the orchestrator.
func (c *Console) resume(ctx context.Context, p *model.Payment, hop model.Hop, actor, description string) (*orchestrator.Result, error) {
	err := store.DoInTx(c.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		if _, err := c.d.Ledger.Append(tx, ledger.Entry{
			PaymentID:   p.ID,
			Type:        model.EventManualAction,
			Hop:         hop,
			Description: description,
			Automatic:   false,
			Actor:       actor,
		}); err != nil {
			return err
		}
		return c.d.Store.Payment.ClearEscalation(tx, p.ID)
	})
	if err != nil {
		return nil, err
	}
	c.invalidate()

	c.d.Logger.Info("[resume] operator resumed payment", map[string]string{
		"paymentId": p.ID,
		"hop":       string(hop),
		"actor":     actor,
	})
	return c.orch.Advance(ctx, p.ID, operator(actor))
}

// Recover resumes the saga from the last confirmed hop. Failures that need
// a human judgement go through the hop-specific retries or Rollback.
func (c *Console) Recover(ctx context.Context, paymentID, actor string) (*orchestrator.Result, error) {
	p, err := c.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() || p.Status == model.PaymentStatusDisputed {
		return nil, ErrWrongStatus
	}

	events, err := c.d.Ledger.History(c.d.DB.WithContext(ctx), paymentID)
	if err != nil {
		return nil, err
	}
	assessment := Assess(p, events, c.policy)
	if assessment.FailedHop != "" && !assessment.CanRetry {
		return nil, ErrNotRetryable
	}

	return c.resume(ctx, p, assessment.FailedHop, actor, "recover: resume from last confirmed hop")
}

func (c *Console) Rollback(ctx context.Context, paymentID, actor, reason string) (*orchestrator.Result, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	defer c.invalidate()
	return c.orch.Rollback(ctx, paymentID, operator(actor), reason)
}

// RetryBridge re-drives the bridge transfer, typically after the bridge
// wallet was topped up. A rejected multisig proposal is replaced by a fresh
// one since rejection is terminal.
func (c *Console) RetryBridge(ctx context.Context, paymentID, actor string) (*orchestrator.Result, error) {
	p, err := c.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentStatusReleased {
		return nil, ErrWrongStatus
	}

	description := "retry bridge transfer"
	transaction, err := c.gate.LatestForPayment(ctx, paymentID, multisig.TypeBridgeTransfer)
	if err != nil && !errors.Is(err, multisig.ErrNotFound) {
		return nil, err
	}
	if err == nil && transaction.Status == model.MultiSigStatusRejected {
		proposal, err := c.gate.Propose(ctx, multisig.ProposeRequest{
			PaymentID:   paymentID,
			Destination: transaction.Destination,
			Value:       transaction.Value,
			Type:        multisig.TypeBridgeTransfer,
			Creator:     actor,
			Metadata: map[string]interface{}{
				"replaces": transaction.ID,
			},
		})
		if err != nil {
			return nil, err
		}
		description = fmt.Sprintf("retry bridge transfer, re-proposed as %s", proposal.ID)
	}

	return c.resume(ctx, p, model.HopBridgeTransfer, actor, description)
}

// RetryRedemption re-drives the payout legs. Without force it refuses
// failures classified permanent or partial; force is the operator's
// statement that the payout details were corrected.
func (c *Console) RetryRedemption(ctx context.Context, paymentID, actor string, force bool) (*orchestrator.Result, error) {
	return c.retryHop(ctx, paymentID, actor, force, model.PaymentStatusBridged, model.HopRedemption)
}

// RetryWithdrawal re-polls the rail for the payouts of a redeemed payment.
func (c *Console) RetryWithdrawal(ctx context.Context, paymentID, actor string, force bool) (*orchestrator.Result, error) {
	return c.retryHop(ctx, paymentID, actor, force, model.PaymentStatusRedeemed, model.HopWithdrawal)
}

func (c *Console) retryHop(ctx context.Context, paymentID, actor string, force bool, status model.PaymentStatus, hop model.Hop) (*orchestrator.Result, error) {
	p, err := c.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != status {
		return nil, ErrWrongStatus
	}

	events, err := c.d.Ledger.History(c.d.DB.WithContext(ctx), paymentID)
	if err != nil {
		return nil, err
	}
	assessment := Assess(p, events, c.policy)
	if !force && assessment.FailedHop != "" && !assessment.CanRetry {
		return nil, ErrNotRetryable
	}

	// the failed leg may be the commission rather than the primary payout
	resetHop := hop
	if assessment.FailedHop != "" {
		resetHop = assessment.FailedHop
	}
	description := fmt.Sprintf("retry %s", hop)
	if force {
		description += " (forced)"
	}
	return c.resume(ctx, p, resetHop, actor, description)
}
