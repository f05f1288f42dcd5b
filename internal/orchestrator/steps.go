package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
)

// step performs the work owed by the payment's current status. It returns
// the hop it was working on, whether the payment moved, and the failure.
func (o *Orchestrator) step(ctx context.Context, p *model.Payment, trig Trigger) (model.Hop, bool, error) {
	switch p.Status {
	case model.PaymentStatusInitiated:
		return o.fund(ctx, p, trig)
	case model.PaymentStatusFunded:
		return o.createEscrow(ctx, p, trig)
	case model.PaymentStatusEscrowed:
		return o.release(ctx, p, trig)
	case model.PaymentStatusReleased:
		return o.bridgeTransfer(ctx, p, trig)
	case model.PaymentStatusBridged:
		return o.redeem(ctx, p, trig)
	case model.PaymentStatusRedeemed:
		return o.confirmWithdrawal(ctx, p, trig)
	}
	return "", false, nil
}

func (o *Orchestrator) chainCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := o.d.Config.Blockchain.ChainCallTimeout; timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) escrowOf(ctx context.Context, paymentID string) (*model.Escrow, error) {
	escrow, err := o.d.Store.Escrow.GetByPaymentID(o.d.DB.WithContext(ctx), paymentID)
	if err != nil {
		return nil, failure.Transient("load escrow", err)
	}
	return escrow, nil
}

// fund waits for the payer's deposit on the rail and opens the escrow
// record together with the funded transition.
func (o *Orchestrator) fund(ctx context.Context, p *model.Payment, trig Trigger) (model.Hop, bool, error) {
	deposit, err := o.d.Rail.GetDeposit(ctx, p.ID)
	if errors.Is(err, rail.ErrNotFound) {
		return model.HopFunding, false, nil
	}
	if err != nil {
		return model.HopFunding, false, o.hopFailed(ctx, p.ID, model.HopFunding, "", "deposit lookup failed", err, trig)
	}
	if deposit.Status != rail.DepositConfirmed {
		return model.HopFunding, false, nil
	}
	if deposit.Amount.LessThan(p.Amount) {
		reason := fmt.Sprintf("deposit %s of %s is below payment amount %s", deposit.ID, deposit.Amount, p.Amount)
		return model.HopFunding, false, o.hopFailed(ctx, p.ID, model.HopFunding, deposit.ID, reason, failure.Permanent(reason, nil), trig)
	}

	custody, release := model.SplitCustody(p.Amount, p.CustodyPercent, consts.CurrencyPrecision(p.Currency, o.d.Config.Blockchain.CurrencyPrecision))
	ok, err := o.transition(ctx, statemachine.Request{
		PaymentID: p.ID,
		From:      model.PaymentStatusInitiated,
		To:        model.PaymentStatusFunded,
		Evidence:  statemachine.Evidence{DepositID: deposit.ID},
		Automatic: trig.Automatic,
		Actor:     trig.Actor,
		Apply: func(tx *gorm.DB) error {
			if _, err := o.d.Store.Escrow.Create(tx, &model.Escrow{
				ID:              uuid.NewString(),
				PaymentID:       p.ID,
				Amount:          p.Amount,
				CustodyPercent:  p.CustodyPercent,
				CustodyAmount:   custody,
				ReleaseAmount:   release,
				CustodyDeadline: p.CustodyDeadline,
				Status:          model.EscrowStatusPending,
			}); err != nil {
				return err
			}
			_, err := o.d.Ledger.Append(tx, ledger.Entry{
				PaymentID:   p.ID,
				Type:        model.EventHopConfirmed,
				Hop:         model.HopFunding,
				Description: fmt.Sprintf("deposit %s confirmed on rail", deposit.ID),
				ExternalRef: deposit.ID,
				Automatic:   trig.Automatic,
				Actor:       trig.Actor,
			})
			return err
		},
	})
	return model.HopFunding, ok, err
}

// hopFailed appends the hop_failed entry for a failed call that no adapter
// recorded, and returns err unchanged. A failed append is returned instead,
// as transient.
func (o *Orchestrator) hopFailed(ctx context.Context, paymentID string, hop model.Hop, ref, reason string, err error, trig Trigger) error {
	_, lerr := o.d.Ledger.Append(o.d.DB.WithContext(context.WithoutCancel(ctx)), ledger.Entry{
		PaymentID:    paymentID,
		Type:         model.EventHopFailed,
		Hop:          hop,
		Description:  fmt.Sprintf("%s: %v", reason, err),
		ExternalRef:  ref,
		FailureClass: failure.Classify(err),
		Automatic:    trig.Automatic,
		Actor:        trig.Actor,
	})
	if lerr != nil {
		return failure.Transient("append ledger entry", lerr)
	}
	return err
}

// createEscrow locks the full payment amount in the escrow contract.
func (o *Orchestrator) createEscrow(ctx context.Context, p *model.Payment, trig Trigger) (model.Hop, bool, error) {
	escrow, err := o.escrowOf(ctx, p.ID)
	if err != nil {
		return model.HopCreateEscrow, false, err
	}

	cctx, cancel := o.chainCtx(ctx)
	defer cancel()

	amount := model.NewWeb3BigIntFromDecimal(p.Amount, o.d.Config.Blockchain.TokenDecimals).BigInt()
	call := trig.call(p.ID)

	err = o.attempt(cctx, p, model.HopApproveAllowance, func(ctx context.Context) error {
		_, err := o.chain.ApproveAllowance(ctx, call.ForHop(model.HopApproveAllowance), o.d.Chain.TokenAddress(), o.d.Chain.EscrowAddress(), amount)
		return err
	})
	if err != nil {
		return model.HopApproveAllowance, false, err
	}

	var (
		escrowID string
		res      *escrowchain.Result
	)
	err = o.attempt(cctx, p, model.HopCreateEscrow, func(ctx context.Context) error {
		var err error
		escrowID, res, err = o.chain.CreateEscrow(ctx, call.ForHop(model.HopCreateEscrow), baserpc.CreateEscrowParams{
			Payer:    p.PayerAddress,
			Payee:    o.d.Chain.BridgeAddress(),
			Token:    o.d.Chain.TokenAddress(),
			Amount:   amount,
			Deadline: p.CustodyDeadline,
			Vertical: o.d.Config.Blockchain.EscrowVertical,
			Metadata: []byte(p.ID),
		})
		return err
	})
	if err != nil {
		return model.HopCreateEscrow, false, err
	}

	ok, err := o.transition(ctx, statemachine.Request{
		PaymentID: p.ID,
		From:      model.PaymentStatusFunded,
		To:        model.PaymentStatusEscrowed,
		Evidence:  statemachine.Evidence{EscrowID: escrowID, TxHash: res.TxHash},
		Automatic: trig.Automatic,
		Actor:     trig.Actor,
		Apply: func(tx *gorm.DB) error {
			return o.d.Store.Escrow.Update(tx, escrow.ID, map[string]interface{}{
				"contract_escrow_id": escrowID,
				"create_tx_hash":     res.TxHash,
				"status":             model.EscrowStatusActive,
			})
		},
	})
	return model.HopCreateEscrow, ok, err
}

// release waits out the custody deadline, then releases the escrow back to
// the bridge wallet.
func (o *Orchestrator) release(ctx context.Context, p *model.Payment, trig Trigger) (model.Hop, bool, error) {
	escrow, err := o.escrowOf(ctx, p.ID)
	if err != nil {
		return model.HopRelease, false, err
	}
	if !escrow.CustodyDeadline.IsZero() && o.d.Now().Before(escrow.CustodyDeadline) {
		return model.HopRelease, false, nil
	}
	if escrow.ContractEscrowID == "" {
		return model.HopRelease, false, failure.Permanent("escrow has no contract id", nil)
	}

	cctx, cancel := o.chainCtx(ctx)
	defer cancel()

	var res *escrowchain.Result
	err = o.attempt(cctx, p, model.HopRelease, func(ctx context.Context) error {
		var err error
		res, err = o.chain.Release(ctx, trig.call(p.ID).ForHop(model.HopRelease), escrow.ContractEscrowID)
		return err
	})
	if err != nil {
		return model.HopRelease, false, err
	}

	ok, err := o.transition(ctx, statemachine.Request{
		PaymentID: p.ID,
		From:      model.PaymentStatusEscrowed,
		To:        model.PaymentStatusReleased,
		Evidence:  statemachine.Evidence{TxHash: res.TxHash},
		Automatic: trig.Automatic,
		Actor:     trig.Actor,
		Apply: func(tx *gorm.DB) error {
			return o.d.Store.Escrow.Update(tx, escrow.ID, map[string]interface{}{
				"release_tx_hash": res.TxHash,
				"status":          model.EscrowStatusReleased,
			})
		},
	})
	return model.HopRelease, ok, err
}

// bridgeTransfer moves the released amount to the rail wallet, through the
// multisig gate when the value calls for it.
func (o *Orchestrator) bridgeTransfer(ctx context.Context, p *model.Payment, trig Trigger) (model.Hop, bool, error) {
	escrow, err := o.escrowOf(ctx, p.ID)
	if err != nil {
		return model.HopBridgeTransfer, false, err
	}

	var txHash string
	if o.gate.RequiresApproval(escrow.ReleaseAmount) {
		hash, ready, err := o.gatedTransfer(ctx, p, escrow, trig)
		if err != nil || !ready {
			return model.HopBridgeTransfer, false, err
		}
		txHash = hash
	} else {
		cctx, cancel := o.chainCtx(ctx)
		defer cancel()

		err = o.attempt(cctx, p, model.HopBridgeTransfer, func(ctx context.Context) error {
			res, err := o.bridge.TransferToRail(ctx, trig.call(p.ID), p, escrow)
			if err != nil {
				return err
			}
			txHash = res.TxHash
			return nil
		})
		if err != nil {
			return model.HopBridgeTransfer, false, err
		}
	}

	ok, err := o.transition(ctx, statemachine.Request{
		PaymentID: p.ID,
		From:      model.PaymentStatusReleased,
		To:        model.PaymentStatusBridged,
		Evidence:  statemachine.Evidence{TxHash: txHash},
		Automatic: trig.Automatic,
		Actor:     trig.Actor,
	})
	return model.HopBridgeTransfer, ok, err
}

// gatedTransfer proposes, waits on, and executes the multisig transaction
// for the bridge transfer. ready is false while signers are still deciding.
func (o *Orchestrator) gatedTransfer(ctx context.Context, p *model.Payment, escrow *model.Escrow, trig Trigger) (string, bool, error) {
	transaction, err := o.gate.LatestForPayment(ctx, p.ID, multisig.TypeBridgeTransfer)
	if errors.Is(err, multisig.ErrNotFound) {
		transaction, err = o.gate.Propose(ctx, multisig.ProposeRequest{
			PaymentID:   p.ID,
			Destination: o.d.Config.Blockchain.RailWalletAddr,
			Value:       escrow.ReleaseAmount,
			Type:        multisig.TypeBridgeTransfer,
			Creator:     consts.ORCHESTRATOR_ACTOR,
			Metadata: map[string]interface{}{
				"escrowId": escrow.ID,
				"currency": p.Currency,
			},
		})
		if err != nil {
			return "", false, failure.Transient("propose bridge transfer", err)
		}
		o.d.Logger.Info("[gatedTransfer][Propose] bridge transfer awaiting signers", map[string]string{
			"paymentId":  p.ID,
			"proposalId": transaction.ID,
		})
	}
	if err != nil {
		return "", false, failure.Transient("load multisig proposal", err)
	}

	switch transaction.Status {
	case model.MultiSigStatusPending:
		return "", false, nil
	case model.MultiSigStatusRejected:
		return "", false, failure.Permanent(
			fmt.Sprintf("bridge transfer proposal %s rejected: %s", transaction.ID, transaction.RejectionReason), nil)
	case model.MultiSigStatusExecuted:
		return transaction.ExecutionTxHash, true, nil
	case model.MultiSigStatusExecuting:
		if transaction.ClaimedUntil != nil && o.d.Now().Before(*transaction.ClaimedUntil) {
			// another executor holds the claim
			return "", false, nil
		}
	}

	cctx, cancel := o.chainCtx(ctx)
	defer cancel()

	var executed *model.MultiSigTransaction
	err = o.attempt(cctx, p, model.HopBridgeTransfer, func(ctx context.Context) error {
		var err error
		executed, err = o.gate.Execute(ctx, transaction.ID, trig.Actor)
		if errors.Is(err, multisig.ErrThresholdNotMet) {
			return failure.Permanent("multisig threshold no longer met", err)
		}
		if errors.Is(err, multisig.ErrExecutionInProgress) {
			return failure.Permanent("bridge transfer execution in progress", err)
		}
		return err
	})
	if errors.Is(err, multisig.ErrExecutionInProgress) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return executed.ExecutionTxHash, true, nil
}

// redeem requests the fiat payouts: primary first, commission strictly
// after it.
func (o *Orchestrator) redeem(ctx context.Context, p *model.Payment, trig Trigger) (model.Hop, bool, error) {
	escrow, err := o.escrowOf(ctx, p.ID)
	if err != nil {
		return model.HopRedemption, false, err
	}
	call := trig.call(p.ID)

	var primaryRef string
	err = o.attempt(ctx, p, model.HopRedemption, func(ctx context.Context) error {
		var err error
		primaryRef, err = o.bridge.RedeemPrimary(ctx, call, p, escrow)
		return err
	})
	if err != nil {
		return model.HopRedemption, false, err
	}

	var commissionRef string
	err = o.attempt(ctx, p, model.HopCommission, func(ctx context.Context) error {
		var err error
		commissionRef, err = o.bridge.RedeemCommission(ctx, call, p, escrow)
		return err
	})
	if err != nil {
		return model.HopCommission, false, err
	}

	var updates map[string]interface{}
	if commissionRef != "" {
		updates = map[string]interface{}{"commission_rail_payment_id": commissionRef}
	}
	ok, err := o.transition(ctx, statemachine.Request{
		PaymentID: p.ID,
		From:      model.PaymentStatusBridged,
		To:        model.PaymentStatusRedeemed,
		Evidence:  statemachine.Evidence{RailPaymentID: primaryRef},
		Automatic: trig.Automatic,
		Actor:     trig.Actor,
		Updates:   updates,
	})
	return model.HopRedemption, ok, err
}

// confirmWithdrawal polls the rail until the bank payouts settle.
func (o *Orchestrator) confirmWithdrawal(ctx context.Context, p *model.Payment, trig Trigger) (model.Hop, bool, error) {
	done, err := o.bridge.ConfirmWithdrawal(ctx, trig.call(p.ID), p)
	if err != nil || !done {
		return model.HopWithdrawal, false, err
	}

	ok, err := o.transition(ctx, statemachine.Request{
		PaymentID: p.ID,
		From:      model.PaymentStatusRedeemed,
		To:        model.PaymentStatusCompleted,
		Evidence:  statemachine.Evidence{RailPaymentID: p.RailPaymentID},
		Automatic: trig.Automatic,
		Actor:     trig.Actor,
		Apply: func(tx *gorm.DB) error {
			escrow, err := o.d.Store.Escrow.GetByPaymentID(tx, p.ID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return o.d.Store.Escrow.Update(tx, escrow.ID, map[string]interface{}{
				"status": model.EscrowStatusCompleted,
			})
		},
	})
	return model.HopWithdrawal, ok, err
}
