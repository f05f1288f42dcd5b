// Package bridge moves released funds off-chain: bridge wallet to the rail
// wallet on-chain, then fiat payouts through the rail. Each leg is keyed in
// the ledger by (payment id, hop) and on the rail by a derived idempotency key.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
)

var (
	ErrInsufficientBridgeBalance = errors.New("insufficient bridge wallet balance")
	ErrNothingToRefund           = errors.New("no funds in the bridge wallet for this payment")
)

// IdempotencyKey derives the rail idempotency key for one payout leg.
func IdempotencyKey(paymentID string, leg model.Hop) string {
	sum := sha256.Sum256([]byte(paymentID + ":" + string(leg)))
	return hex.EncodeToString(sum[:])
}

// SplitCommission divides the released amount between the payee and the
// commission beneficiary. Commission rounds down so the payee never loses a
// unit to rounding.
func SplitCommission(amount, percent decimal.Decimal, precision int32) (primary, commission decimal.Decimal) {
	if !percent.IsPositive() {
		return amount, decimal.Zero
	}
	commission = amount.Mul(percent).Div(decimal.NewFromInt(100)).RoundFloor(precision)
	return amount.Sub(commission), commission
}

type IPipeline interface {
	TransferToRail(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (*escrowchain.Result, error)
	Dispatch(ctx context.Context, call escrowchain.Call, destination string, amount decimal.Decimal) (*escrowchain.Result, error)
	RedeemPrimary(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (string, error)
	RedeemCommission(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (string, error)
	ConfirmWithdrawal(ctx context.Context, call escrowchain.Call, payment *model.Payment) (bool, error)
	Refund(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (*escrowchain.Result, error)
}

type Pipeline struct {
	d     *deps.Deps
	chain escrowchain.IAdapter
}

func New(d *deps.Deps, chain escrowchain.IAdapter) *Pipeline {
	return &Pipeline{d: d, chain: chain}
}

func pendingOrDone(events []*model.PaymentEvent, hop model.Hop) bool {
	if _, ok := ledger.ConfirmedRef(events, hop); ok {
		return true
	}
	return len(ledger.InFlightRefs(events, hop)) > 0
}

func (p *Pipeline) tokenAmount(amount decimal.Decimal) *big.Int {
	return model.NewWeb3BigIntFromDecimal(amount, p.d.Config.Blockchain.TokenDecimals).BigInt()
}

func (p *Pipeline) history(ctx context.Context, paymentID string) ([]*model.PaymentEvent, error) {
	events, err := p.d.Ledger.History(p.d.DB.WithContext(ctx), paymentID)
	if err != nil {
		return nil, failure.Transient("read ledger", err)
	}
	return events, nil
}

func (p *Pipeline) record(ctx context.Context, call escrowchain.Call, eventType model.EventType, ref string, class failure.Class, description string) error {
	_, err := p.d.Ledger.Append(p.d.DB.WithContext(context.WithoutCancel(ctx)), ledger.Entry{
		PaymentID:    call.PaymentID,
		Type:         eventType,
		Hop:          call.Hop,
		Description:  description,
		ExternalRef:  ref,
		FailureClass: class,
		Automatic:    call.Automatic,
		Actor:        call.Actor,
	})
	if err != nil {
		return failure.Transient("append ledger entry", err)
	}
	return nil
}

// TransferToRail sends the released amount from the bridge wallet to the
// rail wallet.
func (p *Pipeline) TransferToRail(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (*escrowchain.Result, error) {
	return p.Dispatch(ctx, call.ForHop(model.HopBridgeTransfer), p.d.Config.Blockchain.RailWalletAddr, escrow.ReleaseAmount)
}

// Dispatch transfers amount from the bridge wallet to destination under the
// call's ledger key. A short bridge balance is permanent: retrying cannot
// help until an operator tops the wallet up.
func (p *Pipeline) Dispatch(ctx context.Context, call escrowchain.Call, destination string, amount decimal.Decimal) (*escrowchain.Result, error) {
	tokens := p.tokenAmount(amount)

	events, err := p.d.Ledger.HopHistory(p.d.DB.WithContext(ctx), call.PaymentID, call.Hop)
	if err != nil {
		return nil, failure.Transient("read ledger", err)
	}

	// once broadcast the adapter resumes the hash; the balance has already moved
	if !pendingOrDone(events, call.Hop) {
		balance, err := p.d.Chain.TokenBalanceOf(ctx, p.d.Chain.TokenAddress(), p.d.Chain.BridgeAddress())
		if err != nil {
			return nil, err
		}
		if balance.Cmp(tokens) < 0 {
			reason := fmt.Sprintf("bridge wallet holds %s, transfer needs %s", balance, tokens)
			if err := p.record(ctx, call, model.EventHopFailed, "", failure.ClassPermanent, reason); err != nil {
				return nil, err
			}
			return nil, failure.Permanent(reason, ErrInsufficientBridgeBalance)
		}
	}

	return p.chain.Transfer(ctx, call, p.d.Chain.TokenAddress(), destination, tokens)
}

// RedeemPrimary requests the payee's payout. It returns the rail payout id.
func (p *Pipeline) RedeemPrimary(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (string, error) {
	primary, _ := p.split(payment, escrow)
	return p.payout(ctx, call.ForHop(model.HopRedemption), rail.PayoutRequest{
		Amount:         primary,
		Currency:       payment.Currency,
		Beneficiary:    payment.PayeeRef,
		BankAccount:    payment.PayeeBankAccount,
		Reference:      payment.ID,
		IdempotencyKey: IdempotencyKey(payment.ID, model.HopRedemption),
	})
}

// RedeemCommission requests the commission payout. It must only run after
// the primary payout was accepted; a permanent failure here is partial
// success because the payee has already been paid.
func (p *Pipeline) RedeemCommission(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (string, error) {
	_, commission := p.split(payment, escrow)
	if !payment.HasCommission() || !commission.IsPositive() {
		return "", nil
	}

	events, err := p.history(ctx, payment.ID)
	if err != nil {
		return "", err
	}
	if _, ok := ledger.ConfirmedRef(events, model.HopRedemption); !ok {
		return "", failure.Permanent("commission requested before primary payout", nil)
	}

	id, err := p.payout(ctx, call.ForHop(model.HopCommission), rail.PayoutRequest{
		Amount:         commission,
		Currency:       payment.Currency,
		Beneficiary:    payment.CommissionBeneficiary,
		BankAccount:    payment.CommissionBankAccount,
		Reference:      payment.ID + ":commission",
		IdempotencyKey: IdempotencyKey(payment.ID, model.HopCommission),
	})
	if err != nil && failure.Classify(err) == failure.ClassPermanent {
		return "", failure.Partial("commission payout failed after primary payout", err)
	}
	return id, err
}

func (p *Pipeline) split(payment *model.Payment, escrow *model.Escrow) (primary, commission decimal.Decimal) {
	if !payment.HasCommission() {
		return escrow.ReleaseAmount, decimal.Zero
	}
	precision := consts.CurrencyPrecision(payment.Currency, p.d.Config.Blockchain.CurrencyPrecision)
	return SplitCommission(escrow.ReleaseAmount, payment.CommissionPercent, precision)
}

// payout issues one rail payout. Every attempt writes exactly one ledger
// entry, hop_failed or hop_confirmed. The rail deduplicates on the
// idempotency key so a retried attempt can never pay twice.
func (p *Pipeline) payout(ctx context.Context, call escrowchain.Call, req rail.PayoutRequest) (string, error) {
	events, err := p.history(ctx, call.PaymentID)
	if err != nil {
		return "", err
	}
	if ref, ok := ledger.ConfirmedRef(events, call.Hop); ok {
		return ref, nil
	}

	fields := map[string]string{
		"paymentId":      call.PaymentID,
		"hop":            string(call.Hop),
		"amount":         req.Amount.String(),
		"idempotencyKey": req.IdempotencyKey,
	}

	// a retry may follow a payout the rail accepted before timing out, which
	// already drew down the balance
	if ledger.CountEvents(events, call.Hop, model.EventHopFailed) == 0 {
		if err := p.checkRailCapacity(ctx, req.Amount); err != nil {
			if rerr := p.record(ctx, call, model.EventHopFailed, "", failure.Classify(err), err.Error()); rerr != nil {
				return "", rerr
			}
			return "", err
		}
	}

	payout, err := p.d.Rail.InitiatePayout(ctx, req)
	if err != nil {
		fields["error"] = err.Error()
		p.d.Logger.Error("[payout][InitiatePayout] payout request failed", fields)
		if rerr := p.record(ctx, call, model.EventHopFailed, "", failure.Classify(err), "payout failed: "+err.Error()); rerr != nil {
			return "", rerr
		}
		return "", err
	}

	if payout.Status == rail.PayoutFailed || payout.Status == rail.PayoutReturned {
		reason := fmt.Sprintf("payout %s %s: %s", payout.ID, payout.Status, payout.FailureReason)
		if err := p.record(ctx, call, model.EventHopFailed, "", failure.ClassPermanent, reason); err != nil {
			return "", err
		}
		return "", failure.Permanent(reason, nil)
	}

	if err := p.record(ctx, call, model.EventHopConfirmed, payout.ID, "", fmt.Sprintf("payout %s accepted (%s)", payout.ID, payout.Status)); err != nil {
		return "", err
	}
	fields["payoutId"] = payout.ID
	p.d.Logger.Info("[payout] payout accepted", fields)
	return payout.ID, nil
}

// checkRailCapacity verifies the rail wallet was credited and the payout
// allowance covers amount. Both shortfalls clear on their own.
func (p *Pipeline) checkRailCapacity(ctx context.Context, amount decimal.Decimal) error {
	asset := p.d.Config.Rail.Asset
	balance, err := p.d.Rail.GetBalance(ctx, asset)
	if err != nil {
		return err
	}
	if balance.Available.LessThan(amount) {
		return failure.Transient(fmt.Sprintf("rail balance %s below payout %s", balance.Available, amount), nil)
	}

	allowance, err := p.d.Rail.GetAllowance(ctx, asset)
	if err != nil {
		return err
	}
	if allowance.Remaining.LessThan(amount) {
		return failure.Transient(fmt.Sprintf("rail allowance %s below payout %s", allowance.Remaining, amount), nil)
	}
	return nil
}

// ConfirmWithdrawal checks the bank payouts. It reports true once every leg
// completed. A failed or returned payout is partial success. Entries are
// written only when a leg settles, not on every poll.
func (p *Pipeline) ConfirmWithdrawal(ctx context.Context, call escrowchain.Call, payment *model.Payment) (bool, error) {
	call = call.ForHop(model.HopWithdrawal)

	events, err := p.history(ctx, payment.ID)
	if err != nil {
		return false, err
	}
	if _, ok := ledger.ConfirmedRef(events, model.HopWithdrawal); ok {
		return true, nil
	}

	legs := []model.Hop{model.HopRedemption}
	if _, ok := ledger.ConfirmedRef(events, model.HopCommission); ok {
		legs = append(legs, model.HopCommission)
	}

	primaryID := ""
	for _, leg := range legs {
		payout, err := p.d.Rail.GetPayout(ctx, IdempotencyKey(payment.ID, leg))
		if errors.Is(err, rail.ErrNotFound) {
			// the rail has not indexed the payout yet
			return false, nil
		}
		if err != nil {
			class := failure.Classify(err)
			if rerr := p.record(ctx, call, model.EventHopFailed, "", class, fmt.Sprintf("%s payout lookup failed: %v", leg, err)); rerr != nil {
				return false, rerr
			}
			return false, err
		}
		if leg == model.HopRedemption {
			primaryID = payout.ID
		}

		switch payout.Status {
		case rail.PayoutCompleted:
			continue
		case rail.PayoutFailed, rail.PayoutReturned:
			reason := fmt.Sprintf("%s payout %s %s: %s", leg, payout.ID, payout.Status, payout.FailureReason)
			if last := ledger.LastFailure(events, model.HopWithdrawal); last == nil || last.FailureClass != string(failure.ClassPartial) {
				if err := p.record(ctx, call, model.EventHopFailed, payout.ID, failure.ClassPartial, reason); err != nil {
					return false, err
				}
			}
			return false, failure.Partial(reason, nil)
		default:
			return false, nil
		}
	}

	if err := p.record(ctx, call, model.EventHopConfirmed, primaryID, "", "bank payout settled"); err != nil {
		return false, err
	}
	return true, nil
}

// Refund is the compensating action while funds sit in the bridge wallet:
// the released amount after a release, or the full deposit before escrow.
func (p *Pipeline) Refund(ctx context.Context, call escrowchain.Call, payment *model.Payment, escrow *model.Escrow) (*escrowchain.Result, error) {
	call = call.ForHop(model.HopRefund)

	events, err := p.history(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	// a refund already confirmed or in flight is resumed by the adapter and
	// needs no amount
	amount := new(big.Int)
	if !pendingOrDone(events, model.HopRefund) {
		if ledger.LocateFunds(events) != ledger.FundsBridgeWallet {
			return nil, ErrNothingToRefund
		}
		refundable := payment.Amount
		if _, released := ledger.ConfirmedRef(events, model.HopRelease); released && escrow != nil {
			refundable = escrow.ReleaseAmount
		}
		amount = p.tokenAmount(refundable)
	}

	return p.chain.Transfer(ctx, call, p.d.Chain.TokenAddress(), payment.PayerAddress, amount)
}
