package orchestrator_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc/baserpctest"
	"github.com/dwarvesf/escrow-settlement/internal/bridge"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/deps/depstest"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/rail/railtest"
	"github.com/dwarvesf/escrow-settlement/internal/retry"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
)

type recorder struct {
	mu          sync.Mutex
	transitions []string
	escalations []string
	alerts      []orchestrator.Alert
}

func (r *recorder) RecordTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *recorder) RecordHop(hop, outcome string, duration float64) {}

func (r *recorder) RecordEscalation(class, hop string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalations = append(r.escalations, class+"/"+hop)
}

func (r *recorder) AlertEscalation(ctx context.Context, alert orchestrator.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

type fixture struct {
	d     *deps.Deps
	chain *baserpctest.Chain
	rail  *railtest.Rail
	gate  *multisig.Gate
	orch  *orchestrator.Orchestrator
	rec   *recorder
	keys  []*ecdsa.PrivateKey
}

func setup(t *testing.T) *fixture {
	chain := baserpctest.New()
	chain.Balances[chain.Bridge] = big.NewInt(1_000_000_000_000)
	railFake := railtest.New()
	d := depstest.New(t, chain, railFake)

	keys := make([]*ecdsa.PrivateKey, 3)
	signers := make([]string, 3)
	for i := range keys {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = key
		signers[i] = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}
	d.Config.MultiSig.Signers = signers
	d.Config.MultiSig.Threshold = 2

	adapter := escrowchain.New(d)
	pipeline := bridge.New(d, adapter)
	gate := multisig.New(d, pipeline)
	policy := retry.NewPolicy(d.Config.Retry.MaxAttempts, d.Config.Retry.InitialInterval, d.Config.Retry.MaxInterval)
	rec := &recorder{}

	return &fixture{
		d:     d,
		chain: chain,
		rail:  railFake,
		gate:  gate,
		orch:  orchestrator.New(d, statemachine.New(d), adapter, pipeline, gate, policy, orchestrator.WithMetrics(rec), orchestrator.WithAlerter(rec)),
		rec:   rec,
		keys:  keys,
	}
}

func (f *fixture) seed(t *testing.T, id string, amount int64) *model.Payment {
	t.Helper()
	p := &model.Payment{
		ID:                    id,
		Amount:                decimal.NewFromInt(amount),
		Currency:              "USD",
		Status:                model.PaymentStatusInitiated,
		PayerAddress:          "0x00000000000000000000000000000000000000f1",
		PayeeAddress:          "0x00000000000000000000000000000000000000f2",
		PayeeRef:              "payee-1",
		PayeeBankAccount:      "DE89370400440532013000",
		CustodyPercent:        decimal.NewFromInt(20),
		CustodyDeadline:       depstest.Now.Add(-time.Hour),
		CommissionPercent:     decimal.NewFromInt(5),
		CommissionBeneficiary: "agent-1",
		CommissionBankAccount: "DE02120300000000202051",
	}
	_, err := f.d.Store.Payment.Create(f.d.DB, p)
	require.NoError(t, err)

	f.rail.Deposits[id] = &rail.Deposit{
		ID:        "dep-" + id,
		Reference: id,
		Amount:    p.Amount,
		Currency:  "USD",
		Status:    rail.DepositConfirmed,
	}
	return p
}

func (f *fixture) payment(t *testing.T, id string) *model.Payment {
	t.Helper()
	p, err := f.d.Store.Payment.GetByID(f.d.DB, id)
	require.NoError(t, err)
	return p
}

func (f *fixture) events(t *testing.T, id string) []*model.PaymentEvent {
	t.Helper()
	events, err := f.d.Ledger.History(f.d.DB, id)
	require.NoError(t, err)
	return events
}

func (f *fixture) settlePayouts(id string) {
	f.rail.SetPayoutStatus(bridge.IdempotencyKey(id, model.HopRedemption), rail.PayoutCompleted)
	f.rail.SetPayoutStatus(bridge.IdempotencyKey(id, model.HopCommission), rail.PayoutCompleted)
}

func TestAdvance_HappyPath(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "pay-1", 10000)

	res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, model.PaymentStatusRedeemed, res.To)

	escrow, err := f.d.Store.Escrow.GetByPaymentID(f.d.DB, "pay-1")
	require.NoError(t, err)
	assert.True(t, escrow.CustodyAmount.Equal(decimal.NewFromInt(2000)))
	assert.True(t, escrow.ReleaseAmount.Equal(decimal.NewFromInt(8000)))
	assert.True(t, escrow.CustodyAmount.Add(escrow.ReleaseAmount).Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, model.EscrowStatusReleased, escrow.Status)
	assert.Equal(t, "1", escrow.ContractEscrowID)

	transfers := f.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, f.d.Config.Blockchain.RailWalletAddr, transfers[0].To)
	assert.Equal(t, "8000000000", transfers[0].Amount.String())

	primary, ok := f.rail.Payout(bridge.IdempotencyKey("pay-1", model.HopRedemption))
	require.True(t, ok)
	assert.True(t, primary.Amount.Equal(decimal.NewFromInt(7600)))
	commission, ok := f.rail.Payout(bridge.IdempotencyKey("pay-1", model.HopCommission))
	require.True(t, ok)
	assert.True(t, commission.Amount.Equal(decimal.NewFromInt(400)))

	// payouts still pending at the bank
	res, err = f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeWaiting, res.Outcome)

	f.settlePayouts("pay-1")
	res, err = f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAdvanced, res.Outcome)

	p := f.payment(t, "pay-1")
	assert.Equal(t, model.PaymentStatusCompleted, p.Status)
	assert.Equal(t, primary.ID, p.RailPaymentID)
	assert.Equal(t, commission.ID, p.CommissionRailPaymentID)
	assert.Empty(t, p.LockedBy)

	escrow, err = f.d.Store.Escrow.GetByPaymentID(f.d.DB, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusCompleted, escrow.Status)

	events := f.events(t, "pay-1")
	assert.Equal(t, ledger.FundsPayee, ledger.LocateFunds(events))
	assert.Equal(t, 6, ledger.CountEvents(events, "", model.EventStatusTransition))
	assert.Len(t, f.rec.transitions, 6)
	assert.Empty(t, f.rec.escalations)
}

func TestAdvance_SplitsAtPaymentCurrencyPrecision(t *testing.T) {
	f := setup(t)
	f.seed(t, "pay-jpy", 10001)
	require.NoError(t, f.d.Store.Payment.Update(f.d.DB, "pay-jpy", map[string]interface{}{
		"currency":        "JPY",
		"custody_percent": decimal.NewFromInt(33),
	}))

	res, err := f.orch.Advance(context.Background(), "pay-jpy", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRedeemed, res.To)

	escrow, err := f.d.Store.Escrow.GetByPaymentID(f.d.DB, "pay-jpy")
	require.NoError(t, err)
	assert.True(t, escrow.CustodyAmount.Equal(decimal.NewFromInt(3300)), escrow.CustodyAmount.String())
	assert.True(t, escrow.ReleaseAmount.Equal(decimal.NewFromInt(6701)), escrow.ReleaseAmount.String())

	primary, ok := f.rail.Payout(bridge.IdempotencyKey("pay-jpy", model.HopRedemption))
	require.True(t, ok)
	assert.True(t, primary.Amount.Equal(decimal.NewFromInt(6366)), primary.Amount.String())
	commission, ok := f.rail.Payout(bridge.IdempotencyKey("pay-jpy", model.HopCommission))
	require.True(t, ok)
	assert.True(t, commission.Amount.Equal(decimal.NewFromInt(335)), commission.Amount.String())
}

func TestAdvance_WaitsForDepositAndDeadline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "pay-1", 100)
	f.rail.Deposits["pay-1"].Status = rail.DepositPending

	res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeWaiting, res.Outcome)
	assert.Equal(t, model.PaymentStatusInitiated, res.To)

	f.rail.Deposits["pay-1"].Status = rail.DepositConfirmed
	require.NoError(t, f.d.Store.Payment.Update(f.d.DB, "pay-1", map[string]interface{}{
		"custody_deadline": depstest.Now.Add(time.Hour),
	}))

	res, err = f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAdvanced, res.Outcome)
	assert.Equal(t, model.PaymentStatusEscrowed, res.To, "release waits for the custody deadline")
	assert.Equal(t, 0, f.chain.Submissions(baserpctest.OpRelease))
}

func TestAdvance_UnderfundedDepositEscalates(t *testing.T) {
	f := setup(t)
	f.seed(t, "pay-1", 100)
	f.rail.Deposits["pay-1"].Amount = decimal.NewFromInt(99)

	res, err := f.orch.Advance(context.Background(), "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)

	p := f.payment(t, "pay-1")
	assert.True(t, p.Escalated)
	assert.Equal(t, string(failure.ClassPermanent), p.EscalationClass)
	assert.Equal(t, string(model.HopFunding), p.EscalationHop)
	require.Len(t, f.rec.alerts, 1)
	assert.Equal(t, "pay-1", f.rec.alerts[0].PaymentID)

	// escalated payments are left alone
	res, err = f.orch.Advance(context.Background(), "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSkipped, res.Outcome)
}

func TestAdvance_RedemptionFailureAfterBridgeIsPartial(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "pay-1", 10000)

	key := bridge.IdempotencyKey("pay-1", model.HopRedemption)
	f.rail.PayoutErrs[key] = []error{
		failure.Transient("rail unavailable", errors.New("502")),
		failure.Transient("rail unavailable", errors.New("504")),
		failure.Permanent("invalid account", &rail.Error{StatusCode: 422, Code: "invalid_account"}),
	}

	res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, model.HopRedemption, res.Hop)

	p := f.payment(t, "pay-1")
	assert.Equal(t, model.PaymentStatusBridged, p.Status)
	assert.True(t, p.Escalated)
	assert.Equal(t, string(failure.ClassPartial), p.EscalationClass)

	events := f.events(t, "pay-1")
	assert.Equal(t, 1, ledger.CountEvents(events, model.HopBridgeTransfer, model.EventHopConfirmed))
	assert.Equal(t, 3, ledger.CountEvents(events, model.HopRedemption, model.EventHopFailed))
	assert.Equal(t, ledger.FundsRail, ledger.LocateFunds(events))
	assert.Equal(t, 0, f.rail.Payouts(key))

	_, err = f.orch.Rollback(ctx, "pay-1", orchestrator.Trigger{Actor: "ops"}, "payee gone")
	assert.ErrorIs(t, err, orchestrator.ErrCannotRollback)
}

func TestAdvance_TransientExhaustionStaysRetryable(t *testing.T) {
	f := setup(t)
	f.seed(t, "pay-1", 10000)

	key := bridge.IdempotencyKey("pay-1", model.HopRedemption)
	for i := 0; i < 3; i++ {
		f.rail.PayoutErrs[key] = append(f.rail.PayoutErrs[key], failure.Transient("rail unavailable", errors.New("503")))
	}

	res, err := f.orch.Advance(context.Background(), "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)

	p := f.payment(t, "pay-1")
	assert.Equal(t, string(failure.ClassTransient), p.EscalationClass)
	assert.Contains(t, p.EscalationReason, "retry budget exhausted")
}

func TestAdvance_FailingRailLookupsAreRecordedAndEscalate(t *testing.T) {
	tests := []struct {
		name   string
		hop    model.Hop
		status model.PaymentStatus
		key    func(id string) string
	}{
		{
			name:   "deposit",
			hop:    model.HopFunding,
			status: model.PaymentStatusInitiated,
			key:    func(id string) string { return id },
		},
		{
			name:   "withdrawal",
			hop:    model.HopWithdrawal,
			status: model.PaymentStatusRedeemed,
			key:    func(id string) string { return bridge.IdempotencyKey(id, model.HopRedemption) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			f.seed(t, "pay-1", 10000)
			if tt.status == model.PaymentStatusRedeemed {
				res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
				require.NoError(t, err)
				require.Equal(t, model.PaymentStatusRedeemed, res.To)
			}

			budget := f.d.Config.Retry.MaxAttempts
			lookupErrs := make([]error, budget)
			for i := range lookupErrs {
				lookupErrs[i] = errors.New("rail: connection reset by peer")
			}
			f.rail.LookupErrs[tt.key("pay-1")] = lookupErrs

			for i := 1; i < budget; i++ {
				res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
				require.NoError(t, err)
				assert.Equal(t, orchestrator.OutcomeFailed, res.Outcome)
				assert.Equal(t, tt.hop, res.Hop)

				events := f.events(t, "pay-1")
				assert.Equal(t, i, ledger.FailureCount(events, tt.hop))
				assert.Equal(t, failure.ClassTransient, ledger.LastFailureClass(events, tt.hop))
			}

			res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
			require.NoError(t, err)
			assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)

			p := f.payment(t, "pay-1")
			assert.Equal(t, tt.status, p.Status)
			assert.True(t, p.Escalated)
			assert.Equal(t, string(tt.hop), p.EscalationHop)
			assert.Contains(t, p.EscalationReason, "retry budget exhausted")
			assert.Equal(t, budget, ledger.FailureCount(f.events(t, "pay-1"), tt.hop))
		})
	}
}

func TestAdvance_ConcurrentDriversTransferOnce(t *testing.T) {
	f := setup(t)
	f.seed(t, "pay-1", 10000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Advance(context.Background(), "pay-1", orchestrator.Scheduled)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.chain.Submissions(baserpctest.OpCreateEscrow))
	assert.Equal(t, 1, f.chain.Submissions(baserpctest.OpRelease))
	assert.Len(t, f.chain.Transfers(), 1)
	assert.Equal(t, 1, f.rail.Payouts(bridge.IdempotencyKey("pay-1", model.HopRedemption)))
	assert.Equal(t, model.PaymentStatusRedeemed, f.payment(t, "pay-1").Status)
}

func TestAdvance_HighValueTransferWaitsForSigners(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "pay-1", 100000)

	res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusReleased, res.To)
	assert.Empty(t, f.chain.Transfers())

	proposal, err := f.gate.LatestForPayment(ctx, "pay-1", multisig.TypeBridgeTransfer)
	require.NoError(t, err)
	assert.Equal(t, model.MultiSigStatusPending, proposal.Status)
	assert.True(t, proposal.Value.Equal(decimal.NewFromInt(80000)))

	res, err = f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeWaiting, res.Outcome)

	for _, key := range f.keys[:2] {
		sig, err := multisig.Sign(key, multisig.ApprovalMessage(proposal.ID))
		require.NoError(t, err)
		_, err = f.gate.Approve(ctx, proposal.ID, crypto.PubkeyToAddress(key.PublicKey).Hex(), sig)
		require.NoError(t, err)
	}

	res, err = f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRedeemed, res.To)

	proposal, err = f.gate.Get(ctx, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MultiSigStatusExecuted, proposal.Status)
	require.Len(t, f.chain.Transfers(), 1)
	assert.Equal(t, "80000000000", f.chain.Transfers()[0].Amount.String())
	assert.Equal(t, proposal.ExecutionTxHash, f.payment(t, "pay-1").ChainTxHash)
}

func TestAdvance_RejectedProposalEscalates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "pay-1", 100000)

	_, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	proposal, err := f.gate.LatestForPayment(ctx, "pay-1", multisig.TypeBridgeTransfer)
	require.NoError(t, err)

	sig, err := multisig.Sign(f.keys[0], multisig.RejectionMessage(proposal.ID))
	require.NoError(t, err)
	_, err = f.gate.Reject(ctx, proposal.ID, crypto.PubkeyToAddress(f.keys[0].PublicKey).Hex(), sig, "wrong beneficiary")
	require.NoError(t, err)

	res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)

	p := f.payment(t, "pay-1")
	assert.Equal(t, string(failure.ClassPermanent), p.EscalationClass)
	assert.Equal(t, string(model.HopBridgeTransfer), p.EscalationHop)
	assert.Empty(t, f.chain.Transfers())
}

func TestRollback_RefundsFromBridgeWallet(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seed(t, "pay-1", 10000)
	f.chain.Balances[f.chain.Bridge] = big.NewInt(1)

	res, err := f.orch.Advance(ctx, "pay-1", orchestrator.Scheduled)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeEscalated, res.Outcome)
	assert.Equal(t, model.HopBridgeTransfer, res.Hop)
	assert.Empty(t, f.chain.Transfers(), "insufficient bridge balance must not be retried")

	_, err = f.orch.Rollback(ctx, "pay-1", orchestrator.Trigger{Actor: "ops"}, "")
	assert.ErrorIs(t, err, orchestrator.ErrRollbackReasonRequired)

	res, err = f.orch.Rollback(ctx, "pay-1", orchestrator.Trigger{Actor: "ops"}, "bridge wallet drained")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, res.To)

	transfers := f.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "0x00000000000000000000000000000000000000f1", transfers[0].To)
	assert.Equal(t, "8000000000", transfers[0].Amount.String())

	p := f.payment(t, "pay-1")
	assert.Equal(t, model.PaymentStatusFailed, p.Status)
	assert.False(t, p.Escalated)
	assert.Contains(t, p.FailureReason, "bridge wallet drained")

	escrow, err := f.d.Store.Escrow.GetByPaymentID(f.d.DB, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusFailed, escrow.Status)
	assert.Equal(t, ledger.FundsRefunded, ledger.LocateFunds(f.events(t, "pay-1")))
}

func TestSweep(t *testing.T) {
	f := setup(t)
	f.seed(t, "pay-1", 10000)
	f.seed(t, "pay-2", 500)
	f.rail.Deposits["pay-2"].Status = rail.DepositPending

	report, err := f.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Advanced)
	assert.Equal(t, 1, report.Waiting)
}
