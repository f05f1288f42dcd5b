package intake_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc/baserpctest"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/deps/depstest"
	"github.com/dwarvesf/escrow-settlement/internal/intake"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/rail/railtest"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
)

func setup(t *testing.T) (*deps.Deps, *intake.Service) {
	d := depstest.New(t, baserpctest.New(), railtest.New())
	return d, intake.New(d, statemachine.New(d))
}

func validRequest() intake.CreateRequest {
	return intake.CreateRequest{
		ID:                    "pay-1",
		Amount:                decimal.NewFromInt(1000),
		Currency:              "usd",
		PayerAddress:          "0x00000000000000000000000000000000000000f1",
		PayeeAddress:          "0x00000000000000000000000000000000000000f2",
		PayeeBankAccount:      "DE89370400440532013000",
		CustodyPercent:        decimal.NewFromInt(20),
		CustodyDeadline:       depstest.Now.Add(48 * time.Hour),
		CommissionPercent:     decimal.NewFromInt(5),
		CommissionBeneficiary: "agent-1",
		CommissionBankAccount: "DE02120300000000202051",
		Actor:                 "platform",
	}
}

func TestCreate(t *testing.T) {
	_, svc := setup(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusInitiated, p.Status)
	assert.Equal(t, "USD", p.Currency)

	_, err = svc.Create(ctx, validRequest())
	assert.ErrorIs(t, err, intake.ErrAlreadyExists)

	detail, err := svc.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Nil(t, detail.Escrow)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, model.EventManualAction, detail.Events[0].Type)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, intake.ErrPaymentNotFound)
}

func TestCreate_Validation(t *testing.T) {
	_, svc := setup(t)

	tests := []struct {
		name   string
		mutate func(r *intake.CreateRequest)
	}{
		{"zero amount", func(r *intake.CreateRequest) { r.Amount = decimal.Zero }},
		{"bad payer", func(r *intake.CreateRequest) { r.PayerAddress = "alice" }},
		{"custody over 100", func(r *intake.CreateRequest) { r.CustodyPercent = decimal.NewFromInt(101) }},
		{"commission without account", func(r *intake.CreateRequest) { r.CommissionBankAccount = "" }},
		{"deadline in the past", func(r *intake.CreateRequest) { r.CustodyDeadline = depstest.Now.Add(-time.Hour) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, intake.ErrInvalidPayment)
		})
	}
}

func TestCancel(t *testing.T) {
	d, svc := setup(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)

	p, err := svc.Cancel(ctx, "pay-1", "buyer withdrew", "platform")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCancelled, p.Status)
	assert.Equal(t, "buyer withdrew", p.FailureReason)

	_, err = svc.Cancel(ctx, "pay-1", "again", "platform")
	assert.ErrorIs(t, err, intake.ErrNotCancellable)

	// an escrow creation already on chain blocks cancellation
	req := validRequest()
	req.ID = "pay-2"
	_, err = svc.Create(ctx, req)
	require.NoError(t, err)
	require.NoError(t, d.Store.Payment.Update(d.DB, "pay-2", map[string]interface{}{"status": model.PaymentStatusFunded}))
	_, err = d.Ledger.Append(d.DB, ledger.Entry{
		PaymentID:   "pay-2",
		Type:        model.EventHopSubmitted,
		Hop:         model.HopCreateEscrow,
		ExternalRef: "0xabc",
	})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "pay-2", "", "platform")
	assert.ErrorIs(t, err, intake.ErrNotCancellable)
}
