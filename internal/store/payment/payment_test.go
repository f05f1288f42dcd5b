package payment_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/store/payment"
	"github.com/dwarvesf/escrow-settlement/internal/store/sqlitetest"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func seedPayment(t *testing.T, db *gorm.DB, s payment.IStore, id string, status model.PaymentStatus) {
	t.Helper()
	_, err := s.Create(db, &model.Payment{
		ID:              id,
		Amount:          decimal.NewFromInt(100),
		Currency:        "USD",
		Status:          status,
		PayerAddress:    "0x01",
		PayeeAddress:    "0x02",
		CustodyDeadline: now.Add(72 * time.Hour),
	})
	require.NoError(t, err)
}

func TestCompareAndSwapStatus(t *testing.T) {
	db := sqlitetest.New(t)
	s := payment.New()
	seedPayment(t, db, s, "p-1", model.PaymentStatusFunded)

	ok, err := s.CompareAndSwapStatus(db, "p-1", model.PaymentStatusFunded, model.PaymentStatusEscrowed, map[string]interface{}{
		"chain_tx_hash": "0xabc",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// stale source status loses
	ok, err = s.CompareAndSwapStatus(db, "p-1", model.PaymentStatusFunded, model.PaymentStatusEscrowed, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := s.GetByID(db, "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusEscrowed, p.Status)
	assert.Equal(t, "0xabc", p.ChainTxHash)
}

func TestClaimLease(t *testing.T) {
	db := sqlitetest.New(t)
	s := payment.New()
	seedPayment(t, db, s, "p-1", model.PaymentStatusReleased)

	ok, err := s.ClaimLease(db, "p-1", model.PaymentStatusReleased, "driver-a", now, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimLease(db, "p-1", model.PaymentStatusReleased, "driver-b", now.Add(time.Minute), now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "lease held by driver-a must not be stolen")

	ok, err = s.ClaimLease(db, "p-1", model.PaymentStatusBridged, "driver-a", now, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "status guard must match")

	require.NoError(t, s.ReleaseLease(db, "p-1", "driver-a"))

	ok, err = s.ClaimLease(db, "p-1", model.PaymentStatusReleased, "driver-b", now.Add(time.Minute), now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// expired leases can be taken over
	ok, err = s.ClaimLease(db, "p-1", model.PaymentStatusReleased, "driver-c", now.Add(20*time.Minute), now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListActionable_SkipsEscalatedAndTerminal(t *testing.T) {
	db := sqlitetest.New(t)
	s := payment.New()
	seedPayment(t, db, s, "p-1", model.PaymentStatusFunded)
	seedPayment(t, db, s, "p-2", model.PaymentStatusCompleted)
	seedPayment(t, db, s, "p-3", model.PaymentStatusBridged)
	seedPayment(t, db, s, "p-4", model.PaymentStatusDisputed)

	require.NoError(t, s.Escalate(db, "p-3", payment.Escalation{Class: "permanent", Hop: "redemption", Reason: "invalid account", At: now}))

	payments, err := s.ListActionable(db, 10)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "p-1", payments[0].ID)

	require.NoError(t, s.ClearEscalation(db, "p-3"))
	payments, err = s.ListActionable(db, 10)
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	counts, err := s.CountByStatus(db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.PaymentStatusCompleted])
	assert.Equal(t, int64(1), counts[model.PaymentStatusDisputed])
}
