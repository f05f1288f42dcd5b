package ledger_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/store/paymentevent"
	"github.com/dwarvesf/escrow-settlement/internal/store/sqlitetest"
)

func TestLedger_AppendAndHistory(t *testing.T) {
	db := sqlitetest.New(t)
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	l := ledger.New(paymentevent.New(), func() time.Time { return now })

	_, err := l.Append(db, ledger.Entry{PaymentID: "p-1", Type: model.EventHopSubmitted, Hop: model.HopRelease, ExternalRef: "0xa", Description: "submitted", Automatic: true})
	require.NoError(t, err)
	_, err = l.Append(db, ledger.Entry{PaymentID: "p-1", Type: model.EventHopConfirmed, Hop: model.HopRelease, ExternalRef: "0xa", Description: "confirmed", Automatic: true})
	require.NoError(t, err)
	_, err = l.Append(db, ledger.Entry{PaymentID: "p-2", Type: model.EventStatusTransition, Description: "funded -> escrowed"})
	require.NoError(t, err)

	history, err := l.History(db, "p-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.EventHopSubmitted, history[0].Type)
	assert.Equal(t, now, history[0].CreatedAt.UTC())
	assert.True(t, history[0].IsAutomatic)

	hop, err := l.HopHistory(db, "p-1", model.HopRelease)
	require.NoError(t, err)
	assert.Len(t, hop, 2)
}

func TestLedger_RejectsIncompleteEntries(t *testing.T) {
	db := sqlitetest.New(t)
	l := ledger.New(paymentevent.New(), time.Now)

	_, err := l.Append(db, ledger.Entry{Type: model.EventDispute})
	assert.Error(t, err)
	_, err = l.Append(db, ledger.Entry{PaymentID: "p-1"})
	assert.Error(t, err)
}

func TestLedger_ConcurrentWriters(t *testing.T) {
	db := sqlitetest.New(t)
	l := ledger.New(paymentevent.New(), time.Now)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(db, ledger.Entry{PaymentID: "p-1", Type: model.EventHopFailed, Hop: model.HopRedemption, Description: "timeout"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := l.History(db, "p-1")
	require.NoError(t, err)
	assert.Len(t, history, 20)
}
