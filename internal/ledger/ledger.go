// Package ledger is the append-only record of every transition and every
// external-call attempt. It is the source of truth for what happened and is
// never used as a lock.
package ledger

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/store/paymentevent"
)

type Entry struct {
	PaymentID    string
	Type         model.EventType
	Hop          model.Hop
	Description  string
	ExternalRef  string
	FailureClass failure.Class
	Automatic    bool
	Actor        string
}

type IWriter interface {
	Append(tx *gorm.DB, entry Entry) (*model.PaymentEvent, error)
}

type ILedger interface {
	IWriter
	History(tx *gorm.DB, paymentID string) ([]*model.PaymentEvent, error)
	HopHistory(tx *gorm.DB, paymentID string, hop model.Hop) ([]*model.PaymentEvent, error)
}

type Ledger struct {
	events paymentevent.IStore
	now    func() time.Time
}

func New(events paymentevent.IStore, now func() time.Time) *Ledger {
	return &Ledger{events: events, now: now}
}

func (l *Ledger) Append(tx *gorm.DB, entry Entry) (*model.PaymentEvent, error) {
	if entry.PaymentID == "" {
		return nil, errors.New("ledger entry without payment id")
	}
	if entry.Type == "" {
		return nil, errors.New("ledger entry without type")
	}

	event := &model.PaymentEvent{
		PaymentID:    entry.PaymentID,
		Type:         entry.Type,
		Hop:          entry.Hop,
		Description:  entry.Description,
		ExternalRef:  entry.ExternalRef,
		FailureClass: string(entry.FailureClass),
		IsAutomatic:  entry.Automatic,
		Actor:        entry.Actor,
		CreatedAt:    l.now(),
	}

	created, err := l.events.Create(tx, event)
	if err != nil {
		return nil, errors.Wrap(err, "append ledger entry")
	}
	return created, nil
}

func (l *Ledger) History(tx *gorm.DB, paymentID string) ([]*model.PaymentEvent, error) {
	return l.events.ListByPayment(tx, paymentID)
}

func (l *Ledger) HopHistory(tx *gorm.DB, paymentID string, hop model.Hop) ([]*model.PaymentEvent, error) {
	return l.events.ListByPaymentAndHop(tx, paymentID, hop)
}
