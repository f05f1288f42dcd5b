package store

import (
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/store/dispute"
	"github.com/dwarvesf/escrow-settlement/internal/store/escrow"
	"github.com/dwarvesf/escrow-settlement/internal/store/hopclaim"
	"github.com/dwarvesf/escrow-settlement/internal/store/multisigtransaction"
	"github.com/dwarvesf/escrow-settlement/internal/store/payment"
	"github.com/dwarvesf/escrow-settlement/internal/store/paymentevent"
	"github.com/dwarvesf/escrow-settlement/internal/store/preapproval"
)

type Store struct {
	Payment             payment.IStore
	Escrow              escrow.IStore
	PaymentEvent        paymentevent.IStore
	MultiSigTransaction multisigtransaction.IStore
	PreApproval         preapproval.IStore
	Dispute             dispute.IStore
	HopClaim            hopclaim.IStore
}

func New() *Store {
	return &Store{
		Payment:             payment.New(),
		Escrow:              escrow.New(),
		PaymentEvent:        paymentevent.New(),
		MultiSigTransaction: multisigtransaction.New(),
		PreApproval:         preapproval.New(),
		Dispute:             dispute.New(),
		HopClaim:            hopclaim.New(),
	}
}

// Models lists every persisted model, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&model.Payment{},
		&model.Escrow{},
		&model.PaymentEvent{},
		&model.MultiSigTransaction{},
		&model.MultiSigApproval{},
		&model.PreApproval{},
		&model.Dispute{},
		&model.HopClaim{},
	}
}
