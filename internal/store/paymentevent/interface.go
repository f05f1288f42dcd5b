package paymentevent

import (
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

// IStore is insert and read only. The ledger is never updated or deleted.
type IStore interface {
	Create(tx *gorm.DB, event *model.PaymentEvent) (*model.PaymentEvent, error)
	ListByPayment(tx *gorm.DB, paymentID string) ([]*model.PaymentEvent, error)
	ListByPaymentAndHop(tx *gorm.DB, paymentID string, hop model.Hop) ([]*model.PaymentEvent, error)
	LatestByPayment(tx *gorm.DB, paymentID string) (*model.PaymentEvent, error)
	ListRecent(tx *gorm.DB, types []model.EventType, limit int) ([]*model.PaymentEvent, error)
}
