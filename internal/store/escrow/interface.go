package escrow

import (
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type IStore interface {
	Create(tx *gorm.DB, escrow *model.Escrow) (*model.Escrow, error)
	GetByID(tx *gorm.DB, id string) (*model.Escrow, error)
	GetByPaymentID(tx *gorm.DB, paymentID string) (*model.Escrow, error)
	Update(tx *gorm.DB, id string, updates map[string]interface{}) error
	CompareAndSwapStatus(tx *gorm.DB, id string, from, to model.EscrowStatus, updates map[string]interface{}) (bool, error)
}
