package dispute

import (
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type IStore interface {
	Create(tx *gorm.DB, dispute *model.Dispute) (*model.Dispute, error)
	GetByID(tx *gorm.DB, id string) (*model.Dispute, error)
	GetOpenByPayment(tx *gorm.DB, paymentID string) (*model.Dispute, error)
	Resolve(tx *gorm.DB, id string, updates map[string]interface{}) (bool, error)
}
