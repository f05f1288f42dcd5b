package preapproval

import (
	"time"

	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type IStore interface {
	Create(tx *gorm.DB, preApproval *model.PreApproval) (*model.PreApproval, error)
	GetByID(tx *gorm.DB, id string) (*model.PreApproval, error)
	ListActiveByPayment(tx *gorm.DB, paymentID string, now time.Time) ([]*model.PreApproval, error)
	UpdateSignatures(tx *gorm.DB, id string, signatures map[string]string) error
	DeleteExpired(tx *gorm.DB, now time.Time) (int64, error)
}
