package preapproval

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type store struct{}

func New() IStore {
	return &store{}
}

func (s *store) Create(tx *gorm.DB, preApproval *model.PreApproval) (*model.PreApproval, error) {
	return preApproval, tx.Create(preApproval).Error
}

func (s *store) GetByID(tx *gorm.DB, id string) (*model.PreApproval, error) {
	var preApproval model.PreApproval
	err := tx.Where("id = ?", id).First(&preApproval).Error
	if err != nil {
		return nil, err
	}
	return &preApproval, nil
}

func (s *store) ListActiveByPayment(tx *gorm.DB, paymentID string, now time.Time) ([]*model.PreApproval, error) {
	var preApprovals []*model.PreApproval
	err := tx.Where("payment_id = ? AND expires_at > ?", paymentID, now).Order("created_at ASC").Find(&preApprovals).Error
	if err != nil {
		return nil, err
	}
	return preApprovals, nil
}

func (s *store) UpdateSignatures(tx *gorm.DB, id string, signatures map[string]string) error {
	return tx.Model(&model.PreApproval{}).
		Where("id = ?", id).
		Update("signatures", datatypes.NewJSONType(signatures)).Error
}

// DeleteExpired soft-deletes pre-approvals past their expiry.
func (s *store) DeleteExpired(tx *gorm.DB, now time.Time) (int64, error) {
	res := tx.Where("expires_at <= ?", now).Delete(&model.PreApproval{})
	return res.RowsAffected, res.Error
}
