package dispute

import (
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type store struct{}

func New() IStore {
	return &store{}
}

func (s *store) Create(tx *gorm.DB, dispute *model.Dispute) (*model.Dispute, error) {
	return dispute, tx.Create(dispute).Error
}

func (s *store) GetByID(tx *gorm.DB, id string) (*model.Dispute, error) {
	var dispute model.Dispute
	err := tx.Where("id = ?", id).First(&dispute).Error
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

func (s *store) GetOpenByPayment(tx *gorm.DB, paymentID string) (*model.Dispute, error) {
	var dispute model.Dispute
	err := tx.Where("payment_id = ? AND status = ?", paymentID, model.DisputeStatusOpen).First(&dispute).Error
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// Resolve closes an open dispute. It reports false when the dispute was
// already resolved.
func (s *store) Resolve(tx *gorm.DB, id string, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": model.DisputeStatusResolved}
	for k, v := range updates {
		values[k] = v
	}

	res := tx.Model(&model.Dispute{}).Where("id = ? AND status = ?", id, model.DisputeStatusOpen).Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
