package escrow

import (
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type store struct{}

func New() IStore {
	return &store{}
}

func (s *store) Create(tx *gorm.DB, escrow *model.Escrow) (*model.Escrow, error) {
	return escrow, tx.Create(escrow).Error
}

func (s *store) GetByID(tx *gorm.DB, id string) (*model.Escrow, error) {
	var escrow model.Escrow
	err := tx.Where("id = ?", id).First(&escrow).Error
	if err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (s *store) GetByPaymentID(tx *gorm.DB, paymentID string) (*model.Escrow, error) {
	var escrow model.Escrow
	err := tx.Where("payment_id = ?", paymentID).First(&escrow).Error
	if err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (s *store) Update(tx *gorm.DB, id string, updates map[string]interface{}) error {
	return tx.Model(&model.Escrow{}).Where("id = ?", id).Updates(updates).Error
}

func (s *store) CompareAndSwapStatus(tx *gorm.DB, id string, from, to model.EscrowStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}

	res := tx.Model(&model.Escrow{}).Where("id = ? AND status = ?", id, from).Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
