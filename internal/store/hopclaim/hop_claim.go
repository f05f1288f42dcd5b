package hopclaim

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type store struct{}

func New() IStore {
	return &store{}
}

func (s *store) Acquire(tx *gorm.DB, claim *model.HopClaim, now time.Time) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_id"}, {Name: "hop"}},
		DoUpdates: clause.AssignmentColumns([]string{"holder", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lte{Column: clause.Column{Table: claim.TableName(), Name: "expires_at"}, Value: now},
		}},
	}).Create(claim)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) Release(tx *gorm.DB, paymentID string, hop model.Hop, holder string) error {
	return tx.Where("payment_id = ? AND hop = ? AND holder = ?", paymentID, hop, holder).
		Delete(&model.HopClaim{}).Error
}

func (s *store) Get(tx *gorm.DB, paymentID string, hop model.Hop) (*model.HopClaim, error) {
	var claim model.HopClaim
	err := tx.Where("payment_id = ? AND hop = ?", paymentID, hop).First(&claim).Error
	if err != nil {
		return nil, err
	}
	return &claim, nil
}
