package multisigtransaction

import (
	"time"

	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type store struct{}

func New() IStore {
	return &store{}
}

func (s *store) Create(tx *gorm.DB, transaction *model.MultiSigTransaction) (*model.MultiSigTransaction, error) {
	return transaction, tx.Omit("Approvals").Create(transaction).Error
}

func (s *store) GetByID(tx *gorm.DB, id string) (*model.MultiSigTransaction, error) {
	var transaction model.MultiSigTransaction
	err := tx.Preload("Approvals", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("id = ?", id).First(&transaction).Error
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

func (s *store) List(tx *gorm.DB, filter ListFilter) ([]*model.MultiSigTransaction, int64, error) {
	query := tx.Model(&model.MultiSigTransaction{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PaymentID != "" {
		query = query.Where("payment_id = ?", filter.PaymentID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var transactions []*model.MultiSigTransaction
	err := query.Preload("Approvals").Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&transactions).Error
	if err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

func (s *store) LatestByPaymentAndType(tx *gorm.DB, paymentID, txType string) (*model.MultiSigTransaction, error) {
	var transaction model.MultiSigTransaction
	err := tx.Preload("Approvals").
		Where("payment_id = ? AND type = ?", paymentID, txType).
		Order("created_at DESC").
		First(&transaction).Error
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

func (s *store) ListExpiredPending(tx *gorm.DB, now time.Time) ([]*model.MultiSigTransaction, error) {
	var transactions []*model.MultiSigTransaction
	err := tx.Where("status = ? AND expires_at < ?", model.MultiSigStatusPending, now).Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (s *store) CountByStatus(tx *gorm.DB) (map[model.MultiSigStatus]int64, error) {
	var rows []struct {
		Status model.MultiSigStatus
		Count  int64
	}
	err := tx.Model(&model.MultiSigTransaction{}).Select("status, count(*) as count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.MultiSigStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *store) CompareAndSwapStatus(tx *gorm.DB, id string, from, to model.MultiSigStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}

	res := tx.Model(&model.MultiSigTransaction{}).Where("id = ? AND status = ?", id, from).Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) ClaimExecution(tx *gorm.DB, id, holder string, now, until time.Time) (bool, error) {
	res := tx.Model(&model.MultiSigTransaction{}).
		Where("id = ?", id).
		Where("status = ? OR (status = ? AND claimed_until <= ?)", model.MultiSigStatusApproved, model.MultiSigStatusExecuting, now).
		Updates(map[string]interface{}{
			"status":        model.MultiSigStatusExecuting,
			"claimed_by":    holder,
			"claimed_until": until,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) SettleClaim(tx *gorm.DB, id, holder string, status model.MultiSigStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{
		"status":        status,
		"claimed_by":    "",
		"claimed_until": nil,
	}
	for k, v := range updates {
		values[k] = v
	}

	res := tx.Model(&model.MultiSigTransaction{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, model.MultiSigStatusExecuting, holder).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) CreateApproval(tx *gorm.DB, approval *model.MultiSigApproval) (*model.MultiSigApproval, error) {
	return approval, tx.Create(approval).Error
}

func (s *store) HasApproval(tx *gorm.DB, transactionID, signer string) (bool, error) {
	var count int64
	err := tx.Model(&model.MultiSigApproval{}).
		Where("transaction_id = ? AND signer = ?", transactionID, signer).
		Count(&count).Error
	return count > 0, err
}

func (s *store) CountApprovals(tx *gorm.DB, transactionID string) (int64, error) {
	var count int64
	err := tx.Model(&model.MultiSigApproval{}).Where("transaction_id = ?", transactionID).Count(&count).Error
	return count, err
}
