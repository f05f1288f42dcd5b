package payment

import (
	"time"

	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type store struct{}

func New() IStore {
	return &store{}
}

func (s *store) Create(tx *gorm.DB, payment *model.Payment) (*model.Payment, error) {
	return payment, tx.Create(payment).Error
}

func (s *store) GetByID(tx *gorm.DB, id string) (*model.Payment, error) {
	var payment model.Payment
	err := tx.Where("id = ?", id).First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *store) List(tx *gorm.DB, filter ListFilter) ([]*model.Payment, int64, error) {
	query := tx.Model(&model.Payment{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Escalated != nil {
		query = query.Where("escalated = ?", *filter.Escalated)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var payments []*model.Payment
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&payments).Error
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

func (s *store) ListActionable(tx *gorm.DB, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := tx.Where("status IN ? AND escalated = ?", model.ActionableStatuses, false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *store) ListActionableAfter(tx *gorm.DB, afterID string, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := tx.Where("status IN ? AND escalated = ? AND id > ?", model.ActionableStatuses, false, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *store) CountByStatus(tx *gorm.DB) (map[model.PaymentStatus]int64, error) {
	var rows []struct {
		Status model.PaymentStatus
		Count  int64
	}
	err := tx.Model(&model.Payment{}).Select("status, count(*) as count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.PaymentStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *store) CompareAndSwapStatus(tx *gorm.DB, id string, from, to model.PaymentStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{}
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to

	res := tx.Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) Update(tx *gorm.DB, id string, updates map[string]interface{}) error {
	return tx.Model(&model.Payment{}).Where("id = ?", id).Updates(updates).Error
}

func (s *store) ClaimLease(tx *gorm.DB, id string, status model.PaymentStatus, owner string, now, until time.Time) (bool, error) {
	res := tx.Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, status).
		Where("locked_until IS NULL OR locked_until < ? OR locked_by = ?", now, owner).
		Updates(map[string]interface{}{
			"locked_by":    owner,
			"locked_until": until,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) ReleaseLease(tx *gorm.DB, id, owner string) error {
	return tx.Model(&model.Payment{}).
		Where("id = ? AND locked_by = ?", id, owner).
		Updates(map[string]interface{}{
			"locked_by":    "",
			"locked_until": nil,
		}).Error
}

func (s *store) Escalate(tx *gorm.DB, id string, escalation Escalation) error {
	return tx.Model(&model.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"escalated":         true,
			"escalation_class":  escalation.Class,
			"escalation_hop":    escalation.Hop,
			"escalation_reason": escalation.Reason,
			"escalated_at":      escalation.At,
		}).Error
}

func (s *store) ClearEscalation(tx *gorm.DB, id string) error {
	return tx.Model(&model.Payment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"escalated":         false,
			"escalation_class":  "",
			"escalation_hop":    "",
			"escalation_reason": "",
			"escalated_at":      nil,
		}).Error
}
