package paymentevent

import (
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type store struct{}

func New() IStore {
	return &store{}
}

func (s *store) Create(tx *gorm.DB, event *model.PaymentEvent) (*model.PaymentEvent, error) {
	return event, tx.Create(event).Error
}

func (s *store) ListByPayment(tx *gorm.DB, paymentID string) ([]*model.PaymentEvent, error) {
	var events []*model.PaymentEvent
	err := tx.Where("payment_id = ?", paymentID).Order("id ASC").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *store) ListByPaymentAndHop(tx *gorm.DB, paymentID string, hop model.Hop) ([]*model.PaymentEvent, error) {
	var events []*model.PaymentEvent
	err := tx.Where("payment_id = ? AND hop = ?", paymentID, hop).Order("id ASC").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *store) LatestByPayment(tx *gorm.DB, paymentID string) (*model.PaymentEvent, error) {
	var event model.PaymentEvent
	err := tx.Where("payment_id = ?", paymentID).Order("id DESC").First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *store) ListRecent(tx *gorm.DB, types []model.EventType, limit int) ([]*model.PaymentEvent, error) {
	query := tx.Model(&model.PaymentEvent{})
	if len(types) > 0 {
		query = query.Where("type IN ?", types)
	}

	var events []*model.PaymentEvent
	err := query.Order("id DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
