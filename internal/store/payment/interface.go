package payment

import (
	"time"

	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type ListFilter struct {
	Statuses  []model.PaymentStatus
	Escalated *bool
	Limit     int
	Offset    int
}

type IStore interface {
	Create(tx *gorm.DB, payment *model.Payment) (*model.Payment, error)
	GetByID(tx *gorm.DB, id string) (*model.Payment, error)
	List(tx *gorm.DB, filter ListFilter) ([]*model.Payment, int64, error)
	ListActionable(tx *gorm.DB, limit int) ([]*model.Payment, error)
	// ListActionableAfter pages through non-escalated actionable payments by
	// id, starting after afterID. Rows escalated between pages do not shift
	// the next page.
	ListActionableAfter(tx *gorm.DB, afterID string, limit int) ([]*model.Payment, error)
	CountByStatus(tx *gorm.DB) (map[model.PaymentStatus]int64, error)

	// CompareAndSwapStatus moves id from -> to only if the row is still at
	// from. It reports whether this caller won.
	CompareAndSwapStatus(tx *gorm.DB, id string, from, to model.PaymentStatus, updates map[string]interface{}) (bool, error)
	Update(tx *gorm.DB, id string, updates map[string]interface{}) error

	ClaimLease(tx *gorm.DB, id string, status model.PaymentStatus, owner string, now, until time.Time) (bool, error)
	ReleaseLease(tx *gorm.DB, id, owner string) error

	Escalate(tx *gorm.DB, id string, escalation Escalation) error
	ClearEscalation(tx *gorm.DB, id string) error
}

type Escalation struct {
	Class  string
	Hop    string
	Reason string
	At     time.Time
}
