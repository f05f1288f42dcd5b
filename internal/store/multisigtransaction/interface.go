package multisigtransaction

import (
	"time"

	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type ListFilter struct {
	Status    model.MultiSigStatus
	PaymentID string
	Limit     int
	Offset    int
}

type IStore interface {
	Create(tx *gorm.DB, transaction *model.MultiSigTransaction) (*model.MultiSigTransaction, error)
	GetByID(tx *gorm.DB, id string) (*model.MultiSigTransaction, error)
	List(tx *gorm.DB, filter ListFilter) ([]*model.MultiSigTransaction, int64, error)
	LatestByPaymentAndType(tx *gorm.DB, paymentID, txType string) (*model.MultiSigTransaction, error)
	ListExpiredPending(tx *gorm.DB, now time.Time) ([]*model.MultiSigTransaction, error)
	CountByStatus(tx *gorm.DB) (map[model.MultiSigStatus]int64, error)

	CompareAndSwapStatus(tx *gorm.DB, id string, from, to model.MultiSigStatus, updates map[string]interface{}) (bool, error)
	// ClaimExecution moves an APPROVED transaction, or an EXECUTING one whose
	// claim lapsed by now, to EXECUTING under holder.
	ClaimExecution(tx *gorm.DB, id, holder string, now, until time.Time) (bool, error)
	// SettleClaim moves an EXECUTING transaction still held by holder to
	// status and clears the claim.
	SettleClaim(tx *gorm.DB, id, holder string, status model.MultiSigStatus, updates map[string]interface{}) (bool, error)

	CreateApproval(tx *gorm.DB, approval *model.MultiSigApproval) (*model.MultiSigApproval, error)
	HasApproval(tx *gorm.DB, transactionID, signer string) (bool, error)
	CountApprovals(tx *gorm.DB, transactionID string) (int64, error)
}
