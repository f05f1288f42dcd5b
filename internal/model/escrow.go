package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusActive    EscrowStatus = "active"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusDisputed  EscrowStatus = "disputed"
	EscrowStatusCompleted EscrowStatus = "completed"
	EscrowStatusFailed    EscrowStatus = "failed"
)

// Escrow is the off-chain mirror of the on-chain escrow for one payment.
type Escrow struct {
	ID               string          `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	PaymentID        string          `gorm:"column:payment_id;type:varchar(64);not null;uniqueIndex" json:"paymentId"`
	ContractEscrowID string          `gorm:"column:contract_escrow_id;type:varchar(80)" json:"contractEscrowId,omitempty"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(36,18);not null" json:"amount"`
	CustodyPercent   decimal.Decimal `gorm:"column:custody_percent;type:numeric(5,2);not null" json:"custodyPercent"`
	CustodyAmount    decimal.Decimal `gorm:"column:custody_amount;type:numeric(36,18);not null" json:"custodyAmount"`
	ReleaseAmount    decimal.Decimal `gorm:"column:release_amount;type:numeric(36,18);not null" json:"releaseAmount"`
	CustodyDeadline  time.Time       `gorm:"column:custody_deadline;not null" json:"custodyDeadline"`
	Status           EscrowStatus    `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreateTxHash     string          `gorm:"column:create_tx_hash;type:varchar(80)" json:"createTxHash,omitempty"`
	ReleaseTxHash    string          `gorm:"column:release_tx_hash;type:varchar(80)" json:"releaseTxHash,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt        time.Time       `gorm:"column:updated_at" json:"updatedAt"`
}

func (Escrow) TableName() string {
	return "escrows"
}

// SplitCustody divides amount into the retained custody portion and the
// released portion. Custody is rounded down at the currency precision so the
// two always sum to amount.
func SplitCustody(amount, percent decimal.Decimal, precision int32) (custody, release decimal.Decimal) {
	custody = amount.Mul(percent).Div(decimal.NewFromInt(100)).RoundFloor(precision)
	release = amount.Sub(custody)
	return custody, release
}
