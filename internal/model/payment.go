package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusFunded    PaymentStatus = "funded"
	PaymentStatusEscrowed  PaymentStatus = "escrowed"
	PaymentStatusReleased  PaymentStatus = "released"
	PaymentStatusBridged   PaymentStatus = "bridged"
	PaymentStatusRedeemed  PaymentStatus = "redeemed"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusDisputed  PaymentStatus = "disputed"
)

func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// ActionableStatuses are the statuses the sweep advances.
var ActionableStatuses = []PaymentStatus{
	PaymentStatusInitiated,
	PaymentStatusFunded,
	PaymentStatusEscrowed,
	PaymentStatusReleased,
	PaymentStatusBridged,
	PaymentStatusRedeemed,
}

var AllPaymentStatuses = append(append([]PaymentStatus{}, ActionableStatuses...),
	PaymentStatusCompleted,
	PaymentStatusFailed,
	PaymentStatusCancelled,
	PaymentStatusDisputed,
)

type Payment struct {
	ID       string          `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	Amount   decimal.Decimal `gorm:"column:amount;type:numeric(36,18);not null" json:"amount"`
	Currency string          `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	Status   PaymentStatus   `gorm:"column:status;type:varchar(32);not null;index" json:"status"`

	PayerRef         string `gorm:"column:payer_ref;type:varchar(255)" json:"payerRef"`
	PayeeRef         string `gorm:"column:payee_ref;type:varchar(255)" json:"payeeRef"`
	PayerAddress     string `gorm:"column:payer_address;type:varchar(64);not null" json:"payerAddress"`
	PayeeAddress     string `gorm:"column:payee_address;type:varchar(64);not null" json:"payeeAddress"`
	PayeeBankAccount string `gorm:"column:payee_bank_account;type:varchar(255)" json:"payeeBankAccount"`

	CustodyPercent  decimal.Decimal `gorm:"column:custody_percent;type:numeric(5,2);not null;default:0" json:"custodyPercent"`
	CustodyDeadline time.Time       `gorm:"column:custody_deadline;not null" json:"custodyDeadline"`

	CommissionPercent     decimal.Decimal `gorm:"column:commission_percent;type:numeric(5,2);not null;default:0" json:"commissionPercent"`
	CommissionBeneficiary string          `gorm:"column:commission_beneficiary;type:varchar(255)" json:"commissionBeneficiary,omitempty"`
	CommissionBankAccount string          `gorm:"column:commission_bank_account;type:varchar(255)" json:"commissionBankAccount,omitempty"`

	DepositID               string        `gorm:"column:deposit_id;type:varchar(128)" json:"depositId,omitempty"`
	ChainTxHash             string        `gorm:"column:chain_tx_hash;type:varchar(80)" json:"chainTxHash,omitempty"`
	RailPaymentID           string        `gorm:"column:rail_payment_id;type:varchar(128)" json:"railPaymentId,omitempty"`
	CommissionRailPaymentID string        `gorm:"column:commission_rail_payment_id;type:varchar(128)" json:"commissionRailPaymentId,omitempty"`
	PreDisputeStatus        PaymentStatus `gorm:"column:pre_dispute_status;type:varchar(32)" json:"preDisputeStatus,omitempty"`
	FailureReason           string        `gorm:"column:failure_reason;type:text" json:"failureReason,omitempty"`

	Escalated        bool       `gorm:"column:escalated;not null;default:false;index" json:"escalated"`
	EscalationClass  string     `gorm:"column:escalation_class;type:varchar(32)" json:"escalationClass,omitempty"`
	EscalationHop    string     `gorm:"column:escalation_hop;type:varchar(32)" json:"escalationHop,omitempty"`
	EscalationReason string     `gorm:"column:escalation_reason;type:text" json:"escalationReason,omitempty"`
	EscalatedAt      *time.Time `gorm:"column:escalated_at" json:"escalatedAt,omitempty"`

	LockedBy    string     `gorm:"column:locked_by;type:varchar(128)" json:"-"`
	LockedUntil *time.Time `gorm:"column:locked_until" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) HasCommission() bool {
	return p.CommissionPercent.IsPositive() && p.CommissionBankAccount != ""
}
