package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type MultiSigStatus string

const (
	MultiSigStatusPending   MultiSigStatus = "PENDING"
	MultiSigStatusApproved  MultiSigStatus = "APPROVED"
	MultiSigStatusExecuting MultiSigStatus = "EXECUTING"
	MultiSigStatusRejected  MultiSigStatus = "REJECTED"
	MultiSigStatusExecuted  MultiSigStatus = "EXECUTED"
)

type MultiSigTransaction struct {
	ID          string          `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	PaymentID   string          `gorm:"column:payment_id;type:varchar(64);index" json:"paymentId,omitempty"`
	Destination string          `gorm:"column:destination;type:varchar(64);not null" json:"destination"`
	Value       decimal.Decimal `gorm:"column:value;type:numeric(36,18);not null" json:"value"`
	Payload     string          `gorm:"column:payload;type:text" json:"payload,omitempty"`
	Type        string          `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Status      MultiSigStatus  `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Creator     string          `gorm:"column:creator;type:varchar(128);not null" json:"creator"`
	Metadata    datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`

	// Threshold is snapshotted at proposal time.
	Threshold     int       `gorm:"column:threshold;not null" json:"threshold"`
	ApprovalCount int       `gorm:"column:approval_count;not null;default:0" json:"approvalCount"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null" json:"expiresAt"`

	RejectedBy      string     `gorm:"column:rejected_by;type:varchar(64)" json:"rejectedBy,omitempty"`
	RejectionReason string     `gorm:"column:rejection_reason;type:text" json:"rejectionReason,omitempty"`
	ExecutedBy      string     `gorm:"column:executed_by;type:varchar(128)" json:"executedBy,omitempty"`
	ExecutionTxHash string     `gorm:"column:execution_tx_hash;type:varchar(80)" json:"executionTxHash,omitempty"`
	ExecutedAt      *time.Time `gorm:"column:executed_at" json:"executedAt,omitempty"`

	// ClaimedBy holds an EXECUTING transaction until ClaimedUntil.
	ClaimedBy    string     `gorm:"column:claimed_by;type:varchar(128)" json:"claimedBy,omitempty"`
	ClaimedUntil *time.Time `gorm:"column:claimed_until" json:"claimedUntil,omitempty"`

	Approvals []MultiSigApproval `gorm:"foreignKey:TransactionID;references:ID" json:"approvals"`

	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (MultiSigTransaction) TableName() string {
	return "multisig_transactions"
}

// MultiSigApproval rows are append-only; (transaction_id, signer) is unique.
type MultiSigApproval struct {
	ID            uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	TransactionID string    `gorm:"column:transaction_id;type:varchar(64);not null;uniqueIndex:idx_multisig_approvals_tx_signer" json:"transactionId"`
	Signer        string    `gorm:"column:signer;type:varchar(64);not null;uniqueIndex:idx_multisig_approvals_tx_signer" json:"signer"`
	Signature     string    `gorm:"column:signature;type:varchar(140);not null" json:"signature"`
	Source        string    `gorm:"column:source;type:varchar(16);not null" json:"source"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"createdAt"`
}

func (MultiSigApproval) TableName() string {
	return "multisig_approvals"
}
