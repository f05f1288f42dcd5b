package model

import "time"

type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusResolved DisputeStatus = "resolved"
)

type DisputeOutcome string

const (
	DisputeOutcomeRelease DisputeOutcome = "release"
	DisputeOutcomeRefund  DisputeOutcome = "refund"
)

type Dispute struct {
	ID         string         `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	EscrowID   string         `gorm:"column:escrow_id;type:varchar(64);not null;index" json:"escrowId"`
	PaymentID  string         `gorm:"column:payment_id;type:varchar(64);not null;index" json:"paymentId"`
	Status     DisputeStatus  `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Reason     string         `gorm:"column:reason;type:text;not null" json:"reason"`
	AdminNotes string         `gorm:"column:admin_notes;type:text" json:"adminNotes,omitempty"`
	Outcome    DisputeOutcome `gorm:"column:outcome;type:varchar(16)" json:"outcome,omitempty"`
	OpenedBy   string         `gorm:"column:opened_by;type:varchar(128)" json:"openedBy"`
	ResolvedBy string         `gorm:"column:resolved_by;type:varchar(128)" json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time     `gorm:"column:resolved_at" json:"resolvedAt,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt  time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

func (Dispute) TableName() string {
	return "disputes"
}
