package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PreApproval collects signer signatures over a payment id ahead of the
// multisig proposal for that payment.
type PreApproval struct {
	ID         string                                `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	PaymentID  string                                `gorm:"column:payment_id;type:varchar(64);not null;index" json:"paymentId"`
	Signatures datatypes.JSONType[map[string]string] `gorm:"column:signatures" json:"signatures"`
	CreatedBy  string                                `gorm:"column:created_by;type:varchar(128);not null" json:"createdBy"`
	ExpiresAt  time.Time                             `gorm:"column:expires_at;not null;index" json:"expiresAt"`
	CreatedAt  time.Time                             `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt  time.Time                             `gorm:"column:updated_at" json:"updatedAt"`
	DeletedAt  gorm.DeletedAt                        `gorm:"column:deleted_at;index" json:"-"`
}

func (PreApproval) TableName() string {
	return "pre_approvals"
}
