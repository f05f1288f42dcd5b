package model

import "time"

// HopClaim is held by whoever is currently submitting or awaiting the chain
// call for (payment id, hop). A claim past ExpiresAt may be taken over.
type HopClaim struct {
	PaymentID string    `gorm:"column:payment_id;type:varchar(64);primaryKey" json:"paymentId"`
	Hop       Hop       `gorm:"column:hop;type:varchar(32);primaryKey" json:"hop"`
	Holder    string    `gorm:"column:holder;type:varchar(64);not null" json:"holder"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null" json:"expiresAt"`
}

func (HopClaim) TableName() string {
	return "hop_claims"
}
