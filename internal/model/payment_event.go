package model

import "time"

type EventType string

const (
	EventStatusTransition EventType = "status_transition"
	EventForceTransition  EventType = "force_transition"
	EventHopSubmitted     EventType = "hop_submitted"
	EventHopConfirmed     EventType = "hop_confirmed"
	EventHopFailed        EventType = "hop_failed"
	EventEscalated        EventType = "escalated"
	EventManualAction     EventType = "manual_action"
	EventMultiSig         EventType = "multisig"
	EventDispute          EventType = "dispute"
)

type Hop string

const (
	HopFunding          Hop = "funding"
	HopApproveAllowance Hop = "approve_allowance"
	HopCreateEscrow     Hop = "create_escrow"
	HopRelease          Hop = "release"
	HopBridgeTransfer   Hop = "bridge_transfer"
	HopRedemption       Hop = "redemption"
	HopCommission       Hop = "commission"
	HopWithdrawal       Hop = "withdrawal"
	HopRefund           Hop = "refund"
	HopMultiSigTransfer Hop = "multisig_transfer"
)

// PaymentEvent is one append-only ledger row. PaymentID holds the payment id, or
// the multisig transaction id for transfers not tied to a payment.
type PaymentEvent struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PaymentID    string    `gorm:"column:payment_id;type:varchar(64);not null;index:idx_payment_events_payment_hop" json:"paymentId"`
	Type         EventType `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Hop          Hop       `gorm:"column:hop;type:varchar(32);index:idx_payment_events_payment_hop" json:"hop,omitempty"`
	Description  string    `gorm:"column:description;type:text;not null" json:"description"`
	ExternalRef  string    `gorm:"column:external_ref;type:varchar(128)" json:"externalRef,omitempty"`
	FailureClass string    `gorm:"column:failure_class;type:varchar(32)" json:"failureClass,omitempty"`
	IsAutomatic  bool      `gorm:"column:is_automatic;not null" json:"isAutomatic"`
	Actor        string    `gorm:"column:actor;type:varchar(128)" json:"actor,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (PaymentEvent) TableName() string {
	return "payment_events"
}
