package rail

import (
	"context"

	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
)

type Deposit struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    DepositStatus   `json:"status"`
}

type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
}

type Allowance struct {
	Asset     string          `json:"asset"`
	Remaining decimal.Decimal `json:"remaining"`
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutReturned   PayoutStatus = "returned"
)

type PayoutRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Beneficiary    string          `json:"beneficiary"`
	BankAccount    string          `json:"bank_account"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type Payout struct {
	ID             string          `json:"id"`
	Status         PayoutStatus    `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

// IRail is the redemption rail surface. Every call is signed; payouts are
// deduplicated by the rail on IdempotencyKey.
type IRail interface {
	GetDeposit(ctx context.Context, reference string) (*Deposit, error)
	GetBalance(ctx context.Context, asset string) (*Balance, error)
	GetAllowance(ctx context.Context, asset string) (*Allowance, error)
	InitiatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
	GetPayout(ctx context.Context, idempotencyKey string) (*Payout, error)
}
