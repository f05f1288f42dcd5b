package baserpc

import (
	"context"
	"math/big"
	"time"
)

type TxState string

const (
	TxPending  TxState = "pending"
	TxMined    TxState = "mined"
	TxReverted TxState = "reverted"
	TxNotFound TxState = "not_found"
)

type TxStatus struct {
	Hash          string
	State         TxState
	BlockNumber   uint64
	Confirmations uint64
}

type CreateEscrowParams struct {
	Payer    string
	Payee    string
	Token    string
	Amount   *big.Int
	Deadline time.Time
	Vertical string
	Metadata []byte
}

// IBaseRPC is the raw chain surface: submit, read, poll. It knows nothing
// about payments; idempotency and confirmation policy live above it.
type IBaseRPC interface {
	BridgeAddress() string
	EscrowAddress() string
	TokenAddress() string

	ApproveAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error)
	CreateEscrow(ctx context.Context, params CreateEscrowParams) (string, error)
	Release(ctx context.Context, escrowID string) (string, error)
	Transfer(ctx context.Context, token, to string, amount *big.Int) (string, error)
	// SpeedUp resubmits a pending transaction with the same nonce and a
	// higher fee, returning the replacement hash.
	SpeedUp(ctx context.Context, txHash string, bumpPercent int) (string, error)

	TokenBalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	TxStatus(ctx context.Context, txHash string) (*TxStatus, error)
	EscrowIDFromReceipt(ctx context.Context, txHash string) (string, error)
	BlockNumber(ctx context.Context) (uint64, error)
}
