// Package baserpctest provides an in-memory chain for tests.
package baserpctest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
)

const (
	OpApprove      = "approve"
	OpCreateEscrow = "create_escrow"
	OpRelease      = "release"
	OpTransfer     = "transfer"
)

type Tx struct {
	Hash          string
	Op            string
	State         baserpc.TxState
	Confirmations uint64
	EscrowID      string
	To            string
	Amount        *big.Int
	Nonce         int
}

// Chain mines every submission immediately unless told otherwise.
type Chain struct {
	mu sync.Mutex

	Bridge string
	Escrow string
	Token  string

	Balances   map[string]*big.Int
	Allowances map[string]*big.Int

	// PendingOps leaves submissions of the op pending.
	PendingOps map[string]bool
	// RevertOps mines submissions of the op as reverted.
	RevertOps map[string]bool
	// SubmitErrs are returned, in order, by the next submissions of the op.
	SubmitErrs map[string][]error
	// MineOnBump mines fee-bump replacements.
	MineOnBump bool
	// StatusErr, when set, is returned by TxStatus.
	StatusErr error
	// SubmitDelay is slept before every submission is accepted.
	SubmitDelay time.Duration

	txs       map[string]*Tx
	order     []string
	nonce     int
	escrowSeq int
}

func New() *Chain {
	return &Chain{
		Bridge:     "0x00000000000000000000000000000000000000b1",
		Escrow:     "0x00000000000000000000000000000000000000e1",
		Token:      "0x00000000000000000000000000000000000000a1",
		Balances:   map[string]*big.Int{},
		Allowances: map[string]*big.Int{},
		PendingOps: map[string]bool{},
		RevertOps:  map[string]bool{},
		SubmitErrs: map[string][]error{},
		txs:        map[string]*Tx{},
	}
}

func (c *Chain) BridgeAddress() string { return c.Bridge }
func (c *Chain) EscrowAddress() string { return c.Escrow }
func (c *Chain) TokenAddress() string  { return c.Token }

func (c *Chain) submit(op string, fill func(tx *Tx)) (string, error) {
	if c.SubmitDelay > 0 {
		time.Sleep(c.SubmitDelay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if queue := c.SubmitErrs[op]; len(queue) > 0 {
		c.SubmitErrs[op] = queue[1:]
		return "", queue[0]
	}

	c.nonce++
	tx := &Tx{
		Hash:  fmt.Sprintf("0x%064x", len(c.order)+1),
		Op:    op,
		State: baserpc.TxMined,
		Nonce: c.nonce,
	}
	switch {
	case c.RevertOps[op]:
		tx.State = baserpc.TxReverted
	case c.PendingOps[op]:
		tx.State = baserpc.TxPending
	default:
		tx.Confirmations = 100
	}
	if fill != nil {
		fill(tx)
	}
	c.txs[tx.Hash] = tx
	c.order = append(c.order, tx.Hash)
	if tx.State == baserpc.TxMined {
		c.apply(tx)
	}
	return tx.Hash, nil
}

// apply moves balances for a mined transfer. Callers hold mu.
func (c *Chain) apply(tx *Tx) {
	if tx.Op != OpTransfer || tx.Amount == nil {
		return
	}
	if bal, ok := c.Balances[c.Bridge]; ok {
		c.Balances[c.Bridge] = new(big.Int).Sub(bal, tx.Amount)
	}
	to := c.Balances[tx.To]
	if to == nil {
		to = new(big.Int)
	}
	c.Balances[tx.To] = new(big.Int).Add(to, tx.Amount)
}

func (c *Chain) ApproveAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	return c.submit(OpApprove, func(tx *Tx) {
		tx.To = spender
		tx.Amount = amount
	})
}

func (c *Chain) CreateEscrow(ctx context.Context, params baserpc.CreateEscrowParams) (string, error) {
	return c.submit(OpCreateEscrow, func(tx *Tx) {
		c.escrowSeq++
		tx.EscrowID = fmt.Sprintf("%d", c.escrowSeq)
		tx.Amount = params.Amount
	})
}

func (c *Chain) Release(ctx context.Context, escrowID string) (string, error) {
	return c.submit(OpRelease, func(tx *Tx) {
		tx.EscrowID = escrowID
	})
}

func (c *Chain) Transfer(ctx context.Context, token, to string, amount *big.Int) (string, error) {
	return c.submit(OpTransfer, func(tx *Tx) {
		tx.To = to
		tx.Amount = amount
	})
}

func (c *Chain) SpeedUp(ctx context.Context, txHash string, bumpPercent int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	orig, ok := c.txs[txHash]
	if !ok || orig.State != baserpc.TxPending {
		return "", baserpc.ErrNotPending
	}

	replacement := *orig
	replacement.Hash = fmt.Sprintf("0x%064x", len(c.order)+1)
	orig.State = baserpc.TxNotFound
	if c.MineOnBump {
		replacement.State = baserpc.TxMined
		replacement.Confirmations = 100
	}
	c.txs[replacement.Hash] = &replacement
	c.order = append(c.order, replacement.Hash)
	if replacement.State == baserpc.TxMined {
		c.apply(&replacement)
	}
	return replacement.Hash, nil
}

func (c *Chain) TokenBalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bal, ok := c.Balances[owner]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (c *Chain) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.Allowances[spender]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (c *Chain) TxStatus(ctx context.Context, txHash string) (*baserpc.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StatusErr != nil {
		return nil, c.StatusErr
	}
	tx, ok := c.txs[txHash]
	if !ok {
		return &baserpc.TxStatus{Hash: txHash, State: baserpc.TxNotFound}, nil
	}
	return &baserpc.TxStatus{Hash: txHash, State: tx.State, Confirmations: tx.Confirmations}, nil
}

func (c *Chain) EscrowIDFromReceipt(ctx context.Context, txHash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txHash]
	if !ok || tx.Op != OpCreateEscrow {
		return "", baserpc.ErrEscrowIDAbsent
	}
	return tx.EscrowID, nil
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.order)), nil
}

// Mine marks a pending transaction mined with the given confirmations.
func (c *Chain) Mine(txHash string, confirmations uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.txs[txHash]; ok {
		tx.State = baserpc.TxMined
		tx.Confirmations = confirmations
		c.apply(tx)
	}
}

// Submissions counts broadcast transactions for op, fee bumps included.
func (c *Chain) Submissions(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.order {
		if c.txs[h].Op == op {
			n++
		}
	}
	return n
}

// Transfers returns mined transfers in submission order.
func (c *Chain) Transfers() []Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []Tx{}
	for _, h := range c.order {
		if tx := c.txs[h]; tx.Op == OpTransfer && tx.State == baserpc.TxMined {
			out = append(out, *tx)
		}
	}
	return out
}

var _ baserpc.IBaseRPC = (*Chain)(nil)
