// Package railtest provides an in-memory redemption rail for tests.
package railtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dwarvesf/escrow-settlement/internal/rail"
)

// Rail deduplicates payouts on the idempotency key like the real rail.
type Rail struct {
	mu sync.Mutex

	Deposits  map[string]*rail.Deposit
	Balance   decimal.Decimal
	Allowance decimal.Decimal
	// PayoutErrs are returned, in order, by the next InitiatePayout calls for a key.
	PayoutErrs map[string][]error
	// LookupErrs are returned, in order, by the next GetDeposit calls for a
	// reference or GetPayout calls for a key.
	LookupErrs map[string][]error
	// InitialStatus is the status new payouts are created with.
	InitialStatus rail.PayoutStatus

	payouts  map[string]*rail.Payout
	requests map[string]int
	seq      int
}

func New() *Rail {
	return &Rail{
		Deposits:      map[string]*rail.Deposit{},
		Balance:       decimal.NewFromInt(1_000_000_000),
		Allowance:     decimal.NewFromInt(1_000_000_000),
		PayoutErrs:    map[string][]error{},
		LookupErrs:    map[string][]error{},
		InitialStatus: rail.PayoutPending,
		payouts:       map[string]*rail.Payout{},
		requests:      map[string]int{},
	}
}

// lookupErr pops the next queued lookup error for key. Callers hold mu.
func (r *Rail) lookupErr(key string) error {
	queue := r.LookupErrs[key]
	if len(queue) == 0 {
		return nil
	}
	r.LookupErrs[key] = queue[1:]
	return queue[0]
}

func (r *Rail) GetDeposit(ctx context.Context, reference string) (*rail.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lookupErr(reference); err != nil {
		return nil, err
	}
	d, ok := r.Deposits[reference]
	if !ok {
		return nil, rail.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *Rail) GetBalance(ctx context.Context, asset string) (*rail.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &rail.Balance{Asset: asset, Available: r.Balance}, nil
}

func (r *Rail) GetAllowance(ctx context.Context, asset string) (*rail.Allowance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &rail.Allowance{Asset: asset, Remaining: r.Allowance}, nil
}

func (r *Rail) InitiatePayout(ctx context.Context, req rail.PayoutRequest) (*rail.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[req.IdempotencyKey]++
	if queue := r.PayoutErrs[req.IdempotencyKey]; len(queue) > 0 {
		r.PayoutErrs[req.IdempotencyKey] = queue[1:]
		return nil, queue[0]
	}

	if existing, ok := r.payouts[req.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}

	r.seq++
	payout := &rail.Payout{
		ID:             fmt.Sprintf("po-%d", r.seq),
		Status:         r.InitialStatus,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
	}
	r.payouts[req.IdempotencyKey] = payout
	cp := *payout
	return &cp, nil
}

func (r *Rail) GetPayout(ctx context.Context, idempotencyKey string) (*rail.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lookupErr(idempotencyKey); err != nil {
		return nil, err
	}
	p, ok := r.payouts[idempotencyKey]
	if !ok {
		return nil, rail.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SetPayoutStatus moves an existing payout.
func (r *Rail) SetPayoutStatus(idempotencyKey string, status rail.PayoutStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payouts[idempotencyKey]; ok {
		p.Status = status
	}
}

// Payouts is the number of distinct payouts created for a key.
func (r *Rail) Payouts(idempotencyKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payouts[idempotencyKey]; ok {
		return 1
	}
	return 0
}

// Requests counts InitiatePayout calls for a key, failed ones included.
func (r *Rail) Requests(idempotencyKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[idempotencyKey]
}

// Payout returns the payout stored for a key.
func (r *Rail) Payout(idempotencyKey string) (*rail.Payout, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[idempotencyKey]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

var _ rail.IRail = (*Rail)(nil)
