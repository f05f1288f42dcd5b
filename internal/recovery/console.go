// Package recovery is the operator console: a read model over payments and
// their ledgers, and the manual actions that resume or compensate a saga.
// Every action funnels into the orchestrator so manual and scheduled work
// share one locking discipline.
package recovery

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/retry"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
	"github.com/dwarvesf/escrow-settlement/internal/store/payment"
)

const dashboardCacheKey = "dashboard"

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNotRetryable    = errors.New("failure is not retryable, use a forced retry or rollback")
	ErrWrongStatus     = errors.New("payment is not at the status this action applies to")
	ErrReasonRequired  = errors.New("reason is required")
)

type Operation struct {
	Payment    *model.Payment             `json:"payment"`
	Escrow     *model.Escrow              `json:"escrow,omitempty"`
	MultiSig   *model.MultiSigTransaction `json:"multisig,omitempty"`
	Events     []*model.PaymentEvent      `json:"events"`
	Assessment Assessment                 `json:"assessment"`
}

type OperationSummary struct {
	PaymentID string              `json:"paymentId"`
	Status    model.PaymentStatus `json:"status"`
	Amount    string              `json:"amount"`
	Currency  string              `json:"currency"`
	Escalated bool                `json:"escalated"`
	Assessment
}

type Dashboard struct {
	StatusCounts    map[model.PaymentStatus]int64 `json:"statusCounts"`
	EscalatedTotal  int64                         `json:"escalatedTotal"`
	Escalated       []OperationSummary            `json:"escalated"`
	PendingMultiSig int                           `json:"pendingMultisig"`
	GeneratedAt     time.Time                     `json:"generatedAt"`
}

type IConsole interface {
	Dashboard(ctx context.Context) (*Dashboard, error)
	Operation(ctx context.Context, paymentID string) (*Operation, error)

	Recover(ctx context.Context, paymentID, actor string) (*orchestrator.Result, error)
	Rollback(ctx context.Context, paymentID, actor, reason string) (*orchestrator.Result, error)
	RetryBridge(ctx context.Context, paymentID, actor string) (*orchestrator.Result, error)
	RetryRedemption(ctx context.Context, paymentID, actor string, force bool) (*orchestrator.Result, error)
	RetryWithdrawal(ctx context.Context, paymentID, actor string, force bool) (*orchestrator.Result, error)
	SafetyMonitor(ctx context.Context, actor string) (*SafetyReport, error)
	ForceTransition(ctx context.Context, req statemachine.ForceRequest) (*model.Payment, error)
}

// IForcer is the privileged side of the state machine.
type IForcer interface {
	ForceTransition(ctx context.Context, req statemachine.ForceRequest) (*model.Payment, error)
}

type Console struct {
	d       *deps.Deps
	orch    orchestrator.IOrchestrator
	gate    multisig.IGate
	machine IForcer
	policy  *retry.Policy
	cache   *cache.Cache

	cacheObserver  func(operation string)
	safetyPageSize int
}

type Option func(*Console)

const defaultSafetyPageSize = 500

// WithSafetyPageSize sets how many payments the safety monitor loads per
// page.
func WithSafetyPageSize(n int) Option {
	return func(c *Console) {
		if n > 0 {
			c.safetyPageSize = n
		}
	}
}

// WithCacheObserver is called with "hit" or "miss" on every dashboard read
// while the dashboard cache is enabled.
func WithCacheObserver(fn func(operation string)) Option {
	return func(c *Console) {
		c.cacheObserver = fn
	}
}

func New(d *deps.Deps, orch orchestrator.IOrchestrator, gate multisig.IGate, machine IForcer, policy *retry.Policy, opts ...Option) *Console {
	c := &Console{
		d:       d,
		orch:    orch,
		gate:    gate,
		machine: machine,
		policy:  policy,

		safetyPageSize: defaultSafetyPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if ttl := d.Config.Settlement.DashboardCache; ttl > 0 {
		c.cache = cache.New(ttl, 2*ttl)
	}
	return c
}

func (c *Console) invalidate() {
	if c.cache != nil {
		c.cache.Delete(dashboardCacheKey)
	}
}

func (c *Console) observeCache(hit bool) {
	if c.cacheObserver == nil {
		return
	}
	if hit {
		c.cacheObserver("hit")
		return
	}
	c.cacheObserver("miss")
}

func (c *Console) loadPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	p, err := c.d.Store.Payment.GetByID(c.d.DB.WithContext(ctx), paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (c *Console) Dashboard(ctx context.Context) (*Dashboard, error) {
	if c.cache != nil {
		cached, ok := c.cache.Get(dashboardCacheKey)
		c.observeCache(ok)
		if ok {
			return cached.(*Dashboard), nil
		}
	}

	db := c.d.DB.WithContext(ctx)
	counts, err := c.d.Store.Payment.CountByStatus(db)
	if err != nil {
		return nil, err
	}

	escalated := true
	payments, total, err := c.d.Store.Payment.List(db, payment.ListFilter{Escalated: &escalated, Limit: 200})
	if err != nil {
		return nil, err
	}

	dashboard := &Dashboard{
		StatusCounts:   counts,
		EscalatedTotal: total,
		Escalated:      make([]OperationSummary, 0, len(payments)),
		GeneratedAt:    c.d.Now(),
	}
	for _, p := range payments {
		events, err := c.d.Ledger.History(db, p.ID)
		if err != nil {
			return nil, err
		}
		dashboard.Escalated = append(dashboard.Escalated, OperationSummary{
			PaymentID:  p.ID,
			Status:     p.Status,
			Amount:     p.Amount.String(),
			Currency:   p.Currency,
			Escalated:  p.Escalated,
			Assessment: Assess(p, events, c.policy),
		})
	}

	pending, err := c.gate.Pending(ctx)
	if err != nil {
		return nil, err
	}
	dashboard.PendingMultiSig = len(pending)

	if c.cache != nil {
		c.cache.SetDefault(dashboardCacheKey, dashboard)
	}
	return dashboard, nil
}

func (c *Console) Operation(ctx context.Context, paymentID string) (*Operation, error) {
	p, err := c.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	db := c.d.DB.WithContext(ctx)
	events, err := c.d.Ledger.History(db, paymentID)
	if err != nil {
		return nil, err
	}

	op := &Operation{
		Payment:    p,
		Events:     events,
		Assessment: Assess(p, events, c.policy),
	}

	escrow, err := c.d.Store.Escrow.GetByPaymentID(db, paymentID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		op.Escrow = escrow
	}

	transaction, err := c.gate.LatestForPayment(ctx, paymentID, multisig.TypeBridgeTransfer)
	if err != nil && !errors.Is(err, multisig.ErrNotFound) {
		return nil, err
	}
	if err == nil {
		op.MultiSig = transaction
	}
	return op, nil
}

func (c *Console) ForceTransition(ctx context.Context, req statemachine.ForceRequest) (*model.Payment, error) {
	defer c.invalidate()
	return c.machine.ForceTransition(ctx, req)
}
