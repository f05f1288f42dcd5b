// Package orchestrator drives payments through the settlement saga. Advance
// is the single entry point for the scheduler and for operator actions:
// both claim the same status-guarded lease before any external call.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/bridge"
	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/retry"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
	"github.com/dwarvesf/escrow-settlement/internal/store"
	"github.com/dwarvesf/escrow-settlement/internal/store/payment"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrLeaseHeld       = errors.New("payment is being processed by another driver")
)

// Trigger says who asked for the work.
type Trigger struct {
	Actor     string
	Automatic bool
}

// Scheduled is the trigger used by the periodic sweep.
var Scheduled = Trigger{Actor: consts.ORCHESTRATOR_ACTOR, Automatic: true}

func (t Trigger) call(paymentID string) escrowchain.Call {
	return escrowchain.Call{PaymentID: paymentID, Actor: t.Actor, Automatic: t.Automatic}
}

type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeEscalated Outcome = "escalated"
)

type Result struct {
	PaymentID string              `json:"paymentId"`
	From      model.PaymentStatus `json:"from"`
	To        model.PaymentStatus `json:"to"`
	Outcome   Outcome             `json:"outcome"`
	Hop       model.Hop           `json:"hop,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Advanced  int `json:"advanced"`
	Waiting   int `json:"waiting"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}

// IMetrics receives settlement events. Implementations must be safe for
// concurrent use.
type IMetrics interface {
	RecordTransition(from, to string)
	RecordHop(hop, outcome string, duration float64)
	RecordEscalation(class, hop string)
}

// IAlerter is notified of every escalation.
type IAlerter interface {
	AlertEscalation(ctx context.Context, alert Alert)
}

type Alert struct {
	PaymentID string        `json:"paymentId"`
	Status    string        `json:"status"`
	Class     failure.Class `json:"class"`
	Hop       model.Hop     `json:"hop"`
	Reason    string        `json:"reason"`
	At        time.Time     `json:"at"`
}

type IOrchestrator interface {
	Sweep(ctx context.Context) (*SweepReport, error)
	Advance(ctx context.Context, paymentID string, trig Trigger) (*Result, error)
	Rollback(ctx context.Context, paymentID string, trig Trigger, reason string) (*Result, error)
	Escalate(ctx context.Context, p *model.Payment, class failure.Class, hop model.Hop, reason string, trig Trigger) error
}

type Orchestrator struct {
	d       *deps.Deps
	machine *statemachine.Machine
	chain   escrowchain.IAdapter
	bridge  bridge.IPipeline
	gate    multisig.IGate
	policy  *retry.Policy
	metrics IMetrics
	alerter IAlerter
}

type Option func(*Orchestrator)

func WithMetrics(m IMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithAlerter(a IAlerter) Option {
	return func(o *Orchestrator) { o.alerter = a }
}

func New(d *deps.Deps, machine *statemachine.Machine, chain escrowchain.IAdapter, pipeline bridge.IPipeline, gate multisig.IGate, policy *retry.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		d:       d,
		machine: machine,
		chain:   chain,
		bridge:  pipeline,
		gate:    gate,
		policy:  policy,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sweep advances every actionable payment with bounded concurrency. A
// failing payment never fails the sweep.
func (o *Orchestrator) Sweep(ctx context.Context) (*SweepReport, error) {
	payments, err := o.d.Store.Payment.ListActionable(o.d.DB.WithContext(ctx), o.d.Config.Settlement.SweepBatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "list actionable payments")
	}

	report := &SweepReport{Scanned: len(payments)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := o.d.Config.Settlement.SweepConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, p := range payments {
		paymentID := p.ID
		g.Go(func() error {
			res, err := o.Advance(gctx, paymentID, Scheduled)
			if err != nil {
				o.d.Logger.Error("[Sweep][Advance] failed to advance payment", map[string]string{
					"paymentId": paymentID,
					"error":     err.Error(),
				})
				res = &Result{PaymentID: paymentID, Outcome: OutcomeFailed}
			}

			mu.Lock()
			defer mu.Unlock()
			switch res.Outcome {
			case OutcomeAdvanced:
				report.Advanced++
			case OutcomeWaiting:
				report.Waiting++
			case OutcomeSkipped:
				report.Skipped++
			case OutcomeEscalated:
				report.Escalated++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	o.d.Logger.Info("[Sweep] settlement sweep finished", map[string]string{
		"scanned":   fmt.Sprintf("%d", report.Scanned),
		"advanced":  fmt.Sprintf("%d", report.Advanced),
		"waiting":   fmt.Sprintf("%d", report.Waiting),
		"failed":    fmt.Sprintf("%d", report.Failed),
		"escalated": fmt.Sprintf("%d", report.Escalated),
	})
	return report, nil
}

func (o *Orchestrator) load(ctx context.Context, paymentID string) (*model.Payment, error) {
	p, err := o.d.Store.Payment.GetByID(o.d.DB.WithContext(ctx), paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// lease claims the payment at its current status for one invocation.
// Every invocation gets its own owner so a manual trigger and the sweep in
// the same process still exclude each other.
func (o *Orchestrator) lease(ctx context.Context, p *model.Payment) (string, bool, error) {
	owner := fmt.Sprintf("%s/%s", o.d.Config.Settlement.DriverID, uuid.NewString())
	now := o.d.Now()
	ok, err := o.d.Store.Payment.ClaimLease(o.d.DB.WithContext(ctx), p.ID, p.Status, owner, now, now.Add(o.d.Config.Settlement.LeaseDuration))
	return owner, ok, err
}

func (o *Orchestrator) unlease(ctx context.Context, paymentID, owner string) {
	if err := o.d.Store.Payment.ReleaseLease(o.d.DB.WithContext(context.WithoutCancel(ctx)), paymentID, owner); err != nil {
		o.d.Logger.Error("[unlease][ReleaseLease] failed to release lease", map[string]string{
			"paymentId": paymentID,
			"error":     err.Error(),
		})
	}
}

// Advance runs the payment forward until it has to wait, fails, or reaches
// a status the orchestrator does not drive.
func (o *Orchestrator) Advance(ctx context.Context, paymentID string, trig Trigger) (*Result, error) {
	p, err := o.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	res := &Result{PaymentID: paymentID, From: p.Status, To: p.Status, Outcome: OutcomeSkipped}
	if p.Status.IsTerminal() || p.Status == model.PaymentStatusDisputed || p.Escalated {
		return res, nil
	}

	owner, ok, err := o.lease(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "claim lease")
	}
	if !ok {
		return res, nil
	}
	defer o.unlease(ctx, paymentID, owner)

	for i := 0; i < consts.MAX_ADVANCE_STEPS; i++ {
		// re-read under the lease; another path may have escalated it
		p, err = o.load(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		res.To = p.Status
		if p.Status.IsTerminal() || p.Status == model.PaymentStatusDisputed || p.Escalated {
			break
		}

		hop, advanced, err := o.step(ctx, p, trig)
		if err != nil {
			res.Hop = hop
			res.Error = err.Error()
			res.Outcome = o.handleFailure(ctx, p, hop, err, trig)
			break
		}
		if !advanced {
			if res.Outcome == OutcomeSkipped {
				res.Outcome = OutcomeWaiting
			}
			break
		}
		res.Outcome = OutcomeAdvanced
	}

	if current, err := o.load(ctx, paymentID); err == nil {
		res.To = current.Status
	}
	return res, nil
}

// handleFailure decides between retrying on a later sweep and escalating.
// Non-retryable failures after funds left the bridge wallet are partial
// success and always need a human.
func (o *Orchestrator) handleFailure(ctx context.Context, p *model.Payment, hop model.Hop, stepErr error, trig Trigger) Outcome {
	class := failure.Classify(stepErr)
	fields := map[string]string{
		"paymentId": p.ID,
		"status":    string(p.Status),
		"hop":       string(hop),
		"class":     string(class),
		"error":     stepErr.Error(),
	}

	exhausted := errors.Is(stepErr, retry.ErrBudgetExhausted)
	if !exhausted && failure.Retryable(class) && hop != "" {
		events, err := o.d.Ledger.HopHistory(o.d.DB.WithContext(ctx), p.ID, hop)
		if err == nil {
			exhausted = o.policy.Exhausted(hop, ledger.FailureCount(events, hop))
		}
	}

	if failure.Retryable(class) && !exhausted {
		o.d.Logger.Info("[handleFailure] hop failed, retrying on next sweep", fields)
		return OutcomeFailed
	}

	if class == failure.ClassPermanent && offRamp(hop) && o.pastBridge(ctx, p.ID) {
		class = failure.ClassPartial
	}
	if exhausted && class == failure.ClassTransient && !errors.Is(stepErr, retry.ErrBudgetExhausted) {
		stepErr = errors.Wrap(stepErr, "retry budget exhausted")
	}

	if err := o.Escalate(ctx, p, class, hop, stepErr.Error(), trig); err != nil {
		fields["escalateError"] = err.Error()
		o.d.Logger.Error("[handleFailure][Escalate] failed to escalate payment", fields)
		return OutcomeFailed
	}
	return OutcomeEscalated
}

func offRamp(hop model.Hop) bool {
	switch hop {
	case model.HopRedemption, model.HopCommission, model.HopWithdrawal:
		return true
	}
	return false
}

func (o *Orchestrator) pastBridge(ctx context.Context, paymentID string) bool {
	events, err := o.d.Ledger.HopHistory(o.d.DB.WithContext(ctx), paymentID, model.HopBridgeTransfer)
	if err != nil {
		return false
	}
	_, ok := ledger.ConfirmedRef(events, model.HopBridgeTransfer)
	return ok
}

// Escalate parks the payment for an operator: the sweep skips it until a
// manual action clears the flag.
func (o *Orchestrator) Escalate(ctx context.Context, p *model.Payment, class failure.Class, hop model.Hop, reason string, trig Trigger) error {
	now := o.d.Now()
	err := store.DoInTx(o.d.DB.WithContext(context.WithoutCancel(ctx)), func(tx *gorm.DB) error {
		if err := o.d.Store.Payment.Escalate(tx, p.ID, payment.Escalation{
			Class:  string(class),
			Hop:    string(hop),
			Reason: reason,
			At:     now,
		}); err != nil {
			return err
		}
		_, err := o.d.Ledger.Append(tx, ledger.Entry{
			PaymentID:    p.ID,
			Type:         model.EventEscalated,
			Hop:          hop,
			Description:  reason,
			FailureClass: class,
			Automatic:    trig.Automatic,
			Actor:        trig.Actor,
		})
		return err
	})
	if err != nil {
		return err
	}

	o.d.Logger.Error("[Escalate] payment escalated to manual queue", map[string]string{
		"paymentId": p.ID,
		"status":    string(p.Status),
		"class":     string(class),
		"hop":       string(hop),
		"reason":    reason,
	})
	if o.metrics != nil {
		o.metrics.RecordEscalation(string(class), string(hop))
	}
	if o.alerter != nil {
		o.alerter.AlertEscalation(ctx, Alert{
			PaymentID: p.ID,
			Status:    string(p.Status),
			Class:     class,
			Hop:       hop,
			Reason:    reason,
			At:        now,
		})
	}
	return nil
}

// attempt runs op under the retry policy with the budget left for hop.
func (o *Orchestrator) attempt(ctx context.Context, p *model.Payment, hop model.Hop, op func(ctx context.Context) error) error {
	events, err := o.d.Ledger.HopHistory(o.d.DB.WithContext(ctx), p.ID, hop)
	if err != nil {
		return failure.Transient("read ledger", err)
	}
	used := ledger.FailureCount(events, hop)

	start := time.Now()
	_, err = o.policy.Do(ctx, hop, used, func(ctx context.Context, attempt int) error {
		return op(ctx)
	})
	if o.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(failure.Classify(err))
		}
		o.metrics.RecordHop(string(hop), outcome, time.Since(start).Seconds())
	}
	return err
}

func (o *Orchestrator) transition(ctx context.Context, req statemachine.Request) (bool, error) {
	ok, err := o.machine.Transition(ctx, req)
	if ok && o.metrics != nil {
		o.metrics.RecordTransition(string(req.From), string(req.To))
	}
	return ok, err
}
