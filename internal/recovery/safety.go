package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
)

type SafetyReport struct {
	Checked   int      `json:"checked"`
	Escalated []string `json:"escalated"`
}

// progressDeadline is the moment after which the payment should have moved.
// Payments legitimately waiting on a deadline or on signers are measured
// from that wait, everything else from its last ledger entry.
func (c *Console) stalled(ctx context.Context, p *model.Payment, now time.Time) (bool, string, error) {
	if p.LockedUntil != nil && p.LockedUntil.After(now) {
		// a driver is working on it right now
		return false, "", nil
	}

	events, err := c.d.Ledger.History(c.d.DB.WithContext(ctx), p.ID)
	if err != nil {
		return false, "", err
	}

	deadline := c.progressDeadline(ctx, p, events)
	if !now.After(deadline) {
		return false, "", nil
	}
	since := deadline.Add(-c.d.Config.Settlement.StalenessWindow)
	return true, fmt.Sprintf("no progress at %s since %s", p.Status, since.Format(time.RFC3339)), nil
}

func (c *Console) progressDeadline(ctx context.Context, p *model.Payment, events []*model.PaymentEvent) time.Time {
	var last time.Time
	if len(events) > 0 {
		last = events[len(events)-1].CreatedAt
	}

	switch p.Status {
	case model.PaymentStatusInitiated, model.PaymentStatusEscrowed:
		if p.CustodyDeadline.After(last) {
			last = p.CustodyDeadline
		}
	case model.PaymentStatusReleased:
		transaction, err := c.gate.LatestForPayment(ctx, p.ID, multisig.TypeBridgeTransfer)
		if err == nil && transaction.Status == model.MultiSigStatusPending && transaction.ExpiresAt.After(last) {
			last = transaction.ExpiresAt
		}
	}
	if last.IsZero() {
		last = p.CreatedAt
	}
	return last.Add(c.d.Config.Settlement.StalenessWindow)
}

// SafetyMonitor re-evaluates every non-terminal, non-escalated payment and
// escalates those that have not progressed within the staleness window.
// Disputed payments wait on a human and are not checked.
func (c *Console) SafetyMonitor(ctx context.Context, actor string) (*SafetyReport, error) {
	db := c.d.DB.WithContext(ctx)
	report := &SafetyReport{Escalated: []string{}}
	now := c.d.Now()
	trig := orchestrator.Trigger{Actor: actor, Automatic: true}

	after := ""
	for {
		payments, err := c.d.Store.Payment.ListActionableAfter(db, after, c.safetyPageSize)
		if err != nil {
			return nil, err
		}
		if len(payments) == 0 {
			break
		}
		after = payments[len(payments)-1].ID
		report.Checked += len(payments)

		for _, p := range payments {
			stalled, reason, err := c.stalled(ctx, p, now)
			if err != nil {
				return nil, err
			}
			if !stalled {
				continue
			}
			if err := c.orch.Escalate(ctx, p, failure.ClassStalled, "", reason, trig); err != nil {
				c.d.Logger.Error("[SafetyMonitor][Escalate] failed to escalate stalled payment", map[string]string{
					"paymentId": p.ID,
					"error":     err.Error(),
				})
				continue
			}
			report.Escalated = append(report.Escalated, p.ID)
		}

		if len(payments) < c.safetyPageSize {
			break
		}
	}

	if len(report.Escalated) > 0 {
		c.invalidate()
	}
	c.d.Logger.Info("[SafetyMonitor] safety sweep finished", map[string]string{
		"checked":   fmt.Sprintf("%d", report.Checked),
		"escalated": fmt.Sprintf("%d", len(report.Escalated)),
	})
	return report, nil
}
