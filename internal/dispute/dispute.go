// Package dispute freezes a payment in custody while a claim is open and
// settles it either way once an admin decides.
package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
	"github.com/dwarvesf/escrow-settlement/internal/store"
)

var (
	ErrNotFound         = errors.New("dispute not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrNotDisputable    = errors.New("payment can only be disputed while escrowed or released")
	ErrAlreadyOpen      = errors.New("payment already has an open dispute")
	ErrAlreadyResolved  = errors.New("dispute already resolved")
	ErrInvalidOutcome   = errors.New("outcome must be release or refund")
	ErrReasonRequired   = errors.New("reason is required")
	ErrPaymentBusy      = errors.New("payment is being processed, try again")
	errStatusMovedUnder = errors.New("payment status changed")
)

type IService interface {
	Open(ctx context.Context, paymentID, reason, openedBy string) (*model.Dispute, error)
	Resolve(ctx context.Context, id string, outcome model.DisputeOutcome, notes, resolvedBy string) (*model.Dispute, error)
	Get(ctx context.Context, id string) (*model.Dispute, error)
}

type Service struct {
	d       *deps.Deps
	machine *statemachine.Machine
	chain   escrowchain.IAdapter
	orch    orchestrator.IOrchestrator
}

func New(d *deps.Deps, machine *statemachine.Machine, chain escrowchain.IAdapter, orch orchestrator.IOrchestrator) *Service {
	return &Service{d: d, machine: machine, chain: chain, orch: orch}
}

func (s *Service) Get(ctx context.Context, id string) (*model.Dispute, error) {
	dispute, err := s.d.Store.Dispute.GetByID(s.d.DB.WithContext(ctx), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return dispute, err
}

func (s *Service) lease(ctx context.Context, p *model.Payment) (func(), error) {
	owner := "dispute/" + uuid.NewString()
	now := s.d.Now()
	ok, err := s.d.Store.Payment.ClaimLease(s.d.DB.WithContext(ctx), p.ID, p.Status, owner, now, now.Add(s.d.Config.Settlement.LeaseDuration))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentBusy
	}
	return func() {
		_ = s.d.Store.Payment.ReleaseLease(s.d.DB.WithContext(context.WithoutCancel(ctx)), p.ID, owner)
	}, nil
}

func (s *Service) note(tx *gorm.DB, paymentID, actor, description string) error {
	_, err := s.d.Ledger.Append(tx, ledger.Entry{
		PaymentID:   paymentID,
		Type:        model.EventDispute,
		Description: description,
		Actor:       actor,
	})
	return err
}

// Open moves the payment and its escrow to disputed. The orchestrator leaves
// disputed payments alone until the dispute is resolved.
func (s *Service) Open(ctx context.Context, paymentID, reason, openedBy string) (*model.Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	db := s.d.DB.WithContext(ctx)
	p, err := s.d.Store.Payment.GetByID(db, paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentStatusEscrowed && p.Status != model.PaymentStatusReleased {
		return nil, ErrNotDisputable
	}
	if _, err := s.d.Store.Dispute.GetOpenByPayment(db, paymentID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	escrow, err := s.d.Store.Escrow.GetByPaymentID(db, paymentID)
	if err != nil {
		return nil, err
	}

	unlease, err := s.lease(ctx, p)
	if err != nil {
		return nil, err
	}
	defer unlease()

	dispute := &model.Dispute{
		ID:        uuid.NewString(),
		EscrowID:  escrow.ID,
		PaymentID: paymentID,
		Status:    model.DisputeStatusOpen,
		Reason:    reason,
		OpenedBy:  openedBy,
	}
	ok, err := s.machine.Transition(ctx, statemachine.Request{
		PaymentID: paymentID,
		From:      p.Status,
		To:        model.PaymentStatusDisputed,
		Evidence:  statemachine.Evidence{Reason: reason},
		Actor:     openedBy,
		Apply: func(tx *gorm.DB) error {
			if _, err := s.d.Store.Dispute.Create(tx, dispute); err != nil {
				return err
			}
			if err := s.d.Store.Escrow.Update(tx, escrow.ID, map[string]interface{}{
				"status": model.EscrowStatusDisputed,
			}); err != nil {
				return err
			}
			return s.note(tx, paymentID, openedBy, fmt.Sprintf("dispute %s opened: %s", dispute.ID, reason))
		},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotDisputable
	}

	s.d.Logger.Info("[Open] dispute opened", map[string]string{
		"paymentId": paymentID,
		"disputeId": dispute.ID,
		"from":      string(p.Status),
	})
	return dispute, nil
}

func (s *Service) Resolve(ctx context.Context, id string, outcome model.DisputeOutcome, notes, resolvedBy string) (*model.Dispute, error) {
	dispute, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dispute.Status != model.DisputeStatusOpen {
		return nil, ErrAlreadyResolved
	}

	p, err := s.d.Store.Payment.GetByID(s.d.DB.WithContext(ctx), dispute.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentStatusDisputed {
		return nil, errStatusMovedUnder
	}

	switch outcome {
	case model.DisputeOutcomeRelease:
		err = s.release(ctx, dispute, p, notes, resolvedBy)
	case model.DisputeOutcomeRefund:
		err = s.refund(ctx, dispute, p, notes, resolvedBy)
	default:
		return nil, ErrInvalidOutcome
	}
	if err != nil {
		s.d.Logger.Error("[Resolve] failed to resolve dispute", map[string]string{
			"disputeId": id,
			"paymentId": p.ID,
			"outcome":   string(outcome),
			"error":     err.Error(),
		})
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) resolution(outcome model.DisputeOutcome, notes, resolvedBy string) map[string]interface{} {
	return map[string]interface{}{
		"outcome":     outcome,
		"admin_notes": notes,
		"resolved_by": resolvedBy,
		"resolved_at": s.d.Now(),
	}
}

// release returns the payment to where it was disputed with the custody
// deadline cleared, so the next sweep releases and bridges it.
func (s *Service) release(ctx context.Context, dispute *model.Dispute, p *model.Payment, notes, resolvedBy string) error {
	target := p.PreDisputeStatus
	if target == "" {
		target = model.PaymentStatusEscrowed
	}
	escrowStatus := model.EscrowStatusActive
	if target == model.PaymentStatusReleased {
		escrowStatus = model.EscrowStatusReleased
	}

	unlease, err := s.lease(ctx, p)
	if err != nil {
		return err
	}
	defer unlease()

	ok, err := s.machine.Transition(ctx, statemachine.Request{
		PaymentID: p.ID,
		From:      model.PaymentStatusDisputed,
		To:        target,
		Evidence:  statemachine.Evidence{Reason: "dispute resolved in favour of release"},
		Actor:     resolvedBy,
		Updates:   map[string]interface{}{"custody_deadline": time.Time{}},
		Apply: func(tx *gorm.DB) error {
			won, err := s.d.Store.Dispute.Resolve(tx, dispute.ID, s.resolution(model.DisputeOutcomeRelease, notes, resolvedBy))
			if err != nil {
				return err
			}
			if !won {
				return ErrAlreadyResolved
			}
			if err := s.d.Store.Escrow.Update(tx, dispute.EscrowID, map[string]interface{}{
				"status":           escrowStatus,
				"custody_deadline": time.Time{},
			}); err != nil {
				return err
			}
			return s.note(tx, p.ID, resolvedBy, fmt.Sprintf("dispute %s resolved: release", dispute.ID))
		},
	})
	if err != nil {
		return err
	}
	if !ok {
		return errStatusMovedUnder
	}
	return nil
}

// refund compensates the payer. Funds still locked in the contract are
// released to the bridge wallet first, then the orchestrator rollback sends
// them back and fails the payment.
func (s *Service) refund(ctx context.Context, dispute *model.Dispute, p *model.Payment, notes, resolvedBy string) error {
	db := s.d.DB.WithContext(ctx)
	events, err := s.d.Ledger.History(db, p.ID)
	if err != nil {
		return err
	}

	if ledger.LocateFunds(events) == ledger.FundsEscrowContract {
		escrow, err := s.d.Store.Escrow.GetByPaymentID(db, p.ID)
		if err != nil {
			return err
		}

		unlease, err := s.lease(ctx, p)
		if err != nil {
			return err
		}
		_, err = s.chain.Release(ctx, escrowchain.Call{
			PaymentID: p.ID,
			Hop:       model.HopRelease,
			Actor:     resolvedBy,
		}, escrow.ContractEscrowID)
		unlease()
		if err != nil {
			return errors.Wrap(err, "release escrow for refund")
		}
	}

	reason := fmt.Sprintf("dispute %s resolved: refund", dispute.ID)
	if notes != "" {
		reason = fmt.Sprintf("%s (%s)", reason, notes)
	}
	if _, err := s.orch.Rollback(ctx, p.ID, orchestrator.Trigger{Actor: resolvedBy}, reason); err != nil {
		return err
	}

	return store.DoInTx(s.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		won, err := s.d.Store.Dispute.Resolve(tx, dispute.ID, s.resolution(model.DisputeOutcomeRefund, notes, resolvedBy))
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		return s.note(tx, p.ID, resolvedBy, reason)
	})
}
