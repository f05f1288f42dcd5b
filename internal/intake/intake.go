// Package intake registers payments handed over by the platform and lets
// them be cancelled before any funds reach the escrow contract.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
	"github.com/dwarvesf/escrow-settlement/internal/store"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrAlreadyExists   = errors.New("payment already registered")
	ErrInvalidPayment  = errors.New("invalid payment")
	ErrNotCancellable  = errors.New("payment can only be cancelled before it is escrowed")
	ErrPaymentBusy     = errors.New("payment is being processed, try again")
)

var hundred = decimal.NewFromInt(100)

type CreateRequest struct {
	ID                    string
	Amount                decimal.Decimal
	Currency              string
	PayerRef              string
	PayeeRef              string
	PayerAddress          string
	PayeeAddress          string
	PayeeBankAccount      string
	CustodyPercent        decimal.Decimal
	CustodyDeadline       time.Time
	CommissionPercent     decimal.Decimal
	CommissionBeneficiary string
	CommissionBankAccount string
	Actor                 string
}

// Detail is a payment with everything recorded about it.
type Detail struct {
	Payment *model.Payment        `json:"payment"`
	Escrow  *model.Escrow         `json:"escrow,omitempty"`
	Events  []*model.PaymentEvent `json:"events"`
}

type IService interface {
	Create(ctx context.Context, req CreateRequest) (*model.Payment, error)
	Get(ctx context.Context, id string) (*Detail, error)
	Cancel(ctx context.Context, id, reason, actor string) (*model.Payment, error)
}

type Service struct {
	d       *deps.Deps
	machine *statemachine.Machine
}

func New(d *deps.Deps, machine *statemachine.Machine) *Service {
	return &Service{d: d, machine: machine}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalidPayment, fmt.Sprintf(format, args...))
}

func (s *Service) validate(req CreateRequest) error {
	if !req.Amount.IsPositive() {
		return invalid("amount must be positive")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return invalid("currency is required")
	}
	if !common.IsHexAddress(req.PayerAddress) || !common.IsHexAddress(req.PayeeAddress) {
		return invalid("payer and payee addresses must be hex addresses")
	}
	if req.CustodyPercent.IsNegative() || req.CustodyPercent.GreaterThan(hundred) {
		return invalid("custody percent must be between 0 and 100")
	}
	if req.CommissionPercent.IsNegative() || req.CommissionPercent.GreaterThan(hundred) {
		return invalid("commission percent must be between 0 and 100")
	}
	if req.CommissionPercent.IsPositive() && (req.CommissionBeneficiary == "" || req.CommissionBankAccount == "") {
		return invalid("commission requires a beneficiary and a bank account")
	}
	if req.CustodyDeadline.IsZero() || !req.CustodyDeadline.After(s.d.Now()) {
		return invalid("custody deadline must be in the future")
	}
	return nil
}

// Create stores a new payment at initiated. The sweep picks it up once the
// payer's deposit shows on the rail.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Payment, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p := &model.Payment{
		ID:                    req.ID,
		Amount:                req.Amount,
		Currency:              strings.ToUpper(req.Currency),
		Status:                model.PaymentStatusInitiated,
		PayerRef:              req.PayerRef,
		PayeeRef:              req.PayeeRef,
		PayerAddress:          common.HexToAddress(req.PayerAddress).Hex(),
		PayeeAddress:          common.HexToAddress(req.PayeeAddress).Hex(),
		PayeeBankAccount:      req.PayeeBankAccount,
		CustodyPercent:        req.CustodyPercent,
		CustodyDeadline:       req.CustodyDeadline.UTC(),
		CommissionPercent:     req.CommissionPercent,
		CommissionBeneficiary: req.CommissionBeneficiary,
		CommissionBankAccount: req.CommissionBankAccount,
	}

	err := store.DoInTx(s.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		if _, err := s.d.Store.Payment.GetByID(tx, p.ID); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if _, err := s.d.Store.Payment.Create(tx, p); err != nil {
			return err
		}
		_, err := s.d.Ledger.Append(tx, ledger.Entry{
			PaymentID:   p.ID,
			Type:        model.EventManualAction,
			Description: fmt.Sprintf("payment registered: %s %s", p.Amount, p.Currency),
			Actor:       req.Actor,
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			s.d.Logger.Error("[Create][DoInTx] failed to register payment", map[string]string{
				"paymentId": p.ID,
				"error":     err.Error(),
			})
		}
		return nil, err
	}

	s.d.Logger.Info("[Create] payment registered", map[string]string{
		"paymentId": p.ID,
		"amount":    p.Amount.String(),
		"currency":  p.Currency,
	})
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	db := s.d.DB.WithContext(ctx)
	p, err := s.d.Store.Payment.GetByID(db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	detail := &Detail{Payment: p}
	escrow, err := s.d.Store.Escrow.GetByPaymentID(db, id)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	detail.Escrow = escrow

	if detail.Events, err = s.d.Ledger.History(db, id); err != nil {
		return nil, err
	}
	return detail, nil
}

// Cancel stops a payment at initiated or funded. A funded payment whose
// escrow creation was already broadcast is not cancellable: the funds may
// be on chain and only a rollback can recover them.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*model.Payment, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by " + actor
	}

	db := s.d.DB.WithContext(ctx)
	p, err := s.d.Store.Payment.GetByID(db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentStatusInitiated && p.Status != model.PaymentStatusFunded {
		return nil, ErrNotCancellable
	}

	owner := "intake/" + uuid.NewString()
	now := s.d.Now()
	claimed, err := s.d.Store.Payment.ClaimLease(db, id, p.Status, owner, now, now.Add(s.d.Config.Settlement.LeaseDuration))
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrPaymentBusy
	}
	defer func() {
		_ = s.d.Store.Payment.ReleaseLease(s.d.DB.WithContext(context.WithoutCancel(ctx)), id, owner)
	}()

	submitted, err := s.d.Ledger.HopHistory(db, id, model.HopCreateEscrow)
	if err != nil {
		return nil, err
	}
	for _, e := range submitted {
		if e.Type == model.EventHopSubmitted || e.Type == model.EventHopConfirmed {
			return nil, ErrNotCancellable
		}
	}

	ok, err := s.machine.Transition(ctx, statemachine.Request{
		PaymentID: id,
		From:      p.Status,
		To:        model.PaymentStatusCancelled,
		Evidence:  statemachine.Evidence{Reason: reason},
		Actor:     actor,
		Apply: func(tx *gorm.DB) error {
			escrow, err := s.d.Store.Escrow.GetByPaymentID(tx, id)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return s.d.Store.Escrow.Update(tx, escrow.ID, map[string]interface{}{"status": model.EscrowStatusFailed})
		},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotCancellable
	}

	s.d.Logger.Info("[Cancel] payment cancelled", map[string]string{
		"paymentId": id,
		"actor":     actor,
	})
	return s.d.Store.Payment.GetByID(db, id)
}
