// Package statemachine owns the canonical payment status and its legal
// transitions. Every transition is one conditional update plus one ledger
// entry in the same database transaction.
package statemachine

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/store"
)

var (
	ErrForceReasonRequired = errors.New("force transition requires a reason")
	ErrStatusChanged       = errors.New("payment status changed concurrently")
)

var edges = map[model.PaymentStatus][]model.PaymentStatus{
	model.PaymentStatusInitiated: {model.PaymentStatusFunded},
	model.PaymentStatusFunded:    {model.PaymentStatusEscrowed},
	model.PaymentStatusEscrowed:  {model.PaymentStatusReleased, model.PaymentStatusDisputed},
	model.PaymentStatusReleased:  {model.PaymentStatusBridged, model.PaymentStatusDisputed},
	model.PaymentStatusBridged:   {model.PaymentStatusRedeemed},
	model.PaymentStatusRedeemed:  {model.PaymentStatusCompleted},
	model.PaymentStatusDisputed:  {model.PaymentStatusEscrowed, model.PaymentStatusReleased},
}

// CanTransition reports whether from -> to is a legal edge. Failed and
// cancelled are reachable from every non-terminal status.
func CanTransition(from, to model.PaymentStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == model.PaymentStatusFailed || to == model.PaymentStatusCancelled {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Evidence is what the triggering external call produced.
type Evidence struct {
	TxHash        string
	EscrowID      string
	DepositID     string
	RailPaymentID string
	Reason        string
}

func (e Evidence) ref() string {
	switch {
	case e.TxHash != "":
		return e.TxHash
	case e.RailPaymentID != "":
		return e.RailPaymentID
	case e.DepositID != "":
		return e.DepositID
	}
	return e.EscrowID
}

func (e Evidence) String() string {
	parts := []string{}
	if e.DepositID != "" {
		parts = append(parts, "deposit "+e.DepositID)
	}
	if e.EscrowID != "" {
		parts = append(parts, "escrow "+e.EscrowID)
	}
	if e.TxHash != "" {
		parts = append(parts, "tx "+e.TxHash)
	}
	if e.RailPaymentID != "" {
		parts = append(parts, "rail payment "+e.RailPaymentID)
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return strings.Join(parts, ", ")
}

// checkEvidence returns a description of what is missing for the edge.
func checkEvidence(from, to model.PaymentStatus, e Evidence) string {
	switch to {
	case model.PaymentStatusFunded:
		if e.DepositID == "" {
			return "deposit id"
		}
	case model.PaymentStatusEscrowed:
		if from == model.PaymentStatusDisputed {
			if e.Reason == "" {
				return "resolution reason"
			}
			return ""
		}
		if e.EscrowID == "" || e.TxHash == "" {
			return "escrow id and confirmed tx hash"
		}
	case model.PaymentStatusReleased:
		if from == model.PaymentStatusDisputed {
			if e.Reason == "" {
				return "resolution reason"
			}
			return ""
		}
		if e.TxHash == "" {
			return "confirmed release tx hash"
		}
	case model.PaymentStatusBridged:
		if e.TxHash == "" {
			return "confirmed bridge tx hash"
		}
	case model.PaymentStatusRedeemed:
		if e.RailPaymentID == "" {
			return "rail payment id"
		}
	case model.PaymentStatusDisputed, model.PaymentStatusFailed, model.PaymentStatusCancelled:
		if e.Reason == "" {
			return "reason"
		}
	}
	return ""
}

func evidenceColumns(from, to model.PaymentStatus, e Evidence) map[string]interface{} {
	cols := map[string]interface{}{}
	switch to {
	case model.PaymentStatusFunded:
		cols["deposit_id"] = e.DepositID
	case model.PaymentStatusEscrowed, model.PaymentStatusReleased, model.PaymentStatusBridged:
		if e.TxHash != "" {
			cols["chain_tx_hash"] = e.TxHash
		}
	case model.PaymentStatusRedeemed:
		cols["rail_payment_id"] = e.RailPaymentID
	case model.PaymentStatusFailed, model.PaymentStatusCancelled:
		cols["failure_reason"] = e.Reason
	case model.PaymentStatusDisputed:
		cols["pre_dispute_status"] = from
	}
	if from == model.PaymentStatusDisputed {
		cols["pre_dispute_status"] = ""
	}
	return cols
}

type Request struct {
	PaymentID string
	From      model.PaymentStatus
	To        model.PaymentStatus
	Evidence  Evidence
	Automatic bool
	Actor     string
	// Updates are extra payment columns written with the status.
	Updates map[string]interface{}
	// Apply runs inside the transition's database transaction after the
	// status swap succeeded.
	Apply func(tx *gorm.DB) error
}

type Machine struct {
	d *deps.Deps
}

func New(d *deps.Deps) *Machine {
	return &Machine{d: d}
}

// Transition applies one guarded transition. Illegal edges, missing evidence
// and lost races are logged and reported as (false, nil).
func (m *Machine) Transition(ctx context.Context, req Request) (bool, error) {
	fields := map[string]string{
		"paymentId": req.PaymentID,
		"from":      string(req.From),
		"to":        string(req.To),
	}

	if !CanTransition(req.From, req.To) {
		m.d.Logger.Info("[Transition][CanTransition] illegal transition ignored", fields)
		return false, nil
	}
	if missing := checkEvidence(req.From, req.To, req.Evidence); missing != "" {
		fields["missing"] = missing
		m.d.Logger.Info("[Transition][checkEvidence] transition ignored, missing evidence", fields)
		return false, nil
	}

	updates := evidenceColumns(req.From, req.To, req.Evidence)
	for k, v := range req.Updates {
		updates[k] = v
	}

	won := false
	err := store.DoInTx(m.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		ok, err := m.d.Store.Payment.CompareAndSwapStatus(tx, req.PaymentID, req.From, req.To, updates)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if req.Apply != nil {
			if err := req.Apply(tx); err != nil {
				return err
			}
		}

		description := fmt.Sprintf("%s -> %s", req.From, req.To)
		if ev := req.Evidence.String(); ev != "" {
			description = fmt.Sprintf("%s (%s)", description, ev)
		}
		_, err = m.d.Ledger.Append(tx, ledger.Entry{
			PaymentID:   req.PaymentID,
			Type:        model.EventStatusTransition,
			Description: description,
			ExternalRef: req.Evidence.ref(),
			Automatic:   req.Automatic,
			Actor:       req.Actor,
		})
		if err != nil {
			return err
		}

		won = true
		return nil
	})
	if err != nil {
		fields["error"] = err.Error()
		m.d.Logger.Error("[Transition][DoInTx] failed to apply transition", fields)
		return false, errors.Wrap(err, "apply transition")
	}

	if !won {
		m.d.Logger.Info("[Transition][CompareAndSwapStatus] status moved underneath, transition ignored", fields)
	}
	return won, nil
}

type ForceRequest struct {
	PaymentID string
	To        model.PaymentStatus
	Evidence  Evidence
	Actor     string
	Reason    string
}

// hopForForcedStatus names the hop whose confirmation a forced status asserts.
var hopForForcedStatus = map[model.PaymentStatus]model.Hop{
	model.PaymentStatusFunded:    model.HopFunding,
	model.PaymentStatusEscrowed:  model.HopCreateEscrow,
	model.PaymentStatusReleased:  model.HopRelease,
	model.PaymentStatusBridged:   model.HopBridgeTransfer,
	model.PaymentStatusRedeemed:  model.HopRedemption,
	model.PaymentStatusCompleted: model.HopWithdrawal,
}

var escrowStatusForPayment = map[model.PaymentStatus]model.EscrowStatus{
	model.PaymentStatusEscrowed:  model.EscrowStatusActive,
	model.PaymentStatusReleased:  model.EscrowStatusReleased,
	model.PaymentStatusDisputed:  model.EscrowStatusDisputed,
	model.PaymentStatusCompleted: model.EscrowStatusCompleted,
	model.PaymentStatusFailed:    model.EscrowStatusFailed,
	model.PaymentStatusCancelled: model.EscrowStatusFailed,
}

// ForceTransition is the privileged operator escape hatch. It skips the edge
// table but still swaps status conditionally and always writes a
// force_transition ledger entry. Evidence given with it is recorded as a
// manual hop confirmation so fund location stays derivable from the ledger.
func (m *Machine) ForceTransition(ctx context.Context, req ForceRequest) (*model.Payment, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrForceReasonRequired
	}

	var result *model.Payment
	err := store.DoInTx(m.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		payment, err := m.d.Store.Payment.GetByID(tx, req.PaymentID)
		if err != nil {
			return err
		}
		from := payment.Status

		updates := evidenceColumns(from, req.To, req.Evidence)
		if req.To == model.PaymentStatusFailed || req.To == model.PaymentStatusCancelled {
			updates["failure_reason"] = req.Reason
		}
		updates["escalated"] = false
		updates["escalation_class"] = ""
		updates["escalation_hop"] = ""
		updates["escalation_reason"] = ""
		updates["escalated_at"] = nil

		ok, err := m.d.Store.Payment.CompareAndSwapStatus(tx, req.PaymentID, from, req.To, updates)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStatusChanged
		}

		if escrowStatus, mapped := escrowStatusForPayment[req.To]; mapped {
			escrow, err := m.d.Store.Escrow.GetByPaymentID(tx, req.PaymentID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if escrow != nil {
				escrowUpdates := map[string]interface{}{"status": escrowStatus}
				if req.Evidence.EscrowID != "" {
					escrowUpdates["contract_escrow_id"] = req.Evidence.EscrowID
				}
				if req.To == model.PaymentStatusReleased && req.Evidence.TxHash != "" {
					escrowUpdates["release_tx_hash"] = req.Evidence.TxHash
				}
				if err := m.d.Store.Escrow.Update(tx, escrow.ID, escrowUpdates); err != nil {
					return err
				}
			}
		}

		_, err = m.d.Ledger.Append(tx, ledger.Entry{
			PaymentID:   req.PaymentID,
			Type:        model.EventForceTransition,
			Description: fmt.Sprintf("forced %s -> %s: %s", from, req.To, req.Reason),
			ExternalRef: req.Evidence.ref(),
			Actor:       req.Actor,
		})
		if err != nil {
			return err
		}

		if hop, ok := hopForForcedStatus[req.To]; ok && req.Evidence.ref() != "" {
			_, err = m.d.Ledger.Append(tx, ledger.Entry{
				PaymentID:   req.PaymentID,
				Type:        model.EventHopConfirmed,
				Hop:         hop,
				Description: fmt.Sprintf("%s confirmed by operator (%s)", hop, req.Evidence.String()),
				ExternalRef: req.Evidence.ref(),
				Actor:       req.Actor,
			})
			if err != nil {
				return err
			}
		}

		result, err = m.d.Store.Payment.GetByID(tx, req.PaymentID)
		return err
	})
	if err != nil {
		m.d.Logger.Error("[ForceTransition][DoInTx] failed to force transition", map[string]string{
			"paymentId": req.PaymentID,
			"to":        string(req.To),
			"error":     err.Error(),
		})
		return nil, err
	}

	m.d.Logger.Info("[ForceTransition] payment status forced", map[string]string{
		"paymentId": req.PaymentID,
		"to":        string(req.To),
		"actor":     req.Actor,
	})
	return result, nil
}
