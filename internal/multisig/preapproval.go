package multisig

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/store"
)

var ErrPreApprovalNotFound = errors.New("pre-approval not found")

func (g *Gate) CreatePreApproval(ctx context.Context, paymentID, createdBy string) (*model.PreApproval, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, ErrInvalidProposal
	}

	now := g.d.Now()
	preApproval := &model.PreApproval{
		ID:         uuid.NewString(),
		PaymentID:  paymentID,
		Signatures: datatypes.NewJSONType(map[string]string{}),
		CreatedBy:  createdBy,
		ExpiresAt:  now.Add(g.d.Config.MultiSig.PreApprovalTTL),
	}
	if _, err := g.d.Store.PreApproval.Create(g.d.DB.WithContext(ctx), preApproval); err != nil {
		return nil, err
	}
	return preApproval, nil
}

// SignPreApproval records signer's signature over the payment id.
func (g *Gate) SignPreApproval(ctx context.Context, id, signer, signature string) (*model.PreApproval, error) {
	var result *model.PreApproval
	err := store.DoInTx(g.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		preApproval, err := g.d.Store.PreApproval.GetByID(tx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPreApprovalNotFound
		}
		if err != nil {
			return err
		}
		if !g.d.Now().Before(preApproval.ExpiresAt) {
			return ErrExpired
		}

		addr, err := g.authorize(signer, PreApprovalMessage(preApproval.PaymentID), signature)
		if err != nil {
			return err
		}

		signatures := map[string]string{}
		for k, v := range preApproval.Signatures.Data() {
			signatures[k] = v
		}
		if _, ok := signatures[addr]; ok {
			return ErrDuplicateApproval
		}
		signatures[addr] = signature

		if err := g.d.Store.PreApproval.UpdateSignatures(tx, id, signatures); err != nil {
			return err
		}
		preApproval.Signatures = datatypes.NewJSONType(signatures)
		result = preApproval
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CleanupExpired rejects pending proposals past their expiry and deletes
// expired pre-approvals. Nothing is ever approved by expiry.
func (g *Gate) CleanupExpired(ctx context.Context) (int, int64, error) {
	db := g.d.DB.WithContext(ctx)
	now := g.d.Now()

	expired, err := g.d.Store.MultiSigTransaction.ListExpiredPending(db, now)
	if err != nil {
		return 0, 0, err
	}

	rejected := 0
	for _, transaction := range expired {
		won := false
		err := store.DoInTx(db, func(tx *gorm.DB) error {
			ok, err := g.d.Store.MultiSigTransaction.CompareAndSwapStatus(tx, transaction.ID, model.MultiSigStatusPending, model.MultiSigStatusRejected, map[string]interface{}{
				"rejected_by":      consts.ORCHESTRATOR_ACTOR,
				"rejection_reason": ExpiredReason,
			})
			if err != nil || !ok {
				return err
			}
			won = true
			return g.note(tx, transaction, consts.ORCHESTRATOR_ACTOR, "rejected: expired before reaching threshold")
		})
		if err != nil {
			g.d.Logger.Error("[CleanupExpired][CompareAndSwapStatus] failed to expire transaction", map[string]string{
				"id":    transaction.ID,
				"error": err.Error(),
			})
			continue
		}
		if won {
			rejected++
		}
	}

	deleted, err := g.d.Store.PreApproval.DeleteExpired(db, now)
	if err != nil {
		return rejected, 0, err
	}
	return rejected, deleted, nil
}
