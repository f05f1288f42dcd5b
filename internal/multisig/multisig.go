// Package multisig is the M-of-N approval gate in front of high-value
// transfers. A transaction moves PENDING -> APPROVED -> EXECUTING -> EXECUTED,
// or to REJECTED from PENDING or APPROVED, which is terminal. Approvals are append-only and unique per
// signer.
package multisig

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/store"
	"github.com/dwarvesf/escrow-settlement/internal/store/multisigtransaction"
)

var (
	ErrNotFound          = errors.New("multisig transaction not found")
	ErrNotSigner         = errors.New("address is not a registered signer")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrDuplicateApproval = errors.New("signer already approved")
	ErrNotPending        = errors.New("transaction is not pending")
	ErrNotApproved       = errors.New("transaction is not approved")
	ErrExpired           = errors.New("transaction expired")
	ErrThresholdNotMet   = errors.New("approval threshold not met")
	ErrInvalidProposal   = errors.New("invalid proposal")

	ErrExecutionInProgress = errors.New("transaction is being executed")
)

const (
	TypeBridgeTransfer = "bridge_transfer"
	TypeTransfer       = "transfer"

	SourceSigner      = "signer"
	SourcePreApproval = "preapproval"

	ExpiredReason = "expired"

	defaultClaimTTL = 15 * time.Minute
)

// IDispatcher sends an approved transfer from the bridge wallet.
type IDispatcher interface {
	Dispatch(ctx context.Context, call escrowchain.Call, destination string, amount decimal.Decimal) (*escrowchain.Result, error)
}

type ProposeRequest struct {
	PaymentID   string
	Destination string
	Value       decimal.Decimal
	Payload     string
	Type        string
	Creator     string
	Metadata    map[string]interface{}
}

type Config struct {
	Signers        []string        `json:"signers"`
	Threshold      int             `json:"threshold"`
	ValueThreshold decimal.Decimal `json:"valueThreshold"`
	ExpirySeconds  int64           `json:"expirySeconds"`
}

type Statistics struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Approved  int64 `json:"approved"`
	Executing int64 `json:"executing"`
	Rejected  int64 `json:"rejected"`
	Executed  int64 `json:"executed"`
	Threshold int   `json:"threshold"`
	Signers   int   `json:"signers"`
}

type IGate interface {
	RequiresApproval(value decimal.Decimal) bool
	Propose(ctx context.Context, req ProposeRequest) (*model.MultiSigTransaction, error)
	Approve(ctx context.Context, id, signer, signature string) (*model.MultiSigTransaction, error)
	Reject(ctx context.Context, id, signer, signature, reason string) (*model.MultiSigTransaction, error)
	Execute(ctx context.Context, id, executor string) (*model.MultiSigTransaction, error)
	Get(ctx context.Context, id string) (*model.MultiSigTransaction, error)
	LatestForPayment(ctx context.Context, paymentID, txType string) (*model.MultiSigTransaction, error)
	Pending(ctx context.Context) ([]*model.MultiSigTransaction, error)
	List(ctx context.Context, filter multisigtransaction.ListFilter) ([]*model.MultiSigTransaction, int64, error)
	Statistics(ctx context.Context) (*Statistics, error)
	Config() Config

	CreatePreApproval(ctx context.Context, paymentID, createdBy string) (*model.PreApproval, error)
	SignPreApproval(ctx context.Context, id, signer, signature string) (*model.PreApproval, error)
	CleanupExpired(ctx context.Context) (rejected int, deleted int64, err error)
}

type Gate struct {
	d          *deps.Deps
	dispatcher IDispatcher
	signers    map[string]bool
}

func New(d *deps.Deps, dispatcher IDispatcher) *Gate {
	signers := map[string]bool{}
	for _, s := range d.Config.MultiSig.Signers {
		if addr := NormalizeAddress(s); addr != "" {
			signers[addr] = true
		}
	}
	return &Gate{d: d, dispatcher: dispatcher, signers: signers}
}

func (g *Gate) Config() Config {
	cfg := g.d.Config.MultiSig
	signers := make([]string, 0, len(cfg.Signers))
	for _, s := range cfg.Signers {
		if addr := NormalizeAddress(s); addr != "" {
			signers = append(signers, addr)
		}
	}
	return Config{
		Signers:        signers,
		Threshold:      cfg.Threshold,
		ValueThreshold: cfg.ValueThreshold,
		ExpirySeconds:  int64(cfg.Expiry.Seconds()),
	}
}

// RequiresApproval reports whether a transfer of value must pass the gate.
func (g *Gate) RequiresApproval(value decimal.Decimal) bool {
	return value.GreaterThan(g.d.Config.MultiSig.ValueThreshold)
}

func (g *Gate) authorize(signer, message, signature string) (string, error) {
	addr := NormalizeAddress(signer)
	if addr == "" || !g.signers[addr] {
		return "", ErrNotSigner
	}
	if err := VerifySignature(addr, message, signature); err != nil {
		return "", err
	}
	return addr, nil
}

func (g *Gate) Propose(ctx context.Context, req ProposeRequest) (*model.MultiSigTransaction, error) {
	destination := NormalizeAddress(req.Destination)
	if destination == "" || !req.Value.IsPositive() || strings.TrimSpace(req.Creator) == "" {
		return nil, ErrInvalidProposal
	}
	txType := req.Type
	if txType == "" {
		txType = TypeTransfer
	}

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidProposal, err.Error())
		}
		metadata = raw
	}

	now := g.d.Now()
	transaction := &model.MultiSigTransaction{
		ID:          uuid.NewString(),
		PaymentID:   req.PaymentID,
		Destination: destination,
		Value:       req.Value,
		Payload:     req.Payload,
		Type:        txType,
		Status:      model.MultiSigStatusPending,
		Creator:     req.Creator,
		Metadata:    metadata,
		Threshold:   g.d.Config.MultiSig.Threshold,
		ExpiresAt:   now.Add(g.d.Config.MultiSig.Expiry),
	}

	err := store.DoInTx(g.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		// pre-approvals were given for the first proposal; a replacement
		// goes back to the signers
		replacement := false
		if req.PaymentID != "" {
			_, err := g.d.Store.MultiSigTransaction.LatestByPaymentAndType(tx, req.PaymentID, txType)
			switch {
			case err == nil:
				replacement = true
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		if _, err := g.d.Store.MultiSigTransaction.Create(tx, transaction); err != nil {
			return err
		}

		if req.PaymentID != "" {
			description := fmt.Sprintf("proposed %s of %s to %s", txType, req.Value, destination)
			if replacement {
				description += ", replaces an earlier proposal, pre-approvals not imported"
			} else {
				imported, err := g.importPreApprovals(tx, transaction)
				if err != nil {
					return err
				}
				description += fmt.Sprintf(", %d pre-approvals imported", imported)
			}
			_, err := g.d.Ledger.Append(tx, ledger.Entry{
				PaymentID:   req.PaymentID,
				Type:        model.EventMultiSig,
				Hop:         model.HopBridgeTransfer,
				Description: description,
				ExternalRef: transaction.ID,
				Automatic:   req.Creator == consts.ORCHESTRATOR_ACTOR,
				Actor:       req.Creator,
			})
			if err != nil {
				return err
			}
		}
		return g.settleCount(tx, transaction.ID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "propose multisig transaction")
	}

	g.d.Logger.Info("[Propose] multisig transaction proposed", map[string]string{
		"id":        transaction.ID,
		"paymentId": req.PaymentID,
		"value":     req.Value.String(),
	})
	return g.Get(ctx, transaction.ID)
}

// importPreApprovals turns valid unexpired pre-approval signatures for the
// payment into approvals. Only the first proposal for a payment imports them.
func (g *Gate) importPreApprovals(tx *gorm.DB, transaction *model.MultiSigTransaction) (int, error) {
	preApprovals, err := g.d.Store.PreApproval.ListActiveByPayment(tx, transaction.PaymentID, g.d.Now())
	if err != nil {
		return 0, err
	}

	imported := 0
	seen := map[string]bool{}
	for _, pa := range preApprovals {
		for signer, signature := range pa.Signatures.Data() {
			addr := NormalizeAddress(signer)
			if addr == "" || !g.signers[addr] || seen[addr] {
				continue
			}
			if VerifySignature(addr, PreApprovalMessage(transaction.PaymentID), signature) != nil {
				continue
			}
			seen[addr] = true
			_, err := g.d.Store.MultiSigTransaction.CreateApproval(tx, &model.MultiSigApproval{
				TransactionID: transaction.ID,
				Signer:        addr,
				Signature:     signature,
				Source:        SourcePreApproval,
			})
			if err != nil {
				return 0, err
			}
			imported++
		}
	}
	return imported, nil
}

// settleCount stores the approval count and flips PENDING to APPROVED once
// it reaches the snapshotted threshold.
func (g *Gate) settleCount(tx *gorm.DB, id string) error {
	transaction, err := g.d.Store.MultiSigTransaction.GetByID(tx, id)
	if err != nil {
		return err
	}
	count, err := g.d.Store.MultiSigTransaction.CountApprovals(tx, id)
	if err != nil {
		return err
	}

	to := model.MultiSigStatusPending
	if int(count) >= transaction.Threshold {
		to = model.MultiSigStatusApproved
	}
	ok, err := g.d.Store.MultiSigTransaction.CompareAndSwapStatus(tx, id, model.MultiSigStatusPending, to, map[string]interface{}{
		"approval_count": count,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

func (g *Gate) Approve(ctx context.Context, id, signer, signature string) (*model.MultiSigTransaction, error) {
	addr, err := g.authorize(signer, ApprovalMessage(id), signature)
	if err != nil {
		return nil, err
	}

	err = store.DoInTx(g.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		transaction, err := g.load(tx, id)
		if err != nil {
			return err
		}
		if transaction.Status != model.MultiSigStatusPending {
			return ErrNotPending
		}
		if !g.d.Now().Before(transaction.ExpiresAt) {
			return ErrExpired
		}

		dup, err := g.d.Store.MultiSigTransaction.HasApproval(tx, id, addr)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateApproval
		}

		_, err = g.d.Store.MultiSigTransaction.CreateApproval(tx, &model.MultiSigApproval{
			TransactionID: id,
			Signer:        addr,
			Signature:     signature,
			Source:        SourceSigner,
		})
		if err != nil {
			// the unique index settles concurrent approvals by the same signer
			if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
				return ErrDuplicateApproval
			}
			return err
		}
		if err := g.settleCount(tx, id); err != nil {
			return err
		}
		return g.note(tx, transaction, addr, fmt.Sprintf("approved by %s", addr))
	})
	if err != nil {
		return nil, err
	}
	return g.Get(ctx, id)
}

// Reject is terminal: a rejected transaction must be proposed again.
func (g *Gate) Reject(ctx context.Context, id, signer, signature, reason string) (*model.MultiSigTransaction, error) {
	addr, err := g.authorize(signer, RejectionMessage(id), signature)
	if err != nil {
		return nil, err
	}

	err = store.DoInTx(g.d.DB.WithContext(ctx), func(tx *gorm.DB) error {
		transaction, err := g.load(tx, id)
		if err != nil {
			return err
		}
		if transaction.Status != model.MultiSigStatusPending && transaction.Status != model.MultiSigStatusApproved {
			return ErrNotPending
		}

		ok, err := g.d.Store.MultiSigTransaction.CompareAndSwapStatus(tx, id, transaction.Status, model.MultiSigStatusRejected, map[string]interface{}{
			"rejected_by":      addr,
			"rejection_reason": reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotPending
		}
		return g.note(tx, transaction, addr, fmt.Sprintf("rejected by %s: %s", addr, reason))
	})
	if err != nil {
		return nil, err
	}
	return g.Get(ctx, id)
}

// Execute dispatches an approved transaction. The caller first claims it
// (APPROVED -> EXECUTING), so only one executor dispatches at a time and a
// rejection cannot land once funds may be moving. It becomes EXECUTED only
// after the transfer is confirmed on-chain.
func (g *Gate) Execute(ctx context.Context, id, executor string) (*model.MultiSigTransaction, error) {
	transaction, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch transaction.Status {
	case model.MultiSigStatusExecuted:
		return transaction, nil
	case model.MultiSigStatusApproved, model.MultiSigStatusExecuting:
	default:
		return nil, ErrNotApproved
	}

	count, err := g.d.Store.MultiSigTransaction.CountApprovals(g.d.DB.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	required := transaction.Threshold
	if current := g.d.Config.MultiSig.Threshold; current > required {
		required = current
	}
	if int(count) < required {
		return nil, ErrThresholdNotMet
	}

	holder := fmt.Sprintf("%s/%s", executor, uuid.NewString())
	now := g.d.Now()
	claimed, err := g.d.Store.MultiSigTransaction.ClaimExecution(g.d.DB.WithContext(ctx), id, holder, now, now.Add(g.claimTTL()))
	if err != nil {
		return nil, err
	}
	if !claimed {
		current, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case model.MultiSigStatusExecuted:
			return current, nil
		case model.MultiSigStatusExecuting:
			return nil, ErrExecutionInProgress
		}
		return nil, ErrNotApproved
	}

	call := escrowchain.Call{
		PaymentID: transaction.PaymentID,
		Hop:       model.HopBridgeTransfer,
		Actor:     executor,
		Automatic: executor == consts.ORCHESTRATOR_ACTOR,
	}
	if transaction.PaymentID == "" {
		// standalone transfers are keyed by the multisig id
		call.PaymentID = transaction.ID
		call.Hop = model.HopMultiSigTransfer
	}

	res, err := g.dispatcher.Dispatch(ctx, call, transaction.Destination, transaction.Value)
	if err != nil {
		g.d.Logger.Error("[Execute][Dispatch] multisig transfer failed", map[string]string{
			"id":    id,
			"error": err.Error(),
		})
		g.unclaim(ctx, id, holder, call)
		return nil, err
	}

	// the transfer is confirmed; record it even if the caller went away
	db := g.d.DB.WithContext(context.WithoutCancel(ctx))
	now = g.d.Now()
	err = store.DoInTx(db, func(tx *gorm.DB) error {
		ok, err := g.d.Store.MultiSigTransaction.SettleClaim(tx, id, holder, model.MultiSigStatusExecuted, map[string]interface{}{
			"executed_by":       executor,
			"execution_tx_hash": res.TxHash,
			"executed_at":       now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrExecutionInProgress
		}
		return g.note(tx, transaction, executor, fmt.Sprintf("executed by %s in %s", executor, res.TxHash))
	})
	if errors.Is(err, ErrExecutionInProgress) {
		// the claim lapsed and was taken over; the new holder resumes the same
		// ledger key and settles the row
		current, gerr := g.load(db, id)
		if gerr == nil && current.Status == model.MultiSigStatusExecuted {
			return current, nil
		}
		g.d.Logger.Error("[Execute][SettleClaim] execution claim lost after transfer", map[string]string{
			"id":     id,
			"txHash": res.TxHash,
		})
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return g.load(db, id)
}

// unclaim hands a failed execution back. With nothing broadcast for the hop
// the transaction returns to APPROVED and may still be rejected. Otherwise it
// stays EXECUTING with a lapsed claim so the next executor resumes the hash.
func (g *Gate) unclaim(ctx context.Context, id, holder string, call escrowchain.Call) {
	db := g.d.DB.WithContext(context.WithoutCancel(ctx))

	to := model.MultiSigStatusApproved
	var updates map[string]interface{}
	history, err := g.d.Ledger.HopHistory(db, call.PaymentID, call.Hop)
	_, confirmed := ledger.ConfirmedRef(history, call.Hop)
	if err != nil || confirmed || len(ledger.InFlightRefs(history, call.Hop)) > 0 {
		to = model.MultiSigStatusExecuting
		updates = map[string]interface{}{
			"claimed_by":    holder,
			"claimed_until": g.d.Now(),
		}
	}

	if _, err := g.d.Store.MultiSigTransaction.SettleClaim(db, id, holder, to, updates); err != nil {
		g.d.Logger.Error("[unclaim][SettleClaim] release execution claim failed", map[string]string{
			"id":    id,
			"error": err.Error(),
		})
	}
}

func (g *Gate) claimTTL() time.Duration {
	if ttl := g.d.Config.Blockchain.ChainCallTimeout; ttl > 0 {
		return ttl
	}
	return defaultClaimTTL
}

func (g *Gate) note(tx *gorm.DB, transaction *model.MultiSigTransaction, actor, description string) error {
	if transaction.PaymentID == "" {
		return nil
	}
	_, err := g.d.Ledger.Append(tx, ledger.Entry{
		PaymentID:   transaction.PaymentID,
		Type:        model.EventMultiSig,
		Hop:         model.HopBridgeTransfer,
		Description: description,
		ExternalRef: transaction.ID,
		Automatic:   actor == consts.ORCHESTRATOR_ACTOR,
		Actor:       actor,
	})
	return err
}

func (g *Gate) load(tx *gorm.DB, id string) (*model.MultiSigTransaction, error) {
	transaction, err := g.d.Store.MultiSigTransaction.GetByID(tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return transaction, err
}

func (g *Gate) Get(ctx context.Context, id string) (*model.MultiSigTransaction, error) {
	return g.load(g.d.DB.WithContext(ctx), id)
}

func (g *Gate) LatestForPayment(ctx context.Context, paymentID, txType string) (*model.MultiSigTransaction, error) {
	transaction, err := g.d.Store.MultiSigTransaction.LatestByPaymentAndType(g.d.DB.WithContext(ctx), paymentID, txType)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return transaction, err
}

func (g *Gate) Pending(ctx context.Context) ([]*model.MultiSigTransaction, error) {
	transactions, _, err := g.d.Store.MultiSigTransaction.List(g.d.DB.WithContext(ctx), multisigtransaction.ListFilter{
		Status: model.MultiSigStatusPending,
		Limit:  500,
	})
	return transactions, err
}

func (g *Gate) List(ctx context.Context, filter multisigtransaction.ListFilter) ([]*model.MultiSigTransaction, int64, error) {
	return g.d.Store.MultiSigTransaction.List(g.d.DB.WithContext(ctx), filter)
}

func (g *Gate) Statistics(ctx context.Context) (*Statistics, error) {
	counts, err := g.d.Store.MultiSigTransaction.CountByStatus(g.d.DB.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	stats := &Statistics{
		Pending:   counts[model.MultiSigStatusPending],
		Approved:  counts[model.MultiSigStatusApproved],
		Rejected:  counts[model.MultiSigStatusRejected],
		Executing: counts[model.MultiSigStatusExecuting],
		Executed:  counts[model.MultiSigStatusExecuted],
		Threshold: g.d.Config.MultiSig.Threshold,
		Signers:   len(g.signers),
	}
	stats.Total = stats.Pending + stats.Approved + stats.Executing + stats.Rejected + stats.Executed
	return stats, nil
}
