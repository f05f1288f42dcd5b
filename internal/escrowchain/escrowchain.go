// Package escrowchain is the blockchain side of a settlement. Every call is
// keyed by (payment id, hop) in the ledger: a confirmed hop is never
// resubmitted and an in-flight hash is polled instead of broadcasting again.
// One caller at a time holds a key, through a claim row.
package escrowchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
)

// ErrHopBusy is returned while another caller holds the claim on the same
// (payment id, hop).
var ErrHopBusy = errors.New("chain call already in progress for hop")

const defaultClaimTTL = 15 * time.Minute

type Call struct {
	PaymentID string
	Hop       model.Hop
	Actor     string
	Automatic bool
}

// ForHop returns a copy of c addressed to hop.
func (c Call) ForHop(hop model.Hop) Call {
	c.Hop = hop
	return c
}

type Result struct {
	TxHash string
	// Reused is set when the hop was already confirmed before this call.
	Reused bool
}

type IAdapter interface {
	ApproveAllowance(ctx context.Context, call Call, token, spender string, amount *big.Int) (*Result, error)
	CreateEscrow(ctx context.Context, call Call, params baserpc.CreateEscrowParams) (string, *Result, error)
	Release(ctx context.Context, call Call, escrowID string) (*Result, error)
	Transfer(ctx context.Context, call Call, token, to string, amount *big.Int) (*Result, error)
}

type Adapter struct {
	d *deps.Deps
}

func New(d *deps.Deps) *Adapter {
	return &Adapter{d: d}
}

func (a *Adapter) ApproveAllowance(ctx context.Context, call Call, token, spender string, amount *big.Int) (*Result, error) {
	_, confirmed, err := a.confirmedRef(ctx, call)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		// an allowance already in place needs no transaction
		current, err := a.d.Chain.Allowance(ctx, token, a.d.Chain.BridgeAddress(), spender)
		if err == nil && current.Cmp(amount) >= 0 {
			if err := a.record(ctx, call, model.EventHopConfirmed, "", "", "allowance already sufficient"); err != nil {
				return nil, err
			}
			return &Result{}, nil
		}
	}

	return a.execute(ctx, call, func(ctx context.Context) (string, error) {
		return a.d.Chain.ApproveAllowance(ctx, token, spender, amount)
	})
}

// CreateEscrow returns the contract escrow id read from the confirmed receipt.
func (a *Adapter) CreateEscrow(ctx context.Context, call Call, params baserpc.CreateEscrowParams) (string, *Result, error) {
	res, err := a.execute(ctx, call, func(ctx context.Context) (string, error) {
		return a.d.Chain.CreateEscrow(ctx, params)
	})
	if err != nil {
		return "", nil, err
	}

	escrowID, err := a.d.Chain.EscrowIDFromReceipt(ctx, res.TxHash)
	if err != nil {
		return "", res, errors.Wrap(err, "read escrow id")
	}
	return escrowID, res, nil
}

func (a *Adapter) Release(ctx context.Context, call Call, escrowID string) (*Result, error) {
	return a.execute(ctx, call, func(ctx context.Context) (string, error) {
		return a.d.Chain.Release(ctx, escrowID)
	})
}

func (a *Adapter) Transfer(ctx context.Context, call Call, token, to string, amount *big.Int) (*Result, error) {
	return a.execute(ctx, call, func(ctx context.Context) (string, error) {
		return a.d.Chain.Transfer(ctx, token, to, amount)
	})
}

func (a *Adapter) confirmedRef(ctx context.Context, call Call) (string, bool, error) {
	history, err := a.d.Ledger.HopHistory(a.d.DB.WithContext(ctx), call.PaymentID, call.Hop)
	if err != nil {
		return "", false, failure.Transient("read ledger", err)
	}
	ref, ok := ledger.ConfirmedRef(history, call.Hop)
	return ref, ok, nil
}

func (a *Adapter) execute(ctx context.Context, call Call, submit func(ctx context.Context) (string, error)) (*Result, error) {
	fields := map[string]string{
		"paymentId": call.PaymentID,
		"hop":       string(call.Hop),
	}

	release, err := a.claim(ctx, call)
	if err != nil {
		return nil, err
	}
	defer release()

	history, err := a.d.Ledger.HopHistory(a.d.DB.WithContext(ctx), call.PaymentID, call.Hop)
	if err != nil {
		return nil, failure.Transient("read ledger", err)
	}
	if ref, ok := ledger.ConfirmedRef(history, call.Hop); ok {
		return &Result{TxHash: ref, Reused: true}, nil
	}

	refs := ledger.InFlightRefs(history, call.Hop)
	if len(refs) > 0 {
		fields["txHash"] = refs[len(refs)-1]
		a.d.Logger.Info("[execute][InFlightRefs] resuming in-flight transaction", fields)
	} else {
		hash, err := submit(ctx)
		if err != nil {
			class := failure.Classify(err)
			if rerr := a.record(ctx, call, model.EventHopFailed, "", class, "submit failed: "+err.Error()); rerr != nil {
				return nil, rerr
			}
			return nil, err
		}
		if err := a.record(ctx, call, model.EventHopSubmitted, hash, "", "submitted"); err != nil {
			// the transaction is on the wire; the hash must reach an operator
			fields["txHash"] = hash
			fields["error"] = err.Error()
			a.d.Logger.Error("[execute][record] broadcast transaction not recorded", fields)
			return nil, err
		}
		refs = []string{hash}
	}

	return a.await(ctx, call, refs)
}

// claim takes the (payment id, hop) claim so that the ledger read and the
// broadcast below are not interleaved with another caller's. The returned
// func gives the claim back.
func (a *Adapter) claim(ctx context.Context, call Call) (func(), error) {
	ttl := a.d.Config.Blockchain.ChainCallTimeout
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	holder := uuid.NewString()
	now := a.d.Now()

	db := a.d.DB.WithContext(context.WithoutCancel(ctx))
	ok, err := a.d.Store.HopClaim.Acquire(db, &model.HopClaim{
		PaymentID: call.PaymentID,
		Hop:       call.Hop,
		Holder:    holder,
		ExpiresAt: now.Add(ttl),
	}, now)
	if err != nil {
		return nil, failure.Transient("claim hop", err)
	}
	if !ok {
		return nil, failure.Transient("hop call in progress", ErrHopBusy)
	}

	return func() {
		if err := a.d.Store.HopClaim.Release(db, call.PaymentID, call.Hop, holder); err != nil {
			a.d.Logger.Error("[claim][Release] release hop claim failed", map[string]string{
				"paymentId": call.PaymentID,
				"hop":       string(call.Hop),
				"error":     err.Error(),
			})
		}
	}, nil
}

// await polls refs until one reaches the confirmation depth. When the
// newest ref stays pending past the timeout it is replaced with a fee bump,
// at most MaxFeeBumps times per hop.
func (a *Adapter) await(ctx context.Context, call Call, refs []string) (*Result, error) {
	cfg := a.d.Config.Blockchain
	bumps := len(refs) - 1

	poll := time.NewTicker(cfg.PollInterval)
	defer poll.Stop()
	timeout := time.NewTimer(cfg.ConfirmationTimeout)
	defer timeout.Stop()

	var (
		latest  *baserpc.TxStatus
		lastErr error
	)
	for {
		obs, err := a.observe(ctx, refs)
		if err != nil {
			lastErr = err
		} else {
			latest = obs.latest
			switch {
			case obs.confirmed != "":
				if err := a.record(ctx, call, model.EventHopConfirmed, obs.confirmed, "", "confirmed"); err != nil {
					return nil, err
				}
				return &Result{TxHash: obs.confirmed}, nil
			case obs.reverted != "":
				reason := fmt.Sprintf("transaction %s reverted", obs.reverted)
				if err := a.record(ctx, call, model.EventHopFailed, obs.reverted, failure.ClassPermanent, reason); err != nil {
					return nil, err
				}
				return nil, failure.Permanent("reverted", errors.New(reason))
			}
		}

		select {
		case <-ctx.Done():
			// broadcast transactions stay in flight and are polled on the next run
			return nil, failure.Transient("confirmation wait cancelled", ctx.Err())
		case <-poll.C:
			continue
		case <-timeout.C:
		}

		newest := refs[len(refs)-1]
		switch {
		case latest == nil:
			reason := "chain unreachable while awaiting confirmation"
			if err := a.record(ctx, call, model.EventHopFailed, "", failure.ClassTransient, reason); err != nil {
				return nil, err
			}
			return nil, failure.Transient(reason, lastErr)

		case latest.State == baserpc.TxMined:
			reason := fmt.Sprintf("transaction %s below confirmation depth", latest.Hash)
			if err := a.record(ctx, call, model.EventHopFailed, "", failure.ClassTransient, reason); err != nil {
				return nil, err
			}
			return nil, failure.Transient(reason, nil)

		case latest.State == baserpc.TxNotFound:
			reason := fmt.Sprintf("transaction %s dropped", newest)
			if err := a.record(ctx, call, model.EventHopFailed, newest, failure.ClassTransient, reason); err != nil {
				return nil, err
			}
			return nil, failure.Transient(reason, nil)
		}

		// still pending
		if bumps >= cfg.MaxFeeBumps {
			reason := fmt.Sprintf("transaction %s pending after %d fee bumps", newest, bumps)
			if err := a.record(ctx, call, model.EventHopFailed, "", failure.ClassStuck, reason); err != nil {
				return nil, err
			}
			return nil, failure.Stuck(reason, nil)
		}

		replacement, err := a.d.Chain.SpeedUp(ctx, newest, cfg.FeeBumpPercent)
		if err != nil {
			if errors.Is(err, baserpc.ErrNotPending) {
				// mined between the last poll and now
				timeout.Reset(cfg.PollInterval)
				continue
			}
			reason := "fee bump failed: " + err.Error()
			if rerr := a.record(ctx, call, model.EventHopFailed, "", failure.ClassStuck, reason); rerr != nil {
				return nil, rerr
			}
			return nil, failure.Stuck("fee bump failed", err)
		}

		bumps++
		if err := a.record(ctx, call, model.EventHopSubmitted, replacement, "", fmt.Sprintf("fee bump %d replacing %s", bumps, newest)); err != nil {
			return nil, err
		}
		refs = append(refs, replacement)
		timeout.Reset(cfg.ConfirmationTimeout)
	}
}

type observation struct {
	confirmed string
	reverted  string
	// latest is the status of the most advanced ref
	latest *baserpc.TxStatus
}

func (a *Adapter) observe(ctx context.Context, refs []string) (*observation, error) {
	depth := a.d.Config.Blockchain.ConfirmationDepth
	obs := &observation{}
	for i := len(refs) - 1; i >= 0; i-- {
		status, err := a.d.Chain.TxStatus(ctx, refs[i])
		if err != nil {
			return nil, err
		}
		switch status.State {
		case baserpc.TxMined:
			if status.Confirmations >= depth {
				obs.confirmed = refs[i]
				return obs, nil
			}
			obs.latest = status
		case baserpc.TxReverted:
			obs.reverted = refs[i]
			return obs, nil
		case baserpc.TxPending:
			if obs.latest == nil || obs.latest.State != baserpc.TxMined {
				obs.latest = status
			}
		case baserpc.TxNotFound:
			if obs.latest == nil {
				obs.latest = status
			}
		}
	}
	return obs, nil
}

func (a *Adapter) record(ctx context.Context, call Call, eventType model.EventType, ref string, class failure.Class, description string) error {
	_, err := a.d.Ledger.Append(a.d.DB.WithContext(context.WithoutCancel(ctx)), ledger.Entry{
		PaymentID:    call.PaymentID,
		Type:         eventType,
		Hop:          call.Hop,
		Description:  description,
		ExternalRef:  ref,
		FailureClass: class,
		Automatic:    call.Automatic,
		Actor:        call.Actor,
	})
	if err != nil {
		return failure.Transient("append ledger entry", err)
	}
	return nil
}
