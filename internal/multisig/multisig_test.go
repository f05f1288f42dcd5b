package multisig_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc/baserpctest"
	"github.com/dwarvesf/escrow-settlement/internal/bridge"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/deps/depstest"
	"github.com/dwarvesf/escrow-settlement/internal/escrowchain"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/multisig"
)

type signer struct {
	key     *ecdsa.PrivateKey
	address string
}

func newSigner() signer {
	key, err := crypto.GenerateKey()
	Expect(err).NotTo(HaveOccurred())
	return signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (s signer) sign(message string) string {
	sig, err := multisig.Sign(s.key, message)
	Expect(err).NotTo(HaveOccurred())
	return sig
}

type dispatchFunc func(ctx context.Context, call escrowchain.Call, destination string, amount decimal.Decimal) (*escrowchain.Result, error)

func (f dispatchFunc) Dispatch(ctx context.Context, call escrowchain.Call, destination string, amount decimal.Decimal) (*escrowchain.Result, error) {
	return f(ctx, call, destination, amount)
}

const destination = "0x00000000000000000000000000000000000000c1"

var _ = Describe("Signatures", func() {
	It("verifies personal-sign signatures by recovery", func() {
		s := newSigner()
		sig := s.sign("tx-1")

		Expect(multisig.VerifySignature(s.address, "tx-1", sig)).To(Succeed())
		Expect(multisig.VerifySignature(s.address, "tx-2", sig)).To(MatchError(multisig.ErrInvalidSignature))
		Expect(multisig.VerifySignature(newSigner().address, "tx-1", sig)).To(MatchError(multisig.ErrInvalidSignature))
		Expect(multisig.VerifySignature(s.address, "tx-1", "0xdeadbeef")).To(MatchError(multisig.ErrInvalidSignature))
	})
})

var _ = Describe("Gate", func() {
	var (
		ctx     context.Context
		d       *deps.Deps
		chain   *baserpctest.Chain
		gate    *multisig.Gate
		signers []signer
	)

	BeforeEach(func() {
		ctx = context.Background()
		chain = baserpctest.New()
		chain.Balances[chain.Bridge] = big.NewInt(1_000_000_000_000)
		d = depstest.New(GinkgoT(), chain, nil)

		signers = make([]signer, 5)
		addresses := make([]string, 5)
		for i := range signers {
			signers[i] = newSigner()
			addresses[i] = signers[i].address
		}
		d.Config.MultiSig.Signers = addresses
		d.Config.MultiSig.Threshold = 3

		gate = multisig.New(d, bridge.New(d, escrowchain.New(d)))
	})

	propose := func(paymentID string) *model.MultiSigTransaction {
		tx, err := gate.Propose(ctx, multisig.ProposeRequest{
			PaymentID:   paymentID,
			Destination: destination,
			Value:       decimal.NewFromInt(60000),
			Type:        multisig.TypeBridgeTransfer,
			Creator:     "orchestrator",
			Metadata:    map[string]interface{}{"reason": "settlement"},
		})
		Expect(err).NotTo(HaveOccurred())
		return tx
	}

	approve := func(id string, s signer) (*model.MultiSigTransaction, error) {
		return gate.Approve(ctx, id, s.address, s.sign(multisig.ApprovalMessage(id)))
	}

	It("gates only values above the threshold", func() {
		Expect(gate.RequiresApproval(decimal.NewFromInt(50000))).To(BeFalse())
		Expect(gate.RequiresApproval(decimal.NewFromInt(50001))).To(BeTrue())
	})

	It("needs 3 of 5 unique signer approvals", func() {
		tx := propose("")
		Expect(tx.Status).To(Equal(model.MultiSigStatusPending))
		Expect(tx.Threshold).To(Equal(3))

		_, err := approve(tx.ID, signers[0])
		Expect(err).NotTo(HaveOccurred())
		tx, err = approve(tx.ID, signers[1])
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Status).To(Equal(model.MultiSigStatusPending))
		Expect(tx.ApprovalCount).To(Equal(2))

		_, err = approve(tx.ID, signers[0])
		Expect(err).To(MatchError(multisig.ErrDuplicateApproval))
		tx, err = gate.Get(ctx, tx.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.ApprovalCount).To(Equal(2))
		Expect(tx.Approvals).To(HaveLen(2))

		tx, err = approve(tx.ID, signers[2])
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Status).To(Equal(model.MultiSigStatusApproved))
		Expect(tx.ApprovalCount).To(Equal(3))
	})

	It("refuses non-signers and bad signatures", func() {
		tx := propose("")

		outsider := newSigner()
		_, err := approve(tx.ID, outsider)
		Expect(err).To(MatchError(multisig.ErrNotSigner))

		_, err = gate.Approve(ctx, tx.ID, signers[0].address, signers[1].sign(tx.ID))
		Expect(err).To(MatchError(multisig.ErrInvalidSignature))
	})

	It("executes only once approved and only once", func() {
		tx := propose("")

		_, err := gate.Execute(ctx, tx.ID, "operator-1")
		Expect(err).To(MatchError(multisig.ErrNotApproved))

		for _, s := range signers[:3] {
			_, err := approve(tx.ID, s)
			Expect(err).NotTo(HaveOccurred())
		}

		tx, err = gate.Execute(ctx, tx.ID, "operator-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Status).To(Equal(model.MultiSigStatusExecuted))
		Expect(tx.ExecutionTxHash).NotTo(BeEmpty())
		Expect(tx.ExecutedBy).To(Equal("operator-1"))

		_, err = gate.Execute(ctx, tx.ID, "operator-2")
		Expect(err).NotTo(HaveOccurred())

		transfers := chain.Transfers()
		Expect(transfers).To(HaveLen(1))
		Expect(transfers[0].To).To(Equal(destination))
		Expect(transfers[0].Amount.String()).To(Equal("60000000000"))
	})

	It("re-checks the configured threshold at execution", func() {
		tx := propose("")
		for _, s := range signers[:3] {
			_, err := approve(tx.ID, s)
			Expect(err).NotTo(HaveOccurred())
		}

		d.Config.MultiSig.Threshold = 4
		_, err := gate.Execute(ctx, tx.ID, "operator-1")
		Expect(err).To(MatchError(multisig.ErrThresholdNotMet))
		Expect(chain.Transfers()).To(BeEmpty())
	})

	Describe("#Execute claim", func() {
		approved := func(paymentID string) *model.MultiSigTransaction {
			tx := propose(paymentID)
			for _, s := range signers[:3] {
				_, err := approve(tx.ID, s)
				Expect(err).NotTo(HaveOccurred())
			}
			return tx
		}

		It("dispatches once when two executors race", func() {
			tx := approved("pay-race")
			chain.SubmitDelay = 50 * time.Millisecond

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i, executor := range []string{"orchestrator", "operator:bob"} {
				wg.Add(1)
				go func(i int, executor string) {
					defer GinkgoRecover()
					defer wg.Done()
					_, errs[i] = gate.Execute(ctx, tx.ID, executor)
				}(i, executor)
			}
			wg.Wait()

			for _, err := range errs {
				if err != nil {
					Expect(err).To(MatchError(multisig.ErrExecutionInProgress))
				}
			}
			Expect(chain.Transfers()).To(HaveLen(1))
			Expect(chain.Balances[chain.Bridge].String()).To(Equal("940000000000"))

			tx, err := gate.Get(ctx, tx.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Status).To(Equal(model.MultiSigStatusExecuted))

			events, err := d.Ledger.HopHistory(d.DB, "pay-race", model.HopBridgeTransfer)
			Expect(err).NotTo(HaveOccurred())
			Expect(ledger.CountEvents(events, model.HopBridgeTransfer, model.EventHopSubmitted)).To(Equal(1))
		})

		It("refuses a rejection once the transfer is being dispatched", func() {
			tx := approved("pay-claimed")

			var rejectErr error
			racing := multisig.New(d, dispatchFunc(func(ctx context.Context, call escrowchain.Call, destination string, amount decimal.Decimal) (*escrowchain.Result, error) {
				current, err := gate.Get(ctx, tx.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(current.Status).To(Equal(model.MultiSigStatusExecuting))

				_, rejectErr = gate.Reject(ctx, tx.ID, signers[4].address, signers[4].sign(multisig.RejectionMessage(tx.ID)), "changed my mind")
				return &escrowchain.Result{TxHash: "0xabc"}, nil
			}))

			executed, err := racing.Execute(ctx, tx.ID, "operator:bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(rejectErr).To(MatchError(multisig.ErrNotPending))
			Expect(executed.Status).To(Equal(model.MultiSigStatusExecuted))
			Expect(executed.ExecutionTxHash).To(Equal("0xabc"))
			Expect(executed.ClaimedBy).To(BeEmpty())
		})

		It("hands the transaction back when nothing was broadcast", func() {
			tx := approved("")
			chain.SubmitErrs[baserpctest.OpTransfer] = []error{errors.New("nonce too low")}

			_, err := gate.Execute(ctx, tx.ID, "operator:bob")
			Expect(err).To(HaveOccurred())

			tx, err = gate.Get(ctx, tx.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Status).To(Equal(model.MultiSigStatusApproved))
			Expect(tx.ClaimedBy).To(BeEmpty())

			tx, err = gate.Execute(ctx, tx.ID, "operator:bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Status).To(Equal(model.MultiSigStatusExecuted))
			Expect(chain.Transfers()).To(HaveLen(1))
		})

		It("keeps an in-flight transfer claimed and resumes its hash", func() {
			tx := approved("pay-inflight")
			chain.PendingOps[baserpctest.OpTransfer] = true
			d.Config.Blockchain.ConfirmationTimeout = time.Second

			short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			_, err := gate.Execute(short, tx.ID, "orchestrator")
			Expect(err).To(HaveOccurred())

			tx, err = gate.Get(ctx, tx.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Status).To(Equal(model.MultiSigStatusExecuting))

			_, err = gate.Reject(ctx, tx.ID, signers[4].address, signers[4].sign(multisig.RejectionMessage(tx.ID)), "too late")
			Expect(err).To(MatchError(multisig.ErrNotPending))

			events, err := d.Ledger.HopHistory(d.DB, "pay-inflight", model.HopBridgeTransfer)
			Expect(err).NotTo(HaveOccurred())
			refs := ledger.InFlightRefs(events, model.HopBridgeTransfer)
			Expect(refs).To(HaveLen(1))
			chain.Mine(refs[0], 100)

			tx, err = gate.Execute(ctx, tx.ID, "orchestrator")
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Status).To(Equal(model.MultiSigStatusExecuted))
			Expect(tx.ExecutionTxHash).To(Equal(refs[0]))
			Expect(chain.Submissions(baserpctest.OpTransfer)).To(Equal(1))
		})
	})

	It("treats a single rejection as terminal", func() {
		tx := propose("")
		_, err := approve(tx.ID, signers[0])
		Expect(err).NotTo(HaveOccurred())

		tx, err = gate.Reject(ctx, tx.ID, signers[1].address, signers[1].sign(multisig.RejectionMessage(tx.ID)), "wrong destination")
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.Status).To(Equal(model.MultiSigStatusRejected))
		Expect(tx.RejectionReason).To(Equal("wrong destination"))

		_, err = approve(tx.ID, signers[2])
		Expect(err).To(MatchError(multisig.ErrNotPending))
	})

	It("does not accept an approval signature as a rejection", func() {
		tx := propose("")
		_, err := gate.Reject(ctx, tx.ID, signers[0].address, signers[0].sign(multisig.ApprovalMessage(tx.ID)), "replay")
		Expect(err).To(MatchError(multisig.ErrInvalidSignature))
	})

	Describe("pre-approvals", func() {
		It("imports valid signatures as approvals at proposal time", func() {
			pa, err := gate.CreatePreApproval(ctx, "pay-1", "operator-1")
			Expect(err).NotTo(HaveOccurred())

			for _, s := range signers[:2] {
				_, err := gate.SignPreApproval(ctx, pa.ID, s.address, s.sign(multisig.PreApprovalMessage("pay-1")))
				Expect(err).NotTo(HaveOccurred())
			}
			_, err = gate.SignPreApproval(ctx, pa.ID, signers[0].address, signers[0].sign(multisig.PreApprovalMessage("pay-1")))
			Expect(err).To(MatchError(multisig.ErrDuplicateApproval))

			tx := propose("pay-1")
			Expect(tx.ApprovalCount).To(Equal(2))
			Expect(tx.Status).To(Equal(model.MultiSigStatusPending))
			for _, a := range tx.Approvals {
				Expect(a.Source).To(Equal(multisig.SourcePreApproval))
			}

			_, err = approve(tx.ID, signers[0])
			Expect(err).To(MatchError(multisig.ErrDuplicateApproval))

			tx, err = approve(tx.ID, signers[3])
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Status).To(Equal(model.MultiSigStatusApproved))

			events, err := d.Ledger.History(d.DB, "pay-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ledger.CountEvents(events, model.HopBridgeTransfer, model.EventMultiSig)).To(Equal(2))
		})

		It("sends a replacement proposal back to the signers", func() {
			pa, err := gate.CreatePreApproval(ctx, "pay-3", "operator-1")
			Expect(err).NotTo(HaveOccurred())
			for _, s := range signers[:3] {
				_, err := gate.SignPreApproval(ctx, pa.ID, s.address, s.sign(multisig.PreApprovalMessage("pay-3")))
				Expect(err).NotTo(HaveOccurred())
			}

			first := propose("pay-3")
			Expect(first.Status).To(Equal(model.MultiSigStatusApproved))

			rejected, err := gate.Reject(ctx, first.ID, signers[0].address, signers[0].sign(multisig.RejectionMessage(first.ID)), "wrong destination")
			Expect(err).NotTo(HaveOccurred())
			Expect(rejected.Status).To(Equal(model.MultiSigStatusRejected))

			second := propose("pay-3")
			Expect(second.ID).NotTo(Equal(first.ID))
			Expect(second.Status).To(Equal(model.MultiSigStatusPending))
			Expect(second.ApprovalCount).To(Equal(0))

			_, err = gate.Execute(ctx, second.ID, "operator-1")
			Expect(err).To(MatchError(multisig.ErrNotApproved))

			events, err := d.Ledger.History(d.DB, "pay-3")
			Expect(err).NotTo(HaveOccurred())
			last := events[len(events)-1]
			Expect(last.ExternalRef).To(Equal(second.ID))
			Expect(last.Description).To(ContainSubstring("pre-approvals not imported"))
		})
	})

	Describe("#CleanupExpired", func() {
		It("rejects expired proposals and prunes expired pre-approvals", func() {
			tx := propose("")
			_, err := gate.CreatePreApproval(ctx, "pay-2", "operator-1")
			Expect(err).NotTo(HaveOccurred())

			d.Clock = func() time.Time { return depstest.Now.Add(100 * time.Hour) }

			_, err = approve(tx.ID, signers[0])
			Expect(err).To(MatchError(multisig.ErrExpired))

			rejected, deleted, err := gate.CleanupExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rejected).To(Equal(1))
			Expect(deleted).To(Equal(int64(1)))

			tx, err = gate.Get(ctx, tx.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.Status).To(Equal(model.MultiSigStatusRejected))
			Expect(tx.RejectionReason).To(Equal(multisig.ExpiredReason))
		})
	})

	It("reports statistics", func() {
		propose("")
		tx := propose("")
		_, err := gate.Reject(ctx, tx.ID, signers[0].address, signers[0].sign(multisig.RejectionMessage(tx.ID)), "no")
		Expect(err).NotTo(HaveOccurred())

		stats, err := gate.Statistics(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Total).To(Equal(int64(2)))
		Expect(stats.Pending).To(Equal(int64(1)))
		Expect(stats.Rejected).To(Equal(int64(1)))
		Expect(stats.Signers).To(Equal(5))
	})
})
