package statemachine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/model"
	"github.com/dwarvesf/escrow-settlement/internal/statemachine"
	"github.com/dwarvesf/escrow-settlement/internal/store"
	"github.com/dwarvesf/escrow-settlement/internal/store/sqlitetest"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

var _ = Describe("CanTransition", func() {
	DescribeTable("edges",
		func(from, to model.PaymentStatus, legal bool) {
			Expect(statemachine.CanTransition(from, to)).To(Equal(legal))
		},
		Entry("initiated to funded", model.PaymentStatusInitiated, model.PaymentStatusFunded, true),
		Entry("funded skipping escrow", model.PaymentStatusFunded, model.PaymentStatusReleased, false),
		Entry("escrowed to disputed", model.PaymentStatusEscrowed, model.PaymentStatusDisputed, true),
		Entry("released to disputed", model.PaymentStatusReleased, model.PaymentStatusDisputed, true),
		Entry("bridged to disputed", model.PaymentStatusBridged, model.PaymentStatusDisputed, false),
		Entry("disputed back to released", model.PaymentStatusDisputed, model.PaymentStatusReleased, true),
		Entry("any non-terminal to failed", model.PaymentStatusRedeemed, model.PaymentStatusFailed, true),
		Entry("any non-terminal to cancelled", model.PaymentStatusInitiated, model.PaymentStatusCancelled, true),
		Entry("terminal is final", model.PaymentStatusCompleted, model.PaymentStatusFailed, false),
		Entry("self loop", model.PaymentStatusFunded, model.PaymentStatusFunded, false),
	)
})

var _ = Describe("Machine", func() {
	var (
		db      *gorm.DB
		d       *deps.Deps
		machine *statemachine.Machine
		ctx     context.Context
	)

	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

	seed := func(id string, status model.PaymentStatus) {
		_, err := d.Store.Payment.Create(db, &model.Payment{
			ID:              id,
			Amount:          decimal.NewFromInt(10000),
			Currency:        "USD",
			Status:          status,
			PayerAddress:    "0x01",
			PayeeAddress:    "0x02",
			CustodyDeadline: now.Add(time.Hour),
		})
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		db = sqlitetest.New(GinkgoT())
		d = deps.New(&config.AppConfig{}, logger.New("test"), db, store.New(), func() time.Time { return now })
		machine = statemachine.New(d)
	})

	Describe("#Transition", func() {
		It("swaps status and writes exactly one ledger entry", func() {
			seed("p-1", model.PaymentStatusFunded)

			ok, err := machine.Transition(ctx, statemachine.Request{
				PaymentID: "p-1",
				From:      model.PaymentStatusFunded,
				To:        model.PaymentStatusEscrowed,
				Evidence:  statemachine.Evidence{EscrowID: "7", TxHash: "0xcreate"},
				Automatic: true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			p, err := d.Store.Payment.GetByID(db, "p-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Status).To(Equal(model.PaymentStatusEscrowed))
			Expect(p.ChainTxHash).To(Equal("0xcreate"))

			events, err := d.Ledger.History(db, "p-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(model.EventStatusTransition))
			Expect(events[0].Description).To(ContainSubstring("funded -> escrowed"))
			Expect(events[0].ExternalRef).To(Equal("0xcreate"))
			Expect(events[0].IsAutomatic).To(BeTrue())
		})

		It("no-ops without evidence", func() {
			seed("p-1", model.PaymentStatusEscrowed)

			ok, err := machine.Transition(ctx, statemachine.Request{
				PaymentID: "p-1",
				From:      model.PaymentStatusEscrowed,
				To:        model.PaymentStatusReleased,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			p, _ := d.Store.Payment.GetByID(db, "p-1")
			Expect(p.Status).To(Equal(model.PaymentStatusEscrowed))
			events, _ := d.Ledger.History(db, "p-1")
			Expect(events).To(BeEmpty())
		})

		It("no-ops on illegal edges", func() {
			seed("p-1", model.PaymentStatusCompleted)

			ok, err := machine.Transition(ctx, statemachine.Request{
				PaymentID: "p-1",
				From:      model.PaymentStatusCompleted,
				To:        model.PaymentStatusFailed,
				Evidence:  statemachine.Evidence{Reason: "late"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("lets exactly one of many concurrent drivers win", func() {
			seed("p-1", model.PaymentStatusReleased)

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					ok, err := machine.Transition(ctx, statemachine.Request{
						PaymentID: "p-1",
						From:      model.PaymentStatusReleased,
						To:        model.PaymentStatusBridged,
						Evidence:  statemachine.Evidence{TxHash: "0xbridge"},
						Automatic: true,
					})
					Expect(err).NotTo(HaveOccurred())
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()

			Expect(wins).To(Equal(int32(1)))
			events, _ := d.Ledger.History(db, "p-1")
			Expect(events).To(HaveLen(1))
		})

		It("rolls back the status when Apply fails", func() {
			seed("p-1", model.PaymentStatusBridged)

			_, err := machine.Transition(ctx, statemachine.Request{
				PaymentID: "p-1",
				From:      model.PaymentStatusBridged,
				To:        model.PaymentStatusRedeemed,
				Evidence:  statemachine.Evidence{RailPaymentID: "po-1"},
				Apply: func(tx *gorm.DB) error {
					return gorm.ErrInvalidData
				},
			})
			Expect(err).To(HaveOccurred())

			p, _ := d.Store.Payment.GetByID(db, "p-1")
			Expect(p.Status).To(Equal(model.PaymentStatusBridged))
			events, _ := d.Ledger.History(db, "p-1")
			Expect(events).To(BeEmpty())
		})

		It("remembers the status a dispute interrupted", func() {
			seed("p-1", model.PaymentStatusReleased)

			ok, err := machine.Transition(ctx, statemachine.Request{
				PaymentID: "p-1",
				From:      model.PaymentStatusReleased,
				To:        model.PaymentStatusDisputed,
				Evidence:  statemachine.Evidence{Reason: "item not received"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			p, _ := d.Store.Payment.GetByID(db, "p-1")
			Expect(p.PreDisputeStatus).To(Equal(model.PaymentStatusReleased))
		})
	})

	Describe("#ForceTransition", func() {
		It("requires a reason", func() {
			seed("p-1", model.PaymentStatusEscrowed)
			_, err := machine.ForceTransition(ctx, statemachine.ForceRequest{PaymentID: "p-1", To: model.PaymentStatusReleased})
			Expect(err).To(MatchError(statemachine.ErrForceReasonRequired))
		})

		It("writes a force entry and the asserted hop confirmation", func() {
			seed("p-1", model.PaymentStatusEscrowed)
			_, err := d.Store.Escrow.Create(db, &model.Escrow{
				ID:              "e-1",
				PaymentID:       "p-1",
				Amount:          decimal.NewFromInt(10000),
				CustodyPercent:  decimal.NewFromInt(20),
				CustodyAmount:   decimal.NewFromInt(2000),
				ReleaseAmount:   decimal.NewFromInt(8000),
				CustodyDeadline: now,
				Status:          model.EscrowStatusActive,
			})
			Expect(err).NotTo(HaveOccurred())

			p, err := machine.ForceTransition(ctx, statemachine.ForceRequest{
				PaymentID: "p-1",
				To:        model.PaymentStatusReleased,
				Evidence:  statemachine.Evidence{TxHash: "0xmanual"},
				Actor:     "admin@ops",
				Reason:    "release mined while node was down",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Status).To(Equal(model.PaymentStatusReleased))

			escrow, _ := d.Store.Escrow.GetByPaymentID(db, "p-1")
			Expect(escrow.Status).To(Equal(model.EscrowStatusReleased))
			Expect(escrow.ReleaseTxHash).To(Equal("0xmanual"))

			events, _ := d.Ledger.History(db, "p-1")
			Expect(events).To(HaveLen(2))
			Expect(events[0].Type).To(Equal(model.EventForceTransition))
			Expect(events[0].IsAutomatic).To(BeFalse())
			Expect(events[0].Actor).To(Equal("admin@ops"))
			Expect(events[1].Type).To(Equal(model.EventHopConfirmed))
			Expect(events[1].Hop).To(Equal(model.HopRelease))
		})
	})
})
