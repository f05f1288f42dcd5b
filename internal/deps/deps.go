// Package deps carries the explicit dependencies every settlement component
// is built from. Nothing in the settlement path reaches for a global.
package deps

import (
	"time"

	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	"github.com/dwarvesf/escrow-settlement/internal/ledger"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/store"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

type Deps struct {
	Config *config.AppConfig
	Logger *logger.Logger
	DB     *gorm.DB
	Store  *store.Store
	Ledger ledger.ILedger
	Chain  baserpc.IBaseRPC
	Rail   rail.IRail
	Clock  func() time.Time
}

// New builds Deps with a ledger backed by the given store. A nil clock
// defaults to UTC wall time.
func New(cfg *config.AppConfig, l *logger.Logger, db *gorm.DB, s *store.Store, clock func() time.Time) *Deps {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Deps{
		Config: cfg,
		Logger: l,
		DB:     db,
		Store:  s,
		Ledger: ledger.New(s.PaymentEvent, clock),
		Clock:  clock,
	}
}

// WithClients attaches the chain and rail clients.
func (d *Deps) WithClients(chain baserpc.IBaseRPC, railClient rail.IRail) *Deps {
	d.Chain = chain
	d.Rail = railClient
	return d
}

func (d *Deps) Now() time.Time {
	return d.Clock()
}
