// Package depstest builds a Deps over an in-memory database and fake
// clients, with timings short enough for tests.
package depstest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	"github.com/dwarvesf/escrow-settlement/internal/deps"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/store"
	"github.com/dwarvesf/escrow-settlement/internal/store/sqlitetest"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

// Now is the fixed test clock.
var Now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func Config() *config.AppConfig {
	return &config.AppConfig{
		Environment: "test",
		Blockchain: config.BlockchainConfig{
			ConfirmationDepth:   3,
			PollInterval:        time.Millisecond,
			ConfirmationTimeout: 20 * time.Millisecond,
			MaxFeeBumps:         2,
			FeeBumpPercent:      15,
			ChainCallTimeout:    5 * time.Second,
			EscrowVertical:      "marketplace",
			CurrencyPrecision:   2,
			TokenDecimals:       6,
			RailWalletAddr:      "0x00000000000000000000000000000000000000c1",
		},
		Rail: config.RailConfig{
			Asset:       "USDC",
			CallTimeout: time.Second,
		},
		Settlement: config.SettlementConfig{
			SweepBatchSize:   50,
			SweepConcurrency: 4,
			LeaseDuration:    time.Minute,
			StalenessWindow:  2 * time.Hour,
			DashboardCache:   0,
			DriverID:         "test-driver",
		},
		MultiSig: config.MultiSigConfig{
			Threshold:      3,
			ValueThreshold: decimal.NewFromInt(50000),
			Expiry:         72 * time.Hour,
			PreApprovalTTL: 24 * time.Hour,
		},
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	}
}

// New returns Deps with a fixed clock. The config can be adjusted before use.
func New(t sqlitetest.TB, chain baserpc.IBaseRPC, railClient rail.IRail) *deps.Deps {
	db := sqlitetest.New(t)
	clock := func() time.Time { return Now }
	return deps.New(Config(), logger.New("test"), db, store.New(), clock).WithClients(chain, railClient)
}
