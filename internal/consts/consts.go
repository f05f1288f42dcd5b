package consts

import "strings"

const (
	USDC_DECIMALS = 6
	USDT_DECIMALS = 6

	// ORCHESTRATOR_ACTOR is recorded as the actor of automatic ledger entries.
	ORCHESTRATOR_ACTOR = "orchestrator"

	MAX_ADVANCE_STEPS = 10
)

// Background job names, shared between the scheduler and the health handler.
const (
	JOB_SETTLEMENT_SWEEP = "settlement_sweep"
	JOB_SAFETY_MONITOR   = "safety_monitor"
	JOB_MULTISIG_CLEANUP = "multisig_cleanup"
)

// API roles carried in the bearer token.
const (
	ROLE_SIGNER   = "signer"
	ROLE_OPERATOR = "operator"
	ROLE_ADMIN    = "admin"
	ROLE_PLATFORM = "platform"
)

// CURRENCY_PRECISION is the number of decimal places amounts in a currency
// are rounded to when they are split.
var CURRENCY_PRECISION = map[string]int32{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"SGD":  2,
	"VND":  0,
	"JPY":  0,
	"KRW":  0,
	"USDC": USDC_DECIMALS,
	"USDT": USDT_DECIMALS,
}

// CurrencyPrecision returns the precision of currency, or fallback when the
// currency is not listed.
func CurrencyPrecision(currency string, fallback int32) int32 {
	if precision, ok := CURRENCY_PRECISION[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return precision
	}
	return fallback
}
