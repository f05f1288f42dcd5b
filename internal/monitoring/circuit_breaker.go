package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dwarvesf/escrow-settlement/internal/baserpc"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/rail"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

var (
	_ baserpc.IBaseRPC = (*CircuitBreakerBaseRPC)(nil)
	_ rail.IRail       = (*CircuitBreakerRail)(nil)
)

// breaker is the shared circuit breaker plumbing behind the chain and rail
// wrappers. Permanent failures and not-found lookups are answers from a
// healthy upstream and never trip the breaker.
type breaker struct {
	service        string
	circuitBreaker *gobreaker.CircuitBreaker
	metrics        *ExternalAPIMetrics
	logger         *logger.Logger
	timeoutConfig  TimeoutConfig
}

func newBreaker(service string, config CircuitBreakerConfig, timeoutConfig TimeoutConfig, metrics *ExternalAPIMetrics, logger *logger.Logger) *breaker {
	b := &breaker{
		service:       service,
		metrics:       metrics,
		logger:        logger,
		timeoutConfig: timeoutConfig,
	}

	settings := gobreaker.Settings{
		Name:        service,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.ConsecutiveFailureThreshold)
		},
		IsSuccessful: upstreamHealthy,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state change", map[string]string{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			metrics.UpdateCircuitBreakerState(name, to)
		},
	}

	b.circuitBreaker = gobreaker.NewCircuitBreaker(settings)
	metrics.UpdateCircuitBreakerState(service, gobreaker.StateClosed)
	return b
}

func upstreamHealthy(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, rail.ErrNotFound) || errors.Is(err, context.Canceled) {
		return true
	}
	return failure.Classify(err) == failure.ClassPermanent
}

// State exposes the breaker state for health reporting.
func (b *breaker) State() gobreaker.State {
	return b.circuitBreaker.State()
}

// execute runs fn through the breaker under a per-call timeout. An open
// breaker surfaces as a transient failure so the orchestrator backs off.
func (b *breaker) execute(ctx context.Context, operation string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := b.circuitBreaker.Execute(func() (interface{}, error) {
		return b.executeWithTimeout(ctx, operation, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, failure.Transient(b.service+" circuit open", err)
	}
	return result, err
}

func (b *breaker) executeWithTimeout(ctx context.Context, operation string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()

	timeout := b.timeoutConfig.RequestTimeout
	if operation == "health_check" {
		timeout = b.timeoutConfig.HealthCheckTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(callCtx)
	duration := time.Since(start).Seconds()

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		b.metrics.RecordTimeout(b.service, operation)
		b.logError(operation, duration, err)
		return nil, failure.Transient(fmt.Sprintf("%s %s timeout", b.service, operation), err)
	}

	status := "success"
	if err != nil {
		status = "error"
		if !upstreamHealthy(err) {
			b.logError(operation, duration, err)
		}
	}
	b.metrics.RecordAPICall(b.service, operation, status, duration)
	return result, err
}

func (b *breaker) logError(operation string, duration float64, err error) {
	b.logger.Error("External API call failed", map[string]string{
		"service":    b.service,
		"operation":  operation,
		"duration":   strconv.FormatFloat(duration, 'f', 3, 64),
		"error":      err.Error(),
		"error_type": string(classifyError(err)),
		"cb_state":   b.circuitBreaker.State().String(),
	})
}

// CircuitBreakerBaseRPC wraps baserpc.IBaseRPC with circuit breaker functionality
type CircuitBreakerBaseRPC struct {
	*breaker
	wrapped baserpc.IBaseRPC
}

// NewCircuitBreakerBaseRPC creates a new circuit breaker wrapper for Base RPC
func NewCircuitBreakerBaseRPC(wrapped baserpc.IBaseRPC, config CircuitBreakerConfig, metrics *ExternalAPIMetrics, logger *logger.Logger) *CircuitBreakerBaseRPC {
	return NewCircuitBreakerBaseRPCWithTimeout(wrapped, config, DefaultTimeoutConfig, metrics, logger)
}

// NewCircuitBreakerBaseRPCWithTimeout creates a new circuit breaker wrapper for Base RPC with custom timeout config
func NewCircuitBreakerBaseRPCWithTimeout(wrapped baserpc.IBaseRPC, config CircuitBreakerConfig, timeoutConfig TimeoutConfig, metrics *ExternalAPIMetrics, logger *logger.Logger) *CircuitBreakerBaseRPC {
	return &CircuitBreakerBaseRPC{
		breaker: newBreaker(ServiceBaseRPC, config, timeoutConfig, metrics, logger),
		wrapped: wrapped,
	}
}

func (cb *CircuitBreakerBaseRPC) BridgeAddress() string { return cb.wrapped.BridgeAddress() }
func (cb *CircuitBreakerBaseRPC) EscrowAddress() string { return cb.wrapped.EscrowAddress() }
func (cb *CircuitBreakerBaseRPC) TokenAddress() string  { return cb.wrapped.TokenAddress() }

func (cb *CircuitBreakerBaseRPC) submit(ctx context.Context, operation string, fn func(ctx context.Context) (string, error)) (string, error) {
	result, err := cb.execute(ctx, operation, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (cb *CircuitBreakerBaseRPC) bigInt(ctx context.Context, operation string, fn func(ctx context.Context) (*big.Int, error)) (*big.Int, error) {
	result, err := cb.execute(ctx, operation, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*big.Int), nil
}

func (cb *CircuitBreakerBaseRPC) ApproveAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	return cb.submit(ctx, "approve_allowance", func(ctx context.Context) (string, error) {
		return cb.wrapped.ApproveAllowance(ctx, token, spender, amount)
	})
}

func (cb *CircuitBreakerBaseRPC) CreateEscrow(ctx context.Context, params baserpc.CreateEscrowParams) (string, error) {
	return cb.submit(ctx, "create_escrow", func(ctx context.Context) (string, error) {
		return cb.wrapped.CreateEscrow(ctx, params)
	})
}

func (cb *CircuitBreakerBaseRPC) Release(ctx context.Context, escrowID string) (string, error) {
	return cb.submit(ctx, "release", func(ctx context.Context) (string, error) {
		return cb.wrapped.Release(ctx, escrowID)
	})
}

func (cb *CircuitBreakerBaseRPC) Transfer(ctx context.Context, token, to string, amount *big.Int) (string, error) {
	return cb.submit(ctx, "transfer", func(ctx context.Context) (string, error) {
		return cb.wrapped.Transfer(ctx, token, to, amount)
	})
}

func (cb *CircuitBreakerBaseRPC) SpeedUp(ctx context.Context, txHash string, bumpPercent int) (string, error) {
	return cb.submit(ctx, "speed_up", func(ctx context.Context) (string, error) {
		return cb.wrapped.SpeedUp(ctx, txHash, bumpPercent)
	})
}

func (cb *CircuitBreakerBaseRPC) EscrowIDFromReceipt(ctx context.Context, txHash string) (string, error) {
	return cb.submit(ctx, "escrow_id_from_receipt", func(ctx context.Context) (string, error) {
		return cb.wrapped.EscrowIDFromReceipt(ctx, txHash)
	})
}

func (cb *CircuitBreakerBaseRPC) TokenBalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	return cb.bigInt(ctx, "token_balance_of", func(ctx context.Context) (*big.Int, error) {
		return cb.wrapped.TokenBalanceOf(ctx, token, owner)
	})
}

func (cb *CircuitBreakerBaseRPC) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return cb.bigInt(ctx, "allowance", func(ctx context.Context) (*big.Int, error) {
		return cb.wrapped.Allowance(ctx, token, owner, spender)
	})
}

func (cb *CircuitBreakerBaseRPC) TxStatus(ctx context.Context, txHash string) (*baserpc.TxStatus, error) {
	result, err := cb.execute(ctx, "tx_status", func(ctx context.Context) (interface{}, error) {
		return cb.wrapped.TxStatus(ctx, txHash)
	})
	if err != nil {
		return nil, err
	}
	return result.(*baserpc.TxStatus), nil
}

func (cb *CircuitBreakerBaseRPC) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := cb.execute(ctx, "health_check", func(ctx context.Context) (interface{}, error) {
		return cb.wrapped.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	return result.(uint64), nil
}

// CircuitBreakerRail wraps rail.IRail with circuit breaker functionality
type CircuitBreakerRail struct {
	*breaker
	wrapped rail.IRail
}

func NewCircuitBreakerRail(wrapped rail.IRail, config CircuitBreakerConfig, metrics *ExternalAPIMetrics, logger *logger.Logger) *CircuitBreakerRail {
	return NewCircuitBreakerRailWithTimeout(wrapped, config, DefaultTimeoutConfig, metrics, logger)
}

func NewCircuitBreakerRailWithTimeout(wrapped rail.IRail, config CircuitBreakerConfig, timeoutConfig TimeoutConfig, metrics *ExternalAPIMetrics, logger *logger.Logger) *CircuitBreakerRail {
	return &CircuitBreakerRail{
		breaker: newBreaker(ServiceRail, config, timeoutConfig, metrics, logger),
		wrapped: wrapped,
	}
}

func (cb *CircuitBreakerRail) GetDeposit(ctx context.Context, reference string) (*rail.Deposit, error) {
	result, err := cb.execute(ctx, "get_deposit", func(ctx context.Context) (interface{}, error) {
		return cb.wrapped.GetDeposit(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	return result.(*rail.Deposit), nil
}

func (cb *CircuitBreakerRail) GetBalance(ctx context.Context, asset string) (*rail.Balance, error) {
	result, err := cb.execute(ctx, "get_balance", func(ctx context.Context) (interface{}, error) {
		return cb.wrapped.GetBalance(ctx, asset)
	})
	if err != nil {
		return nil, err
	}
	return result.(*rail.Balance), nil
}

func (cb *CircuitBreakerRail) GetAllowance(ctx context.Context, asset string) (*rail.Allowance, error) {
	result, err := cb.execute(ctx, "get_allowance", func(ctx context.Context) (interface{}, error) {
		return cb.wrapped.GetAllowance(ctx, asset)
	})
	if err != nil {
		return nil, err
	}
	return result.(*rail.Allowance), nil
}

func (cb *CircuitBreakerRail) InitiatePayout(ctx context.Context, req rail.PayoutRequest) (*rail.Payout, error) {
	result, err := cb.execute(ctx, "initiate_payout", func(ctx context.Context) (interface{}, error) {
		return cb.wrapped.InitiatePayout(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*rail.Payout), nil
}

func (cb *CircuitBreakerRail) GetPayout(ctx context.Context, idempotencyKey string) (*rail.Payout, error) {
	result, err := cb.execute(ctx, "get_payout", func(ctx context.Context) (interface{}, error) {
		return cb.wrapped.GetPayout(ctx, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}
	return result.(*rail.Payout), nil
}

// classifyError classifies errors into different types for metrics and logging
func classifyError(err error) APIErrorType {
	if err == nil {
		return ""
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") ||
		strings.Contains(errMsg, "context canceled") {
		return ErrorTypeTimeout
	}

	if strings.Contains(errMsg, "network") ||
		strings.Contains(errMsg, "connection") ||
		strings.Contains(errMsg, "unreachable") ||
		strings.Contains(errMsg, "dns") {
		return ErrorTypeNetworkError
	}

	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") ||
		strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "bad gateway") ||
		strings.Contains(errMsg, "service unavailable") {
		return ErrorTypeServerError
	}

	if strings.Contains(errMsg, "400") ||
		strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403") ||
		strings.Contains(errMsg, "404") ||
		strings.Contains(errMsg, "422") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "bad request") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "forbidden") ||
		strings.Contains(errMsg, "not found") ||
		strings.Contains(errMsg, "rate limit") {
		return ErrorTypeClientError
	}

	return ErrorTypeUnknown
}

// validateCircuitBreakerConfig validates circuit breaker configuration
func validateCircuitBreakerConfig(config CircuitBreakerConfig) error {
	if config.MaxRequests == 0 {
		return fmt.Errorf("max_requests must be greater than 0")
	}

	if config.ConsecutiveFailureThreshold <= 0 {
		return fmt.Errorf("consecutive_failure_threshold must be greater than 0")
	}

	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	if config.Interval < 0 {
		return fmt.Errorf("interval must be non-negative")
	}

	return nil
}

// ValidateCircuitBreakerConfigs checks every configured breaker at startup.
func ValidateCircuitBreakerConfigs() error {
	for name, cfg := range CircuitBreakerConfigs {
		if err := validateCircuitBreakerConfig(cfg); err != nil {
			return fmt.Errorf("circuit breaker %s: %w", name, err)
		}
	}
	return nil
}
