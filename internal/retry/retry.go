// Package retry holds the one retry policy the orchestrator applies around
// every adapter call.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/model"
)

// ErrBudgetExhausted is returned when a hop has no attempts left.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

type Policy struct {
	MaxAttempts     int
	PerHop          map[model.Hop]int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Classify        func(error) failure.Class
}

func NewPolicy(maxAttempts int, initial, max time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		PerHop:          map[model.Hop]int{},
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      2,
		Classify:        failure.Classify,
	}
}

// WithHopBudgets overrides the attempt budget of the named hops.
func (p *Policy) WithHopBudgets(budgets map[string]int) *Policy {
	for hop, n := range budgets {
		p.PerHop[model.Hop(hop)] = n
	}
	return p
}

// Budget is the number of attempts allowed for hop.
func (p *Policy) Budget(hop model.Hop) int {
	if n, ok := p.PerHop[hop]; ok && n > 0 {
		return n
	}
	return p.MaxAttempts
}

// Exhausted reports whether used attempts consume the hop's budget.
func (p *Policy) Exhausted(hop model.Hop, used int) bool {
	return used >= p.Budget(hop)
}

// Do runs op until it succeeds, fails with a non-transient class, or the hop
// budget is spent. used is the number of attempts already consumed by earlier
// runs. It returns the number of attempts made by this call.
func (p *Policy) Do(ctx context.Context, hop model.Hop, used int, op func(ctx context.Context, attempt int) error) (int, error) {
	remaining := p.Budget(hop) - used
	if remaining <= 0 {
		return 0, ErrBudgetExhausted
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx, used+attempts)
		if err == nil {
			return nil
		}
		if !failure.Retryable(p.Classify(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(remaining-1)), ctx))

	return attempts, err
}
