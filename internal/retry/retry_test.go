package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/model"
)

func fastPolicy(max int) *Policy {
	return NewPolicy(max, time.Millisecond, 2*time.Millisecond)
}

func TestPolicy_StopsOnSuccess(t *testing.T) {
	p := fastPolicy(3)
	calls := 0
	attempts, err := p.Do(context.Background(), model.HopRedemption, 0, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 2 {
			return failure.Transient("timeout", nil)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPolicy_PermanentIsNotRetried(t *testing.T) {
	p := fastPolicy(5)
	attempts, err := p.Do(context.Background(), model.HopRedemption, 0, func(ctx context.Context, attempt int) error {
		return failure.Permanent("invalid account", nil)
	})

	assert.Error(t, err)
	assert.Equal(t, failure.ClassPermanent, failure.Classify(err))
	assert.Equal(t, 1, attempts)
}

func TestPolicy_RespectsUsedBudget(t *testing.T) {
	p := fastPolicy(3)
	seen := []int{}
	attempts, err := p.Do(context.Background(), model.HopBridgeTransfer, 1, func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		return failure.Transient("rpc unavailable", nil)
	})

	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int{2, 3}, seen)
	assert.True(t, p.Exhausted(model.HopBridgeTransfer, 1+attempts))

	_, err = p.Do(context.Background(), model.HopBridgeTransfer, 3, func(ctx context.Context, attempt int) error {
		t.Fatal("must not run")
		return nil
	})
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
}

func TestPolicy_PerHopBudget(t *testing.T) {
	p := fastPolicy(3)
	p.PerHop[model.HopRedemption] = 1
	assert.Equal(t, 1, p.Budget(model.HopRedemption))
	assert.Equal(t, 3, p.Budget(model.HopRelease))

	p.WithHopBudgets(map[string]int{string(model.HopRelease): 5, string(model.HopRedemption): 0})
	assert.Equal(t, 5, p.Budget(model.HopRelease))
	// zero falls back to the default
	assert.Equal(t, 3, p.Budget(model.HopRedemption))
}

func TestPolicy_ContextCancelled(t *testing.T) {
	p := NewPolicy(5, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	attempts, err := p.Do(ctx, model.HopRelease, 0, func(ctx context.Context, attempt int) error {
		cancel()
		return failure.Transient("timeout", nil)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
