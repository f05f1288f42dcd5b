package failure

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "typed permanent", err: Permanent("reverted", errors.New("execution reverted")), expected: ClassPermanent},
		{name: "wrapped stuck", err: errors.Wrap(Stuck("pending too long", nil), "release"), expected: ClassStuck},
		{name: "partial", err: Partial("commission failed", nil), expected: ClassPartial},
		{name: "deadline", err: errors.Wrap(context.DeadlineExceeded, "rail"), expected: ClassTransient},
		{name: "breaker open", err: gobreaker.ErrOpenState, expected: ClassTransient},
		{name: "unknown", err: errors.New("mystery"), expected: ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := Permanent("invalid account", errors.New("422 invalid_account"))
	assert.Equal(t, "permanent: invalid account: 422 invalid_account", err.Error())
	assert.Equal(t, "transient: rpc unavailable", Transient("rpc unavailable", nil).Error())
	assert.True(t, Retryable(ClassTransient))
	assert.False(t, Retryable(ClassStuck))
}
