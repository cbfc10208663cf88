package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, fastRetry)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Permanent(errors.New("bad request"))
	}, fastRetry)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, ErrMaxRetries))
}

func TestWithRetry_StopsOnSentinel(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return ErrNotFound
	}, fastRetry)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	cause := errors.New("timeout")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return cause
	}, fastRetry)

	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error {
		return errors.New("flaky")
	}, RetryOptions{MaxAttempts: 5, InitialDelay: time.Second})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"", false},
		{"warn", false},
		{"error", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		_, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidConfig, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
	}
}
