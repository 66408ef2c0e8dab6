package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoEventualSuccess(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	wantErr := errors.New("still down")
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return wantErr
	})

	assert.Equal(t, wantErr, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	wantErr := errors.New("invalid connection url")
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return Permanent(wantErr)
	})

	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestDoRespectsContextBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	calls := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("not ready")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoBackoffGrows(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	var callTimes []time.Time
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		callTimes = append(callTimes, time.Now())
		return errors.New("not ready")
	})
	require.Error(t, err)
	require.Len(t, callTimes, 4)

	first := callTimes[1].Sub(callTimes[0])
	second := callTimes[2].Sub(callTimes[1])
	third := callTimes[3].Sub(callTimes[2])

	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	assert.GreaterOrEqual(t, second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, third, 40*time.Millisecond)
}

func TestDoBackoffCapped(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     15 * time.Millisecond,
		Multiplier:   10.0,
	}

	var callTimes []time.Time
	start := time.Now()
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		callTimes = append(callTimes, time.Now())
		return errors.New("not ready")
	})

	require.Len(t, callTimes, 5)
	// Four waits capped at 15ms each, plus scheduling slack
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestDoJitterStaysBounded(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}

	var callTimes []time.Time
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		callTimes = append(callTimes, time.Now())
		return errors.New("not ready")
	})
	require.Len(t, callTimes, 3)

	first := callTimes[1].Sub(callTimes[0])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.LessOrEqual(t, first, 50*time.Millisecond, "jitter adds at most 30%% plus slack")
}

func TestDoZeroAttemptsUsesDefault(t *testing.T) {
	cfg := &Config{
		MaxAttempts:  0,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1.0,
	}

	calls := 0
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("not ready")
	})

	assert.Equal(t, DefaultConfig().MaxAttempts, calls)
}
