package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobackup/internal/apperr"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Delay: time.Millisecond}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	var waits []time.Duration
	p := fastPolicy(3)
	p.OnRetry = func(err error, wait time.Duration) { waits = append(waits, wait) }

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return apperr.FromStatus(apperr.StorageUploadFailed, http.StatusServiceUnavailable, "put")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, apperr.Is(err, apperr.StorageUploadFailed))
	// 退避不加抖动，每次翻倍
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDoStopsOnFatalError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return apperr.FromStatus(apperr.StorageUploadFailed, http.StatusUnauthorized, "put")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperr.Is(err, apperr.StorageAuthFailed))
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", apperr.Temporary(apperr.StorageListFailed, errors.New("reset"), "list")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	p := Policy{Attempts: 3, Delay: time.Hour}
	err := Do(ctx, p, func(ctx context.Context) error {
		calls++
		return apperr.Temporary(apperr.StorageUploadFailed, errors.New("reset"), "put")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
