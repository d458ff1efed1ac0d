package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noJitterPolicy(backoff BackoffType) Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      backoff,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
	}
}

func TestDelayFixed(t *testing.T) {
	p := noJitterPolicy(BackoffFixed)
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(5))
}

func TestDelayLinear(t *testing.T) {
	p := noJitterPolicy(BackoffLinear)
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 4*time.Second, p.Delay(2))
	require.Equal(t, 6*time.Second, p.Delay(3))
}

func TestDelayExponential(t *testing.T) {
	p := noJitterPolicy(BackoffExponential)
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 4*time.Second, p.Delay(2))
	require.Equal(t, 8*time.Second, p.Delay(3))
	require.Equal(t, 16*time.Second, p.Delay(4))
}

func TestDelayCappedAtMax(t *testing.T) {
	p := noJitterPolicy(BackoffExponential)
	require.Equal(t, time.Minute, p.Delay(30))
}

func TestDelayHugeAttemptDoesNotOverflow(t *testing.T) {
	p := noJitterPolicy(BackoffExponential)
	for _, attempt := range []int{40, 64, 100, 1 << 20} {
		require.Equal(t, time.Minute, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayNonPositiveAttempt(t *testing.T) {
	p := noJitterPolicy(BackoffExponential)
	require.Equal(t, p.InitialDelay, p.Delay(0))
	require.Equal(t, p.InitialDelay, p.Delay(-2))
}

func TestDelayJitterStaysInBand(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			require.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
			ceiling := time.Duration(float64(p.MaxDelay) * (1 + p.JitterMaxPercent))
			require.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

func TestShouldRetryAttemptBound(t *testing.T) {
	p := noJitterPolicy(BackoffExponential)
	require.True(t, p.ShouldRetry(1, ErrTypeTimeout))
	require.True(t, p.ShouldRetry(2, ErrTypeTimeout))
	require.False(t, p.ShouldRetry(3, ErrTypeTimeout))
	require.False(t, p.ShouldRetry(4, ErrTypeTimeout))
}

func TestShouldRetryDeniesDeterministicFailures(t *testing.T) {
	p := noJitterPolicy(BackoffExponential)
	for _, class := range []string{
		ErrTypeValidation,
		ErrTypeFormat,
		ErrTypeFormatNotSupported,
		ErrTypePermission,
		ErrTypePermissionDenied,
	} {
		require.False(t, p.ShouldRetry(1, class), "class %s", class)
	}
	for _, class := range []string{ErrTypeTimeout, ErrTypeMemory, ErrTypeNetwork, ErrTypeUnknown} {
		require.True(t, p.ShouldRetry(1, class), "class %s", class)
	}
}
