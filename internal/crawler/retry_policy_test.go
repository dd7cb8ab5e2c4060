package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedPolicy returns a policy whose sleeps are captured instead of slept.
func recordedPolicy(maxAttempts int) (*ExponentialRetryPolicy, *[]time.Duration) {
	p := NewRetryPolicy(maxAttempts, 100*time.Millisecond, time.Second)
	delays := &[]time.Duration{}
	p.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p, delays
}

func TestRetryPolicyDoRecoversFromTransientStatus(t *testing.T) {
	p, delays := recordedPolicy(3)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: http.StatusServiceUnavailable, URL: "https://netz.example.de/"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestRetryPolicyDoSucceedsWithoutSleeping(t *testing.T) {
	p, delays := recordedPolicy(3)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestRetryPolicyDoStopsOnPermanentStatus(t *testing.T) {
	p, delays := recordedPolicy(3)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: http.StatusNotFound, URL: "https://netz.example.de/x"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 404")
	assert.Equal(t, 1, calls, "a 404 is not worth a second attempt")
	assert.Empty(t, *delays)
}

func TestRetryPolicyDoExhaustsAttempts(t *testing.T) {
	p, delays := recordedPolicy(3)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: http.StatusBadGateway, URL: "https://netz.example.de/"}
	})

	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestRetryPolicyHonorsRetryAfterOn429(t *testing.T) {
	p, delays := recordedPolicy(2)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &HTTPStatusError{
				StatusCode: http.StatusTooManyRequests,
				URL:        "https://netz.example.de/",
				RetryAfter: 7 * time.Second,
			}
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, *delays, 1)
	assert.Equal(t, 7*time.Second, (*delays)[0], "the server override replaces computed backoff")
}

func TestRetryPolicyIgnoresRetryAfterOnOtherStatuses(t *testing.T) {
	p, delays := recordedPolicy(2)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &HTTPStatusError{
				StatusCode: http.StatusServiceUnavailable,
				URL:        "https://netz.example.de/",
				RetryAfter: 7 * time.Second,
			}
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, *delays, 1)
	assert.Less(t, (*delays)[0], time.Second, "a 503 keeps the computed backoff")
}

func TestRetryPolicyDoAbortsOnCancelledContext(t *testing.T) {
	p, _ := recordedPolicy(3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry aborted")
	assert.Zero(t, calls)
}

func TestRetryPolicyDoReportsInterruptedBackoff(t *testing.T) {
	p := NewRetryPolicy(3, 100*time.Millisecond, time.Second)
	p.sleep = func(context.Context, time.Duration) error {
		return context.Canceled
	}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: http.StatusServiceUnavailable, URL: "https://netz.example.de/"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry backoff")
	assert.Equal(t, 1, calls)
}

func TestShouldRetry(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, time.Millisecond)

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"throttled", &HTTPStatusError{StatusCode: 429}, 1, true},
		{"server error", &HTTPStatusError{StatusCode: 500}, 1, true},
		{"not found", &HTTPStatusError{StatusCode: 404}, 1, false},
		{"forbidden", &HTTPStatusError{StatusCode: 403}, 1, false},
		{"attempts exhausted", &HTTPStatusError{StatusCode: 503}, 3, false},
		{"context cancelled", context.Canceled, 1, false},
		{"deadline exceeded", fmt.Errorf("fetch: %w", context.DeadlineExceeded), 1, false},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), 1, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), 1, true},
		{"unclassified error", errors.New("boom"), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestShouldRetryNetTimeout(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, time.Millisecond)
	assert.True(t, p.ShouldRetry(timeoutError{}, 1))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestBackoffStaysWithinEnvelope(t *testing.T) {
	p := NewRetryPolicy(5, 250*time.Millisecond, 5*time.Second)

	for i := 0; i < 50; i++ {
		first := p.Backoff(1)
		assert.GreaterOrEqual(t, first, 125*time.Millisecond)
		assert.Less(t, first, 250*time.Millisecond)

		capped := p.Backoff(10)
		assert.GreaterOrEqual(t, capped, 2500*time.Millisecond)
		assert.LessOrEqual(t, capped, 5*time.Second)
	}
}

func TestBackoffGrowsPerAttempt(t *testing.T) {
	p := NewRetryPolicy(5, 100*time.Millisecond, 10*time.Second)

	// The jittered window for attempt 3 starts above the window for
	// attempt 1, so a single sample from each cannot invert.
	assert.Greater(t, p.Backoff(3), p.Backoff(1))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"seconds", "30", 30 * time.Second},
		{"seconds clamped", "500", maxRetryAfter},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Hour).Format(http.TimeFormat), 0},
		{"empty", "", 0},
		{"garbage", "demnaechst", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.header, now))
		})
	}
}
