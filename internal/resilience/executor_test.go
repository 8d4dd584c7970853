package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/metrics"
)

type sleepRecorder struct {
	mu     sync.Mutex
	waits  []time.Duration
	result error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return s.result
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestExecutor(t *testing.T, policy Policy, sleeper *sleepRecorder) *Executor {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return NewExecutor(policy, zap.NewNop(), WithSleep(sleeper.sleep), WithMetrics(m))
}

func TestExecutorRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	exec := newTestExecutor(t, Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}, sleeper)

	calls := 0
	err := exec.Do(context.Background(), "list_regions", func(context.Context) error {
		calls++
		if calls < 3 {
			return crawler.StatusError("list_regions", http.StatusBadGateway, 0)
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, sleeper.recorded(), 2)
}

func TestExecutorStopsAtRetryCap(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	exec := newTestExecutor(t, Policy{MaxRetries: 2}, sleeper)

	calls := 0
	err := exec.Do(context.Background(), "fetch_prices", func(context.Context) error {
		calls++
		return crawler.StatusError("fetch_prices", http.StatusServiceUnavailable, 0)
	})

	require.Error(t, err)
	require.Equal(t, 3, calls)
	var upstreamErr *crawler.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, crawler.UpstreamTransient, upstreamErr.Kind)
	require.Equal(t, crawler.KindTransient, crawler.KindOf(err))
}

func TestExecutorPermanentFailsImmediately(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	exec := newTestExecutor(t, Policy{MaxRetries: 5}, sleeper)

	calls := 0
	err := exec.Do(context.Background(), "list_subregions", func(context.Context) error {
		calls++
		return crawler.StatusError("list_subregions", http.StatusNotFound, 0)
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, sleeper.recorded())
	require.Equal(t, crawler.KindPermanent, crawler.KindOf(err))
}

func TestExecutorHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	exec := newTestExecutor(t, Policy{MaxRetries: 2, MaxRetryAfter: 10 * time.Second}, sleeper)

	calls := 0
	err := exec.Do(context.Background(), "fetch_prices", func(context.Context) error {
		calls++
		switch calls {
		case 1:
			return crawler.StatusError("fetch_prices", http.StatusTooManyRequests, 3*time.Second)
		case 2:
			return crawler.StatusError("fetch_prices", http.StatusTooManyRequests, time.Minute)
		default:
			return nil
		}
	})

	require.NoError(t, err)
	require.Equal(t, []time.Duration{3 * time.Second, 10 * time.Second}, sleeper.recorded())
}

func TestExecutorRateLimitedWithoutHintUsesBackoff(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	policy := Policy{MaxRetries: 1, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	exec := newTestExecutor(t, policy, sleeper)

	err := exec.Do(context.Background(), "fetch_prices", func(context.Context) error {
		return crawler.StatusError("fetch_prices", http.StatusTooManyRequests, 0)
	})

	require.Error(t, err)
	require.Equal(t, crawler.KindRateLimited, crawler.KindOf(err))
	waits := sleeper.recorded()
	require.Len(t, waits, 1)
	require.GreaterOrEqual(t, waits[0], 50*time.Millisecond)
	require.LessOrEqual(t, waits[0], 100*time.Millisecond)
}

func TestExecutorAppliesPerCallTimeout(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	exec := newTestExecutor(t, Policy{MaxRetries: 1, CallTimeout: 20 * time.Millisecond}, sleeper)

	calls := 0
	err := exec.Do(context.Background(), "fetch_prices", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, crawler.KindTransient, crawler.KindOf(err))
}

func TestExecutorDoesNotRetryParentCancellation(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	exec := newTestExecutor(t, Policy{MaxRetries: 5}, sleeper)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := exec.Do(ctx, "list_regions", func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection reset")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestExecutorCustomClassifier(t *testing.T) {
	t.Parallel()

	sleeper := &sleepRecorder{}
	exec := NewExecutor(Policy{MaxRetries: 2}, zap.NewNop(), WithSleep(sleeper.sleep),
		WithClassifier(func(error) crawler.UpstreamKind { return crawler.UpstreamTransient }))

	calls := 0
	err := exec.Do(context.Background(), "finish_run", func(context.Context) error {
		calls++
		return errors.New("conn busy")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, sleeper.recorded(), 2)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want crawler.UpstreamKind
	}{
		{"5xx", crawler.StatusError("op", 500, 0), crawler.UpstreamTransient},
		{"408", crawler.StatusError("op", 408, 0), crawler.UpstreamTransient},
		{"429", crawler.StatusError("op", 429, 0), crawler.UpstreamRateLimited},
		{"403", crawler.StatusError("op", 403, 0), crawler.UpstreamPermanent},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), crawler.UpstreamTransient},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, crawler.UpstreamTransient},
		{"plain", errors.New("decode body"), crawler.UpstreamPermanent},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
	require.Nil(t, crawler.StatusError("op", 204, 0))
}

func TestBackoffIsCappedAndJittered(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		require.LessOrEqual(t, d, 400*time.Millisecond)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	require.Zero(t, ParseRetryAfter("", now))
	require.Zero(t, ParseRetryAfter("-5", now))
	require.Equal(t, 90*time.Second, ParseRetryAfter("Fri, 01 Mar 2024 12:01:30 GMT", now))
	require.Zero(t, ParseRetryAfter("Fri, 01 Mar 2024 11:00:00 GMT", now))
	require.Zero(t, ParseRetryAfter("soon", now))
}
