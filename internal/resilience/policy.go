// Package resilience wraps upstream calls with timeouts, classified retries,
// jittered exponential backoff, and per-region short-circuiting.
package resilience

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// Policy controls retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// CallTimeout bounds every single attempt.
	CallTimeout time.Duration
	// MaxRetryAfter caps server-provided Retry-After hints.
	MaxRetryAfter time.Duration
}

// DefaultPolicy mirrors the http.* config defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		CallTimeout:   15 * time.Second,
		MaxRetryAfter: 60 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = def.MaxRetryAfter
	}
	return p
}

// Backoff returns the wait before retry number attempt (0-based): half of the
// capped exponential delay plus up to the same amount of random jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// Wait returns how long to sleep before retrying after err.
func (p Policy) Wait(err error, attempt int) time.Duration {
	var upstreamErr *crawler.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.Kind == crawler.UpstreamRateLimited && upstreamErr.RetryAfter > 0 {
		if upstreamErr.RetryAfter > p.MaxRetryAfter {
			return p.MaxRetryAfter
		}
		return upstreamErr.RetryAfter
	}
	return p.Backoff(attempt)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Classify maps err onto the upstream taxonomy. Errors already typed as
// *crawler.UpstreamError keep their kind; timeouts and connection failures are
// transient; anything else is permanent.
func Classify(err error) crawler.UpstreamKind {
	var upstreamErr *crawler.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.UpstreamTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return crawler.UpstreamTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return crawler.UpstreamTransient
	}
	return crawler.UpstreamPermanent
}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err) != crawler.UpstreamPermanent
}

// ParseRetryAfter accepts delta-seconds or an HTTP-date. Zero means absent.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
