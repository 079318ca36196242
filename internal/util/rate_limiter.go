package util

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/logger"
)

var (
	// DefaultRate is the default minimum time between requests
	DefaultRate = 200 * time.Millisecond
	// DefaultBurst is the default burst size
	DefaultBurst = 5
	// MaxRate caps how far OnRateLimit can slow the limiter down
	MaxRate = 5 * time.Second
)

// RateLimiter is a token bucket that slows itself down when the remote side
// reports rate limiting. One limiter is shared by every profile writing to the
// same destination.
type RateLimiter struct {
	mu           sync.Mutex
	last         time.Time
	rate         time.Duration
	minRate      time.Duration
	maxRate      time.Duration
	tokens       int
	maxTokens    int
	lastRateDrop time.Time
	log          *logger.Logger
}

// NewRateLimiter creates a new RateLimiter.
// rate is the minimum time between requests once the burst is spent.
func NewRateLimiter(rate time.Duration, burst int, log *logger.Logger) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if log == nil {
		log = logger.Nop()
	}

	return &RateLimiter{
		last:         time.Now(),
		rate:         rate,
		minRate:      rate,
		maxRate:      max(MaxRate, rate),
		tokens:       burst,
		maxTokens:    burst,
		lastRateDrop: time.Now(),
		log:          log,
	}
}

// Wait blocks until a token is available or the context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()

	now := time.Now()

	// Add tokens based on time passed
	delta := now.Sub(r.last)
	newTokens := int(float64(delta) / float64(r.rate))
	if newTokens > 0 {
		r.tokens = min(r.tokens+newTokens, r.maxTokens)
		r.last = now
	}

	if r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	// up to 20% jitter so concurrent profiles don't wake in lockstep
	waitTime := r.rate + time.Duration(rand.Float64()*0.2*float64(r.rate))
	next := r.last.Add(waitTime)
	// reserve the slot before releasing the lock
	r.last = next
	r.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnRateLimit slows the limiter down after a 429 and returns how long the
// caller should wait before retrying
func (r *RateLimiter) OnRateLimit(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// back off harder if we were limited recently
	if now.Sub(r.lastRateDrop) < 5*time.Minute {
		r.rate = time.Duration(1.5 * float64(r.rate))
	} else {
		r.rate = time.Duration(1.2 * float64(r.rate))
	}
	r.rate = min(r.rate, r.maxRate)
	r.lastRateDrop = now

	r.log.Warn("Rate limited, increasing delay between requests", map[string]interface{}{
		"new_rate":    r.rate.String(),
		"retry_after": retryAfter.String(),
	})

	return max(retryAfter, r.rate)
}

// ResetRate resets the rate limiter to its minimum rate
func (r *RateLimiter) ResetRate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = r.minRate
	r.lastRateDrop = time.Now()
}

// GetRate returns the current rate
func (r *RateLimiter) GetRate() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as an
// HTTP date. It returns 0 when the header is absent or unusable.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
