package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/banquet/pkg/observability"
)

// Limiter decides whether a recipient may receive another message
type Limiter interface {
	Allow(ctx context.Context, recipient string) (bool, error)
}

// RateLimiter implements token bucket rate limiting per recipient, in process
type RateLimiter struct {
	buckets      map[string]*TokenBucket
	mutex        sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
	now          func() time.Time
}

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
	mutex        sync.Mutex
}

// NewRateLimiter allows maxRequests per recipient per window. One token is
// returned every window/maxRequests.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	refill := window / time.Duration(maxRequests)
	if refill <= 0 {
		refill = time.Millisecond
	}
	return &RateLimiter{
		buckets:      make(map[string]*TokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: refill,
		now:          time.Now,
	}
}

// Allow implements Limiter
func (rl *RateLimiter) Allow(_ context.Context, recipient string) (bool, error) {
	now := rl.now()
	rl.mutex.Lock()
	bucket, exists := rl.buckets[recipient]
	if !exists {
		bucket = &TokenBucket{
			tokens:       rl.maxTokens,
			maxTokens:    rl.maxTokens,
			refillPeriod: rl.refillPeriod,
			lastRefill:   now,
		}
		rl.buckets[recipient] = bucket
	}
	rl.mutex.Unlock()

	return bucket.Take(now), nil
}

// Take attempts to take a token from the bucket
func (tb *TokenBucket) Take(now time.Time) bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	elapsed := now.Sub(tb.lastRefill)
	if elapsed >= tb.refillPeriod {
		periods := int(elapsed / tb.refillPeriod)
		tb.tokens = min(tb.tokens+periods, tb.maxTokens)
		tb.lastRefill = tb.lastRefill.Add(time.Duration(periods) * tb.refillPeriod)
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Reset forgets a recipient's bucket
func (rl *RateLimiter) Reset(recipient string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, recipient)
}

// RedisLimiter is a fixed-window counter shared by every worker process
type RedisLimiter struct {
	client  *redis.Client
	limit   int64
	window  time.Duration
	prefix  string
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRedisLimiter allows limit messages per recipient per window
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, metrics *observability.Metrics) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		limit:   int64(limit),
		window:  window,
		prefix:  "banquet:ratelimit",
		metrics: metrics,
		now:     time.Now,
	}
}

func (rl *RedisLimiter) key(recipient string) string {
	bucket := rl.now().UnixNano() / int64(rl.window)
	return fmt.Sprintf("%s:%s:%d", rl.prefix, strings.ToLower(recipient), bucket)
}

// Allow implements Limiter. Errors reaching Redis are returned and the
// caller must treat the recipient as limited.
func (rl *RedisLimiter) Allow(ctx context.Context, recipient string) (bool, error) {
	key := rl.key(recipient)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	_, err := pipe.Exec(ctx)
	rl.metrics.RecordRedisCommand("ratelimit", err)
	if err != nil {
		return false, fmt.Errorf("rate limit check for %q: %w", recipient, err)
	}
	return incr.Val() <= rl.limit, nil
}

// RateLimited wraps a Notifier with a per-recipient Limiter
type RateLimited struct {
	Notifier
	limiter Limiter
}

// WithRateLimit wraps n so every Send first consults limiter
func WithRateLimit(n Notifier, limiter Limiter) *RateLimited {
	return &RateLimited{Notifier: n, limiter: limiter}
}

// Send returns an error wrapping ErrRateLimited when the recipient is over
// budget or the limiter is unavailable.
func (r *RateLimited) Send(ctx context.Context, msg Message) error {
	key := msg.Recipient
	if key == "" {
		key = msg.Phone
	}
	allowed, err := r.limiter.Allow(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if !allowed {
		return ErrRateLimited
	}
	return r.Notifier.Send(ctx, msg)
}
