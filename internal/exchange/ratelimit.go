// ratelimit.go keeps the adapter inside Binance's request-weight budget.
//
// Binance meters REST usage in weight units per rolling minute and reports
// consumption on every response via X-MBX-USED-WEIGHT-1M. The limiter is a
// token bucket (x/time/rate) sized to the configured budget; each call waits
// for its endpoint's weight before the request goes out. The observed header
// is tracked so the engine can throttle harder when another consumer (the
// web process, a second bot) is burning the same budget.
package exchange

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const usedWeightHeader = "X-MBX-USED-WEIGHT-1M"

// WeightLimiter gates requests by endpoint weight against a per-minute budget.
type WeightLimiter struct {
	limiter    *rate.Limiter
	usedWeight atomic.Int64 // latest X-MBX-USED-WEIGHT-1M observation
}

// NewWeightLimiter creates a limiter for the given weight-per-minute budget.
// The burst allows a poller's batch of calls to go out together.
func NewWeightLimiter(weightPerMinute int) *WeightLimiter {
	if weightPerMinute <= 0 {
		weightPerMinute = 2000
	}
	perSecond := rate.Limit(float64(weightPerMinute) / 60.0)
	return &WeightLimiter{
		limiter: rate.NewLimiter(perSecond, weightPerMinute/10),
	}
}

// Wait blocks until the given weight is available or ctx is cancelled.
func (w *WeightLimiter) Wait(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	return w.limiter.WaitN(ctx, weight)
}

// Observe records the used-weight header from a response.
func (w *WeightLimiter) Observe(header string) {
	if header == "" {
		return
	}
	if used, err := strconv.ParseInt(header, 10, 64); err == nil {
		w.usedWeight.Store(used)
	}
}

// UsedWeight returns the last reported per-minute weight consumption.
func (w *WeightLimiter) UsedWeight() int64 {
	return w.usedWeight.Load()
}

// retryAfter parses a Retry-After header (seconds) into a duration.
func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
