package notify

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles sends through a shared token bucket.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewRateLimited allows perSec sends per second with a burst of one second.
// A non-positive perSec disables throttling.
func NewRateLimited(next Gateway, perSec float64) Gateway {
	if perSec <= 0 {
		return next
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (g *RateLimited) Send(ctx context.Context, address string, msg Message) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.next.Send(ctx, address, msg)
}
