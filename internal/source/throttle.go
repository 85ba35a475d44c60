package source

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttled wraps a Source with a token bucket shared by every worker, so the
// whole process stays under the document API's request quota.
type Throttled struct {
	src     Source
	limiter *rate.Limiter
}

// NewThrottled allows perMinute requests per minute with the given burst.
func NewThrottled(src Source, perMinute, burst int) *Throttled {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		src:     src,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
	}
}

func (t *Throttled) Fetch(ctx context.Context, req FetchRequest) (*Page, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.src.Fetch(ctx, req)
}
