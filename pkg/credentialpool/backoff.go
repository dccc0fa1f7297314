package credentialpool

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff schedule defaults (SPEC_FULL.md §4.5). rate_limited is fixed;
// server_error and transport carry jitter via a one-shot exponential
// backoff sized to stay within a narrow band around its base.
const (
	rateLimitedCooldown = 60 * time.Second
	serverErrorBase     = 10 * time.Second
	transportBase       = 5 * time.Second
)

func cooldownFor(kind RetryableKind) time.Duration {
	switch kind {
	case RetryRateLimited:
		return rateLimitedCooldown
	case RetryServerError:
		return jittered(serverErrorBase)
	case RetryTransport:
		return jittered(transportBase)
	default:
		return jittered(serverErrorBase)
	}
}

// jittered returns base randomized by up to 30% in either direction, using
// cenkalti/backoff/v5's exponential backoff generator pinned to a single
// interval (no growth across calls — each Settle computes its own).
func jittered(base time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(base),
		backoff.WithRandomizationFactor(0.3),
		backoff.WithMultiplier(1),
	)
	return b.NextBackOff()
}
