package consumer

import "time"

const (
	rateLimitBase = 20 * time.Second
	rateLimitMax  = 10 * time.Minute

	jitterMin   = 0.2
	jitterRange = 0.2
)

// RateLimitDelay returns how long a rate-limited job waits before its next
// attempt: 20s doubled per prior attempt, capped at 10 minutes, then moved
// up or down by a random 20 to 40 percent. rnd returns values in [0, 1)
func RateLimitDelay(attempts int, rnd func() float64) time.Duration {
	base := rateLimitMax
	if attempts < 16 {
		base = min(rateLimitBase<<max(attempts, 0), rateLimitMax)
	}
	jitter := jitterMin + jitterRange*rnd()
	if rnd() < 0.5 {
		jitter = -jitter
	}
	return time.Duration(float64(base) * (1 + jitter))
}
