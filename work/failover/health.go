package failover

import (
	"time"

	"github.com/maypok86/otter/v2"

	"streamgate/work/logger"
)

// Health tracks recent upstream failures per provider. Counts live in a TTL
// cache, so a provider that stops failing ages back to healthy on its own
// without an explicit reset path.
type Health struct {
	failures     *otter.Cache[string, int]
	failureLimit int
}

// NewHealth creates a provider health tracker. Failure counts expire ttl
// after their last write; limit is the count at which a provider is demoted.
func NewHealth(ttl time.Duration, limit int) *Health {
	return &Health{
		failures: otter.Must(&otter.Options[string, int]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[string, int](ttl),
		}),
		failureLimit: limit,
	}
}

// MarkFailure records an upstream failure for the provider.
func (h *Health) MarkFailure(providerID string) {
	count := 1
	if prev, ok := h.failures.GetIfPresent(providerID); ok {
		count = prev + 1
	}
	h.failures.Set(providerID, count)

	if count == h.failureLimit {
		logger.Warn("{failover - MarkFailure} Provider %s demoted after %d consecutive failures",
			providerID, count)
	}
}

// MarkSuccess clears the provider's failure count.
func (h *Health) MarkSuccess(providerID string) {
	h.failures.Invalidate(providerID)
}

// Healthy reports whether the provider is below the failure limit. Demoted
// providers are skipped during failover candidate selection when any
// alternative exists.
func (h *Health) Healthy(providerID string) bool {
	count, ok := h.failures.GetIfPresent(providerID)
	return !ok || count < h.failureLimit
}

// Failures returns the current failure count for the provider.
func (h *Health) Failures(providerID string) int {
	count, _ := h.failures.GetIfPresent(providerID)
	return count
}
