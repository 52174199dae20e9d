package provider

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
)

// backendHealth is the registry's view of one provider backend.
type backendHealth struct {
	state         schemas.HealthState
	consecutive   int       // consecutive transient failures
	degradedUntil time.Time // cooldown expiry while degraded
}

// HealthRegistry tracks provider health across every session in the process.
// A backend rate-limiting one session is rate-limiting all of them, so the
// registry is shared and guarded by a single mutex.
type HealthRegistry struct {
	logger    *zap.Logger
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	mu       sync.Mutex
	backends map[string]*backendHealth
}

// NewHealthRegistry creates the registry with the configured failure
// threshold and degradation cooldown.
func NewHealthRegistry(logger *zap.Logger, cfg config.ProvidersConfig) *HealthRegistry {
	return &HealthRegistry{
		logger:    logger.Named("provider_health"),
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		clock:     time.Now,
		backends:  make(map[string]*backendHealth),
	}
}

func (h *HealthRegistry) get(name string) *backendHealth {
	b, ok := h.backends[name]
	if !ok {
		b = &backendHealth{state: schemas.HealthHealthy}
		h.backends[name] = b
	}
	return b
}

// StateOf returns the backend's current health, promoting a degraded backend
// back to healthy once its cooldown has elapsed. Unavailable is terminal for
// the process lifetime.
func (h *HealthRegistry) StateOf(name string) schemas.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(name)
	if b.state == schemas.HealthDegraded && h.clock().After(b.degradedUntil) {
		h.logger.Info("Provider cooldown elapsed, restoring",
			zap.String("provider", name))
		b.state = schemas.HealthHealthy
		b.consecutive = 0
	}
	return b.state
}

// RecordSuccess resets the backend's failure streak.
func (h *HealthRegistry) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(name)
	b.consecutive = 0
	if b.state == schemas.HealthDegraded {
		b.state = schemas.HealthHealthy
	}
}

// RecordFailure classifies the error and updates the backend's state:
// auth failures mark it unavailable immediately, transient failures
// accumulate toward the degradation threshold. The returned state is the
// backend's health after the update.
func (h *HealthRegistry) RecordFailure(name string, err error) schemas.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(name)

	var perr *schemas.ProviderError
	if errors.As(err, &perr) && perr.AuthFailure() {
		b.state = schemas.HealthUnavailable
		h.logger.Error("Provider credentials rejected, marking unavailable",
			zap.String("provider", name),
			zap.Int("status", perr.StatusCode))
		return b.state
	}

	transient := perr == nil || perr.Transient()
	if !transient {
		// A permanent non-auth failure (malformed response, blocked prompt)
		// does not advance the streak; the next call may be fine.
		return b.state
	}

	b.consecutive++
	if b.state == schemas.HealthHealthy && b.consecutive >= h.threshold {
		b.state = schemas.HealthDegraded
		b.degradedUntil = h.clock().Add(h.cooldown)
		h.logger.Warn("Provider degraded after consecutive transient failures",
			zap.String("provider", name),
			zap.Int("failures", b.consecutive),
			zap.Duration("cooldown", h.cooldown))
	}
	return b.state
}
