package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/rakeback-engine/internal/model"
)

// Error classes stored on retry queue entries.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
)

// Classify labels err for the retry queue. Gateway timeouts are transient.
func Classify(err error) string {
	if IsTransient(err) || model.IsGatewayTimeout(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// QueueBlock builds a retry queue entry for a block whose ingestion failed.
func QueueBlock(validator string, block int64, err error, maxRetries int, p Policy, now time.Time) model.RetryEntry {
	return model.RetryEntry{
		ID:              uuid.NewString(),
		ValidatorHotkey: validator,
		BlockNumber:     block,
		Error:           err.Error(),
		ErrorType:       Classify(err),
		MaxRetries:      maxRetries,
		NextRetryAt:     now.Add(p.Delay(0)),
		CreatedAt:       now,
		LastFailedAt:    now,
	}
}

// Reschedule records another failed attempt on e and pushes its next retry
// out by the policy's backoff.
func Reschedule(e model.RetryEntry, err error, p Policy, now time.Time) model.RetryEntry {
	e.RetryCount++
	e.Error = err.Error()
	e.ErrorType = Classify(err)
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(p.Delay(e.RetryCount))
	return e
}

// PolicyFrom builds a Policy from flat config values, keeping defaults for
// zero values.
func PolicyFrom(attempts, initialMs, maxMs int, factor, jitter float64) Policy {
	p := DefaultPolicy()
	if attempts > 0 {
		p.Attempts = attempts
	}
	if initialMs > 0 {
		p.Initial = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		p.Max = time.Duration(maxMs) * time.Millisecond
	}
	if factor > 0 {
		p.Factor = factor
	}
	if jitter >= 0 {
		p.Jitter = jitter
	}
	return p
}

// BreakerFrom builds a BreakerConfig from flat config values.
func BreakerFrom(threshold, coolDownSecs int) BreakerConfig {
	cfg := BreakerConfig{Threshold: 5, CoolDown: 30 * time.Second}
	if threshold > 0 {
		cfg.Threshold = threshold
	}
	if coolDownSecs > 0 {
		cfg.CoolDown = time.Duration(coolDownSecs) * time.Second
	}
	return cfg
}
