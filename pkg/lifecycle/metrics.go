package lifecycle

import "time"

// Metrics defines the interface for tracking engine operations.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordEvent records a processed lifecycle event.
	// outcome: "applied", "duplicate", "unknown_subscription", "skipped" or "error".
	RecordEvent(eventType, outcome string)

	// RecordSweep records one reconciliation pass.
	RecordSweep(duration time.Duration, examined, expired, revoked int)

	// RecordGrant records an invite grant attempt. outcome: "success" or "error".
	RecordGrant(outcome string)

	// RecordRevoke records a membership revoke attempt.
	// outcome: "success", "error" or "privilege".
	RecordRevoke(outcome string)

	// RecordEscalation records an operator escalation.
	RecordEscalation(reason string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (NoopMetrics) RecordEvent(_, _ string)                       {}
func (NoopMetrics) RecordSweep(_ time.Duration, _, _, _ int)      {}
func (NoopMetrics) RecordGrant(_ string)                          {}
func (NoopMetrics) RecordRevoke(_ string)                         {}
func (NoopMetrics) RecordEscalation(_ string)                     {}
