package pipeline

import "github.com/sungwon/push-worker/internal/idempotency"

// Outcome is the result of running one notification through the pipeline.
// It is one of Success, SkippedDuplicate, TransientInfraFailure or
// PermanentFailure.
type Outcome interface {
	outcome()
	// Label is the metrics label for the outcome kind.
	Label() string
}

// Success means the notification was delivered.
type Success struct{}

// SkippedDuplicate means the idempotency key was already sent or is being
// processed elsewhere.
type SkippedDuplicate struct {
	Result idempotency.ClaimResult
}

// TransientInfraFailure means a shared state store was unreachable. Claimed
// reports whether this run had already taken the idempotency claim.
type TransientInfraFailure struct {
	Reason  string
	Claimed bool
}

// PermanentFailure means a downstream call failed or was short-circuited.
type PermanentFailure struct {
	Reason string
}

func (Success) outcome()               {}
func (SkippedDuplicate) outcome()      {}
func (TransientInfraFailure) outcome() {}
func (PermanentFailure) outcome()      {}

func (Success) Label() string               { return "success" }
func (SkippedDuplicate) Label() string      { return "skipped_duplicate" }
func (TransientInfraFailure) Label() string { return "transient" }
func (PermanentFailure) Label() string      { return "permanent" }
