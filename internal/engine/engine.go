package engine

import (
	"context"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
)

// CycleRequest is the input for one bounded unit of work against the
// external execution engine.
type CycleRequest struct {
	TaskID         string
	Goal           string
	WorkspacePath  string
	CredentialSlot string
	// CredentialValue is the plaintext credential the engine must use for
	// every outbound request of this cycle. Implementations must never fall
	// back to a different credential mid-cycle.
	CredentialValue string
	// Messages is the prior conversation, possibly empty. The result's
	// messages must be a continuation of it, never a truncation.
	Messages   []model.Message
	StepBudget int
}

// CycleResult is the outcome of one cycle.
//
// Engine-internal failures are reported through Err, they never surface as
// an error return of RunCycle. The error return of RunCycle is reserved for
// transport or infrastructure failures.
type CycleResult struct {
	Finished   bool
	OutputText string
	Messages   []model.Message
	// StepsUsed is how many steps the cycle consumed. Zero means the engine
	// did not report it and the caller accounts the full step budget.
	StepsUsed   int
	TokenInput  int
	TokenOutput int
	TokenTotal  int
	Duration    time.Duration
	Err         string
}

// Runner is the narrow bridge contract toward the external execution engine.
type Runner interface {
	RunCycle(ctx context.Context, req CycleRequest) (*CycleResult, error)
}
