// Package agent defines the contract for the external agent executor.
//
// The orchestration core treats agent work as an opaque, fallible, slow
// external operation: a Runner is handed a phase and its context and
// either produces artifacts or fails. Retry policy, prompting, and model
// selection belong to Runner implementations, not to the core.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// Request carries everything an agent needs to execute one phase.
type Request struct {
	SessionID   string
	Phase       phase.Phase
	Mission     string
	ProjectName string
	WorkDir     string

	// Feedback is the accumulated human feedback for this phase,
	// appended on rejections and QA repair loops.
	Feedback []string

	// Artifacts points at the outputs of earlier phases.
	Artifacts map[string]string

	// Iteration is the current repair-loop cycle, zero-based.
	Iteration int
}

// Result is the outcome of one successful agent invocation.
type Result struct {
	// Artifacts maps artifact type to the pointer the agent produced.
	Artifacts map[string]string

	// FilesCreated lists files the agent wrote in the work dir.
	FilesCreated []string

	// TestsPassed and TestResults are only meaningful for the qa phase.
	TestsPassed bool
	TestResults string

	TokensInput  int
	TokensOutput int
	Duration     time.Duration
}

// Runner executes the agent work for one phase.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// ExecutionError reports an agent failure during a phase.
type ExecutionError struct {
	Phase phase.Phase
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent execution failed in phase %s: %v", e.Phase, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// TimeoutError reports that an agent invocation exceeded its deadline.
type TimeoutError struct {
	Phase   phase.Phase
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timeout in phase %s after %s", e.Phase, e.Timeout)
}
