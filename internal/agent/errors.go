package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for agent operations.
var (
	// ErrCancelled is returned by Submit when the turn was cancelled. It is a
	// terminal outcome, not a failure: the transcript keeps whatever was
	// appended before cancellation was observed.
	ErrCancelled = errors.New("cancelled by user")

	// ErrNoProvider indicates no model provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrInvalidTool indicates a tool failed registration checks.
	ErrInvalidTool = errors.New("invalid tool")

	// ErrNoProfile is returned by ExitProfile when no profile is active.
	ErrNoProfile = errors.New("no agent profile active")
)

// ToolError records a failed tool dispatch. The loop never returns it; it is
// rendered into an error result and logged.
type ToolError struct {
	Tool   string
	CallID string
	Cause  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("Error executing tool '%s': %v", e.Tool, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// ProviderError wraps a failure of the model call.
type ProviderError struct {
	Provider string
	Model    string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }
