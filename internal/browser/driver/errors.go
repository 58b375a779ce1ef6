package driver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is the stable, machine readable identifier attached to engine
// failures in reports.
type ErrorCode string

const (
	ErrCodeElementNotFound      ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeout              ErrorCode = "TIMEOUT_WAITING_FOR_STATE"
	ErrCodeStrategiesExhausted  ErrorCode = "ALL_STRATEGIES_EXHAUSTED"
	ErrCodeContextSwitchFailed  ErrorCode = "CONTEXT_SWITCH_FAILED"
	ErrCodeModalNotDetected     ErrorCode = "MODAL_NOT_DETECTED"
	ErrCodeVerificationMismatch ErrorCode = "VERIFICATION_MISMATCH"
	ErrCodeNewWindowTimeout     ErrorCode = "NEW_WINDOW_TIMEOUT"
	ErrCodeInteractionFailure   ErrorCode = "INTERACTION_FAILURE"
)

var (
	ErrElementNotFound      = errors.New("element not found")
	ErrTimeout              = errors.New("timed out waiting for state")
	ErrStrategiesExhausted  = errors.New("all strategies exhausted")
	ErrContextSwitchFailed  = errors.New("context switch failed")
	ErrModalNotDetected     = errors.New("modal not detected")
	ErrVerificationMismatch = errors.New("verification mismatch")
	ErrNewWindowTimeout     = errors.New("timed out waiting for new window")

	// ErrIntercepted is returned when a native click lands on another node.
	ErrIntercepted = errors.New("element click intercepted")
	// ErrStaleElement is returned when an Element no longer resolves to a node.
	ErrStaleElement = errors.New("stale element reference")
	// ErrCollapsed is returned when a pointer action targets a zero size box.
	ErrCollapsed = errors.New("element not interactable (zero size)")
)

// CodeOf maps an error to its ErrorCode.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNewWindowTimeout):
		return ErrCodeNewWindowTimeout
	case errors.Is(err, ErrStrategiesExhausted):
		return ErrCodeStrategiesExhausted
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrElementNotFound):
		return ErrCodeElementNotFound
	case errors.Is(err, ErrContextSwitchFailed):
		return ErrCodeContextSwitchFailed
	case errors.Is(err, ErrModalNotDetected):
		return ErrCodeModalNotDetected
	case errors.Is(err, ErrVerificationMismatch):
		return ErrCodeVerificationMismatch
	default:
		return ErrCodeInteractionFailure
	}
}

// TimeoutError reports a bounded wait that never saw its condition hold.
type TimeoutError struct {
	Locator   Locator
	Condition string
	Waited    time.Duration
	// Last is the most recent error observed while polling, if any.
	Last error
	// NewWindow marks waits for an additional browser window.
	NewWindow bool
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "timed out after %dms waiting for %s", e.Waited.Milliseconds(), e.Condition)
	if !e.Locator.IsZero() {
		fmt.Fprintf(&b, " of %s", e.Locator)
	}
	if e.Last != nil {
		fmt.Fprintf(&b, ": last error: %v", e.Last)
	}
	return b.String()
}

func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	return e.NewWindow && target == ErrNewWindowTimeout
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// StrategyFailure is one entry of an exhausted chain.
type StrategyFailure struct {
	Strategy string
	Err      error
}

// ExhaustedError carries the ordered causes of every strategy that was tried.
type ExhaustedError struct {
	Action  string
	Locator Locator
	Causes  []StrategyFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %v", c.Strategy, c.Err))
	}
	return fmt.Sprintf("%s on %s: all %d strategies failed [%s]",
		e.Action, e.Locator, len(e.Causes), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrStrategiesExhausted }

// Unwrap exposes the per-strategy causes to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Causes))
	for _, c := range e.Causes {
		errs = append(errs, c.Err)
	}
	return errs
}

// Strategies lists the names of the failed strategies in the order tried.
func (e *ExhaustedError) Strategies() []string {
	names := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		names = append(names, c.Strategy)
	}
	return names
}

// VerificationError reports a read-back that did not match the request.
type VerificationError struct {
	Strategy string
	Want     string
	Got      string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: read back %q, want %q", e.Strategy, e.Got, e.Want)
}

func (e *VerificationError) Is(target error) bool { return target == ErrVerificationMismatch }

// ContextError reports a window or frame switch that could not be completed.
type ContextError struct {
	Op     string
	Target string
	Err    error
}

func (e *ContextError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Target, e.Err)
}

func (e *ContextError) Is(target error) bool { return target == ErrContextSwitchFailed }

func (e *ContextError) Unwrap() error { return e.Err }

// NotFound builds an ErrElementNotFound error for a locator.
func NotFound(loc Locator) error {
	return fmt.Errorf("%w: %s", ErrElementNotFound, loc)
}
