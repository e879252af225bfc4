// File: api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures so callers can branch on the class
// without string-matching messages.
type ErrorCode string

const (
	// ErrCodeConfig indicates an invalid profile or application config.
	// Fatal at load time.
	ErrCodeConfig ErrorCode = "CONFIG"
	// ErrCodeCapture indicates a screen grab failed. Skips the affected
	// region for the tick.
	ErrCodeCapture ErrorCode = "CAPTURE"
	// ErrCodeAnalysis indicates a local analyzer failed. The condition
	// evaluates false.
	ErrCodeAnalysis ErrorCode = "ANALYSIS"
	// ErrCodeVisionAPI indicates the vision backend call failed after
	// retries.
	ErrCodeVisionAPI ErrorCode = "VISION_API"
	// ErrCodePlanParse indicates the planner returned output that could not
	// be decoded or validated into a plan.
	ErrCodePlanParse ErrorCode = "PLAN_PARSE"
	// ErrCodeUnsafeAction indicates an intent that maps to no allowed
	// primitive. Always blocks execution.
	ErrCodeUnsafeAction ErrorCode = "UNSAFE_ACTION"
	// ErrCodeConfirmationTimeout indicates the user did not answer a
	// confirmation prompt in time.
	ErrCodeConfirmationTimeout ErrorCode = "CONFIRMATION_TIMEOUT"
	// ErrCodeStepLimit indicates the task's step budget was exhausted before
	// the next primitive could run.
	ErrCodeStepLimit ErrorCode = "STEP_LIMIT_EXCEEDED"
	// ErrCodeSubstitution indicates a placeholder in an action spec could
	// not be resolved from the variable context.
	ErrCodeSubstitution ErrorCode = "SUBSTITUTION"
	// ErrCodeStepRejected indicates the user declined a per-step
	// confirmation prompt. Aborts the task.
	ErrCodeStepRejected ErrorCode = "STEP_REJECTED"
)

// EngineError pairs an ErrorCode with a wrapped cause.
type EngineError struct {
	Code ErrorCode
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// E wraps err with a code. Message formatting follows fmt.Errorf rules.
func E(code ErrorCode, format string, args ...any) error {
	return &EngineError{Code: code, Err: fmt.Errorf(format, args...)}
}

// WrapE attaches a code to an existing error, preserving the chain.
func WrapE(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Code: code, Err: err}
}

// CodeOf extracts the ErrorCode from anywhere in err's chain. The second
// return is false when no EngineError is present.
func CodeOf(err error) (ErrorCode, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
