package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrBudgetRace     = errors.New("budget update lost a concurrent race")
	ErrTransientCache = errors.New("transient cache failure")
	ErrBudgetExceeded = errors.New("daily budget exceeded")
)

// ValidationError describes a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// FaultKind classifies failures of the AI collaborator.
type FaultKind string

const (
	FaultRateLimit        FaultKind = "rate_limit"
	FaultContextTooLong   FaultKind = "context_too_long"
	FaultModelUnavailable FaultKind = "model_unavailable"
	FaultBudgetExceeded   FaultKind = "budget_exceeded"
	FaultOther            FaultKind = "other"
)

// Recovery is the action the dispatcher takes for a fault kind.
type Recovery string

const (
	RecoveryRetryBackoff  Recovery = "retry_backoff"
	RecoveryTruncateRetry Recovery = "truncate_retry"
	RecoverySwitchModel   Recovery = "switch_model"
	RecoveryDowngrade     Recovery = "downgrade"
)

var faultRecovery = map[FaultKind]Recovery{
	FaultRateLimit:        RecoveryRetryBackoff,
	FaultContextTooLong:   RecoveryTruncateRetry,
	FaultModelUnavailable: RecoverySwitchModel,
	FaultBudgetExceeded:   RecoveryDowngrade,
	FaultOther:            RecoveryDowngrade,
}

// FaultRecovery maps a fault kind to its recovery action.
func FaultRecovery(kind FaultKind) Recovery {
	if r, ok := faultRecovery[kind]; ok {
		return r
	}
	return RecoveryDowngrade
}

// AIFault is a classified AI collaborator failure.
type AIFault struct {
	Kind  FaultKind
	Model string
	Err   error
}

func (e *AIFault) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ai fault (%s, model=%s)", e.Kind, e.Model)
	}
	return fmt.Sprintf("ai fault (%s, model=%s): %v", e.Kind, e.Model, e.Err)
}

func (e *AIFault) Unwrap() error { return e.Err }

// FaultKindOf extracts the fault kind from err; unclassified errors are FaultOther.
func FaultKindOf(err error) FaultKind {
	var f *AIFault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, ErrBudgetExceeded) {
		return FaultBudgetExceeded
	}
	return FaultOther
}
