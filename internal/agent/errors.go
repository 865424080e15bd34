package agent

import (
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy. Every error that crosses a component
// boundary carries exactly one of these.
type Kind string

const (
	KindAuthMissing             Kind = "auth-missing"
	KindConfigInvalid           Kind = "config-invalid"
	KindExternalTimeout         Kind = "external-timeout"
	KindExternalRejected        Kind = "external-rejected"
	KindConflictDetected        Kind = "conflict-detected"
	KindStateViolation          Kind = "state-violation"
	KindBudgetExceeded          Kind = "budget-exceeded"
	KindVerificationDiscrepancy Kind = "verification-discrepancy"
	KindCancelled               Kind = "cancelled"
)

// Error is the compact wrapper agents produce for every failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s (agent=%s step=%s)", e.Kind, e.Message, e.Agent, e.Step)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a taxonomy error without step/agent attribution.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attributes an underlying error to a step of an agent. If err is
// already a taxonomy error its kind is kept and only attribution is filled.
func WrapError(kind Kind, agentID, step string, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Agent == "" {
			ae.Agent = agentID
		}
		if ae.Step == "" {
			ae.Step = step
		}
		return ae
	}
	return &Error{
		Kind:    kind,
		Message: err.Error(),
		Step:    step,
		Agent:   agentID,
		Cause:   err,
	}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified errors
// report as state violations: an error without a kind is an internal bug.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindStateViolation
}
