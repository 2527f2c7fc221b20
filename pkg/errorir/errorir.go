// Package errorir classifies failures of a decision run so callers can tell a
// data-integrity fault from a retryable evaluator hiccup, a lost race for the
// current slot, or a storage outage.
package errorir

import (
	"errors"
	"fmt"
)

// Class is the failure classification of a RunError.
type Class string

const (
	ClassIntegrity   Class = "INTEGRITY"
	ClassTransient   Class = "TRANSIENT_EVALUATOR"
	ClassConflict    Class = "CONCURRENCY_CONFLICT"
	ClassStorage     Class = "STORAGE"
	ClassIneligible  Class = "INELIGIBLE"
	ClassUnavailable Class = "UNAVAILABLE"
)

// Retryable reports whether the controller may retry work of this class.
func (c Class) Retryable() bool {
	return c == ClassTransient
}

// RunError is the canonical error shape of the pipeline. Every RunError
// carries the run identifier (when one was allocated) and the proposal key.
type RunError struct {
	Class    Class
	Op       string
	RunID    string
	Proposal string
	Err      error
}

func (e *RunError) Error() string {
	msg := e.Op
	if e.Class != "" {
		msg = fmt.Sprintf("%s: %s", e.Class, e.Op)
	}
	if e.Proposal != "" {
		msg += " proposal=" + e.Proposal
	}
	if e.RunID != "" {
		msg += " run=" + e.RunID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// New builds a RunError.
func New(class Class, op string, err error) *RunError {
	return &RunError{Class: class, Op: op, Err: err}
}

// Integrity builds an IntegrityError.
func Integrity(op string, format string, args ...any) *RunError {
	return New(ClassIntegrity, op, fmt.Errorf(format, args...))
}

// Transient wraps an evaluator failure as a TransientEvaluatorError.
func Transient(op string, err error) *RunError {
	return New(ClassTransient, op, err)
}

// Conflict builds a ConcurrencyConflict.
func Conflict(op string, format string, args ...any) *RunError {
	return New(ClassConflict, op, fmt.Errorf(format, args...))
}

// Storage wraps a persistence failure as a StorageError.
func Storage(op string, err error) *RunError {
	return New(ClassStorage, op, err)
}

// WithRun returns a copy of the error annotated with run and proposal
// identity. Existing annotations win so the innermost context is preserved.
// An error that carries no class stays unclassified: ClassOf reports "" and
// errors.Is still reaches the cause.
func WithRun(err error, runID, proposal string) error {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		cp := *re
		if cp.RunID == "" {
			cp.RunID = runID
		}
		if cp.Proposal == "" {
			cp.Proposal = proposal
		}
		return &cp
	}
	return &RunError{Op: "unclassified", RunID: runID, Proposal: proposal, Err: err}
}

// ClassOf returns the classification of err, or "" when err is not a RunError.
func ClassOf(err error) Class {
	var re *RunError
	if errors.As(err, &re) {
		return re.Class
	}
	return ""
}

// Is reports whether err is a RunError of the given class.
func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}
