// Package fault defines the error taxonomy shared by agents, collaborators and
// the metrics collector. Callers wrap one of the sentinels and test with
// errors.Is; nothing here is retried synchronously.
package fault

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network, timeout and rate-limit failures from an
	// external collaborator. The work is retried on the next natural cycle.
	ErrTransient = errors.New("transient external error")
	// ErrValidation marks a malformed intelligence payload. The record is
	// dropped and the cycle continues.
	ErrValidation = errors.New("data validation error")
	// ErrConfiguration marks missing credentials or collaborators for a single
	// agent. Only that agent fails to start.
	ErrConfiguration = errors.New("configuration error")
	// ErrAggregation marks a KPI that could not be computed. Only that KPI is
	// omitted from the snapshot.
	ErrAggregation = errors.New("aggregation error")
)

// Error carries the operation that failed alongside a taxonomy kind.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Transient(op string, err error) error {
	return &Error{Kind: ErrTransient, Op: op, Err: err}
}

func Validation(op string, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func Configuration(op string, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

func Aggregation(op string, err error) error {
	return &Error{Kind: ErrAggregation, Op: op, Err: err}
}

// IsTransient reports whether err should be retried on a later cycle. Context
// deadlines count as transient because every collaborator call runs under a
// timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsAggregation(err error) bool   { return errors.Is(err, ErrAggregation) }
