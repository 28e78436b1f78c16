// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors provides the structured error type shared by the filter
// table, the control plane and the datapath.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindMalformed
	KindInvalidType
	KindNotFound
	KindConflict
	KindCapacity
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindMalformed:
		return "malformed"
	case KindInvalidType:
		return "invalid_filter_type"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCapacity:
		return "capacity"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinel errors for the table and control plane. Compare with Is, or
// classify with GetKind.
var (
	ErrDuplicateFilter = New(KindConflict, "duplicate filter")
	ErrFilterNotFound  = New(KindNotFound, "filter not found")
	ErrTableFull       = New(KindCapacity, "filter table full")
)

// Error represents a structured error in bricks.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. A plain error is wrapped as
// KindInternal first. The receiver is copied so shared sentinels are never
// mutated.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var src *Error
	var e *Error
	if errors.As(err, &src) && src == err {
		cp := *src
		cp.Attributes = make(map[string]any, len(src.Attributes)+1)
		for k, v := range src.Attributes {
			cp.Attributes[k] = v
		}
		e = &cp
	} else {
		e = &Error{
			Kind:       GetKind(err),
			Message:    err.Error(),
			Underlying: err,
		}
		if e.Kind == KindUnknown {
			e.Kind = KindInternal
		}
		e.Attributes = make(map[string]any)
	}

	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a bricks error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
// Outer attributes win over inner ones with the same key.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if !errors.As(tempErr, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		tempErr = e.Underlying
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
// Two *Error values match when they share Kind and Message, so an error
// annotated with Attr still matches its sentinel.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Is implements the errors.Is hook.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
