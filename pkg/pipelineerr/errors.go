/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pipelineerr defines the tagged error taxonomy shared by every
// pipeline component. A single AppError carries a Kind (the enumeration
// from spec §7), a human message, optional details, and an optional wrapped
// cause — mirrored at every stage boundary instead of ad-hoc error strings.
package pipelineerr

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind enumerates the error taxonomy. Every error the runner and its
// collaborators produce carries exactly one Kind.
type Kind string

const (
	KindApiCallFailed         Kind = "api_call_failed"
	KindEmptyResponse         Kind = "empty_response"
	KindParseFailed           Kind = "parse_failed"
	KindUnknownModel          Kind = "unknown_model"
	KindValidationFailed      Kind = "validation_failed"
	KindCancelled             Kind = "cancelled"
	KindLockContended         Kind = "lock_contended"
	KindLockLostDuringSave    Kind = "lock_lost_during_save"
	KindTransientCorruption   Kind = "transient_corruption"
	KindPermanentlyCorrupted  Kind = "permanently_corrupted"
	KindMissingStateForResume Kind = "missing_state_for_resume"
	KindAlreadyExists         Kind = "already_exists"
	KindCacheError            Kind = "cache_error"
	KindInternal              Kind = "internal"
)

// AppError is the pipeline's single error type. It is returned by value
// through interfaces as *AppError so callers can type-assert or use IsKind.
type AppError struct {
	Kind    Kind
	Message string
	Details string
	Step    string // stage name, when the error originated inside a step executor
	Cause   error
}

// New creates an AppError with no wrapped cause.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AppError that wraps an underlying error as its Cause. The
// cause is first run through go-faster/errors.Wrap to capture a stack trace
// at the boundary, so Cause still unwraps to the original error via
// errors.Is/errors.As but also carries where it was re-tagged from.
func Wrap(cause error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: errors.Wrap(cause, message)}
}

// Wrapf creates an AppError wrapping cause with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	message := fmt.Sprintf(format, args...)
	return &AppError{Kind: kind, Message: message, Cause: errors.Wrap(cause, message)}
}

// WithDetails sets Details and returns the same error for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets a formatted Details and returns the same error.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithStep sets Step and returns the same error for chaining.
func (e *AppError) WithStep(step string) *AppError {
	e.Step = step
	return e
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is an *AppError of the given Kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Kind == kind
}

// GetKind returns err's Kind, or KindInternal if err is not an *AppError.
func GetKind(err error) Kind {
	appErr, ok := err.(*AppError)
	if !ok {
		return KindInternal
	}
	return appErr.Kind
}

// Fatal reports whether a Kind is terminal for a pipeline run: the runner
// must not retry and must not attempt another save once one of these
// occurs (spec §7 propagation policy).
func Fatal(kind Kind) bool {
	switch kind {
	case KindLockLostDuringSave, KindPermanentlyCorrupted:
		return true
	default:
		return false
	}
}
