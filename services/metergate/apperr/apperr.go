// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperr defines the machine-readable error kinds surfaced by
// MeterGate components and their HTTP mapping.
//
// # Description
//
// Components wrap causes in an *Error carrying a Kind. Handlers classify any
// returned error with KindOf and respond with HTTPStatus(kind). Errors that
// carry no Kind are treated as KindStore (generic server failure).
//
// # Kinds
//
//   - KindValidation: malformed or insufficient input, rejected before the store
//   - KindConflict: optimistic update abstained on every attempt; safe to resubmit
//   - KindStore: I/O or connectivity failure
//   - KindDegraded: read-only fallback to empty; logged, never surfaced
//   - KindVerifier: external comparator unreachable or failed
//   - KindUnauthorized: subject has no usable registered reference
//   - KindCaptureIncomplete: latest capture missing or partial
//   - KindNotFound: requested record does not exist
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindStore             Kind = "store_failure"
	KindDegraded          Kind = "degraded"
	KindVerifier          Kind = "verifier_failure"
	KindUnauthorized      Kind = "unauthorized"
	KindCaptureIncomplete Kind = "capture_incomplete"
	KindNotFound          Kind = "not_found"
)

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Op + ": " + string(e.Kind)
	case e.Op == "":
		return e.Err.Error()
	default:
		return e.Op + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a plain message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindStore when err is non-nil and unclassified. A nil err returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code handlers respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindVerifier:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindCaptureIncomplete:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to clients. Store failures
// are reported generically.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if KindOf(err) == KindStore {
		return "internal server error"
	}
	return err.Error()
}
