// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"net"

	badger "github.com/dgraph-io/badger/v4"
)

// Category classifies a storage failure for retry decisions.
type Category string

const (
	// CategoryConflict is a uniqueness/duplicate violation. Never
	// retried; retrying reproduces the same conflict.
	CategoryConflict Category = "conflict"

	// CategoryReferential is a reference to a missing record.
	CategoryReferential Category = "referential"

	// CategoryConstraint is any other constraint violation.
	CategoryConstraint Category = "constraint"

	// CategoryTransient is a temporary condition (txn conflict,
	// unavailable backend, timeout). Eligible for caller-side retry
	// with backoff.
	CategoryTransient Category = "transient"

	// CategoryUnknown is everything else. Not retried.
	CategoryUnknown Category = "unknown"
)

// Sentinel causes for wrapping domain failures into categories.
var (
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrReferentialViolation = errors.New("referential violation")
	ErrConstraintViolation  = errors.New("constraint violation")
	ErrUnavailable          = errors.New("storage unavailable")
)

// Error is a classified storage failure.
type Error struct {
	// Op names the failed operation, e.g. "graph.add_relationship".
	Op string

	// Category drives the retry decision.
	Category Category

	// Retryable is true only for transient failures.
	Retryable bool

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Err, e.Category)
}

func (e *Error) Unwrap() error { return e.Err }

// WrapError classifies err and attaches the operation name. A nil err
// returns nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	cat := Classify(err)
	return &Error{
		Op:        op,
		Category:  cat,
		Retryable: cat == CategoryTransient,
		Err:       err,
	}
}

// Classify maps an error onto a Category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrDuplicateKey):
		return CategoryConflict
	case errors.Is(err, ErrReferentialViolation):
		return CategoryReferential
	case errors.Is(err, ErrConstraintViolation):
		return CategoryConstraint
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, badger.ErrConflict),
		errors.Is(err, badger.ErrDBClosed),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}
	return CategoryUnknown
}

// IsRetryable reports whether the caller may retry with backoff.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return Classify(err) == CategoryTransient
}
