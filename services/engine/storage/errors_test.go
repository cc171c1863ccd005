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
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"duplicate", fmt.Errorf("entity exists: %w", ErrDuplicateKey), CategoryConflict},
		{"referential", fmt.Errorf("bad edge: %w", ErrReferentialViolation), CategoryReferential},
		{"constraint", ErrConstraintViolation, CategoryConstraint},
		{"unavailable", ErrUnavailable, CategoryTransient},
		{"badger conflict", badger.ErrConflict, CategoryTransient},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
		{"unknown", errors.New("disk on fire"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapErrorRetryable(t *testing.T) {
	err := WrapError("graph.add_entity", badger.ErrConflict)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CategoryTransient, se.Category)
	assert.True(t, se.Retryable)
	assert.True(t, IsRetryable(err))

	err = WrapError("graph.add_relationship", ErrReferentialViolation)
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Retryable)
	assert.False(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrReferentialViolation)
}

func TestWrapErrorNil(t *testing.T) {
	assert.NoError(t, WrapError("op", nil))
}
