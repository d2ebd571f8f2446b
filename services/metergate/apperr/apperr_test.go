// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("disk gone")

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindStore, KindOf(base))
	assert.Equal(t, KindValidation, KindOf(New(KindValidation, "submit", "no values")))

	wrapped := fmt.Errorf("handler: %w", Wrap(KindVerifier, "verify", base))
	assert.Equal(t, KindVerifier, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.True(t, Is(wrapped, KindVerifier))
	assert.False(t, Is(nil, KindVerifier))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindStore, "op", nil))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "accumulate: boom", Wrap(KindStore, "accumulate", errors.New("boom")).Error())
	assert.Equal(t, "boom", Wrap(KindStore, "", errors.New("boom")).Error())
	assert.Equal(t, "op: conflict", (&Error{Kind: KindConflict, Op: "op"}).Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindConflict, http.StatusConflict},
		{KindStore, http.StatusInternalServerError},
		{KindVerifier, http.StatusBadGateway},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindCaptureIncomplete, http.StatusUnprocessableEntity},
		{KindNotFound, http.StatusNotFound},
		{KindDegraded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "internal server error", PublicMessage(errors.New("badger: disk I/O")))
	assert.Equal(t, "submit: no valid values", PublicMessage(New(KindValidation, "submit", "no valid values")))
	assert.Equal(t, "", PublicMessage(nil))
}
