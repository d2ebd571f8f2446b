// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
)

func TestUsers_Register(t *testing.T) {
	st := newTestStore(t)
	fixed := time.UnixMilli(42)
	users := NewUsers(st, func() time.Time { return fixed })
	ctx := context.Background()

	t.Run("defaults owner", func(t *testing.T) {
		key, err := users.Register(ctx, RegisterRequest{Name: "  Kim  "})
		require.NoError(t, err)

		profile, found, err := users.Get(ctx, string(key))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, UserProfile{Name: "Kim", OwnerID: DefaultOwnerID, IsRegistered: true, CreatedAt: 42}, profile)
		assert.False(t, profile.HasReference())
	})

	t.Run("with reference", func(t *testing.T) {
		key, err := users.Register(ctx, RegisterRequest{
			Name:                 "Lee",
			OwnerID:              "house-2",
			RegisteredImageURL:   strPtr("https://cdn.example/lee.jpg"),
			RegisteredVoiceLevel: f64(68),
		})
		require.NoError(t, err)

		profile, found, err := users.Get(ctx, string(key))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "house-2", profile.OwnerID)
		assert.True(t, profile.HasReference())
	})

	t.Run("name required", func(t *testing.T) {
		_, err := users.Register(ctx, RegisterRequest{Name: "   "})
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := users.Register(ctx, RegisterRequest{Name: "X", RegisteredImageURL: strPtr("not a url")})
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, found, err := users.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestCaptureStore(t *testing.T) {
	st := newTestStore(t)
	captures := NewCaptureStore(st)
	ctx := context.Background()

	_, found, err := captures.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	err = captures.Write(ctx, CaptureProfile{ImageURL: strPtr("https://x/y.jpg")})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	require.NoError(t, captures.Write(ctx, CaptureProfile{ImageURL: strPtr("https://x/1.jpg"), AudioLevel: f64(1)}))
	require.NoError(t, captures.Write(ctx, CaptureProfile{ImageURL: strPtr("https://x/2.jpg"), AudioLevel: f64(2)}))

	latest, found, err := captures.Latest(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "https://x/2.jpg", *latest.ImageURL)
	assert.Equal(t, 2.0, *latest.AudioLevel)
}

func TestDecisionCell(t *testing.T) {
	st := newTestStore(t)
	fixed := time.UnixMilli(99)
	cell := NewDecisionCell(st, func() time.Time { return fixed })
	ctx := context.Background()

	_, err := cell.Current(ctx)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoError(t, cell.Set(ctx, ResultApproval))
	state, err := cell.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionState{State: ResultApproval, UpdatedAt: 99}, state)
}

func TestAuditLog_RecentNewestFirst(t *testing.T) {
	st := newTestStore(t)
	log := NewAuditLog(st, nil, quietLogger(), nil)
	ctx := context.Background()

	for _, u := range []string{"a", "b", "c"} {
		_, err := log.Append(ctx, AuditEntry{UserID: u, Result: ResultRefusal})
		require.NoError(t, err)
	}

	entries, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].UserID)
	assert.Equal(t, "b", entries[1].UserID)
}
