// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package access

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// DefaultOwnerID is used when a registration names no owner.
const DefaultOwnerID = "default"

var validate = validator.New(validator.WithRequiredStructEnabled())

// RegisterRequest is the body of a user registration.
type RegisterRequest struct {
	Name                 string   `json:"name" validate:"required,max=128"`
	OwnerID              string   `json:"ownerId" validate:"omitempty,max=64"`
	RegisteredImageURL   *string  `json:"registered_image_url" validate:"omitempty,url"`
	RegisteredVoiceLevel *float64 `json:"registered_voice_level" validate:"omitempty,gte=0,lte=200"`
}

// Users stores subject profiles keyed by generated id.
type Users struct {
	store store.Store
	now   func() time.Time
}

// NewUsers creates a Users store. A nil now uses time.Now.
func NewUsers(st store.Store, now func() time.Time) *Users {
	if now == nil {
		now = time.Now
	}
	return &Users{store: st, now: now}
}

// Register validates req and appends a new profile, returning its id.
//
// Reference fields are stored only when supplied; a profile registered
// without them is refused at authorization until they are added.
func (u *Users) Register(ctx context.Context, req RegisterRequest) (store.Key, error) {
	const op = "access.Register"

	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return "", apperr.New(apperr.KindValidation, op, validationMessage(verrs[0]))
		}
		return "", apperr.Wrap(apperr.KindValidation, op, err)
	}

	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = DefaultOwnerID
	}
	profile := UserProfile{
		Name:                 req.Name,
		OwnerID:              owner,
		IsRegistered:         true,
		RegisteredImageURL:   req.RegisteredImageURL,
		RegisteredVoiceLevel: req.RegisteredVoiceLevel,
		CreatedAt:            u.now().UnixMilli(),
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStore, op, err)
	}
	key, err := u.store.Append(ctx, store.CollectionUsers, raw)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStore, op, err)
	}
	return key, nil
}

// Get returns the profile stored under id. found is false when there is
// none or it cannot be decoded.
func (u *Users) Get(ctx context.Context, id string) (profile UserProfile, found bool, err error) {
	raw, err := u.store.Get(ctx, store.CollectionUsers, store.Key(id))
	if errors.Is(err, store.ErrNotFound) {
		return UserProfile{}, false, nil
	}
	if err != nil {
		return UserProfile{}, false, err
	}
	if err := json.Unmarshal(raw, &profile); err != nil {
		return UserProfile{}, false, nil
	}
	return profile, true, nil
}

// validationMessage renders a field error as "name is required".
func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "url":
		return field + " must be a valid URL"
	case "max":
		return field + " is too long"
	default:
		return field + " failed " + fe.Tag() + " check"
	}
}
