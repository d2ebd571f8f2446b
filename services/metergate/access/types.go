// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package access implements the MeterGate authorization decision pipeline.
//
// # Description
//
// An authorization request names a subject. The pipeline reads the latest
// capture from the capture device, looks up the subject's registered
// reference profile, asks an external verifier to compare the two, and
// records the outcome in two places:
//
//   - the decision cell, a single last-writer-wins value read by the
//     physical actuator
//   - the access log, an append-only audit trail
//
// # Audit Rules
//
// Every request that gets past the capture check writes exactly one audit
// entry, except when the verifier itself fails. A missing or incomplete
// capture is a device fault and is not audited.
package access

import (
	"context"
)

// Result is a terminal authorization state.
type Result string

const (
	ResultApproval Result = "approval"
	ResultRefusal  Result = "refusal"
)

// MessageUnregistered is the audit rationale for a subject without a
// usable reference profile.
const MessageUnregistered = "unregistered or incomplete reference"

// CaptureProfile is the latest capture, overwritten by the device.
type CaptureProfile struct {
	ImageURL   *string  `json:"image_url,omitempty"`
	AudioLevel *float64 `json:"audio_level,omitempty"`
}

// Complete reports whether both capture fields are present.
func (c CaptureProfile) Complete() bool {
	return c.ImageURL != nil && *c.ImageURL != "" && c.AudioLevel != nil
}

// UserProfile is a registered subject.
type UserProfile struct {
	Name                 string   `json:"name"`
	OwnerID              string   `json:"ownerId"`
	IsRegistered         bool     `json:"is_registered"`
	RegisteredImageURL   *string  `json:"registered_image_url,omitempty"`
	RegisteredVoiceLevel *float64 `json:"registered_voice_level,omitempty"`
	CreatedAt            int64    `json:"createdAt"`
}

// HasReference reports whether the profile can be compared against.
func (u UserProfile) HasReference() bool {
	return u.IsRegistered &&
		u.RegisteredImageURL != nil && *u.RegisteredImageURL != "" &&
		u.RegisteredVoiceLevel != nil
}

// AuditEntry is one immutable access log record.
type AuditEntry struct {
	Timestamp        int64  `json:"timestamp"`
	Result           Result `json:"result"`
	UserID           string `json:"user_id"`
	LogMessage       string `json:"log_message"`
	CapturedImageURL string `json:"captured_image_url"`
}

// DecisionState is the content of the decision cell.
type DecisionState struct {
	State     Result `json:"state"`
	UpdatedAt int64  `json:"updated_at"`
}

// Decision is returned to the caller of Authorize.
type Decision struct {
	Result  Result `json:"result"`
	Message string `json:"message"`
}

// VerifyRequest is sent to the verifier.
type VerifyRequest struct {
	CapturedImageURL     string  `json:"captured_image_url"`
	CapturedAudioLevel   float64 `json:"captured_audio_level"`
	RegisteredImageURL   string  `json:"registered_image_url"`
	RegisteredVoiceLevel float64 `json:"registered_voice_level"`
	SubjectID            string  `json:"subject_id"`
}

// VerifyResult is the verifier's answer.
type VerifyResult struct {
	Match       bool    `json:"match"`
	Confidence  float64 `json:"confidence"`
	FaceStatus  string  `json:"face_status"`
	VoiceStatus string  `json:"voice_status"`
}

// Verifier compares a capture against a registered reference.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error)
}
