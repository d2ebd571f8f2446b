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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/MeterGate/pkg/validation"
	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Sink receives stored audit entries. Default: NopAuditSink
	Sink AuditSink

	// Now stamps decisions and audit entries. Default: time.Now
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Pipeline makes authorization decisions.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent requests race only on the decision
// cell, where the last writer wins.
type Pipeline struct {
	captures  *CaptureStore
	users     *Users
	verifier  Verifier
	decisions *DecisionCell
	audit     *AuditLog
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewPipeline wires the pipeline over one store.
func NewPipeline(st store.Store, verifier Verifier, opts PipelineOptions) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		captures:  NewCaptureStore(st),
		users:     NewUsers(st, opts.Now),
		verifier:  verifier,
		decisions: NewDecisionCell(st, opts.Now),
		audit:     NewAuditLog(st, opts.Sink, opts.Logger, opts.Metrics),
		now:       opts.Now,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Captures returns the capture cell the pipeline reads.
func (p *Pipeline) Captures() *CaptureStore { return p.captures }

// Users returns the profile store the pipeline reads.
func (p *Pipeline) Users() *Users { return p.users }

// AuditLog returns the pipeline's access log.
func (p *Pipeline) AuditLog() *AuditLog { return p.audit }

// CurrentDecision returns the decision cell.
func (p *Pipeline) CurrentDecision(ctx context.Context) (DecisionState, error) {
	return p.decisions.Current(ctx)
}

// Authorize decides whether identity may pass.
//
// # Description
//
// Steps, each terminal on failure:
//
//  1. Capture: missing or incomplete sets refusal, writes no audit entry,
//     and fails with apperr.KindCaptureIncomplete.
//  2. Reference: an unknown subject or a profile without reference fields
//     writes one audit entry, sets refusal, and fails with
//     apperr.KindUnauthorized.
//  3. Verifier: a call failure sets refusal, writes no audit entry, and
//     fails with apperr.KindVerifier.
//  4. Outcome: match gives approval, otherwise refusal. One audit entry is
//     appended with the rationale and the decision is written. A failed
//     decision write still leaves the audit entry.
//
// # Outputs
//
//   - Decision: Result and rationale, set only after step 4.
//   - error: One of the kinds above, apperr.KindValidation for a malformed
//     identity, or apperr.KindStore.
func (p *Pipeline) Authorize(ctx context.Context, identity string) (Decision, error) {
	decision, err := p.authorize(ctx, identity)
	if err != nil {
		p.metrics.RecordAuthorize(string(apperr.KindOf(err)))
	} else {
		p.metrics.RecordAuthorize(string(decision.Result))
	}
	return decision, err
}

func (p *Pipeline) authorize(ctx context.Context, identity string) (Decision, error) {
	const op = "access.Authorize"

	subject, err := validation.SanitizeIdentity(identity)
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindValidation, op, err)
	}

	// 1. Capture
	capture, found, err := p.captures.Latest(ctx)
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindStore, op, err)
	}
	if !found || !capture.Complete() {
		if err := p.refuse(ctx); err != nil {
			return Decision{}, err
		}
		p.logger.Warn("authorization refused, capture incomplete", slog.String("user_id", subject))
		return Decision{}, apperr.New(apperr.KindCaptureIncomplete, op, "capture is missing image or audio level")
	}

	// 2. Reference
	profile, found, err := p.users.Get(ctx, subject)
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindStore, op, err)
	}
	if !found || !profile.HasReference() {
		if err := p.settle(ctx, ResultRefusal, subject, MessageUnregistered, *capture.ImageURL); err != nil {
			return Decision{}, err
		}
		p.logger.Info("authorization refused, no usable reference", slog.String("user_id", subject))
		return Decision{}, apperr.New(apperr.KindUnauthorized, op, MessageUnregistered)
	}

	// 3. Verifier
	verdict, err := p.verifier.Verify(ctx, VerifyRequest{
		CapturedImageURL:     *capture.ImageURL,
		CapturedAudioLevel:   *capture.AudioLevel,
		RegisteredImageURL:   *profile.RegisteredImageURL,
		RegisteredVoiceLevel: *profile.RegisteredVoiceLevel,
		SubjectID:            subject,
	})
	if err != nil {
		if rerr := p.refuse(ctx); rerr != nil {
			return Decision{}, rerr
		}
		p.logger.Error("verifier call failed",
			slog.String("user_id", subject),
			slog.String("error", err.Error()),
		)
		return Decision{}, apperr.Wrap(apperr.KindVerifier, op, err)
	}

	// 4. Outcome
	result := ResultRefusal
	if verdict.Match {
		result = ResultApproval
	}
	message := Rationale(verdict)

	if err := p.settle(ctx, result, subject, message, *capture.ImageURL); err != nil {
		return Decision{}, err
	}

	p.logger.Info("authorization decided",
		slog.String("user_id", subject),
		slog.String("result", string(result)),
		slog.Float64("confidence", verdict.Confidence),
	)
	return Decision{Result: result, Message: message}, nil
}

// Rationale summarizes a verifier answer for the audit log.
func Rationale(v VerifyResult) string {
	return fmt.Sprintf("face: %s, voice: %s, confidence: %.2f", v.FaceStatus, v.VoiceStatus, v.Confidence)
}

func (p *Pipeline) refuse(ctx context.Context) error {
	if err := p.decisions.Set(ctx, ResultRefusal); err != nil {
		return apperr.Wrap(apperr.KindStore, "access.Authorize", err)
	}
	return nil
}

// settle appends the audit entry and then sets the decision. Both writes are
// attempted even when the first fails.
func (p *Pipeline) settle(ctx context.Context, result Result, subject, message, imageURL string) error {
	_, auditErr := p.audit.Append(ctx, AuditEntry{
		Timestamp:        p.now().UnixMilli(),
		Result:           result,
		UserID:           subject,
		LogMessage:       message,
		CapturedImageURL: imageURL,
	})
	if auditErr != nil {
		auditErr = fmt.Errorf("append audit entry: %w", auditErr)
	}
	decisionErr := p.decisions.Set(ctx, result)
	if decisionErr != nil {
		decisionErr = fmt.Errorf("set decision: %w", decisionErr)
	}
	return apperr.Wrap(apperr.KindStore, "access.Authorize", errors.Join(auditErr, decisionErr))
}
