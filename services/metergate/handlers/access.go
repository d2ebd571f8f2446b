// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/AleutianAI/MeterGate/services/metergate/access"
	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 500
)

// Authorizer runs the authorization pipeline for one identity.
type Authorizer interface {
	Authorize(ctx context.Context, identity string) (access.Decision, error)
	CurrentDecision(ctx context.Context) (access.DecisionState, error)
}

// CaptureWriter replaces the latest capture.
type CaptureWriter interface {
	Write(ctx context.Context, profile access.CaptureProfile) error
}

// AuditReader lists recent audit entries, newest first.
type AuditReader interface {
	Recent(ctx context.Context, n int) ([]access.AuditEntry, error)
}

// Registrar creates user profiles.
type Registrar interface {
	Register(ctx context.Context, req access.RegisterRequest) (store.Key, error)
}

// AuthorizeRequest is the body of POST /api/access/authorize.
type AuthorizeRequest struct {
	Identity string `json:"identity"`
}

// HandleAuthorize runs the pipeline. A refusal for an unusable reference
// is a 401; a refusal from the verifier is a 200 with result "refusal".
func HandleAuthorize(authorizer Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleAuthorize")
		defer span.End()

		var req AuthorizeRequest
		if err := bindJSON(c, "handlers.Authorize", &req); err != nil {
			writeError(c, span, err)
			return
		}

		decision, err := authorizer.Authorize(ctx, req.Identity)
		if err != nil {
			writeError(c, span, err)
			return
		}
		span.SetAttributes(attribute.String("metergate.result", string(decision.Result)))
		c.JSON(http.StatusOK, decision)
	}
}

// HandleDecision returns the current decision state.
func HandleDecision(authorizer Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleDecision")
		defer span.End()

		state, err := authorizer.CurrentDecision(ctx)
		if err != nil {
			writeError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// HandlePutCapture replaces the latest capture sent by the device.
func HandlePutCapture(captures CaptureWriter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandlePutCapture")
		defer span.End()

		var profile access.CaptureProfile
		if err := bindJSON(c, "handlers.PutCapture", &profile); err != nil {
			writeError(c, span, err)
			return
		}
		if err := captures.Write(ctx, profile); err != nil {
			writeError(c, span, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleAccessLogs lists recent audit entries. ?limit defaults to 20 and
// is capped at 500.
func HandleAccessLogs(audit AuditReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleAccessLogs")
		defer span.End()

		limit := defaultLogLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(c, span, apperr.New(apperr.KindValidation, "handlers.AccessLogs", "limit must be a positive integer"))
				return
			}
			limit = min(n, maxLogLimit)
		}

		entries, err := audit.Recent(ctx, limit)
		if err != nil {
			writeError(c, span, err)
			return
		}
		if entries == nil {
			entries = []access.AuditEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
	}
}

// HandleRegisterUser creates a profile and returns its id.
func HandleRegisterUser(users Registrar) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleRegisterUser")
		defer span.End()

		var req access.RegisterRequest
		if err := bindJSON(c, "handlers.RegisterUser", &req); err != nil {
			writeError(c, span, err)
			return
		}
		id, err := users.Register(ctx, req)
		if err != nil {
			writeError(c, span, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id, "message": "user registered"})
	}
}
