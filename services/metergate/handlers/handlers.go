// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the MeterGate HTTP surface on gin.
//
// Every handler is a constructor returning gin.HandlerFunc over the narrow
// interface it needs, so tests can swap in a mock without a store.
//
// Errors are written as JSON:
//
//	{"error": "...", "kind": "validation"}
//
// with the status chosen by apperr.HTTPStatus. Store failures never leak
// their cause to the client.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("metergate.handlers")

// maxBodyBytes bounds device and client request bodies.
const maxBodyBytes = 1 << 20

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps err to a status and the error body, and marks the span.
func writeError(c *gin.Context, span trace.Span, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	span.SetAttributes(attribute.String("metergate.error_kind", string(kind)))

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", c.FullPath(),
			"kind", kind,
			"error", err)
	} else {
		slog.Warn("request rejected",
			"path", c.FullPath(),
			"kind", kind,
			"error", err)
	}

	c.JSON(status, gin.H{"error": apperr.PublicMessage(err), "kind": kind})
}

// readBody reads the raw request body up to maxBodyBytes.
func readBody(c *gin.Context) ([]byte, error) {
	const op = "handlers.readBody"
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.New(apperr.KindValidation, op, "request body too large")
		}
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	return body, nil
}

// bindJSON decodes the body into dst, reporting failures as validation errors.
func bindJSON(c *gin.Context, op string, dst any) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperr.New(apperr.KindValidation, op, "invalid request body")
	}
	return nil
}
