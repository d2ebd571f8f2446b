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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/MeterGate/services/metergate/usage"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// Resetter clears and reseeds the usage collection.
type Resetter interface {
	Reset(ctx context.Context) (usage.ResetResult, error)
}

// HandleAdminReset clears the usage collection and reseeds it from the
// historical dataset.
func HandleAdminReset(seeder Resetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleAdminReset")
		defer span.End()

		slog.Info("Received administrative reset request")
		result, err := seeder.Reset(ctx)
		if err != nil {
			writeError(c, span, err)
			return
		}
		span.SetAttributes(
			attribute.Int("metergate.cleared", result.Cleared),
			attribute.Int("metergate.seeded", result.Seeded),
		)
		c.JSON(http.StatusOK, result)
	}
}
