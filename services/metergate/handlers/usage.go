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

	"github.com/AleutianAI/MeterGate/services/metergate/usage"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// UsageMerger combines the usage sources into one series per quantity.
type UsageMerger interface {
	Merge(ctx context.Context, primary usage.Source, auxiliary ...usage.Source) (usage.Usage, error)
}

// SnapshotWriter stores the device's realtime snapshot.
type SnapshotWriter interface {
	Write(ctx context.Context, raw []byte) error
}

// UsageSources names the sources merged by GET /api/usage-data.
type UsageSources struct {
	Primary   usage.Source
	Auxiliary []usage.Source
}

// UsageDataResponse is the body of GET /api/usage-data.
type UsageDataResponse struct {
	Electricity      []usage.Measurement `json:"electricity"`
	Gas              []usage.Measurement `json:"gas"`
	Temp             float64             `json:"temp"`
	Humidity         float64             `json:"humidity"`
	GasConcentration float64             `json:"gasConcentration"`
	PowerDraw        float64             `json:"powerDraw"`
}

// HandleSubmitReading accepts {electricity?, gas?} and folds it into the
// latest usage record.
func HandleSubmitReading(engine usage.ReadingAccumulator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleSubmitReading")
		defer span.End()

		body, err := readBody(c)
		if err != nil {
			writeError(c, span, err)
			return
		}
		reading, err := usage.ParseReading(body)
		if err != nil {
			writeError(c, span, err)
			return
		}

		result, err := engine.Accumulate(ctx, reading)
		if err != nil {
			writeError(c, span, err)
			return
		}
		span.SetAttributes(
			attribute.Bool("metergate.accumulated", result.Accumulated),
			attribute.String("metergate.key", string(result.Key)),
		)
		c.JSON(http.StatusOK, result)
	}
}

// HandleUsageData merges the usage series and attaches the realtime
// snapshot. A failing auxiliary source only shortens the series.
func HandleUsageData(merger UsageMerger, realtime usage.SnapshotReader, sources UsageSources) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleUsageData")
		defer span.End()

		series, err := merger.Merge(ctx, sources.Primary, sources.Auxiliary...)
		if err != nil {
			writeError(c, span, err)
			return
		}
		snapshot, err := realtime.Read(ctx)
		if err != nil {
			writeError(c, span, err)
			return
		}

		span.SetAttributes(
			attribute.Int("metergate.electricity_points", len(series.Electricity)),
			attribute.Int("metergate.gas_points", len(series.Gas)),
		)
		c.JSON(http.StatusOK, UsageDataResponse{
			Electricity:      series.Electricity,
			Gas:              series.Gas,
			Temp:             snapshot.Temp,
			Humidity:         snapshot.Humidity,
			GasConcentration: snapshot.GasConcentration,
			PowerDraw:        snapshot.PowerDraw,
		})
	}
}

// HandlePutRealtime stores the device's current sensor snapshot.
func HandlePutRealtime(realtime SnapshotWriter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandlePutRealtime")
		defer span.End()

		body, err := readBody(c)
		if err != nil {
			writeError(c, span, err)
			return
		}
		if err := realtime.Write(ctx, body); err != nil {
			writeError(c, span, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
