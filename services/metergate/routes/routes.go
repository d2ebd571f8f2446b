// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"strconv"
	"time"

	"github.com/AleutianAI/MeterGate/services/metergate/handlers"
	"github.com/AleutianAI/MeterGate/services/metergate/middleware"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/usage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RealtimeStore reads and writes the realtime snapshot.
type RealtimeStore interface {
	usage.SnapshotReader
	handlers.SnapshotWriter
}

// Dependencies are the components the HTTP surface is built over.
type Dependencies struct {
	Engine     usage.ReadingAccumulator
	Merger     handlers.UsageMerger
	Sources    handlers.UsageSources
	Realtime   RealtimeStore
	Authorizer handlers.Authorizer
	Captures   handlers.CaptureWriter
	Audit      handlers.AuditReader
	Users      handlers.Registrar
	Seeder     handlers.Resetter

	// Gatherer serves /metrics. Nil skips the route.
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics

	// AdminToken guards /api/admin/*. Empty leaves it open.
	AdminToken string

	// RequestTimeout bounds each request's context. Zero leaves it unbounded.
	RequestTimeout time.Duration
}

// SetupRoutes registers every MeterGate route on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.Use(httpMetrics(deps.Metrics))
	if deps.RequestTimeout > 0 {
		router.Use(requestTimeout(deps.RequestTimeout))
	}

	router.GET("/health", handlers.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		api.POST("/readings", handlers.HandleSubmitReading(deps.Engine))
		api.GET("/usage-data", handlers.HandleUsageData(deps.Merger, deps.Realtime, deps.Sources))
		api.PUT("/realtime", handlers.HandlePutRealtime(deps.Realtime))
		api.PUT("/capture", handlers.HandlePutCapture(deps.Captures))

		accessGroup := api.Group("/access")
		{
			accessGroup.POST("/authorize", handlers.HandleAuthorize(deps.Authorizer))
			accessGroup.GET("/decision", handlers.HandleDecision(deps.Authorizer))
		}

		api.GET("/logs/access", handlers.HandleAccessLogs(deps.Audit))
		api.POST("/users/register", handlers.HandleRegisterUser(deps.Users))
		admin := api.Group("/admin", middleware.AdminToken(deps.AdminToken))
		{
			admin.POST("/reset", handlers.HandleAdminReset(deps.Seeder))
		}
	}
}

// httpMetrics records request duration by matched route.
func httpMetrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTP(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
