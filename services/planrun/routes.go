// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planrun

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all plan run routes with the router.
//
// Description:
//
//	Registers the /v1/planrun/* endpoints with the given Gin router
//	group. The group should already have any required middleware
//	applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/planrun/runs - Start a plan run
//	POST /v1/planrun/runs/resume - Resume a checkpointed run
//	GET  /v1/planrun/runs/:id - Run status
//	POST /v1/planrun/runs/:id/cancel - Request cancellation
//	GET  /v1/planrun/runs/:id/events - SSE lifecycle event stream
//	GET  /v1/planrun/health - Health check
//
// Example:
//
//	service, _ := planrun.NewService(planrun.DefaultServiceConfig(), provider, store, logger)
//	handlers := planrun.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	planrun.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	pr := rg.Group("/planrun")
	{
		// Run lifecycle
		pr.POST("/runs", handlers.HandleStartRun)
		pr.POST("/runs/resume", handlers.HandleResumeRun)
		pr.GET("/runs/:id", handlers.HandleRunStatus)
		pr.POST("/runs/:id/cancel", handlers.HandleCancelRun)

		// Observability
		pr.GET("/runs/:id/events", handlers.HandleRunEvents)

		// Health
		pr.GET("/health", handlers.HandleHealth)
	}
}
