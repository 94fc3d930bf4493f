// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file defines the operational statistics endpoint used by dashboards
// and health checks.
package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var serverStartTime = time.Now()

// Dashboard configures the statistics route group. The payload is deliberately
// cheap to compute: it reads process-local state only, so dashboards can poll
// it aggressively without touching the job store.
//
// Inputs:
//   - r: A *gin.RouterGroup to which the new "/stats" route group will be added.
func Dashboard(r *gin.RouterGroup) {
	stats := r.Group("/stats")
	{
		stats.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"application":   state.config.Application.Name,
				"uptimeSec":     int(time.Since(serverStartTime).Seconds()),
				"personas":      len(state.config.Personas),
				"agentModels":   len(state.cloud.AgentModels),
				"subscriptions": len(state.cloud.PubSubListeners),
			})
		})
	}
}
