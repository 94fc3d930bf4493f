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

package main

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReportRouter sets up the report history endpoints backed by the BigQuery
// analytics table. These serve persisted reports across server restarts;
// in-flight jobs are polled through the analyze status endpoints instead.
func ReportRouter(r *gin.RouterGroup) {
	reports := r.Group("/reports")
	{
		reports.GET("/session/:sessionId", func(c *gin.Context) {
			rows, err := state.reportService.ListSession(c.Request.Context(), c.Param("sessionId"))
			if err != nil {
				slog.ErrorContext(c.Request.Context(), "report history query failed", "error", err.Error())
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"reports": rows})
		})

		reports.GET("/:jobId", func(c *gin.Context) {
			row, err := state.reportService.GetByJob(c.Request.Context(), c.Param("jobId"))
			if err != nil {
				slog.ErrorContext(c.Request.Context(), "report lookup failed", "error", err.Error())
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			if row == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusOK, row)
		})
	}
}
