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

// Package services_test contains the test suite for the services package.
// This file specifically tests the functionality of the ReportService.
package services_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/zeebo/assert"

	"github.com/jaycherian/gcp-go-media-critique/internal/cloud"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/services"
	test "github.com/jaycherian/gcp-go-media-critique/internal/testutil"
)

// TestReportService is an integration test for the ReportService's persist
// and read-back path. It initializes a full application stack (configuration,
// cloud clients), writes one completed persona report to a live BigQuery
// backend, and reads it back both by session and by job id. Streaming inserts
// can take a moment to become queryable, so the read-back assertions tolerate
// an empty result and only fail on query errors.
//
// Inputs:
//   - t: The testing framework's test handler.
func TestReportService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load the test configuration from the .toml files.
	config := test.GetConfig()

	// Initialize the Google Cloud service clients for the test environment.
	cloudClients, err := cloud.NewCloudServiceClients(ctx, config)
	test.HandleErr(err, t)
	defer cloudClients.Close()

	svc := &services.ReportService{
		BigqueryClient: cloudClients.BigQueryClient,
		DatasetName:    config.BigQueryDataSource.DatasetName,
		ReportsTable:   config.BigQueryDataSource.ReportsTable,
	}

	// The fully qualified name must use dots so it can be interpolated
	// straight into a query string.
	fqn := svc.GetFQN()
	assert.True(t, len(fqn) > 0)
	fmt.Printf("reports table: %s\n", fqn)

	sessionID := uuid.NewString()
	job := &model.AnalysisJob{
		JobID:     uuid.NewString(),
		SessionID: sessionID,
		PersonaID: "brand_safety",
		Status:    model.JobStatusCompleted,
		Result:    model.GetExampleReport(),
	}

	err = svc.Persist(ctx, job, "Integration Test Video")
	assert.NoError(t, err)

	// Persisting a job without a result must fail rather than write an
	// empty row.
	err = svc.Persist(ctx, &model.AnalysisJob{JobID: uuid.NewString()}, "no result")
	assert.Error(t, err)

	rows, err := svc.ListSession(ctx, sessionID)
	assert.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, sessionID, row.SessionID)
		assert.True(t, len(row.ReportJSON) > 0)
	}

	row, err := svc.GetByJob(ctx, job.JobID)
	assert.NoError(t, err)
	if row != nil {
		assert.Equal(t, job.JobID, row.JobID)
		assert.Equal(t, "brand_safety", row.PersonaID)
	}
}
