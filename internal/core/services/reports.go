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

// Package services contains the business logic for interacting with data sources.
// This file defines the ReportService, which persists completed persona
// reports to BigQuery for analytics and later retrieval. Persistence here is
// supplementary: the job store remains the source of truth for job state, so
// a BigQuery insert failure is logged and never fails the analysis job.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/jaycherian/gcp-go-media-critique/internal/core/model"
)

// ReportRow is the BigQuery representation of one completed persona report.
// The report body is stored as a JSON string rather than a nested schema so
// prompt-shape evolution never requires a table migration.
type ReportRow struct {
	JobID      string    `bigquery:"job_id"`
	SessionID  string    `bigquery:"session_id"`
	PersonaID  string    `bigquery:"persona_id"`
	Title      string    `bigquery:"title"`
	Grounded   bool      `bigquery:"grounded"`
	Warnings   []string  `bigquery:"warnings"`
	ReportJSON string    `bigquery:"report_json"`
	CreatedAt  time.Time `bigquery:"created_at"`
}

// ReportService is the data access layer for persisted persona reports.
type ReportService struct {
	BigqueryClient *bigquery.Client // Client for interacting with Google BigQuery.
	DatasetName    string           // The name of the BigQuery dataset.
	ReportsTable   string           // The name of the reports table within the dataset.
}

// GetFQN (Get Fully Qualified Name) returns the complete, queryable name for
// the reports table in BigQuery, formatted with dots instead of colons.
// Example: `gcp-project-id.critique_ds.reports`
//
// Outputs:
//   - string: The fully qualified table name.
func (s *ReportService) GetFQN() string {
	fqn := s.BigqueryClient.Dataset(s.DatasetName).Table(s.ReportsTable).FullyQualifiedName()
	return strings.Replace(fqn, ":", ".", -1)
}

// Persist writes one completed analysis job's report to BigQuery using the
// streaming inserter. Callers treat failures as non-fatal: the durable job
// record already holds the result.
//
// Inputs:
//   - ctx: The context for the request.
//   - job: The completed analysis job; its Result must be non-nil.
//   - title: The video title from the originating analysis request.
//
// Outputs:
//   - error: An error if marshalling or the insert fails.
func (s *ReportService) Persist(ctx context.Context, job *model.AnalysisJob, title string) error {
	if job.Result == nil {
		return fmt.Errorf("analysis job %q has no result to persist", job.JobID)
	}
	body, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal report for job %q: %w", job.JobID, err)
	}
	row := &ReportRow{
		JobID:      job.JobID,
		SessionID:  job.SessionID,
		PersonaID:  job.PersonaID,
		Title:      title,
		Grounded:   job.Result.Grounded,
		Warnings:   job.Result.Warnings,
		ReportJSON: string(body),
		CreatedAt:  time.Now(),
	}
	i := s.BigqueryClient.Dataset(s.DatasetName).Table(s.ReportsTable).Inserter()
	if err := i.Put(ctx, row); err != nil {
		return fmt.Errorf("bigquery insert failed for job %q: %w", job.JobID, err)
	}
	return nil
}

// ListSession returns every persisted report for an analysis session,
// newest first.
//
// Inputs:
//   - ctx: The context for the request.
//   - sessionID: The session whose reports to list.
//
// Outputs:
//   - []*ReportRow: The persisted rows, possibly empty.
//   - error: An error if the query fails.
func (s *ReportService) ListSession(ctx context.Context, sessionID string) ([]*ReportRow, error) {
	q := s.BigqueryClient.Query(fmt.Sprintf(QryReportsBySession, s.GetFQN()))
	q.Parameters = []bigquery.QueryParameter{{Name: "session_id", Value: sessionID}}
	itr, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}
	var rows []*ReportRow
	for {
		row := &ReportRow{}
		err := itr.Next(row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetByJob returns the persisted report row for one job id, or nil when no
// row exists.
//
// Inputs:
//   - ctx: The context for the request.
//   - jobID: The analysis job whose report to fetch.
//
// Outputs:
//   - *ReportRow: The persisted row, nil when absent.
//   - error: An error if the query fails.
func (s *ReportService) GetByJob(ctx context.Context, jobID string) (*ReportRow, error) {
	q := s.BigqueryClient.Query(fmt.Sprintf(QryReportByJob, s.GetFQN()))
	q.Parameters = []bigquery.QueryParameter{{Name: "job_id", Value: jobID}}
	itr, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}
	row := &ReportRow{}
	if err := itr.Next(row); err != nil {
		if err == iterator.Done {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}
