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
// This file, `queries.go`, centralizes all the BigQuery SQL query strings used
// by the application's services. Storing queries as constants in a dedicated
// file improves maintainability, readability, and reusability. The queries use
// `fmt.Sprintf` format verbs (e.g., %s) as placeholders for dynamic values
// that will be injected at runtime.
package services

const (
	// QryReportsBySession retrieves every persisted persona report for one
	// analysis session, newest first. The session id itself is bound as a
	// query parameter; only the table name is formatted in.
	//
	// Placeholders:
	// - `%s`: The fully qualified name of the reports table.
	QryReportsBySession = "SELECT job_id, session_id, persona_id, title, grounded, warnings, report_json, created_at FROM `%s` WHERE session_id = @session_id ORDER BY created_at DESC"

	// QryReportByJob retrieves the single persisted report for a job id.
	//
	// Placeholders:
	// - `%s`: The fully qualified name of the reports table.
	QryReportByJob = "SELECT job_id, session_id, persona_id, title, grounded, warnings, report_json, created_at FROM `%s` WHERE job_id = @job_id"
)
