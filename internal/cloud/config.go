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

// Package cloud defines the data structures for application configuration,
// loaded from TOML files. It provides a structured way to manage settings
// for various components, including Google Cloud services, the Gemini
// inference service, the Redis job store, Pub/Sub topics, and the reviewer
// personas the analysis pipeline fans out over.
//
// This file centralizes all configuration-related structs, making it easy
// to understand and manage the application's configurable parameters.
//
// Structs:
//   - BigQueryDataSource: Configuration for the BigQuery dataset and tables.
//   - GeminiModel: Configuration for a Gemini generative model.
//   - TopicSubscription: Configuration for a single Pub/Sub topic subscription.
//   - Storage: Configuration for Google Cloud Storage buckets.
//   - Redis: Configuration for the Redis-backed job and cache record store.
//   - Upload: Limits applied to incoming media uploads.
//   - Persona: One reviewer persona with its instructions and prompt.
//   - Config: The top-level struct that aggregates all other configuration structs.
//
// Functions:
//   - NewConfig: A constructor that initializes a new Config object with empty maps.
package cloud

import "google.golang.org/genai"

// DefaultSafetySettings defines the default content safety thresholds for GenAI models.
// These settings are configured to be non-restrictive, allowing all content categories
// (Dangerous Content, Harassment, Hate Speech, Sexually Explicit) to pass through without
// being blocked. This is a common setup for internal or controlled environments where
// the input data is trusted.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
}

// BigQueryDataSource represents the configuration for a BigQuery data source.
type BigQueryDataSource struct {
	DatasetName  string `toml:"dataset"`       // The name of the BigQuery dataset.
	ReportsTable string `toml:"reports_table"` // The table that persisted persona reports are written to.
}

// GeminiModel represents the configuration for a Gemini generative model.
type GeminiModel struct {
	Model              string  `toml:"model"`               // The model identifier (e.g., "gemini-2.0-flash").
	SystemInstructions string  `toml:"system_instructions"` // The system instructions for the model.
	Temperature        float32 `toml:"temperature"`         // The temperature parameter for the model.
	TopP               float32 `toml:"top_p"`               // The top_p parameter for the model.
	TopK               float32 `toml:"top_k"`               // The top_k parameter for the model.
	MaxTokens          int32   `toml:"max_tokens"`          // The maximum number of tokens for the model output.
	OutputFormat       string  `toml:"output_format"`       // The desired output format for the model.
	RateLimit          int     `toml:"rate_limit"`          // The rate limit for the model in requests per second.
	CacheTTLInSeconds  int     `toml:"cache_ttl_in_seconds"` // Lifetime requested for server-side content caches.
}

// TopicSubscription represents the configuration for a Pub/Sub topic subscription.
type TopicSubscription struct {
	Name             string `toml:"name"`               // The name of the Pub/Sub subscription.
	DeadLetterTopic  string `toml:"dead_letter_topic"`  // The name of the dead-letter topic for the subscription.
	TimeoutInSeconds int    `toml:"timeout_in_seconds"` // The timeout for the subscription in seconds.
}

// Storage represents the configuration for storage buckets.
type Storage struct {
	UploadBucket string `toml:"upload_bucket"` // The bucket incoming media is staged to via signed URLs.
	ScratchDir   string `toml:"scratch_dir"`   // Local directory for transient transfer scratch files.
}

// Redis represents the configuration for the Redis job and cache record store.
type Redis struct {
	Addr     string `toml:"addr"`     // The host:port of the Redis server.
	Password string `toml:"password"` // The password, empty when auth is disabled.
	DB       int    `toml:"db"`       // The logical database number.
}

// Upload holds the limits applied to incoming media uploads.
type Upload struct {
	MaxSizeMiB        int64 `toml:"max_size_mib"`         // The hard ceiling on declared upload size, in MiB.
	SignedURLTTLInMin int   `toml:"signed_url_ttl_in_min"` // Lifetime of generated signed upload URLs, in minutes.
}

// Persona defines one reviewer persona the analysis pipeline runs the media
// through. Each persona gets an independent analysis job with its own
// instructions, prompt, and severity expectations.
type Persona struct {
	Name               string `toml:"name"`                // The user-friendly name of the persona (e.g., "Brand Safety Reviewer").
	Definition         string `toml:"definition"`          // A short description of the persona's viewpoint.
	SystemInstructions string `toml:"system_instructions"` // Optional override for model system instructions for this persona.
	Prompt             string `toml:"prompt"`              // Optional override for the analysis prompt template.
	MinHighSeverity    int    `toml:"min_high_severity"`   // Minimum high-severity concerns this persona is expected to surface.
}

// Config represents the overall configuration for the application, loaded from TOML files.
// It acts as the root container for all other configuration structs.
type Config struct {
	// Application holds general application settings.
	Application struct {
		Name                      string `toml:"name"`                         // The name of the application.
		GoogleProjectId           string `toml:"google_project_id"`            // The Google Cloud project ID.
		GoogleLocation            string `toml:"location"`                     // The Google Cloud location.
		ThreadPoolSize            int    `toml:"thread_pool_size"`             // The size of the worker pool for parallel processing tasks.
		SignerServiceAccountEmail string `toml:"signer_service_account_email"` // The service account email used for signing GCS URLs.
		GeminiAPIKeyEnvVar        string `toml:"gemini_api_key_env_var"`       // The environment variable holding the Gemini API key.
	} `toml:"application"`
	Storage            Storage                      `toml:"storage"`               // Storage configuration.
	Redis              Redis                        `toml:"redis"`                 // Redis job store configuration.
	Upload             Upload                       `toml:"upload"`                // Upload limit configuration.
	BigQueryDataSource BigQueryDataSource           `toml:"big_query_data_source"` // BigQuery data source configuration.
	PromptTemplates    PromptTemplates              `toml:"prompt_templates"`      // Prompt templates configuration.
	TopicSubscriptions map[string]TopicSubscription `toml:"topic_subscriptions"`   // A map of Pub/Sub topic subscriptions, keyed by a logical name (e.g., "UploadComplete").
	AgentModels        map[string]GeminiModel       `toml:"agent_models"`          // A map of Gemini models, keyed by a logical name (e.g., "critique-flash").
	Personas           map[string]Persona           `toml:"personas"`              // A map of reviewer personas, keyed by a persona ID (e.g., "brand_safety").
}

// PromptTemplates holds the templates for the prompts sent to the model.
type PromptTemplates struct {
	AnalysisPrompt  string `toml:"analysis"`  // The base template for persona analysis.
	GroundingPrompt string `toml:"grounding"` // The template for the timestamp grounding pass.
}

// NewConfig is a constructor function that creates a new, initialized Config instance.
// It's important to initialize the maps within the struct to avoid nil pointer panics
// when the configuration loader tries to populate them.
//
// Outputs:
//   - *Config: A pointer to a new Config struct with its map fields initialized.
func NewConfig() *Config {
	return &Config{
		TopicSubscriptions: make(map[string]TopicSubscription),
		AgentModels:        make(map[string]GeminiModel),
		Personas:           make(map[string]Persona),
	}
}
