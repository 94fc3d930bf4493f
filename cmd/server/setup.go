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
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"

	"github.com/jaycherian/gcp-go-media-critique/internal/cloud"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/analysis"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/gemini"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/services"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/store"
	"github.com/jaycherian/gcp-go-media-critique/internal/core/transfer"
)

// agentModelKey is the logical name of the critique model in the config's
// agent_models map.
const agentModelKey = "critique"

// StateManager holds the shared components for the application.
type StateManager struct {
	config        *cloud.Config
	cloud         *cloud.ServiceClients
	store         *store.RedisStore
	transfers     *transfer.Controller
	orchestrator  *analysis.Orchestrator
	reportService *services.ReportService
	stage         *cloud.GCSObjectStage
	titles        *titleIndex
}

var state = &StateManager{}

func SetupOS() (err error) {
	err = os.Setenv(cloud.EnvConfigFilePrefix, "configs")
	if err != nil {
		return err
	}
	err = os.Setenv(cloud.EnvConfigRuntime, "local")
	return err
}

func GetConfig() *cloud.Config {
	if state.config == nil {
		err := SetupOS()
		if err != nil {
			log.Fatalf("failed to setup os: %v\n", err)
		}
		// Create a default cloud config
		config := cloud.NewConfig()
		// Load it from the TOML files
		cloud.LoadConfig(&config)
		state.config = config
	}
	return state.config
}

// InitState initializes the application state and dependencies: cloud
// clients, the Redis-backed job store, the transfer controller, and the
// analysis orchestrator.
func InitState(ctx context.Context) {
	config := GetConfig()

	cloudClients, err := cloud.NewCloudServiceClients(ctx, config)
	if err != nil {
		panic(err)
	}
	state.cloud = cloudClients

	state.store = store.NewRedisStore(cloudClients.RedisClient)
	state.titles = newTitleIndex()

	state.stage = cloud.NewGCSObjectStage(
		cloudClients.StorageClient,
		cloudClients.IAMClient,
		config.Application.SignerServiceAccountEmail,
		config.Storage.UploadBucket,
	)

	agentModel := cloudClients.AgentModels[agentModelKey]
	if agentModel == nil {
		log.Fatalf("config is missing agent model %q", agentModelKey)
	}

	fileService := gemini.NewFileService(http.DefaultClient, cloudClients.GeminiAPIKey, 2*time.Minute)
	flusher := store.NewProgressFlusher(state.store, store.DefaultFlushWindow)
	signTTL := time.Duration(config.Upload.SignedURLTTLInMin) * time.Minute
	state.transfers = transfer.NewController(
		state.store, state.stage, fileService, flusher,
		config.Storage.ScratchDir, signTTL,
	)

	cacheTTL := time.Duration(config.AgentModels[agentModelKey].CacheTTLInSeconds) * time.Second
	cacheManager := gemini.NewCacheManager(state.store, http.DefaultClient, cloudClients.GeminiAPIKey, cacheTTL)

	analysisTmpl, err := analysis.ParseAnalysisTemplate(config.PromptTemplates.AnalysisPrompt)
	if err != nil {
		log.Fatalf("failed to parse analysis prompt template: %v\n", err)
	}
	groundingTmpl, err := analysis.ParseGroundingTemplate(config.PromptTemplates.GroundingPrompt)
	if err != nil {
		log.Fatalf("failed to parse grounding prompt template: %v\n", err)
	}

	gen := newModelGenerator(agentModel)
	grounder := analysis.NewGrounder(gen, groundingTmpl)
	state.orchestrator = analysis.NewOrchestrator(
		state.store, gen, cacheManager, grounder,
		personasFromConfig(config), analysisTmpl,
		config.AgentModels[agentModelKey].Model,
	)

	state.reportService = &services.ReportService{
		BigqueryClient: cloudClients.BigQueryClient,
		DatasetName:    config.BigQueryDataSource.DatasetName,
		ReportsTable:   config.BigQueryDataSource.ReportsTable,
	}

	SetupListeners(ctx)
}

// personasFromConfig maps the configured personas into the orchestrator's
// view of them.
func personasFromConfig(config *cloud.Config) map[string]analysis.Persona {
	personas := make(map[string]analysis.Persona, len(config.Personas))
	for id, p := range config.Personas {
		personas[id] = analysis.Persona{
			ID:                 id,
			Name:               p.Name,
			Definition:         p.Definition,
			SystemInstructions: p.SystemInstructions,
			Prompt:             p.Prompt,
			MinHighSeverity:    p.MinHighSeverity,
		}
	}
	return personas
}

// modelGenerator adapts the quota-aware model wrapper to the orchestrator's
// Generator interface, carrying the token-usage counters.
type modelGenerator struct {
	model              *cloud.QuotaAwareGenerativeAIModel
	inputTokenCounter  metric.Int64Counter
	outputTokenCounter metric.Int64Counter
}

func newModelGenerator(model *cloud.QuotaAwareGenerativeAIModel) *modelGenerator {
	meter := otel.Meter("github.com/jaycherian/gcp-go-media-critique")
	in, _ := meter.Int64Counter("analysis.gemini.token.input")
	out, _ := meter.Int64Counter("analysis.gemini.token.output")
	return &modelGenerator{model: model, inputTokenCounter: in, outputTokenCounter: out}
}

// Generate sends one multi-modal request: the video reference plus the
// rendered prompt text.
func (g *modelGenerator) Generate(ctx context.Context, prompt, videoRef, mimeType, cachedContent string) (string, error) {
	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: prompt},
				{FileData: &genai.FileData{FileURI: videoRef, MIMEType: mimeType}},
			},
		},
	}
	return cloud.GenerateMultiModalResponse(ctx, g.inputTokenCounter, g.outputTokenCounter, g.model, cachedContent, contents)
}
