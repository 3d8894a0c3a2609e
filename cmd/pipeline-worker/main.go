/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command pipeline-worker is a thin host for the pipeline library: it wires
// config, Redis, the LLM client, and metrics together, then runs a single
// report end to end. The HTTP/queue layer that would dispatch many reports
// to a long-lived process is out of scope (spec §1) — a real deployment
// embeds package runner behind its own job dispatcher instead of this
// command.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/pipeline-worker/pkg/cache"
	"github.com/jordigilh/pipeline-worker/pkg/config"
	"github.com/jordigilh/pipeline-worker/pkg/llm"
	"github.com/jordigilh/pipeline-worker/pkg/llm/costs"
	"github.com/jordigilh/pipeline-worker/pkg/observability"
	"github.com/jordigilh/pipeline-worker/pkg/observability/metrics"
	"github.com/jordigilh/pipeline-worker/pkg/pipeline"
	"github.com/jordigilh/pipeline-worker/pkg/runner"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults apply otherwise)")
	inputPath := flag.String("input", "", "path to a JSON PipelineInput document")
	reportID := flag.String("report-id", "", "reportId to run")
	userID := flag.String("user-id", "", "userId to run under")
	resume := flag.Bool("resume", false, "set resumeFromState on the run")
	metricsAddr := flag.String("metrics-addr", ":9102", "address to serve /metrics on")
	flag.Parse()

	if err := run(*configPath, *inputPath, *reportID, *userID, *resume, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "pipeline-worker:", err)
		os.Exit(1)
	}
}

func run(configPath, inputPath, reportID, userID string, resume bool, metricsAddr string) error {
	if reportID == "" || inputPath == "" {
		return fmt.Errorf("-report-id and -input are required")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, zapLogger, err := observability.NewLogger(false)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	registry := prometheus.NewRegistry()
	stageMetrics := metrics.New(registry)
	go serveMetrics(metricsAddr, registry, logger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	store := pipeline.NewStateStore(cache.NewRedisStore(redisClient), pipeline.StateRetention{Window: cfg.StateRetention()})

	llmClient, err := buildLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	limits := runner.DefaultLimits()
	limits.InitialLockTTL = cfg.LockTTL()
	limits.MaxValidationFailures = cfg.State.MaxValidationFailures
	limits.BatchSize = cfg.Concurrency.BatchSize
	limits.MaxConcurrentSubtopics = cfg.Concurrency.MaxConcurrentSubtopics

	pipelineRunner := runner.New(store, llmClient, costs.NewDefaultCatalog(), logger, stageMetrics, limits)

	input, err := loadInput(inputPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result := pipelineRunner.Run(ctx, input, pipeline.RunnerConfig{
		ReportID:        reportID,
		UserID:          userID,
		ResumeFromState: resume,
	})

	return printResult(result)
}

func buildLLMClient(cfg *config.Config, logger logr.Logger) (llm.Client, error) {
	if cfg.LLM.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("llm.anthropicApiKey (or ANTHROPIC_API_KEY) is required")
	}
	breakers := llm.NewBreakerManager(llm.DefaultSettings)
	return llm.NewAnthropicClient(cfg.LLM.AnthropicAPIKey, breakers, logger), nil
}

func loadInput(path string) (pipeline.PipelineInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.PipelineInput{}, fmt.Errorf("reading input file: %w", err)
	}
	var input pipeline.PipelineInput
	if err := json.Unmarshal(data, &input); err != nil {
		return pipeline.PipelineInput{}, fmt.Errorf("parsing input file: %w", err)
	}
	return input, nil
}

func printResult(result runner.RunResult) error {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(encoded))
	if !result.Success {
		return fmt.Errorf("run did not complete successfully")
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "metrics server exited")
	}
}
