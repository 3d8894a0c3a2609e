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

// Package config loads the worker's nested YAML configuration, with
// environment-variable overrides for per-deployment tuning, in the shape
// the teacher's gateway config package uses: a root Config struct, a
// LoadFromFile constructor, a LoadFromEnv mutator, and a Validate method
// that fails fast on a misconfigured worker.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisSettings configures the shared KV store connection.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StateSettings configures checkpoint retention and lock behavior.
type StateSettings struct {
	RetentionSeconds      int `yaml:"retentionSeconds"`
	LockTTLSeconds        int `yaml:"lockTTLSeconds"`
	MaxValidationFailures int `yaml:"maxValidationFailures"`
}

// ConcurrencySettings configures intra-stage fan-out bounds.
type ConcurrencySettings struct {
	BatchSize              int `yaml:"batchSize"`
	MaxConcurrentSubtopics int `yaml:"maxConcurrentSubtopics"`
}

// LLMSettings configures the oracle client.
type LLMSettings struct {
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
}

// Config is the worker's root configuration object.
type Config struct {
	Redis       RedisSettings       `yaml:"redis"`
	State       StateSettings       `yaml:"state"`
	Concurrency ConcurrencySettings `yaml:"concurrency"`
	LLM         LLMSettings         `yaml:"llm"`
}

// Default returns a Config seeded with spec §6's documented defaults.
func Default() *Config {
	return &Config{
		Redis: RedisSettings{Addr: "localhost:6379"},
		State: StateSettings{
			RetentionSeconds:      86400,
			LockTTLSeconds:        300,
			MaxValidationFailures: 3,
		},
		Concurrency: ConcurrencySettings{
			BatchSize:              10,
			MaxConcurrentSubtopics: 6,
		},
	}
}

// LoadFromFile reads and parses a YAML config file, starting from Default()
// so any field the file omits keeps its documented default.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overlays environment-variable overrides onto cfg, matching
// spec §6's environment/config block.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.AnthropicAPIKey = v
	}
	if v, ok := envInt("STATE_RETENTION_SECONDS"); ok {
		c.State.RetentionSeconds = v
	}
	if v, ok := envInt("LOCK_TTL_SECONDS"); ok {
		c.State.LockTTLSeconds = v
	}
	if v, ok := envInt("MAX_VALIDATION_FAILURES"); ok {
		c.State.MaxValidationFailures = v
	}
	if v, ok := envInt("BATCH_SIZE"); ok {
		c.Concurrency.BatchSize = v
	}
	if v, ok := envInt("MAX_CONCURRENT_SUBTOPICS"); ok {
		c.Concurrency.MaxConcurrentSubtopics = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate fails fast on a misconfigured worker rather than letting it run
// with nonsensical bounds.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.State.RetentionSeconds <= 0 {
		return fmt.Errorf("config: state.retentionSeconds must be positive")
	}
	if c.State.LockTTLSeconds <= 0 {
		return fmt.Errorf("config: state.lockTTLSeconds must be positive")
	}
	if c.State.MaxValidationFailures <= 0 {
		return fmt.Errorf("config: state.maxValidationFailures must be positive")
	}
	if c.Concurrency.BatchSize <= 0 {
		return fmt.Errorf("config: concurrency.batchSize must be positive")
	}
	if c.Concurrency.MaxConcurrentSubtopics <= 0 {
		return fmt.Errorf("config: concurrency.maxConcurrentSubtopics must be positive")
	}
	return nil
}

// StateRetention returns the configured retention window as a time.Duration.
func (c *Config) StateRetention() time.Duration {
	return time.Duration(c.State.RetentionSeconds) * time.Second
}

// LockTTL returns the configured initial lock TTL as a time.Duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.State.LockTTLSeconds) * time.Second
}
