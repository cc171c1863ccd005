// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the answers engine.
//
// Configuration comes from a YAML file with environment variable
// overrides for deployment-sensitive values (hosts, credentials paths).
// Structs are validated with go-playground/validator so a bad config is
// a startup error, never a runtime surprise.
//
// Thread Safety: Loaded Config values are read-only after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps the config file read (1MB).
const MaxConfigFileSize = 1024 * 1024

// Config is the root engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Weaviate  WeaviateConfig  `yaml:"weaviate"`
	Providers ProvidersConfig `yaml:"providers"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8980".
	Addr string `yaml:"addr" validate:"required"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	LogDir string `yaml:"log_dir"`
	JSON   bool   `yaml:"json"`
}

// WeaviateConfig locates the vector store.
type WeaviateConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Scheme string `yaml:"scheme" validate:"required,oneof=http https"`
}

// ProvidersConfig names the default model per provider. A provider
// with an empty model is not registered.
type ProvidersConfig struct {
	OpenAIModel    string `yaml:"openai_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OllamaURL      string `yaml:"ollama_url"`
	OllamaModel    string `yaml:"ollama_model"`

	// EmbeddingModel is used for golden-route query similarity.
	EmbeddingModel string `yaml:"embedding_model"`
}

// ChainEntryConfig is one (provider, model) candidate.
type ChainEntryConfig struct {
	Provider string `yaml:"provider" validate:"required"`
	Model    string `yaml:"model" validate:"required"`
}

// GatewayConfig configures tiers and breakers.
type GatewayConfig struct {
	// Chains maps tier name to its ordered fallback chain.
	Chains map[string][]ChainEntryConfig `yaml:"chains" validate:"required,dive,required,min=1"`

	FailureThreshold int           `yaml:"failure_threshold" validate:"omitempty,min=1"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// EngineConfig tunes the reasoning loop and router.
type EngineConfig struct {
	// MaxSteps bounds the reasoning loop. Default 8.
	MaxSteps int `yaml:"max_steps" validate:"omitempty,min=1,max=50"`

	// RetrievalTimeout bounds each retrieval tool call.
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout"`

	// GoldenRouteThreshold is the cosine similarity for a cache hit.
	GoldenRouteThreshold float64 `yaml:"golden_route_threshold" validate:"omitempty,gt=0,lte=1"`

	// MaxFallbacks caps the fallback collections for low confidence.
	MaxFallbacks int `yaml:"max_fallbacks" validate:"omitempty,min=0,max=5"`

	// MemoryLockTimeout bounds waiting for a user's memory lock.
	MemoryLockTimeout time.Duration `yaml:"memory_lock_timeout"`
}

// StorageConfig locates local embedded storage.
type StorageConfig struct {
	// BadgerPath is the directory for the graph and golden-route DB.
	BadgerPath string `yaml:"badger_path" validate:"required"`

	// GoldenSnapshotPath is an optional JSON snapshot file that ops
	// can edit to seed canonical routes; watched for changes.
	GoldenSnapshotPath string `yaml:"golden_snapshot_path"`
}

// Default returns a config suitable for local development.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8980"},
		Logging: LoggingConfig{Level: "info"},
		Weaviate: WeaviateConfig{
			Host:   "localhost:8080",
			Scheme: "http",
		},
		Providers: ProvidersConfig{
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3.1:8b",
		},
		Gateway: GatewayConfig{
			Chains: map[string][]ChainEntryConfig{
				"fast":        {{Provider: "ollama", Model: "llama3.1:8b"}},
				"primary":     {{Provider: "ollama", Model: "llama3.1:8b"}},
				"budget":      {{Provider: "ollama", Model: "llama3.1:8b"}},
				"specialized": {{Provider: "ollama", Model: "llama3.1:8b"}},
			},
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			CallTimeout:      60 * time.Second,
		},
		Engine: EngineConfig{
			MaxSteps:             8,
			RetrievalTimeout:     15 * time.Second,
			GoldenRouteThreshold: 0.85,
			MaxFallbacks:         3,
			MemoryLockTimeout:    5 * time.Second,
		},
		Storage: StorageConfig{BadgerPath: ".answers/badger"},
	}
}

// Load reads, overlays, and validates configuration.
//
// Description:
//
//	Starts from Default(), overlays the YAML file at path when it
//	exists, then applies environment overrides (WEAVIATE_HOST,
//	OLLAMA_URL, ANSWERS_ADDR). Missing file is not an error; an
//	unreadable or invalid file is.
//
// Inputs:
//
//	path - Config file path; "" skips file loading.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
			// Defaults are fine for local runs.
		case err != nil:
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		case info.Size() > MaxConfigFileSize:
			return cfg, fmt.Errorf("config %s exceeds %d bytes", path, MaxConfigFileSize)
		default:
			raw, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("reading config %s: %w", path, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANSWERS_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WEAVIATE_HOST"); v != "" {
		cfg.Weaviate.Host = v
	}
	if v := os.Getenv("WEAVIATE_SCHEME"); v != "" {
		cfg.Weaviate.Scheme = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Providers.OllamaURL = v
	}
	if v := os.Getenv("ANSWERS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
