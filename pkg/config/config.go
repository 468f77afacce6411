// Package config loads and validates the YAML + environment configuration.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator process.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Stream   StreamConfig   `yaml:"stream"`

	LLMs     map[string]*LLMProviderConfig `yaml:"llms"`
	Gateway  GatewayConfig                 `yaml:"gateway"`
	Embedder EmbedderProviderConfig        `yaml:"embedder"`

	VectorStore VectorStoreConfig  `yaml:"vector_store"`
	Collections []CollectionConfig `yaml:"collections"`
	Retriever   RetrieverConfig    `yaml:"retriever"`

	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Memory    MemoryConfig    `yaml:"memory"`
	Session   SessionConfig   `yaml:"session"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`

	Services []ServiceDescriptor `yaml:"services"`
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Stream.SetDefaults()
	for _, llm := range c.LLMs {
		if llm != nil {
			llm.SetDefaults()
		}
	}
	c.Gateway.SetDefaults()
	c.Embedder.SetDefaults()
	c.VectorStore.SetDefaults()
	for i := range c.Collections {
		c.Collections[i].SetDefaults()
	}
	c.Retriever.SetDefaults()
	c.Memory.SetDefaults()
	c.Session.SetDefaults()
	c.Dedup.SetDefaults()
	c.Reasoning.SetDefaults()
	c.Pipeline.SetDefaults()
}

func (c *Config) Validate() error {
	if len(c.LLMs) == 0 {
		return fmt.Errorf("at least one llm provider is required")
	}
	for name, llm := range c.LLMs {
		if llm == nil {
			return fmt.Errorf("llm %q has no configuration", name)
		}
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	for tier, chain := range c.Gateway.Chains {
		for _, model := range chain {
			if _, ok := c.LLMs[model]; !ok {
				return fmt.Errorf("gateway chain %q references unknown llm %q", tier, model)
			}
		}
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	for i := range c.Collections {
		if err := c.Collections[i].Validate(); err != nil {
			return fmt.Errorf("collection %d: %w", i, err)
		}
	}
	if err := c.Memory.SQL.Validate(); err != nil {
		return fmt.Errorf("memory.sql: %w", err)
	}
	return nil
}

// Load reads the config file, expands environment references and applies
// defaults. A .env file next to the process is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	expanded := ExpandEnvVarsInData(tree)
	normalized, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-serialize expanded config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
