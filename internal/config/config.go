// Package config loads the debate engine configuration from YAML with
// environment-variable substitution, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/arbiter"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/comms"
	"github.com/MichaelBlackwell/BidFoundry-sub001/internal/debate"
)

// Config is the top-level configuration document. Durations are expressed in
// seconds so the file stays plain YAML scalars.
type Config struct {
	Document   DocumentConfig               `yaml:"document"`
	Bus        BusSettings                  `yaml:"bus"`
	Rounds     RoundSettings                `yaml:"rounds"`
	Consensus  ConsensusSettings            `yaml:"consensus"`
	Confidence arbiter.ConfidenceThresholds `yaml:"confidence"`
	LogLevel   string                       `yaml:"log_level"`
}

// DocumentConfig describes the document under debate.
type DocumentConfig struct {
	Type             string   `yaml:"type"`
	RequiredSections []string `yaml:"required_sections"`
}

// BusSettings configures the message bus.
type BusSettings struct {
	QueueSize              int `yaml:"queue_size"`
	DeliveryTimeoutSeconds int `yaml:"delivery_timeout_seconds"`
}

// RoundSettings configures the round lifecycle.
type RoundSettings struct {
	MaxAdversarialRounds int     `yaml:"max_adversarial_rounds"`
	ConsensusThreshold   float64 `yaml:"consensus_threshold"`
	MaxDurationSeconds   int     `yaml:"max_duration_seconds"`
	PublishEvents        *bool   `yaml:"publish_events"`
}

// ConsensusSettings configures the consensus detector weighting model.
type ConsensusSettings struct {
	Threshold          float64            `yaml:"threshold"`
	BlockOnCritical    *bool              `yaml:"block_on_critical"`
	MaxUnresolvedMajor int                `yaml:"max_unresolved_major"`
	SeverityWeights    map[string]float64 `yaml:"severity_weights"`
	DispositionScores  map[string]float64 `yaml:"disposition_scores"`
}

// Load reads, expands, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return LoadFromString(string(data))
}

// LoadFromString parses configuration from a YAML string. ${VAR} references
// are substituted from the process environment before parsing.
func LoadFromString(raw string) (*Config, error) {
	expanded := os.Expand(raw, func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = comms.DefaultBusConfig().QueueSize
	}
	if c.Bus.DeliveryTimeoutSeconds <= 0 {
		c.Bus.DeliveryTimeoutSeconds = int(comms.DefaultBusConfig().DeliveryTimeout / time.Second)
	}
	roundDefaults := debate.DefaultRoundConfig()
	if c.Rounds.MaxAdversarialRounds <= 0 {
		c.Rounds.MaxAdversarialRounds = roundDefaults.MaxAdversarialRounds
	}
	if c.Rounds.ConsensusThreshold <= 0 {
		c.Rounds.ConsensusThreshold = roundDefaults.ConsensusThreshold
	}
	if c.Rounds.MaxDurationSeconds <= 0 {
		c.Rounds.MaxDurationSeconds = int(roundDefaults.MaxDuration / time.Second)
	}
	if c.Consensus.Threshold <= 0 {
		c.Consensus.Threshold = c.Rounds.ConsensusThreshold
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Document.Type == "" {
		return fmt.Errorf("document.type is required")
	}
	if len(c.Document.RequiredSections) == 0 {
		return fmt.Errorf("document.required_sections must not be empty")
	}
	if c.Rounds.ConsensusThreshold > 1 {
		return fmt.Errorf("rounds.consensus_threshold must be in (0, 1], got %v", c.Rounds.ConsensusThreshold)
	}
	if c.Consensus.Threshold > 1 {
		return fmt.Errorf("consensus.threshold must be in (0, 1], got %v", c.Consensus.Threshold)
	}
	for name, weight := range c.Consensus.SeverityWeights {
		if weight < 0 {
			return fmt.Errorf("consensus.severity_weights[%s] must be non-negative", name)
		}
	}
	for name, value := range map[string]float64{
		"base_section_score":        c.Confidence.BaseSectionScore,
		"critical_penalty":          c.Confidence.CriticalPenalty,
		"major_penalty":             c.Confidence.MajorPenalty,
		"minor_penalty":             c.Confidence.MinorPenalty,
		"accepted_resolution_bonus": c.Confidence.AcceptedResolutionBonus,
		"rebutted_resolution_bonus": c.Confidence.RebuttedResolutionBonus,
		"missing_section_penalty":   c.Confidence.MissingSectionPenalty,
		"human_review_threshold":    c.Confidence.HumanReviewThreshold,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("confidence.%s must be in [0, 1], got %v", name, value)
		}
	}
	return nil
}

// BusConfig builds the comms bus configuration.
func (c *Config) BusConfig() comms.BusConfig {
	cfg := comms.DefaultBusConfig()
	cfg.QueueSize = c.Bus.QueueSize
	cfg.DeliveryTimeout = time.Duration(c.Bus.DeliveryTimeoutSeconds) * time.Second
	return cfg
}

// RoundConfig builds the round manager configuration.
func (c *Config) RoundConfig() debate.RoundConfig {
	cfg := debate.RoundConfig{
		MaxAdversarialRounds: c.Rounds.MaxAdversarialRounds,
		ConsensusThreshold:   c.Rounds.ConsensusThreshold,
		MaxDuration:          time.Duration(c.Rounds.MaxDurationSeconds) * time.Second,
		PublishEvents:        true,
	}
	if c.Rounds.PublishEvents != nil {
		cfg.PublishEvents = *c.Rounds.PublishEvents
	}
	return cfg
}

// ConsensusConfig builds the detector configuration.
func (c *Config) ConsensusConfig() debate.ConsensusConfig {
	cfg := debate.DefaultConsensusConfig()
	cfg.Threshold = c.Consensus.Threshold
	if c.Consensus.BlockOnCritical != nil {
		cfg.BlockOnCritical = *c.Consensus.BlockOnCritical
	}
	if c.Consensus.MaxUnresolvedMajor > 0 {
		cfg.MaxUnresolvedMajor = c.Consensus.MaxUnresolvedMajor
	}
	for name, weight := range c.Consensus.SeverityWeights {
		cfg.SeverityWeights[debate.ParseSeverity(name)] = weight
	}
	for name, score := range c.Consensus.DispositionScores {
		cfg.DispositionScores[debate.ParseDisposition(name)] = score
	}
	return cfg
}

// Template builds the document template for the arbiter.
func (c *Config) Template() arbiter.DocumentTemplate {
	return arbiter.DocumentTemplate{
		Type:             c.Document.Type,
		RequiredSections: append([]string(nil), c.Document.RequiredSections...),
	}
}
