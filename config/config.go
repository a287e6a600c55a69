// Package config defines the closed configuration surface for the Strata
// service: named LLM backend profiles, a storage profile, and tuning for
// memorization, retrieval, and arena rounds.
//
// The configuration is a validated, closed structure. Unknown provider or
// storage kinds and missing required fields fail at construction, not at
// first use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/stratamem/strata-go-sdk/core"
)

const (
	DefaultMaxTokens       = 1024
	DefaultTemperature     = 0.7
	DefaultCallTimeoutSec  = 30
	DefaultRetryBudget     = 1
	DefaultRoundTimeoutSec = 60
	DefaultMinSimilarity   = 0.3
	DefaultItemTopK        = 10
	DefaultCategoryTopK    = 5
	DefaultMaxContextChars = 4000
	DefaultStatsWindow     = 20
	DefaultEMAAlpha        = 0.2
)

// Provider kinds recognized for LLM profiles.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai" // any OpenAI-compatible endpoint, incl. OpenRouter
	ProviderCustom    = "custom" // injected at construction (tests, local embedders)
)

// Storage kinds recognized for the memory store.
const (
	StorageInMemory = "inmem"
	StorageChromem  = "chromem"
)

// Averaging rules for backend performance statistics.
const (
	AveragingSimple      = "sma"
	AveragingExponential = "ema"
)

// Aggregation rules for judge scores.
const (
	AggregationMean     = "mean"
	AggregationWeighted = "weighted"
)

// Tie-break rules applied by the selector, in order, after the aggregate
// score.
const (
	TieBreakHistory = "history" // better rolling historical average
	TieBreakLatency = "latency" // lower round latency
)

// Config is the root configuration for a Service.
type Config struct {
	// Profiles are the named generation/embedding backend profiles.
	// The key is the backend identifier used throughout the system.
	Profiles map[string]Profile `json:"llmProfiles"`

	Storage  StorageConfig  `json:"storage"`
	Memory   MemoryConfig   `json:"memory"`
	Retrieve RetrieveConfig `json:"retrieve"`
	Arena    ArenaConfig    `json:"arena"`
	Judge    JudgeConfig    `json:"judge"`
	Selector SelectorConfig `json:"selector"`
}

// Profile describes one generation/embedding backend.
type Profile struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	EmbedModel  string  `json:"embedModel,omitempty"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	APIKey      string  `json:"apiKey,omitempty"`
	APIKeyEnv   string  `json:"apiKeyEnv,omitempty"`
	MaxTokens   int64   `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ResolveAPIKey returns the literal API key or reads it from the
// configured environment variable.
func (p Profile) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// StorageConfig selects and parameterizes the memory store backend.
type StorageConfig struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"` // persistence path, backend-dependent
}

// MemoryConfig tunes the memorization pipeline.
type MemoryConfig struct {
	// ExtractionProfile is the backend used for item extraction and
	// category synthesis. Required when memorization is used.
	ExtractionProfile string `json:"extractionProfile"`

	// EmbeddingProfile is the backend used to embed items and queries.
	// Defaults to ExtractionProfile.
	EmbeddingProfile string `json:"embeddingProfile,omitempty"`

	// Categories seeds the derived category layer. New categories may
	// still emerge from extraction hints.
	Categories []CategorySeed `json:"categories,omitempty"`
}

// CategorySeed is a configured starting category for the profile layer.
type CategorySeed struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	TargetLength int    `json:"targetLength,omitempty"`
}

// RetrieveConfig tunes the retrieval engine.
type RetrieveConfig struct {
	ItemTopK        int     `json:"itemTopK,omitempty"`
	CategoryTopK    int     `json:"categoryTopK,omitempty"`
	MinSimilarity   float64 `json:"minSimilarity,omitempty"`
	MaxContextChars int     `json:"maxContextChars,omitempty"`
}

// ArenaConfig tunes the fan-out/fan-in arena round.
type ArenaConfig struct {
	RoundTimeoutSec int `json:"roundTimeoutSec,omitempty"`
	CallTimeoutSec  int `json:"callTimeoutSec,omitempty"`
	RetryBudget     int `json:"retryBudget,omitempty"`

	// MinSuccess, when > 0, lets the round close as soon as that many
	// candidates have succeeded. 0 means wait for all or the deadline.
	MinSuccess int `json:"minSuccess,omitempty"`
}

// JudgeConfig selects the judging backend and the scoring criteria.
type JudgeConfig struct {
	Profile     string             `json:"profile"`
	Criteria    []string           `json:"criteria"`
	Aggregation string             `json:"aggregation,omitempty"`
	Weights     map[string]float64 `json:"weights,omitempty"`
}

// SelectorConfig tunes the adaptive selector's performance averaging and
// tie-break policy.
type SelectorConfig struct {
	Averaging string  `json:"averaging,omitempty"` // "sma" (default) or "ema"
	Window    int     `json:"window,omitempty"`    // sma window size
	Alpha     float64 `json:"alpha,omitempty"`     // ema smoothing factor

	// TieBreak orders the rules applied when aggregate scores tie.
	// Recognized rules: "history", "latency". A remaining tie always falls
	// through to the backend identifier for determinism.
	TieBreak []string `json:"tieBreak,omitempty"`
}

// DefaultCriteria is the judge criterion set used when none is configured.
var DefaultCriteria = []string{"accuracy", "depth", "clarity", "relevance"}

// DefaultTieBreak is the selector tie-break order used when none is
// configured.
var DefaultTieBreak = []string{TieBreakHistory, TieBreakLatency}

// Default returns a configuration with all tunables at their defaults and
// no backend profiles. Callers add profiles before constructing a Service.
func Default() *Config {
	return &Config{
		Profiles: map[string]Profile{},
		Storage:  StorageConfig{Kind: StorageInMemory},
		Retrieve: RetrieveConfig{
			ItemTopK:        DefaultItemTopK,
			CategoryTopK:    DefaultCategoryTopK,
			MinSimilarity:   DefaultMinSimilarity,
			MaxContextChars: DefaultMaxContextChars,
		},
		Arena: ArenaConfig{
			RoundTimeoutSec: DefaultRoundTimeoutSec,
			CallTimeoutSec:  DefaultCallTimeoutSec,
			RetryBudget:     DefaultRetryBudget,
		},
		Judge: JudgeConfig{
			Criteria:    append([]string(nil), DefaultCriteria...),
			Aggregation: AggregationMean,
		},
		Selector: SelectorConfig{
			Averaging: AveragingSimple,
			Window:    DefaultStatsWindow,
			Alpha:     DefaultEMAAlpha,
			TieBreak:  append([]string(nil), DefaultTieBreak...),
		},
	}
}

// Load reads a JSON configuration file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageInMemory
	}
	if c.Retrieve.ItemTopK <= 0 {
		c.Retrieve.ItemTopK = DefaultItemTopK
	}
	if c.Retrieve.CategoryTopK <= 0 {
		c.Retrieve.CategoryTopK = DefaultCategoryTopK
	}
	if c.Retrieve.MinSimilarity == 0 {
		c.Retrieve.MinSimilarity = DefaultMinSimilarity
	}
	if c.Retrieve.MaxContextChars <= 0 {
		c.Retrieve.MaxContextChars = DefaultMaxContextChars
	}
	if c.Arena.RoundTimeoutSec <= 0 {
		c.Arena.RoundTimeoutSec = DefaultRoundTimeoutSec
	}
	if c.Arena.CallTimeoutSec <= 0 {
		c.Arena.CallTimeoutSec = DefaultCallTimeoutSec
	}
	if c.Arena.RetryBudget < 0 {
		c.Arena.RetryBudget = DefaultRetryBudget
	}
	if len(c.Judge.Criteria) == 0 {
		c.Judge.Criteria = append([]string(nil), DefaultCriteria...)
	}
	if c.Judge.Aggregation == "" {
		c.Judge.Aggregation = AggregationMean
	}
	if c.Selector.Averaging == "" {
		c.Selector.Averaging = AveragingSimple
	}
	if c.Selector.Window <= 0 {
		c.Selector.Window = DefaultStatsWindow
	}
	if c.Selector.Alpha <= 0 || c.Selector.Alpha > 1 {
		c.Selector.Alpha = DefaultEMAAlpha
	}
	if len(c.Selector.TieBreak) == 0 {
		c.Selector.TieBreak = append([]string(nil), DefaultTieBreak...)
	}
	if c.Memory.EmbeddingProfile == "" {
		c.Memory.EmbeddingProfile = c.Memory.ExtractionProfile
	}
	for id, p := range c.Profiles {
		if p.MaxTokens <= 0 {
			p.MaxTokens = DefaultMaxTokens
		}
		if p.Temperature == 0 {
			p.Temperature = DefaultTemperature
		}
		c.Profiles[id] = p
	}
}

// Validate checks the closed option set. The first violation is returned
// as a *core.ConfigError.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return core.NewConfigError("llmProfiles", "at least one backend profile is required")
	}
	for id, p := range c.Profiles {
		field := "llmProfiles." + id
		switch p.Provider {
		case ProviderAnthropic, ProviderOpenAI:
			if p.Model == "" && p.EmbedModel == "" {
				return core.NewConfigError(field+".model", "a model or embedModel identifier is required")
			}
			if p.ResolveAPIKey() == "" {
				return core.NewConfigError(field+".apiKey", "credentials are required (apiKey or apiKeyEnv)")
			}
			if p.Provider == ProviderOpenAI && p.BaseURL == "" {
				return core.NewConfigError(field+".baseUrl", "openai-compatible profiles require a base URL")
			}
		case ProviderCustom:
			// Implementation injected at construction; nothing to check here.
		case "":
			return core.NewConfigError(field+".provider", "provider kind is required")
		default:
			return core.NewConfigError(field+".provider", "unrecognized provider kind %q", p.Provider)
		}
	}
	switch c.Storage.Kind {
	case StorageInMemory, StorageChromem:
	default:
		return core.NewConfigError("storage.kind", "unrecognized storage kind %q", c.Storage.Kind)
	}
	if c.Memory.ExtractionProfile != "" {
		if _, ok := c.Profiles[c.Memory.ExtractionProfile]; !ok {
			return core.NewConfigError("memory.extractionProfile", "unknown profile %q", c.Memory.ExtractionProfile)
		}
	}
	if c.Memory.EmbeddingProfile != "" {
		if _, ok := c.Profiles[c.Memory.EmbeddingProfile]; !ok {
			return core.NewConfigError("memory.embeddingProfile", "unknown profile %q", c.Memory.EmbeddingProfile)
		}
	}
	if c.Judge.Profile != "" {
		if _, ok := c.Profiles[c.Judge.Profile]; !ok {
			return core.NewConfigError("judge.profile", "unknown profile %q", c.Judge.Profile)
		}
	}
	switch c.Judge.Aggregation {
	case AggregationMean:
	case AggregationWeighted:
		if len(c.Judge.Weights) == 0 {
			return core.NewConfigError("judge.weights", "weighted aggregation requires criterion weights")
		}
		for _, criterion := range c.Judge.Criteria {
			if _, ok := c.Judge.Weights[criterion]; !ok {
				return core.NewConfigError("judge.weights", "missing weight for criterion %q", criterion)
			}
		}
	default:
		return core.NewConfigError("judge.aggregation", "unrecognized aggregation rule %q", c.Judge.Aggregation)
	}
	switch c.Selector.Averaging {
	case AveragingSimple, AveragingExponential:
	default:
		return core.NewConfigError("selector.averaging", "unrecognized averaging rule %q", c.Selector.Averaging)
	}
	for i, rule := range c.Selector.TieBreak {
		switch rule {
		case TieBreakHistory, TieBreakLatency:
		default:
			return core.NewConfigError(fmt.Sprintf("selector.tieBreak[%d]", i), "unrecognized tie-break rule %q", rule)
		}
	}
	for i, seed := range c.Memory.Categories {
		if strings.TrimSpace(seed.Name) == "" {
			return core.NewConfigError(fmt.Sprintf("memory.categories[%d].name", i), "category name is required")
		}
	}
	return nil
}
