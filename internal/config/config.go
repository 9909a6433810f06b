// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment driven configuration for the persona chat service.
type Config struct {
	StateTable  string `env:"STATE_TABLE,required,notEmpty"`
	ParamPrefix string `env:"PARAM_PREFIX,required,notEmpty"`
	WalletID    string `env:"WALLET_ID" envDefault:"default"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	OpenAIBaseURL   string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model           string        `env:"MODEL" envDefault:"gpt-4o-mini"`
	ClassifierModel string        `env:"CLASSIFIER_MODEL"`
	Temperature     float64       `env:"TEMPERATURE" envDefault:"0.9"`
	MaxOutputTokens int           `env:"MAX_OUTPUT_TOKENS" envDefault:"800"`
	CallTimeout     time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"60s"`
	ModerateInput   bool          `env:"MODERATE_INPUT" envDefault:"false"`

	TurnTimeout        time.Duration `env:"TURN_TIMEOUT" envDefault:"2m"`
	WaitForDelivery    bool          `env:"WAIT_FOR_DELIVERY" envDefault:"true"`
	MaxBackgroundTasks int           `env:"MAX_BACKGROUND_TASKS" envDefault:"256"`
	TaskTimeout        time.Duration `env:"TASK_TIMEOUT" envDefault:"30s"`
	MaxContextItems    int           `env:"MAX_CONTEXT_ITEMS" envDefault:"40"`
	MaxMessageLength   int           `env:"MAX_MESSAGE_LENGTH" envDefault:"2000"`
	MaxContextChars    int           `env:"MAX_CONTEXT_CHARS" envDefault:"6000"`
	ElapsedThreshold   time.Duration `env:"ELAPSED_THRESHOLD" envDefault:"6h"`
	GuardCapacity      int           `env:"GUARD_CAPACITY" envDefault:"4096"`
	PersonaCacheSize   int           `env:"PERSONA_CACHE_SIZE" envDefault:"128"`
	RulesPath          string        `env:"RULES_PATH"`
	TrackCatalog       bool          `env:"TRACK_CATALOG" envDefault:"true"`

	// Context from the persona's other conversations; zero turns it off.
	CrossConversations int `env:"CROSS_CONVERSATIONS" envDefault:"2"`
	CrossMessages      int `env:"CROSS_CONVERSATION_MESSAGES" envDefault:"6"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}
	if c.MaxBackgroundTasks <= 0 {
		return fmt.Errorf("MAX_BACKGROUND_TASKS must be positive")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive")
	}
	if c.CrossConversations < 0 || c.CrossMessages < 0 {
		return fmt.Errorf("CROSS_CONVERSATIONS and CROSS_CONVERSATION_MESSAGES must not be negative")
	}
	if c.MaxContextItems <= 0 {
		return fmt.Errorf("MAX_CONTEXT_ITEMS must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be within [0, 2]")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Classifier returns the model used for forced-choice decision queries.
func (c *Config) Classifier() string {
	if strings.TrimSpace(c.ClassifierModel) != "" {
		return c.ClassifierModel
	}
	return c.Model
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
