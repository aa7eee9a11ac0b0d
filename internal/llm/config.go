package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Provider names accepted in Config.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config is the explicit, validated model configuration passed to every
// client at construction.
type Config struct {
	Provider    string  `mapstructure:"provider" json:"provider"`
	Model       string  `mapstructure:"model" json:"model"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	TopP        float64 `mapstructure:"top_p" json:"top_p"`
	// MaxTokens caps the completion length; 0 leaves it to the provider.
	MaxTokens int `mapstructure:"max_tokens" json:"max_tokens"`
}

// normalize trims the provider and model names and lowercases the provider.
func (c Config) normalize() Config {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Model = strings.TrimSpace(c.Model)
	return c
}

// Validate reports the first invalid field. Names are compared after
// trimming, as New does.
func (c Config) Validate() error {
	c = c.normalize()
	switch c.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	case "":
		return errors.New("llm: provider must not be empty")
	default:
		return fmt.Errorf("llm: unknown provider %q", c.Provider)
	}
	if c.Model == "" {
		return errors.New("llm: model must not be empty")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("llm: temperature %.2f out of range [0,2]", c.Temperature)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("llm: top_p %.2f out of range (0,1]", c.TopP)
	}
	if c.MaxTokens < 0 {
		return errors.New("llm: max_tokens must not be negative")
	}
	return nil
}
