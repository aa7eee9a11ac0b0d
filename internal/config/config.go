// Package config loads the process configuration: built-in defaults, an
// optional YAML file and PMAGENT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pm-agent/internal/integrations/mailer"
	"pm-agent/internal/llm"
)

// EnvPrefix prefixes every environment override, e.g. PMAGENT_STORAGE_TABLE.
const EnvPrefix = "PMAGENT"

// Storage drivers.
const (
	DriverDynamoDB = "dynamodb"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Models holds one explicit profile per LLM role.
type Models struct {
	Meeting       llm.Config `mapstructure:"meeting"`
	Router        llm.Config `mapstructure:"router"`
	Direct        llm.Config `mapstructure:"direct"`
	Deterministic llm.Config `mapstructure:"deterministic"`
	Rewriter      llm.Config `mapstructure:"rewriter"`
}

type Meeting struct {
	MaxRevisions int `mapstructure:"max_revisions"`
}

type Assistant struct {
	MaxRewrite           int    `mapstructure:"max_rewrite"`
	MaxToolRounds        int    `mapstructure:"max_tool_rounds"`
	Collection           string `mapstructure:"collection"`
	TopK                 int    `mapstructure:"top_k"`
	MaxMessageLength     int    `mapstructure:"max_message_length"`
	HistoryTurns         int    `mapstructure:"history_turns"`
	// MaxConversationTurns rejects further messages on a thread once it holds
	// that many saved turns. Zero disables the cap.
	MaxConversationTurns int    `mapstructure:"max_conversation_turns"`
	Moderation           bool   `mapstructure:"moderation"`
}

type Storage struct {
	Driver        string        `mapstructure:"driver"`
	Table         string        `mapstructure:"table"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	// CheckpointTTL expires DynamoDB checkpoints that long after their last
	// write. Zero keeps them until deleted.
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
}

type Endpoint struct {
	BaseURL string `mapstructure:"base_url"`
}

type OpenAI struct {
	BaseURL      string   `mapstructure:"base_url"`
	// AudioSources are the URL or directory prefixes meeting audio may be
	// read from.
	AudioSources []string `mapstructure:"audio_sources"`
}

type Secrets struct {
	ParamPrefix string `mapstructure:"param_prefix"`
}

type Graph struct {
	MaxSteps int `mapstructure:"max_steps"`
}

// Config is the full process configuration.
type Config struct {
	Models    Models        `mapstructure:"models"`
	Meeting   Meeting       `mapstructure:"meeting"`
	Assistant Assistant     `mapstructure:"assistant"`
	Storage   Storage       `mapstructure:"storage"`
	Backend   Endpoint      `mapstructure:"backend"`
	Retriever Endpoint      `mapstructure:"retriever"`
	OpenAI    OpenAI        `mapstructure:"openai"`
	Anthropic Endpoint      `mapstructure:"anthropic"`
	SMTP      mailer.Config `mapstructure:"smtp"`
	Secrets   Secrets       `mapstructure:"secrets"`
	Graph     Graph         `mapstructure:"graph"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	profile := func(key string, temperature, topP float64, maxTokens int) {
		v.SetDefault("models."+key+".provider", llm.ProviderOpenAI)
		v.SetDefault("models."+key+".model", "gpt-4o-mini")
		v.SetDefault("models."+key+".temperature", temperature)
		v.SetDefault("models."+key+".top_p", topP)
		v.SetDefault("models."+key+".max_tokens", maxTokens)
	}
	profile("meeting", 0.1, 0.5, 0)
	profile("router", 0.3, 0.7, 0)
	profile("direct", 0.5, 0.9, 500)
	profile("deterministic", 0.3, 0.7, 0)
	profile("rewriter", 0.3, 0.7, 200)

	v.SetDefault("meeting.max_revisions", 2)

	v.SetDefault("assistant.max_rewrite", 3)
	v.SetDefault("assistant.max_tool_rounds", 5)
	v.SetDefault("assistant.collection", "ProjectDocuments")
	v.SetDefault("assistant.top_k", 3)
	v.SetDefault("assistant.max_message_length", 2000)
	v.SetDefault("assistant.history_turns", 10)
	v.SetDefault("assistant.max_conversation_turns", 50)
	v.SetDefault("assistant.moderation", false)

	v.SetDefault("storage.driver", DriverDynamoDB)
	v.SetDefault("storage.table", "")
	v.SetDefault("storage.sqlite_path", "pm-agent.db")
	v.SetDefault("storage.checkpoint_ttl", time.Duration(0))

	v.SetDefault("backend.base_url", "")
	v.SetDefault("retriever.base_url", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.audio_sources", []string{"https://"})
	v.SetDefault("anthropic.base_url", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.from", "")

	v.SetDefault("secrets.param_prefix", "/pm-agent")
	v.SetDefault("graph.max_steps", 50)
}

// Validate checks bounds and model profiles.
func (c *Config) Validate() error {
	var errs []error
	for name, m := range map[string]llm.Config{
		"meeting":       c.Models.Meeting,
		"router":        c.Models.Router,
		"direct":        c.Models.Direct,
		"deterministic": c.Models.Deterministic,
		"rewriter":      c.Models.Rewriter,
	} {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("models.%s: %w", name, err))
		}
	}
	if c.Meeting.MaxRevisions < 0 {
		errs = append(errs, errors.New("meeting.max_revisions must not be negative"))
	}
	if c.Assistant.MaxRewrite < 0 {
		errs = append(errs, errors.New("assistant.max_rewrite must not be negative"))
	}
	if c.Assistant.MaxToolRounds <= 0 {
		errs = append(errs, errors.New("assistant.max_tool_rounds must be positive"))
	}
	if c.Assistant.TopK <= 0 {
		errs = append(errs, errors.New("assistant.top_k must be positive"))
	}
	if c.Assistant.MaxConversationTurns < 0 {
		errs = append(errs, errors.New("assistant.max_conversation_turns must not be negative"))
	}
	if c.Storage.CheckpointTTL < 0 {
		errs = append(errs, errors.New("storage.checkpoint_ttl must not be negative"))
	}
	if len(c.OpenAI.AudioSources) == 0 {
		errs = append(errs, errors.New("openai.audio_sources must list at least one prefix"))
	}
	if c.Graph.MaxSteps <= 0 {
		errs = append(errs, errors.New("graph.max_steps must be positive"))
	}
	switch c.Storage.Driver {
	case DriverDynamoDB:
		if strings.TrimSpace(c.Storage.Table) == "" {
			errs = append(errs, errors.New("storage.table is required for dynamodb"))
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
