// Package app assembles the use cases from configuration. Both the Lambda
// entry point and the CLI build their services here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"pm-agent/internal/config"
	"pm-agent/internal/graph"
	"pm-agent/internal/integrations/anthropic"
	"pm-agent/internal/integrations/backend"
	"pm-agent/internal/integrations/mailer"
	"pm-agent/internal/integrations/openai"
	"pm-agent/internal/integrations/paramstore"
	"pm-agent/internal/integrations/rag"
	"pm-agent/internal/llm"
	"pm-agent/internal/prompts"
	"pm-agent/internal/tools"
	"pm-agent/internal/usecase"
)

// Storage is the persistence a host provides. History may be nil.
type Storage struct {
	Checkpoints graph.Checkpointer
	History     usecase.ConversationStore

	close func() error
}

type Deps struct {
	Secrets    paramstore.SecretGetter
	Storage    Storage
	Logger     *slog.Logger
	HTTPClient *http.Client
}

type Services struct {
	Meetings  *usecase.MeetingService
	Assistant *usecase.AssistantService
}

// Build wires every adapter named in cfg and returns both services.
func Build(cfg *config.Config, deps Deps) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if deps.Secrets == nil {
		return nil, errors.New("app: secret getter must not be nil")
	}
	if deps.Storage.Checkpoints == nil {
		return nil, errors.New("app: checkpoint store must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	openaiOpts := []openai.Option{openai.WithAudioSources(cfg.OpenAI.AudioSources...)}
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if deps.HTTPClient != nil {
		openaiOpts = append(openaiOpts, openai.WithHTTPClient(deps.HTTPClient))
	}
	openaiClient, err := openai.NewClient(deps.Secrets, openaiOpts...)
	if err != nil {
		return nil, err
	}

	var anthropicOpts []anthropic.Option
	if cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	if deps.HTTPClient != nil {
		anthropicOpts = append(anthropicOpts, anthropic.WithHTTPClient(deps.HTTPClient))
	}
	anthropicClient, err := anthropic.NewClient(deps.Secrets, anthropicOpts...)
	if err != nil {
		return nil, err
	}

	providers := llm.Providers{
		llm.ProviderOpenAI:    openaiClient,
		llm.ProviderAnthropic: anthropicClient,
	}
	models := map[string]*llm.Client{}
	for name, profile := range map[string]llm.Config{
		"meeting":       cfg.Models.Meeting,
		"router":        cfg.Models.Router,
		"direct":        cfg.Models.Direct,
		"deterministic": cfg.Models.Deterministic,
		"rewriter":      cfg.Models.Rewriter,
	} {
		c, err := llm.New(providers, profile)
		if err != nil {
			return nil, fmt.Errorf("app: models.%s: %w", name, err)
		}
		models[name] = c
		logger.Debug("model profile", "role", name, "provider", c.Config().Provider, "model", c.Config().Model)
	}

	templates, err := prompts.Default()
	if err != nil {
		return nil, err
	}

	backendClient, err := backend.NewClient(cfg.Backend.BaseURL, deps.Secrets, backendOpts(deps.HTTPClient)...)
	if err != nil {
		return nil, err
	}
	registry, err := tools.NewRegistry(tools.BackendTools(backendClient)...)
	if err != nil {
		return nil, err
	}
	retriever, err := rag.NewClient(cfg.Retriever.BaseURL, deps.HTTPClient)
	if err != nil {
		return nil, err
	}

	var notifier usecase.Notifier = disabledNotifier{}
	if cfg.SMTP.Host != "" {
		m, err := mailer.New(cfg.SMTP, deps.Secrets)
		if err != nil {
			return nil, err
		}
		notifier = m
	} else {
		logger.Warn("smtp.host is not set, notifications will be recorded as failed")
	}

	meetings, err := usecase.NewMeetingService(usecase.MeetingDeps{
		Transcriber: openaiClient,
		LLM:         models["meeting"],
		Tasks:       backendClient,
		Notifier:    notifier,
		Prompts:     templates,
		Store:       deps.Storage.Checkpoints,
		Logger:      logger,
	}, cfg.Meeting.MaxRevisions, cfg.Graph.MaxSteps)
	if err != nil {
		return nil, err
	}

	assistantDeps := usecase.AssistantDeps{
		Models: usecase.AssistantModels{
			Router:    models["router"],
			Grader:    models["deterministic"],
			Rewriter:  models["rewriter"],
			Generator: models["deterministic"],
			Tools:     models["deterministic"],
			Direct:    models["direct"],
		},
		Retriever: retriever,
		Tools:     registry,
		Prompts:   templates,
		Store:     deps.Storage.Checkpoints,
		History:   deps.Storage.History,
		Logger:    logger,
	}
	if cfg.Assistant.Moderation {
		assistantDeps.Moderator = openaiClient
	}
	assistant, err := usecase.NewAssistantService(assistantDeps, usecase.AssistantConfig{
		MaxRewrite:       cfg.Assistant.MaxRewrite,
		MaxToolRounds:    cfg.Assistant.MaxToolRounds,
		Collection:       cfg.Assistant.Collection,
		TopK:             cfg.Assistant.TopK,
		MaxMessageLength: cfg.Assistant.MaxMessageLength,
		HistoryTurns:     cfg.Assistant.HistoryTurns,
		MaxSteps:         cfg.Graph.MaxSteps,

		MaxConversationTurns: cfg.Assistant.MaxConversationTurns,
	})
	if err != nil {
		return nil, err
	}
	return &Services{Meetings: meetings, Assistant: assistant}, nil
}

func backendOpts(httpClient *http.Client) []backend.Option {
	if httpClient == nil {
		return nil
	}
	return []backend.Option{backend.WithHTTPClient(httpClient)}
}

// disabledNotifier fails every send so each recipient is recorded as failed.
type disabledNotifier struct{}

func (disabledNotifier) Send(context.Context, string, string, string) error {
	return errors.New("notifications disabled: smtp.host is not configured")
}
