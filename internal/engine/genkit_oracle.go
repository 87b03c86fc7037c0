package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/sdoh-analyst/internal/config"
	otelPkg "github.com/basket/sdoh-analyst/internal/otel"
	"github.com/basket/sdoh-analyst/internal/tools"
)

// OracleConfig selects the LLM provider behind a GenkitOracle.
type OracleConfig struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or
	// "openrouter". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	// CompatibleProvider names the backend for openai_compatible.
	CompatibleProvider string

	Logger *slog.Logger
}

// GenkitOracle asks an LLM, through Genkit, for the next action.
type GenkitOracle struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

// NewGenkitOracle initializes Genkit with the configured provider. A missing
// API key is not an error here; Decide reports it as an AUTH upstream error.
func NewGenkitOracle(ctx context.Context, cfg OracleConfig) (*GenkitOracle, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileDecisionSchema()
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			baseURL := cfg.BaseURL
			if baseURL == "" {
				baseURL = os.Getenv("ANTHROPIC_BASE_URL")
			}
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: baseURL,
			}))
			llmOn = true
		}

	case "openai":
		if apiKey != "" {
			baseURL := cfg.BaseURL
			if baseURL == "" {
				baseURL = os.Getenv("OPENAI_BASE_URL")
			}
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  baseURL,
			}))
			llmOn = true
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
		}

	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
		}

	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}

	if llmOn {
		logger.Info("genkit oracle initialized", "provider", provider, "model", modelID)
	} else {
		g = genkit.Init(ctx)
		logger.Warn("LLM API key missing; every turn will fail with an AUTH error", "provider", provider)
	}

	return &GenkitOracle{
		g:        g,
		provider: provider,
		model:    modelID,
		llmOn:    llmOn,
		schema:   schema,
		logger:   logger,
	}, nil
}

func defaultModelForProvider(provider string) string {
	if provider == "openai_compatible" {
		provider = "openai"
	}
	return config.DefaultModels[provider]
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		// Passed through: OpenRouter names look like "anthropic/claude-sonnet-4-5".
		return model
	default:
		return "googleai/" + model
	}
}

// Provider and Model identify the backend for logs and the API.
func (o *GenkitOracle) Provider() string { return o.provider }
func (o *GenkitOracle) Model() string    { return o.model }

// Decide sends the question, the tool catalog and the transcript to the
// model and parses its JSON reply.
func (o *GenkitOracle) Decide(ctx context.Context, req Request, catalog []tools.Descriptor, transcript []Entry) (Action, error) {
	modelName := modelNameForProvider(o.provider, o.model)
	trace.SpanFromContext(ctx).SetAttributes(
		otelPkg.AttrProvider.String(o.provider),
		otelPkg.AttrModel.String(modelName),
	)
	if !o.llmOn {
		return nil, NewUpstreamError(fmt.Errorf("%s: %w", o.provider, ErrNoAPIKey))
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}

	// Escape % characters: ai.WithSystem formats its argument.
	system := strings.ReplaceAll(systemPrompt(catalog, req.Prior), "%", "%%")

	resp, err := genkit.Generate(ctx, o.g,
		ai.WithModelName(modelName),
		ai.WithSystem(system),
		ai.WithMessages(transcriptMessages(question, transcript)...),
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "genkit generate failed", "error", err, "model", modelName)
		return nil, NewUpstreamError(fmt.Errorf("genkit generate: %w", err))
	}

	action, err := parseDecision(resp.Text(), o.schema)
	if err != nil {
		o.logger.WarnContext(ctx, "oracle reply rejected", "error", err)
		return nil, err
	}
	return action, nil
}

// transcriptMessages replays the turn as a conversation: the question, then
// one model decision and one observation per entry.
func transcriptMessages(question string, entries []Entry) []*ai.Message {
	msgs := []*ai.Message{textMessage(ai.RoleUser, question)}
	for _, e := range entries {
		msgs = append(msgs,
			textMessage(ai.RoleModel, decisionText(e)),
			textMessage(ai.RoleUser, observationText(e)),
		)
	}
	return msgs
}

func textMessage(role ai.Role, text string) *ai.Message {
	return &ai.Message{
		Role:    role,
		Content: []*ai.Part{ai.NewTextPart(text)},
	}
}
