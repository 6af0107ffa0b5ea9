package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"
)

// Defaults applied by NewFromEnv when the corresponding variable is unset.
const (
	defaultOllamaHost      = "http://localhost:11434"
	defaultOllamaModel     = "llama3"
	defaultOpenAIModel     = "gpt-4o"
	defaultAzureAPIVersion = "2024-02-01"
	defaultAWSRegion       = "us-east-1"
	defaultGeminiModel     = "gemini-1.5-pro"
	defaultMaxTokens       = 4096
	defaultTemperature     = 0.2
)

// NewFromEnv builds the research chat model from environment variables.
// MODEL_PROVIDER picks the backend (ollama, openai, azure, bedrock, gemini;
// default ollama) and each backend reads its own native credential
// variables, documented on the Config field types. MODEL_MAX_TOKENS and
// MODEL_TEMPERATURE tune every backend.
func NewFromEnv(ctx context.Context) (model.ToolCallingChatModel, error) {
	cfg := &Config{
		Backend: Backend(envOr("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  envOr("OLLAMA_HOST", defaultOllamaHost),
			Model: envOr("OLLAMA_MODEL", defaultOllamaModel),
		},
		OpenAI: ProviderOpenAI{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  envOr("OPENAI_MODEL", defaultOpenAIModel),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: envOr("AZURE_OPENAI_API_VERSION", defaultAzureAPIVersion),
		},
		Bedrock: ProviderBedrock{
			// Credentials come from the standard AWS chain, not from here.
			AWSRegion: envOr("AWS_REGION", defaultAWSRegion),
			ModelID:   os.Getenv("BEDROCK_MODEL_ID"),
		},
		Gemini: ProviderGemini{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  envOr("GEMINI_MODEL", defaultGeminiModel),
		},
		Tuning: SharedTuning{
			MaxTokens:   envInt("MODEL_MAX_TOKENS", defaultMaxTokens),
			Temperature: envFloat32("MODEL_TEMPERATURE", defaultTemperature),
		},
	}
	return New(ctx, cfg)
}

// New validates cfg and dispatches to the matching backend constructor.
// Validation runs up front so a misconfigured deployment fails at startup
// instead of on the first research task.
func New(ctx context.Context, cfg *Config) (model.ToolCallingChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendOllama:
		return newOllama(ctx, cfg)
	case BackendOpenAI:
		return newOpenAI(ctx, cfg)
	case BackendAzure:
		return newAzure(ctx, cfg)
	case BackendBedrock:
		return newBedrock(ctx, cfg)
	case BackendGemini:
		return newGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("provider: unknown backend %q — valid values: ollama, openai, azure, bedrock, gemini", cfg.Backend)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
