package models

import (
	"context"

	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/dohr-michael/ozzie/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

// NewGemini creates a new Gemini ChatModel via Google's genai SDK.
func NewGemini(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  auth.Value,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	modelConfig := &einogemini.Config{
		Client: client,
		Model:  modelName,
	}

	if cfg.MaxTokens > 0 {
		maxTokens := int32(clampMaxTokens(cfg.MaxTokens, cfg))
		modelConfig.MaxTokens = &maxTokens
	}

	if cfg.Options != nil {
		if temp, ok := cfg.Options["temperature"].(float64); ok {
			t := float32(temp)
			modelConfig.Temperature = &t
		}
	}

	return einogemini.NewChatModel(ctx, modelConfig)
}
