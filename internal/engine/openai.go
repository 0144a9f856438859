package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// schemaName labels structured responses in the OpenAI request.
const schemaName = "feedback_analysis"

// OpenAIEngine talks to the OpenAI API or any compatible server.
type OpenAIEngine struct {
	client openai.Client
}

// NewOpenAIEngine creates an engine for the given API key. An empty baseURL
// targets api.openai.com.
func NewOpenAIEngine(apiKey, baseURL string, opts ...option.RequestOption) *OpenAIEngine {
	all := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &OpenAIEngine{client: openai.NewClient(all...)}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, schema any) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: convertMessages(messages),
	}
	if schema != nil {
		params.Temperature = openai.Float(0)
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName,
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	start := time.Now()
	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: no choices in response")
	}

	slog.DebugContext(ctx, "openai chat completed",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason)

	return resp.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.Models.List(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	page, err := e.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	names := make([]string, len(page.Data))
	for i, m := range page.Data {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+"-") {
			return true
		}
	}
	return false
}

// PullModel always fails: hosted models cannot be downloaded.
func (e *OpenAIEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("model %s is not offered by the OpenAI endpoint", name)
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
