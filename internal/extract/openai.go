package extract

import (
	"context"
	"fmt"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

func categoryNames() []string {
	out := make([]string, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		out = append(out, string(c))
	}
	return out
}

// OpenAIModel calls any OpenAI-compatible chat completion endpoint
// (OpenAI, DeepSeek, local gateways) in JSON mode.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel creates an OpenAI-compatible model. baseURL may be empty.
func NewOpenAIModel(apiKey, baseURL, model string) *OpenAIModel {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Name returns the model identifier.
func (m *OpenAIModel) Name() string {
	return m.model
}

// Generate implements Model.
func (m *OpenAIModel) Generate(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "sms_transaction",
				Schema: openAIResultSchema(),
			},
		},
		Temperature: 0.1,
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAIModel.Generate: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("OpenAIModel.Generate: empty response from model")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIResultSchema() *jsonschema.Definition {
	str := func(desc string) jsonschema.Definition {
		return jsonschema.Definition{Type: jsonschema.String, Description: desc}
	}
	return &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"amount":       {Type: jsonschema.Number, Description: "positive transaction amount"},
			"currency":     str("ISO 4217 currency code"),
			"counterparty": str("cleaned merchant or recipient name"),
			"card":         str("card or account label"),
			"direction":    {Type: jsonschema.String, Enum: []string{"IN", "OUT"}},
			"txn_type":     str("purchase, transfer, withdrawal, fee, salary, refund, payment or other"),
			"category":     {Type: jsonschema.String, Enum: categoryNames()},
			"subcategory":  str("subcategory"),
			"confidence":   {Type: jsonschema.String, Enum: []string{"high", "medium", "low"}},
			"reasoning":    str("one short sentence"),
			"skip":         {Type: jsonschema.Boolean},
			"skip_reason":  str("why the message was skipped"),
		},
		Required: resultRequiredFields,
	}
}
