package extract

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiModel calls a Gemini model with a JSON response schema.
type GeminiModel struct {
	client *genai.Client
	model  string
}

// NewGeminiModel creates a Gemini-backed model. An empty apiKey falls back
// to the GOOGLE_API_KEY / GEMINI_API_KEY environment variables.
func NewGeminiModel(ctx context.Context, apiKey, model string) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiModel: create genai client: %w", err)
	}
	return &GeminiModel{client: client, model: model}, nil
}

// Name returns the model identifier.
func (m *GeminiModel) Name() string {
	return m.model
}

// Generate implements Model.
func (m *GeminiModel) Generate(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
		ResponseSchema:   geminiResultSchema(),
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("GeminiModel.Generate: generate content: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return "", fmt.Errorf("GeminiModel.Generate: empty response from model")
	}
	return raw, nil
}

func geminiResultSchema() *genai.Schema {
	str := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"amount":       {Type: genai.TypeNumber, Description: "positive transaction amount"},
			"currency":     str("ISO 4217 currency code"),
			"counterparty": str("cleaned merchant or recipient name"),
			"card":         str("card or account label"),
			"direction":    {Type: genai.TypeString, Enum: []string{"IN", "OUT"}},
			"txn_type":     str("purchase, transfer, withdrawal, fee, salary, refund, payment or other"),
			"category":     {Type: genai.TypeString, Enum: categoryNames()},
			"subcategory":  str("subcategory"),
			"confidence":   {Type: genai.TypeString, Enum: []string{"high", "medium", "low"}},
			"reasoning":    str("one short sentence"),
			"skip":         {Type: genai.TypeBoolean},
			"skip_reason":  str("why the message was skipped"),
		},
		Required: resultRequiredFields,
	}
}
