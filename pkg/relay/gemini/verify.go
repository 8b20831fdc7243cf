package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Verify makes a one-shot GenerateContent call to confirm the API key and
// model are usable before the relay starts taking sessions. It returns the
// model's reply text.
func Verify(ctx context.Context, apiKey, model string) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", fmt.Errorf("api key must not be empty")
	}
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("model must not be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("create genai client: %w", err)
	}

	resp, err := client.Models.GenerateContent(ctx, model,
		genai.Text("Reply with the single word: ready"), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
