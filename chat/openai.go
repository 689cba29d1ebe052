package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// completionRequest is the request shape shared by every OpenAI-compatible chat/completions
// endpoint.
type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *Client) completeOpenAI(ctx context.Context, model Model, messages []Message) (string, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	raw, err := c.postJSON(ctx, c.endpointURL(model.Vendor), completionRequest{
		Model:    model.Name,
		Messages: messages,
	}, header)
	if err != nil {
		return "", err
	}

	var payload completionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errNoChoices
	}
	content := payload.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", errNoContent
	}
	return content, nil
}
