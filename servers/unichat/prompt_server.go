package unichat

import (
	"context"
	"log/slog"

	"github.com/amidabuddha/unichat-mcp-server"
	"github.com/amidabuddha/unichat-mcp-server/chat"
)

const promptResultDescription = "Requested code manipulation"

// ListPrompts implements mcp.PromptServer interface.
func (s *Server) ListPrompts(ctx context.Context, _ mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	if err := s.ready(ctx); err != nil {
		return mcp.ListPromptResult{}, err
	}
	return mcp.ListPromptResult{Prompts: PromptDefinitions()}, nil
}

// GetPrompt implements mcp.PromptServer interface.
// The rendered template is sent to the backend as the system message and the formatted reply is
// returned as a single user message. Argument errors are returned as they are, backend failures
// as "An error occurred: <description>".
func (s *Server) GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	if err := s.ready(ctx); err != nil {
		return mcp.GetPromptResult{}, err
	}

	system, err := RenderPrompt(params.Name, params.Arguments)
	if err != nil {
		s.logger.Error("failed to render prompt",
			slog.String("prompt", params.Name),
			slog.String("err", err.Error()))
		return mcp.GetPromptResult{}, err
	}

	content, err := s.complete(ctx, []chat.Message{
		{Role: chat.RoleSystem, Content: system},
		{Role: chat.RoleUser, Content: analysisRequest},
	})
	if err != nil {
		s.logger.Error("failed to get prompt completion",
			slog.String("prompt", params.Name),
			slog.String("err", err.Error()))
		return mcp.GetPromptResult{}, operationError(err)
	}

	return mcp.GetPromptResult{
		Description: promptResultDescription,
		Messages: []mcp.PromptMessage{
			{Role: mcp.RoleUser, Content: content},
		},
	}, nil
}
