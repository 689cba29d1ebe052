package unichat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/amidabuddha/unichat-mcp-server"
	"github.com/amidabuddha/unichat-mcp-server/chat"
)

const toolName = "unichat"

type unichatArgs struct {
	Messages []chat.Message `json:"messages"`
}

var unichatTool = mcp.Tool{
	Name: toolName,
	Description: `Chat with an assistant.
                        Example tool use message:
                        Ask the unichat to review and evaluate your proposal.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"messages": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"role": {
							"type": "string",
							"description": "The role of the message sender. Must be either 'system' or 'user'",
							"enum": ["system", "user"]
						},
						"content": {
							"type": "string",
							"description": "The content of the message. For system messages, this should define the context or task. For user messages, this should contain the specific query."
						}
					},
					"required": ["role", "content"]
				},
				"minItems": 2,
				"maxItems": 2,
				"description": "Array of exactly two messages: first a system message defining the task, then a user message with the specific query"
			}
		},
		"required": ["messages"]
	}`),
}

// ListTools implements mcp.ToolServer interface.
// Returns the unichat tool, the only tool of this server.
func (s *Server) ListTools(ctx context.Context, _ mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	if err := s.ready(ctx); err != nil {
		return mcp.ListToolsResult{}, err
	}
	return mcp.ListToolsResult{Tools: []mcp.Tool{unichatTool}}, nil
}

// CallTool implements mcp.ToolServer interface.
// Any failure of the unichat tool is reported as "An error occurred: <description>".
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := s.ready(ctx); err != nil {
		return mcp.CallToolResult{}, err
	}

	switch params.Name {
	case toolName:
		content, err := s.callUnichat(ctx, params.Arguments)
		if err != nil {
			s.logger.Error("failed to call tool",
				slog.String("tool", toolName),
				slog.String("err", err.Error()))
			return mcp.CallToolResult{}, operationError(err)
		}
		return mcp.CallToolResult{Content: []mcp.Content{content}}, nil
	default:
		s.logger.Error("unknown tool requested", slog.String("tool", params.Name))
		return mcp.CallToolResult{}, validationError(ReasonUnknownTool, fmt.Sprintf("Unknown tool: %s", params.Name))
	}
}

func (s *Server) callUnichat(ctx context.Context, rawArgs json.RawMessage) (mcp.Content, error) {
	var args unichatArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return mcp.Content{}, &Error{
				Kind:    ValidationError,
				Reason:  ReasonInvalidArguments,
				Message: fmt.Sprintf("invalid arguments: %v", err),
				Err:     err,
			}
		}
	}

	s.logger.Debug("validating messages", slog.Int("count", len(args.Messages)))
	if err := ValidateMessages(args.Messages); err != nil {
		return mcp.Content{}, err
	}

	return s.complete(ctx, args.Messages)
}
