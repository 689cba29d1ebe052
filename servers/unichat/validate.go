package unichat

import "github.com/amidabuddha/unichat-mcp-server/chat"

// ValidateMessages accepts exactly one system message followed by one user message.
func ValidateMessages(msgs []chat.Message) error {
	if len(msgs) != 2 {
		return validationError(ReasonWrongCount,
			"Exactly two messages are required: one system message and one user message")
	}
	if msgs[0].Role != chat.RoleSystem {
		return validationError(ReasonWrongFirstRole, "First message must have role 'system'")
	}
	if msgs[1].Role != chat.RoleUser {
		return validationError(ReasonWrongSecondRole, "Second message must have role 'user'")
	}
	return nil
}
