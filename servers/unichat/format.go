package unichat

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/amidabuddha/unichat-mcp-server"
)

var errInvalidUTF8 = errors.New("response is not valid UTF-8")

// FormatResponse wraps a completion as text content. A response that cannot be normalized is
// replaced by a description of the failure, it never fails.
func FormatResponse(raw string) mcp.Content {
	content, _ := formatResponse(raw)
	return content
}

// formatResponse also reports the FormattingError a degraded content stands for.
func formatResponse(raw string) (mcp.Content, error) {
	text, err := normalize(raw)
	if err != nil {
		fErr := &Error{Kind: FormattingError, Message: "Error formatting response: " + err.Error(), Err: err}
		return mcp.Content{Type: mcp.ContentTypeText, Text: fErr.Message}, fErr
	}
	return mcp.Content{Type: mcp.ContentTypeText, Text: text}, nil
}

func normalize(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", errInvalidUTF8
	}
	return strings.TrimSpace(raw), nil
}
