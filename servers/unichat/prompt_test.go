package unichat_test

import (
	"strings"
	"testing"

	"github.com/amidabuddha/unichat-mcp-server/servers/unichat"
	"github.com/stretchr/testify/require"
)

var promptNames = []string{"code_review", "document_code", "explain_code", "code_rework"}

func TestPromptDefinitions(t *testing.T) {
	defs := unichat.PromptDefinitions()
	require.Len(t, defs, len(promptNames))
	for i, def := range defs {
		require.Equal(t, promptNames[i], def.Name)
		require.NotEmpty(t, def.Description)

		var hasCode bool
		for _, arg := range def.Arguments {
			if arg.Name == "code" {
				hasCode = arg.Required
			}
		}
		require.True(t, hasCode, "%s must require code", def.Name)
	}

	rework := defs[3].Arguments
	require.Equal(t, "changes", rework[0].Name)
	require.False(t, rework[0].Required)
}

func TestParsePromptKind(t *testing.T) {
	for i, name := range promptNames {
		kind, ok := unichat.ParsePromptKind(name)
		require.True(t, ok)
		require.Equal(t, unichat.PromptKind(i), kind)
		require.Equal(t, name, kind.Name())
	}
	_, ok := unichat.ParsePromptKind("Code_Review")
	require.False(t, ok)
}

func TestRenderPrompt_MissingCode(t *testing.T) {
	argSets := []map[string]string{
		{},
		{"changes": "use generics"},
		{"code": ""},
		{"language": "go", "changes": "x"},
	}
	for _, name := range promptNames {
		for _, args := range argSets {
			_, err := unichat.RenderPrompt(name, args)
			require.EqualError(t, err, "Missing required argument: code", "prompt %s args %v", name, args)
		}
		_, err := unichat.RenderPrompt(name, nil)
		require.EqualError(t, err, "Missing arguments")
	}
}

func TestRenderPrompt_UnknownPrompt(t *testing.T) {
	for _, args := range []map[string]string{nil, {}, {"code": "x=1"}} {
		_, err := unichat.RenderPrompt("refactor", args)
		require.EqualError(t, err, "Unknown prompt")
	}
}

func TestRenderPrompt(t *testing.T) {
	text, err := unichat.RenderPrompt("code_review", map[string]string{"code": "def f(): pass"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(text, "You are a senior software engineer conducting a thorough code review.\n"))
	require.True(t, strings.HasSuffix(text, "    Code to review:\n    def f(): pass"))

	again, err := unichat.RenderPrompt("code_review", map[string]string{"code": "def f(): pass"})
	require.NoError(t, err)
	require.Equal(t, text, again)
}

func TestRenderPrompt_ChangesDefaultsToEmpty(t *testing.T) {
	text, err := unichat.RenderPrompt("code_rework", map[string]string{"code": "x=1"})
	require.NoError(t, err)
	require.NotContains(t, text, "{changes}")
	require.Contains(t, text, "    Do: \n")
	require.True(t, strings.HasSuffix(text, "Code to transform:\n    x=1"))

	text, err = unichat.RenderPrompt("code_rework", map[string]string{"code": "x=1", "changes": "rename x"})
	require.NoError(t, err)
	require.Contains(t, text, "Do: rename x\n")
}

func TestRenderPrompt_ReplacesOnce(t *testing.T) {
	text, err := unichat.RenderPrompt("explain_code", map[string]string{"code": "fmt.Println(\"{code}\")"})
	require.NoError(t, err)
	require.Contains(t, text, "fmt.Println(\"{code}\")")
	require.Equal(t, 1, strings.Count(text, "{code}"))
}
