package unichat

import (
	"strings"

	"github.com/amidabuddha/unichat-mcp-server"
)

// PromptKind is one of the fixed prompt templates.
type PromptKind int

// Prompt kinds, in the order they are listed.
const (
	PromptCodeReview PromptKind = iota
	PromptDocumentCode
	PromptExplainCode
	PromptCodeRework
)

var promptKinds = []PromptKind{PromptCodeReview, PromptDocumentCode, PromptExplainCode, PromptCodeRework}

const (
	codeReviewTemplate = `You are a senior software engineer conducting a thorough code review.
    Review the following code for:
    - Best practices
    - Potential bugs
    - Performance issues
    - Security concerns
    - Code style and readability

    Code to review:
    {code}`

	documentCodeTemplate = `You are a technical documentation expert.
    Generate comprehensive documentation for the following code.
    Include:
    - Overview
    - Function/class documentation
    - Parameter descriptions
    - Return value descriptions
    - Usage examples

    Code to document:
    {code}`

	explainCodeTemplate = `You are a programming instructor explaining code to a beginner level programmer.
    Explain how the following code works:

    {code}

    Break down:
    - Overall purpose
    - Key components
    - How it works step by step
    - Any important concepts used`

	codeReworkTemplate = `You are a software architect specializing in code optimization and modernization.
    With a foucs on:
    - Modernizing syntax and approaches
    - Improving structure and organization
    - Enhancing maintainability
    - Optimizing performance
    - Applying current best practices
    Do: {changes}

    Code to transform:
    {code}`
)

const (
	codePlaceholder    = "{code}"
	changesPlaceholder = "{changes}"
)

// ParsePromptKind returns the kind registered under name.
func ParsePromptKind(name string) (PromptKind, bool) {
	for _, k := range promptKinds {
		if k.Name() == name {
			return k, true
		}
	}
	return 0, false
}

// Name returns the name the prompt is listed under.
func (k PromptKind) Name() string {
	switch k {
	case PromptCodeReview:
		return "code_review"
	case PromptDocumentCode:
		return "document_code"
	case PromptExplainCode:
		return "explain_code"
	case PromptCodeRework:
		return "code_rework"
	default:
		return ""
	}
}

// Definition returns the prompt as announced by prompts/list.
func (k PromptKind) Definition() mcp.Prompt {
	switch k {
	case PromptCodeReview:
		return mcp.Prompt{
			Name:        k.Name(),
			Description: "Review code for best practices, potential issues, and improvements",
			Arguments:   []mcp.PromptArgument{codeArgument("The code to review")},
		}
	case PromptDocumentCode:
		return mcp.Prompt{
			Name:        k.Name(),
			Description: "Generate documentation for code including docstrings and comments",
			Arguments:   []mcp.PromptArgument{codeArgument("The code to document")},
		}
	case PromptExplainCode:
		return mcp.Prompt{
			Name:        k.Name(),
			Description: "Explain how a piece of code works in detail",
			Arguments:   []mcp.PromptArgument{codeArgument("The code to explain")},
		}
	case PromptCodeRework:
		return mcp.Prompt{
			Name:        k.Name(),
			Description: "Apply requested changes to the provided code",
			Arguments: []mcp.PromptArgument{
				{Name: "changes", Description: "The changes to apply", Required: false},
				codeArgument("The code to rework"),
			},
		}
	default:
		return mcp.Prompt{}
	}
}

func (k PromptKind) template() string {
	switch k {
	case PromptCodeReview:
		return codeReviewTemplate
	case PromptDocumentCode:
		return documentCodeTemplate
	case PromptExplainCode:
		return explainCodeTemplate
	case PromptCodeRework:
		return codeReworkTemplate
	default:
		return ""
	}
}

func codeArgument(desc string) mcp.PromptArgument {
	return mcp.PromptArgument{Name: "code", Description: desc, Required: true}
}

// PromptDefinitions lists every prompt kind in registration order.
func PromptDefinitions() []mcp.Prompt {
	prompts := make([]mcp.Prompt, 0, len(promptKinds))
	for _, k := range promptKinds {
		prompts = append(prompts, k.Definition())
	}
	return prompts
}

// RenderPrompt substitutes the arguments into the template of the named prompt. A nil args map
// means no arguments were supplied at all. Each placeholder is replaced once, the optional
// changes argument defaults to empty text.
func RenderPrompt(name string, args map[string]string) (string, error) {
	kind, ok := ParsePromptKind(name)
	if !ok {
		return "", validationError(ReasonUnknownPrompt, "Unknown prompt")
	}
	if args == nil {
		return "", validationError(ReasonMissingArguments, "Missing arguments")
	}
	code := args["code"]
	if code == "" {
		return "", validationError(ReasonMissingArgument, "Missing required argument: code")
	}

	text := strings.Replace(kind.template(), codePlaceholder, code, 1)
	text = strings.Replace(text, changesPlaceholder, args["changes"], 1)
	return text, nil
}
