package chat

// Vendor identifies the remote API a model is served by.
type Vendor string

// Supported vendors.
const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorMistral   Vendor = "mistral"
	VendorXAI       Vendor = "xai"
	VendorGemini    Vendor = "gemini"
	VendorDeepSeek  Vendor = "deepseek"
)

// Model is one entry of the supported-model catalog.
type Model struct {
	Name   string
	Vendor Vendor
}

type endpoint struct {
	baseURL string
	path    string
}

var vendorEndpoints = map[Vendor]endpoint{
	VendorOpenAI:    {baseURL: "https://api.openai.com/v1", path: "/chat/completions"},
	VendorAnthropic: {baseURL: "https://api.anthropic.com/v1", path: "/messages"},
	VendorMistral:   {baseURL: "https://api.mistral.ai/v1", path: "/chat/completions"},
	VendorXAI:       {baseURL: "https://api.x.ai/v1", path: "/chat/completions"},
	VendorGemini:    {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", path: "/chat/completions"},
	VendorDeepSeek:  {baseURL: "https://api.deepseek.com", path: "/chat/completions"},
}

var vendorOrder = []Vendor{
	VendorAnthropic,
	VendorDeepSeek,
	VendorGemini,
	VendorMistral,
	VendorOpenAI,
	VendorXAI,
}

var catalog = map[Vendor][]string{
	VendorAnthropic: {
		"claude-3-5-haiku-latest",
		"claude-3-5-sonnet-latest",
		"claude-3-7-sonnet-latest",
		"claude-sonnet-4-0",
		"claude-opus-4-0",
	},
	VendorDeepSeek: {
		"deepseek-chat",
		"deepseek-reasoner",
	},
	VendorGemini: {
		"gemini-1.5-flash",
		"gemini-1.5-pro",
		"gemini-2.0-flash",
		"gemini-2.5-flash",
		"gemini-2.5-pro",
	},
	VendorMistral: {
		"mistral-large-latest",
		"mistral-small-latest",
		"codestral-latest",
		"ministral-8b-latest",
	},
	VendorOpenAI: {
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
		"o1",
		"o3-mini",
	},
	VendorXAI: {
		"grok-2-latest",
		"grok-3",
		"grok-3-mini",
	},
}

// Models returns the supported-model catalog ordered by vendor name.
func Models() []Model {
	var models []Model
	for _, v := range vendorOrder {
		for _, name := range catalog[v] {
			models = append(models, Model{Name: name, Vendor: v})
		}
	}
	return models
}

// LookupModel reports the catalog entry for name.
func LookupModel(name string) (Model, bool) {
	for _, v := range vendorOrder {
		for _, n := range catalog[v] {
			if n == name {
				return Model{Name: n, Vendor: v}, true
			}
		}
	}
	return Model{}, false
}
