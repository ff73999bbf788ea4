// Package detector classifies model identifiers into provider tags.
//
// A routable identifier is either one of the baseline aliases ("default",
// "claude") or "<provider>/<model>", where provider is one of the fixed
// lowercase tags below and model is a non-empty, possibly multi-segment,
// provider-specific id that is preserved verbatim.
package detector

import (
	"strings"
	"unicode"
)

// Provider is a validated provider tag.
type Provider string

const (
	Anthropic  Provider = "anthropic"
	Ollama     Provider = "ollama"
	OpenRouter Provider = "openrouter"
	OpenAI     Provider = "openai"
	Gemini     Provider = "gemini"
	Nvidia     Provider = "nvidia"
	DeepSeek   Provider = "deepseek"
	Groq       Provider = "groq"
	XAI        Provider = "xai"
)

// Native is the provider that baseline aliases resolve to.
const Native = Anthropic

var known = map[Provider]struct{}{
	Anthropic:  {},
	Ollama:     {},
	OpenRouter: {},
	OpenAI:     {},
	Gemini:     {},
	Nvidia:     {},
	DeepSeek:   {},
	Groq:       {},
	XAI:        {},
}

var aliases = map[string]struct{}{
	"default": {},
	"claude":  {},
}

// Route is a parsed model identifier.
type Route struct {
	Provider Provider
	// Model is the provider-specific model id. Empty for baseline aliases,
	// in which case the route's configured model applies.
	Model string
}

// Detect returns the provider tag for modelID, or false when the identifier
// is not routable.
func Detect(modelID string) (Provider, bool) {
	r, ok := Parse(modelID)
	return r.Provider, ok
}

// Parse splits modelID into its provider tag and model id.
func Parse(modelID string) (Route, bool) {
	if _, ok := aliases[modelID]; ok {
		return Route{Provider: Native}, true
	}

	if modelID == "" || strings.IndexFunc(modelID, unicode.IsSpace) >= 0 {
		return Route{}, false
	}

	prefix, rest, found := strings.Cut(modelID, "/")
	if !found || rest == "" {
		return Route{}, false
	}

	p := Provider(prefix)
	if !Known(p) {
		return Route{}, false
	}

	return Route{Provider: p, Model: rest}, true
}

// Known reports whether p is one of the fixed provider tags.
func Known(p Provider) bool {
	_, ok := known[p]
	return ok
}

// All returns every known provider tag in a stable order.
func All() []Provider {
	return []Provider{Anthropic, Ollama, OpenRouter, OpenAI, Gemini, Nvidia, DeepSeek, Groq, XAI}
}

func (p Provider) String() string {
	return string(p)
}
