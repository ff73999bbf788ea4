package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect_KnownProviders(t *testing.T) {
	for _, p := range All() {
		t.Run(string(p), func(t *testing.T) {
			got, ok := Detect(string(p) + "/some-model")
			assert.True(t, ok)
			assert.Equal(t, p, got)
		})
	}
}

func TestDetect_Aliases(t *testing.T) {
	for _, alias := range []string{"default", "claude"} {
		got, ok := Detect(alias)
		assert.True(t, ok, "alias %q should resolve", alias)
		assert.Equal(t, Native, got)
	}
}

func TestDetect_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		modelID string
	}{
		{"empty", ""},
		{"no slash", "gpt-4o"},
		{"unknown provider", "acme/model"},
		{"uppercase provider", "OpenRouter/meta-llama/llama-3"},
		{"mixed case provider", "Ollama/llama3"},
		{"trailing slash", "ollama/"},
		{"leading space", " ollama/llama3"},
		{"trailing space", "ollama/llama3 "},
		{"embedded space", "ollama/llama 3"},
		{"tab", "ollama/\tllama3"},
		{"newline", "ollama/llama3\n"},
		{"padded alias", " default"},
		{"alias case", "Claude"},
		{"only slash", "/"},
		{"empty provider", "/model"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := Detect(tc.modelID)
			assert.False(t, ok, "%q should not be routable", tc.modelID)
		})
	}
}

func TestParse_MultiSegmentSuffix(t *testing.T) {
	route, ok := Parse("openrouter/meta-llama/llama-3.1-70b-instruct")
	assert.True(t, ok)
	assert.Equal(t, OpenRouter, route.Provider)
	assert.Equal(t, "meta-llama/llama-3.1-70b-instruct", route.Model)
}

func TestParse_AliasHasNoModel(t *testing.T) {
	route, ok := Parse("claude")
	assert.True(t, ok)
	assert.Equal(t, Anthropic, route.Provider)
	assert.Empty(t, route.Model)
}

func TestParse_ModelKeepsColonSuffix(t *testing.T) {
	route, ok := Parse("openrouter/anthropic/claude-sonnet-4:online")
	assert.True(t, ok)
	assert.Equal(t, "anthropic/claude-sonnet-4:online", route.Model)
}
