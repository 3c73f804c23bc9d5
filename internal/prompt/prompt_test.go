package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemModes(t *testing.T) {
	assert.Contains(t, System("code"), "programming assistant")
	assert.Contains(t, System("concise"), "Be brief")
	// Unknown modes fall back to the default.
	assert.Equal(t, System("default"), System("nope"))
}

func TestBuildSystemWithoutExtensions(t *testing.T) {
	p := BuildSystem("default", nil)
	assert.Contains(t, p, "No extensions are currently enabled")
	assert.Contains(t, p, "Long-Term Memory")
}

func TestBuildSystemListsEnabledExtensions(t *testing.T) {
	p := BuildSystem("default", []ExtensionInfo{
		{Name: "web_search", Description: "Search the web", Enabled: true,
			Parameters: map[string]string{"query": "search terms"}},
		{Name: "file_search", Description: "Find files", Enabled: false},
	})
	assert.Contains(t, p, "web_search")
	assert.Contains(t, p, "`query`")
	assert.NotContains(t, p, "Find files")
}

func TestPersonalityInferenceDedupList(t *testing.T) {
	p := PersonalityInference("user: I like tea", []string{"The user likes tea"})
	assert.Contains(t, p, "- The user likes tea")

	p = PersonalityInference("user: hi", nil)
	assert.Contains(t, p, "(none yet)")
}

func TestPersonalityBlock(t *testing.T) {
	assert.Equal(t, PersonalityBlockEmpty, PersonalityBlock("  "))
	block := PersonalityBlock("The user prefers dark mode.")
	assert.Contains(t, block, "ground truth")
	assert.Contains(t, block, "The user prefers dark mode.")
}

func TestParseReasoning(t *testing.T) {
	raw := "<think>they want a summary\nkeep it short</think>\nBrief: summarize in two lines."
	thinking, brief := ParseReasoning(raw)
	assert.True(t, strings.HasPrefix(thinking, "<think>"))
	assert.Equal(t, "Brief: summarize in two lines.", brief)

	// No think block: everything is the brief.
	thinking, brief = ParseReasoning("just a brief")
	assert.Empty(t, thinking)
	assert.Equal(t, "just a brief", brief)
}
