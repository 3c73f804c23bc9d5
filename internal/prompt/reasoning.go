package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

const reasoningTemplate = `You are Aide's reasoning engine. Your job is to think carefully through the user's request, drawing on everything you know about them, before handing a concise brief to the response model.

--- CONTEXT ---
Relevant memories:
%s

User personality profile:
%s

Extension results (if any):
%s
--- END CONTEXT ---

User message: %s

Think step by step inside <think> tags. Consider:
- What is the user actually asking or needing?
- Which memories or personality traits are most relevant?
- Are there any implicit goals, preferences, or constraints?
- What tone and approach would work best for this person?

After your thinking, write a concise brief (2-3 sentences **outside** the <think> block). The brief must state:
1. What the user needs
2. Any key context from memory or personality worth surfacing in the reply
3. The recommended tone/approach for the response model

Do NOT write the final reply — only the thinking and the brief.`

// Reasoning renders the chain-of-thought prompt that runs before the final
// response model. Empty context sections are rendered as "None".
func Reasoning(userMessage, memories, personality, extensions string) string {
	return fmt.Sprintf(reasoningTemplate,
		orNone(memories), orNone(personality), orNone(extensions), userMessage)
}

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ParseReasoning splits a reasoning model response into the raw thinking
// and the brief that follows it.
func ParseReasoning(raw string) (thinking, brief string) {
	matches := thinkBlockRe.FindAllString(raw, -1)
	thinking = strings.TrimSpace(strings.Join(matches, "\n"))
	brief = strings.TrimSpace(thinkBlockRe.ReplaceAllString(raw, ""))
	return thinking, brief
}

func orNone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "None"
	}
	return s
}
