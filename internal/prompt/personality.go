package prompt

import (
	"fmt"
	"strings"
)

const personalityInferenceTemplate = `You are analyzing a conversation between a user and Aide (an AI assistant).
Your job is to extract NEW, SPECIFIC facts about the USER's preferences, personality, habits, or important personal details.

These fragments will be used to make Aide more personalized in future conversations.

## Rules
- Extract ONLY facts that are clearly stated or strongly implied by the user (not Aide).
- Do NOT extract vague or obvious facts (e.g. "user likes talking to AI" is too generic).
- Do NOT duplicate facts that already exist in the known fragments list below.
- Each fragment must be a single, self-contained, specific fact.
- Assign a confidence score (0.0 to 1.0) reflecting how certain you are this is a genuine personal fact.
  - 1.0 = user explicitly stated it ("I hate spicy food")
  - 0.7-0.9 = strongly implied ("I always skip breakfast" means the user skips breakfast regularly)
  - 0.5-0.69 = inferred from context (borderline, less certain)
  - Below 0.5 = do not include
- Assign a category from: preference, trait, habit, fact, goal, dislike, relationship, work, health, hobby

## Already Known Fragments (do not duplicate)
%s

## Conversation to Analyze
%s

## Output Format
Respond ONLY with a valid JSON array. Each element must have these exact keys:
- "content": string — the personality fact (concise, e.g. "The user prefers dark mode interfaces")
- "confidence": float — 0.0 to 1.0
- "category": string — one of the categories listed above

If no new fragments are found, respond with an empty array: []

Example output:
[
  {"content": "The user prefers dark mode interfaces", "confidence": 0.95, "category": "preference"},
  {"content": "The user works as a software engineer", "confidence": 0.88, "category": "fact"},
  {"content": "The user dislikes meetings that could have been emails", "confidence": 0.82, "category": "dislike"}
]

JSON array:`

const personalityCompressionTemplate = `You are compressing a list of personality facts about a user into a compact,
coherent summary that will be injected into an AI assistant's system prompt.

## Goal
Produce a concise but information-dense summary that:
- Preserves all important, specific facts
- Groups related facts together
- Uses clear, direct language
- Fits within approximately %d tokens
- Is written from Aide's perspective (e.g. "The user prefers...", "The user works as...")

## Fragments to Compress
%s

## Output Format
Respond ONLY with the compressed summary text. No preamble, no JSON, no explanation.
Start directly with the summary content.

Compressed summary:`

const personalityBlockTemplate = `## What You Know About This User

The following are established facts about the user, learned from previous conversations.
Treat these as ground truth. Reference them naturally when relevant — do not re-ask for
information you already know.

%s
`

// PersonalityBlockEmpty is the block used before anything has been learned.
const PersonalityBlockEmpty = `## What You Know About This User

You are still learning about this user. No personal preferences or facts have been confirmed yet.
Pay attention to what they share and adapt your responses accordingly.
`

// PersonalityInference renders the fragment inference prompt. The known
// fragments are listed so the model does not emit duplicates.
func PersonalityInference(conversation string, knownFragments []string) string {
	known := "(none yet)"
	if len(knownFragments) > 0 {
		var b strings.Builder
		for i, f := range knownFragments {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- ")
			b.WriteString(f)
		}
		known = b.String()
	}
	return fmt.Sprintf(personalityInferenceTemplate, known, conversation)
}

// PersonalityCompression renders the compression prompt.
func PersonalityCompression(fragments []string, targetTokens int) string {
	var b strings.Builder
	for i, f := range fragments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(f)
	}
	return fmt.Sprintf(personalityCompressionTemplate, targetTokens, b.String())
}

// PersonalityBlock wraps learned content in the system prompt block.
// Empty content yields the still-learning block.
func PersonalityBlock(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return PersonalityBlockEmpty
	}
	return fmt.Sprintf(personalityBlockTemplate, content)
}
