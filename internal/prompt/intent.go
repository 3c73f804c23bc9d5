// Package prompt holds the prompt templates and builders used across the
// runtime: intent classification, system prompts, personality learning and
// memory extraction.
package prompt

import "fmt"

const intentClassificationTemplate = `Analyze the following user message and classify its intent.

User Message: %s

Classify into exactly ONE of these intents:
- greeting: Hello, hi, hey, good morning, etc.
- farewell: Goodbye, bye, see you later, etc.
- general_conversation: Casual chat, small talk
- question: Asking for information or explanation
- complex_query: Deep analysis, multi-step reasoning, complex problems
- code_request: Write code, create program, implement feature
- code_explanation: Explain code, debug, code review
- system_command: Open app, run program, system operation
- web_search: Search the web, find online information
- file_operation: Read/write/manage files
- memory_recall: Remember something from past conversation
- creative_writing: Write story, poem, creative content
- analysis: Analyze data, compare options, evaluate
- math: Mathematical calculations or problems
- translation: Translate between languages
- summarization: Summarize text or content
- unknown: Cannot determine intent

Respond with ONLY the intent name in lowercase, nothing else.`

// IntentClassification renders the intent classification prompt.
func IntentClassification(userInput string) string {
	return fmt.Sprintf(intentClassificationTemplate, userInput)
}
